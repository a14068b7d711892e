package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/rigid"
)

// TimeFormat is the timestamp format of written lines.
const TimeFormat = time.RFC3339Nano

// Output is one written fused pose. Pose is a common.v1.Pose in protojson form, with the
// position in metres.
type Output struct {
	Stamp      string          `json:"stamp"`
	Frame      string          `json:"frame"`
	LandmarkID string          `json:"landmark_id"`
	Distance   float64         `json:"distance"`
	Pose       json.RawMessage `json:"pose"`
	Covariance []float64       `json:"covariance"`
}

// Transform decodes the written pose.
func (o Output) Transform() (rigid.Transform, error) {
	var pose commonpb.Pose
	if err := protojson.Unmarshal(o.Pose, &pose); err != nil {
		return rigid.Transform{}, errors.Wrap(err, "error decoding pose")
	}
	return rigid.FromPose(spatialmath.NewPoseFromProtobuf(&pose)), nil
}

// DiagnosticOutput is one written frame report.
type DiagnosticOutput struct {
	Stamp    string `json:"stamp"`
	CycleID  string `json:"cycle_id"`
	Level    string `json:"level"`
	Message  string `json:"message"`
	Detected int    `json:"detected"`
	Accepted int    `json:"accepted"`
}

// Writer writes fused poses as JSON lines. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	logger logging.Logger
}

// NewWriter returns a Writer writing to w.
func NewWriter(w io.Writer, logger logging.Logger) *Writer {
	return &Writer{w: bufio.NewWriter(w), logger: logger}
}

// NewOutput renders estimate.
func NewOutput(estimate fuser.FusedPoseEstimate) (Output, error) {
	pose, err := protojson.Marshal(spatialmath.PoseToProtobuf(estimate.Pose.Pose()))
	if err != nil {
		return Output{}, errors.Wrap(err, "error encoding pose")
	}
	return Output{
		Stamp:      estimate.Timestamp.UTC().Format(TimeFormat),
		Frame:      estimate.Frame,
		LandmarkID: estimate.LandmarkID,
		Distance:   estimate.Distance,
		Pose:       pose,
		Covariance: estimate.Covariance[:],
	}, nil
}

// NewDiagnosticOutput renders r.
func NewDiagnosticOutput(r diagnostics.Report) DiagnosticOutput {
	return DiagnosticOutput{
		Stamp:    r.Stamp.UTC().Format(TimeFormat),
		CycleID:  r.CycleID.String(),
		Level:    r.Level.String(),
		Message:  r.Message,
		Detected: r.Detected,
		Accepted: r.Accepted,
	}
}

// Publish writes estimate as one line.
func (w *Writer) Publish(ctx context.Context, estimate fuser.FusedPoseEstimate) error {
	out, err := NewOutput(estimate)
	if err != nil {
		return err
	}
	return w.writeLine(out)
}

// Report writes r as one line. Reporters cannot fail, so a write error is logged.
func (w *Writer) Report(ctx context.Context, r diagnostics.Report) {
	if err := w.writeLine(NewDiagnosticOutput(r)); err != nil {
		w.logger.Warnw("failed to write diagnostics", "cycle_id", r.CycleID.String(), "error", err)
	}
}

func (w *Writer) writeLine(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.w.Flush()
}
