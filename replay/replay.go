// Package replay reads recorded localizer inputs and writes fused poses as JSON lines.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/sync/errgroup"

	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/pipeline"
	"github.com/viam-modules/landmark-localizer/rigid"
)

// Event types.
const (
	EventCalibration = "calibration"
	EventReference   = "reference"
	EventLandmarks   = "landmarks"
	EventDetections  = "detections"
)

const maxLineSize = 4 << 20

// Event is one line of a recording. Which payload is set depends on Type.
type Event struct {
	Type  string    `json:"type"`
	Stamp time.Time `json:"stamp"`

	Calibration *Calibration    `json:"calibration,omitempty"`
	Reference   *Pose           `json:"reference,omitempty"`
	LandmarkMap *landmarks.File `json:"landmark_map,omitempty"`
	SensorFrame string          `json:"sensor_frame,omitempty"`
	Detections  []Detection     `json:"detections,omitempty"`
}

// Calibration is a recorded camera calibration.
type Calibration struct {
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Projection [12]float64 `json:"projection"`
}

// Pose is a recorded pose as a translation and a rotation vector.
type Pose struct {
	Translation [3]float64 `json:"translation"`
	Rvec        [3]float64 `json:"rvec"`
}

// Detection is one marker as reported by the detector: its rotation and translation vectors
// in the camera frame.
type Detection struct {
	ID   string     `json:"id"`
	Rvec [3]float64 `json:"rvec"`
	Tvec [3]float64 `json:"tvec"`
}

func vec(v [3]float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// Transform converts p.
func (p Pose) Transform() rigid.Transform {
	return rigid.FromAxisAngle(vec(p.Rvec), vec(p.Translation))
}

// ParseEvent decodes and checks one JSON event.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, errors.Wrap(err, "malformed event")
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (e Event) validate() error {
	switch e.Type {
	case EventCalibration:
		if e.Calibration == nil {
			return errors.New("calibration event without calibration")
		}
	case EventReference:
		if e.Reference == nil {
			return errors.New("reference event without reference")
		}
	case EventLandmarks:
		if e.LandmarkMap == nil {
			return errors.New("landmarks event without landmark_map")
		}
	case EventDetections:
		if e.SensorFrame == "" {
			return errors.New("detections event without sensor_frame")
		}
	default:
		return errors.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Frame converts a detections event.
func (e Event) Frame() pipeline.DetectionFrame {
	frame := pipeline.DetectionFrame{
		SensorFrame: e.SensorFrame,
		Timestamp:   e.Stamp,
		Detections:  make([]fuser.Detection, 0, len(e.Detections)),
	}
	for _, d := range e.Detections {
		frame.Detections = append(frame.Detections, fuser.Detection{
			LandmarkID:  d.ID,
			Timestamp:   e.Stamp,
			SensorPose:  rigid.FromAxisAngle(vec(d.Rvec), vec(d.Tvec)),
			SensorFrame: e.SensorFrame,
		})
	}
	return frame
}

// Decoder reads events from a JSON lines stream. Lines that cannot be used are logged and skipped.
type Decoder struct {
	r      *bufio.Reader
	logger logging.Logger
	line   int
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, logger logging.Logger) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Next returns the next usable event, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Event, error) {
	for {
		data, oversized, err := d.readLine()
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		if err != nil {
			return Event{}, errors.Wrapf(err, "error reading events after line %d", d.line)
		}
		d.line++
		if oversized {
			d.logger.Warnw("skipping oversized event", "line", d.line, "max_bytes", maxLineSize)
			continue
		}
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}
		ev, err := ParseEvent(data)
		if err != nil {
			d.logger.Warnw("skipping event", "line", d.line, "error", err)
			continue
		}
		return ev, nil
	}
}

// readLine returns the next line. A line longer than maxLineSize is consumed and reported as oversized.
func (d *Decoder) readLine() ([]byte, bool, error) {
	var line []byte
	var oversized bool
	for {
		chunk, err := d.r.ReadSlice('\n')
		switch {
		case oversized:
		case len(line)+len(chunk) > maxLineSize:
			oversized = true
			line = nil
		default:
			line = append(line, chunk...)
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && (len(line) > 0 || oversized):
			return line, oversized, nil
		case err != nil:
			return nil, false, err
		}
		return line, oversized, nil
	}
}

// Target receives replayed events.
type Target interface {
	SubmitCalibration(ctx context.Context, cal pipeline.CameraCalibration) error
	SubmitReference(ctx context.Context, ref fuser.ReferencePoseEstimate) error
	SubmitLandmarks(ctx context.Context, set []landmarks.LandmarkPose) error
	ProcessFrame(ctx context.Context, frame pipeline.DetectionFrame) (pipeline.Result, error)
}

// Summary counts what a replay did.
type Summary struct {
	Events     int
	Frames     int
	Detections int
	Accepted   int
}

// Run feeds every event from dec into target in order and waits for each frame to be processed.
func Run(ctx context.Context, dec *Decoder, target Target, logger logging.Logger) (Summary, error) {
	var summary Summary
	events := make(chan Event)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		for {
			ev, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
	g.Go(func() error {
		for ev := range events {
			summary.Events++
			result, err := Apply(ctx, ev, target, logger)
			if err != nil {
				return err
			}
			summary.add(result)
		}
		return nil
	})

	err := g.Wait()
	return summary, err
}

// Apply hands ev to target. For a detections event it returns the processing result.
// An invalid landmark map is logged and dropped.
func Apply(ctx context.Context, ev Event, target Target, logger logging.Logger) (*pipeline.Result, error) {
	switch ev.Type {
	case EventCalibration:
		c := ev.Calibration
		return nil, target.SubmitCalibration(ctx, pipeline.CameraCalibration{Width: c.Width, Height: c.Height, Projection: c.Projection})
	case EventReference:
		return nil, target.SubmitReference(ctx, fuser.ReferencePoseEstimate{Timestamp: ev.Stamp, Pose: ev.Reference.Transform()})
	case EventLandmarks:
		set, err := ev.LandmarkMap.LandmarkPoses()
		if err != nil {
			logger.Warnw("skipping invalid landmark map", "stamp", ev.Stamp, "error", err)
			return nil, nil
		}
		return nil, target.SubmitLandmarks(ctx, set)
	case EventDetections:
		result, err := target.ProcessFrame(ctx, ev.Frame())
		if err != nil {
			return nil, err
		}
		return &result, nil
	default:
		return nil, errors.Errorf("unknown event type %q", ev.Type)
	}
}

func (s *Summary) add(result *pipeline.Result) {
	if result == nil || result.Skipped {
		return
	}
	s.Frames++
	s.Detections += result.Report.Detected
	s.Accepted += result.Report.Accepted
}
