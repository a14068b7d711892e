// Package pipeline feeds detection frames and state updates to the pose fuser on background workers.
package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/landmarks"
)

// ErrNotRunning is returned when submitting to a pipeline whose workers are not running.
var ErrNotRunning = errors.New("pipeline is not running")

// DetectionFrame holds every detection from one camera image.
type DetectionFrame struct {
	SensorFrame string
	Timestamp   time.Time
	Detections  []fuser.Detection
}

// CameraCalibration is the intrinsic calibration of the camera feeding the detector.
// Projection is the row-major 3x4 projection matrix.
type CameraCalibration struct {
	Width      int
	Height     int
	Projection [12]float64
}

// CalibrationCell stores the first calibration it is given.
type CalibrationCell struct {
	calibration atomic.Pointer[CameraCalibration]
}

// Set stores cal if no calibration is stored yet and reports whether it did.
func (c *CalibrationCell) Set(cal CameraCalibration) bool {
	return c.calibration.CompareAndSwap(nil, &cal)
}

// Get returns the stored calibration, if any.
func (c *CalibrationCell) Get() (CameraCalibration, bool) {
	cal := c.calibration.Load()
	if cal == nil {
		return CameraCalibration{}, false
	}
	return *cal, true
}

// FrameProcessor fuses the detections of one frame and returns how many were accepted.
type FrameProcessor interface {
	ProcessFrame(ctx context.Context, detections []fuser.Detection) int
}

// Config holds what the pipeline workers need.
type Config struct {
	Processor FrameProcessor
	Reference *fuser.ReferenceCell
	Landmarks *landmarks.Handle
	// Reporter receives one report per processed frame. It may be nil.
	Reporter diagnostics.Reporter
	Logger   logging.Logger
}

// Result is the outcome of a processed frame.
type Result struct {
	Report diagnostics.Report
	// Skipped is true when the frame was dropped before fusion.
	Skipped bool
}

type frameItem struct {
	frame DetectionFrame
	done  chan Result
}

type stateUpdate struct {
	apply func()
	done  chan struct{}
}

// Pipeline runs one fusion worker and one state worker. Fusion handles frames one at a time in
// arrival order. State updates never wait on fusion.
type Pipeline struct {
	processor FrameProcessor
	reference *fuser.ReferenceCell
	landmarks *landmarks.Handle
	reporter  diagnostics.Reporter
	logger    logging.Logger

	calibration CalibrationCell

	frameChan  chan frameItem
	updateChan chan stateUpdate
	stopped    chan struct{}
	started    atomic.Bool
}

// New returns a Pipeline. Call Start to run its workers.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		processor:  cfg.Processor,
		reference:  cfg.Reference,
		landmarks:  cfg.Landmarks,
		reporter:   cfg.Reporter,
		logger:     cfg.Logger,
		frameChan:  make(chan frameItem),
		updateChan: make(chan stateUpdate),
		stopped:    make(chan struct{}),
	}
}

// Start starts the background workers. They stop when ctx is done.
func (p *Pipeline) Start(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	var workers sync.WaitGroup
	workers.Add(2)
	activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer activeBackgroundWorkers.Done()
		workers.Wait()
		close(p.stopped)
	})

	goutils.PanicCapturingGo(func() {
		defer workers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update := <-p.updateChan:
				update.apply()
				close(update.done)
			}
		}
	})

	goutils.PanicCapturingGo(func() {
		defer workers.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-p.frameChan:
				result := p.processFrame(ctx, item.frame)
				if item.done != nil {
					item.done <- result
				}
			}
		}
	})
}

func (p *Pipeline) processFrame(ctx context.Context, frame DetectionFrame) Result {
	ctx, span := trace.StartSpan(ctx, "landmarklocalizer::pipeline::processFrame")
	defer span.End()

	if _, ok := p.calibration.Get(); !ok {
		p.logger.Debugw("no camera calibration has been received, dropping frame",
			"sensor_frame", frame.SensorFrame, "stamp", frame.Timestamp)
		return Result{Skipped: true}
	}

	accepted := p.processor.ProcessFrame(ctx, frame.Detections)
	report := diagnostics.NewReport(len(frame.Detections), accepted, frame.Timestamp)
	if p.reporter != nil {
		p.reporter.Report(ctx, report)
	}
	return Result{Report: report}
}

// SubmitFrame queues frame for fusion and returns without waiting for the result.
func (p *Pipeline) SubmitFrame(ctx context.Context, frame DetectionFrame) error {
	return p.submitFrame(ctx, frameItem{frame: frame})
}

// ProcessFrame queues frame for fusion and waits for its result.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame DetectionFrame) (Result, error) {
	item := frameItem{frame: frame, done: make(chan Result, 1)}
	if err := p.submitFrame(ctx, item); err != nil {
		return Result{}, err
	}
	select {
	case result := <-item.done:
		return result, nil
	case <-p.stopped:
		return Result{}, ErrNotRunning
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pipeline) submitFrame(ctx context.Context, item frameItem) error {
	if !p.started.Load() {
		return ErrNotRunning
	}
	select {
	case p.frameChan <- item:
		return nil
	case <-p.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitReference replaces the reference pose. It returns once the update is visible to fusion.
func (p *Pipeline) SubmitReference(ctx context.Context, ref fuser.ReferencePoseEstimate) error {
	return p.submitUpdate(ctx, func() {
		p.reference.Update(ref)
	})
}

// SubmitLandmarks rebuilds the landmark registry from set. An invalid set is logged and dropped,
// leaving the previous registry in place.
func (p *Pipeline) SubmitLandmarks(ctx context.Context, set []landmarks.LandmarkPose) error {
	return p.submitUpdate(ctx, func() {
		if err := p.landmarks.Build(set); err != nil {
			p.logger.Warnw("dropping invalid landmark set", "error", err)
			return
		}
		p.logger.Infow("landmark map updated", "landmarks", len(set))
	})
}

// SubmitCalibration stores the camera calibration. Only the first calibration is kept.
func (p *Pipeline) SubmitCalibration(ctx context.Context, cal CameraCalibration) error {
	return p.submitUpdate(ctx, func() {
		if !p.calibration.Set(cal) {
			return
		}
		p.logger.Infow("camera calibration received", "width", cal.Width, "height", cal.Height)
	})
}

// Calibration returns the stored camera calibration, if any.
func (p *Pipeline) Calibration() (CameraCalibration, bool) {
	return p.calibration.Get()
}

func (p *Pipeline) submitUpdate(ctx context.Context, apply func()) error {
	if !p.started.Load() {
		return ErrNotRunning
	}
	update := stateUpdate{apply: apply, done: make(chan struct{})}
	select {
	case p.updateChan <- update:
	case <-p.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-update.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
