// Package landmarklocalizer corrects a vehicle pose in the map frame from fiducial landmark detections.
package landmarklocalizer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/landmark-localizer/config"
	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/framesystem"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/pipeline"
)

// ErrClosed denotes that a localizer method was called after Close.
var ErrClosed = errors.New("landmark localizer is closed")

// Localizer owns the landmark registry, the frame system and the pipeline workers.
type Localizer struct {
	mu     sync.Mutex
	closed bool

	cfg       *config.Config
	landmarks *landmarks.Handle
	reference *fuser.ReferenceCell
	fuser     *fuser.Fuser
	pipeline  *pipeline.Pipeline
	logger    logging.Logger

	cancelWorkersFunc func()
	workers           sync.WaitGroup
	watcherErr        error
}

// New validates cfg, loads the landmark map and starts the workers. Accepted estimates go to sink and
// one diagnostics report per frame goes to reporter, which may be nil.
func New(
	ctx context.Context,
	cfg config.Config,
	logger logging.Logger,
	sink fuser.FusedPoseSink,
	reporter diagnostics.Reporter,
) (*Localizer, error) {
	_, span := trace.StartSpan(ctx, "landmarklocalizer::New")
	defer span.End()

	if sink == nil {
		return nil, errors.New("a fused pose sink is required")
	}

	svcConfig, err := config.New(cfg, "landmark_localizer")
	if err != nil {
		return nil, err
	}
	logger.Infow("starting landmark localizer",
		"marker_size", svcConfig.MarkerSize,
		"detection_mode", svcConfig.DetectionMode,
		"min_marker_size", svcConfig.MinMarkerSize,
		"target_tag_ids", svcConfig.TargetTagIDs,
	)

	baseCovariance, err := svcConfig.Covariance()
	if err != nil {
		return nil, err
	}

	set, err := landmarks.Load(svcConfig.LandmarkMap)
	if err != nil {
		return nil, err
	}
	handle := landmarks.NewHandle()
	if err := handle.Build(set); err != nil {
		return nil, errors.Wrap(err, "error building landmark registry")
	}
	if logger.Level() == zapcore.DebugLevel {
		logger.Debugw("landmark map loaded", "ids", handle.Snapshot().IDs())
	}

	mounts, err := svcConfig.Mounts()
	if err != nil {
		return nil, err
	}
	// an unlisted body frame sits at the map origin so sensors can still be mounted on it
	if !hasFrame(mounts, svcConfig.BodyFrame) {
		mounts = append(mounts, framesystem.Mount{Name: svcConfig.BodyFrame})
	}
	frames, err := framesystem.New(svcConfig.MapFrame, mounts)
	if err != nil {
		return nil, errors.Wrap(err, "error building frame system")
	}

	reference := &fuser.ReferenceCell{}
	f := fuser.New(
		fuser.Config{
			Gating:         svcConfig.GatingConfig(),
			BaseCovariance: baseCovariance,
			MapFrame:       svcConfig.MapFrame,
			BodyFrame:      svcConfig.BodyFrame,
		},
		handle,
		framesystem.WithTimeout(frames, svcConfig.FrameLookupTimeout()),
		reference,
		sink,
		logger,
	)

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	loc := &Localizer{
		cfg:               svcConfig,
		landmarks:         handle,
		reference:         reference,
		fuser:             f,
		logger:            logger,
		cancelWorkersFunc: cancelFunc,
	}
	loc.pipeline = pipeline.New(pipeline.Config{
		Processor: f,
		Reference: reference,
		Landmarks: handle,
		Reporter:  reporter,
		Logger:    logger,
	})
	loc.pipeline.Start(cancelCtx, &loc.workers)

	if svcConfig.WatchLandmarkMap {
		loc.workers.Add(1)
		goutils.PanicCapturingGo(func() {
			defer loc.workers.Done()
			if err := landmarks.Watch(cancelCtx, svcConfig.LandmarkMap, handle, logger); err != nil {
				logger.Warnw("landmark map watcher stopped", "error", err)
				loc.mu.Lock()
				loc.watcherErr = err
				loc.mu.Unlock()
			}
		})
	}

	return loc, nil
}

// hasFrame reports whether name is mounted.
func hasFrame(mounts []framesystem.Mount, name string) bool {
	for _, m := range mounts {
		if m.Name == name {
			return true
		}
	}
	return false
}

func (loc *Localizer) checkOpen() error {
	loc.mu.Lock()
	defer loc.mu.Unlock()
	if loc.closed {
		return ErrClosed
	}
	return nil
}

// SubmitFrame queues a detection frame for fusion.
func (loc *Localizer) SubmitFrame(ctx context.Context, frame pipeline.DetectionFrame) error {
	if err := loc.checkOpen(); err != nil {
		return err
	}
	return loc.pipeline.SubmitFrame(ctx, frame)
}

// ProcessFrame fuses a detection frame and waits for the result.
func (loc *Localizer) ProcessFrame(ctx context.Context, frame pipeline.DetectionFrame) (pipeline.Result, error) {
	if err := loc.checkOpen(); err != nil {
		return pipeline.Result{}, err
	}
	return loc.pipeline.ProcessFrame(ctx, frame)
}

// SubmitReference replaces the reference pose used to sanity check fused poses.
func (loc *Localizer) SubmitReference(ctx context.Context, ref fuser.ReferencePoseEstimate) error {
	if err := loc.checkOpen(); err != nil {
		return err
	}
	return loc.pipeline.SubmitReference(ctx, ref)
}

// SubmitLandmarks replaces the landmark map.
func (loc *Localizer) SubmitLandmarks(ctx context.Context, set []landmarks.LandmarkPose) error {
	if err := loc.checkOpen(); err != nil {
		return err
	}
	return loc.pipeline.SubmitLandmarks(ctx, set)
}

// SubmitCalibration stores the camera calibration. Only the first one is kept.
func (loc *Localizer) SubmitCalibration(ctx context.Context, cal pipeline.CameraCalibration) error {
	if err := loc.checkOpen(); err != nil {
		return err
	}
	return loc.pipeline.SubmitCalibration(ctx, cal)
}

// Fuse gates and fuses a single detection without publishing it.
func (loc *Localizer) Fuse(ctx context.Context, det fuser.Detection) (fuser.FusedPoseEstimate, error) {
	if err := loc.checkOpen(); err != nil {
		return fuser.FusedPoseEstimate{}, err
	}
	estimate, reason := loc.fuser.Fuse(ctx, det)
	if err := reason.Err(); err != nil {
		return fuser.FusedPoseEstimate{}, err
	}
	return estimate, nil
}

// LandmarkIDs returns the IDs in the current landmark map.
func (loc *Localizer) LandmarkIDs() []string {
	return loc.landmarks.Snapshot().IDs()
}

// Config returns the validated configuration with defaults applied.
func (loc *Localizer) Config() config.Config {
	return *loc.cfg
}

// Close stops the workers. Calling it more than once is a no-op.
func (loc *Localizer) Close(ctx context.Context) error {
	loc.mu.Lock()
	if loc.closed {
		loc.mu.Unlock()
		loc.logger.Warn("Close() called multiple times")
		return nil
	}
	loc.closed = true
	loc.mu.Unlock()

	loc.logger.Info("Closing landmark localizer")
	loc.cancelWorkersFunc()

	done := make(chan struct{})
	goutils.PanicCapturingGo(func() {
		loc.workers.Wait()
		close(done)
	})

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Combine(errors.New("timed out waiting for workers to stop"), ctx.Err())
	}

	loc.mu.Lock()
	err = multierr.Combine(err, loc.watcherErr)
	loc.mu.Unlock()

	loc.logger.Info("Closing complete")
	return err
}
