// Package fuser turns a single landmark detection into a corrected map frame pose, or rejects it.
package fuser

import (
	"context"
	"time"

	"go.opencensus.io/trace"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/landmark-localizer/covariance"
	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/gating"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/rigid"
)

// Detection is one observation of a landmark relative to a sensor.
type Detection struct {
	LandmarkID string
	Timestamp  time.Time
	// SensorPose is the pose of the landmark in SensorFrame.
	SensorPose  rigid.Transform
	SensorFrame string
}

// ReferencePoseEstimate is the latest pose from the state estimator, used only to sanity check fused poses.
type ReferencePoseEstimate struct {
	Timestamp time.Time
	Pose      rigid.Transform
}

// FusedPoseEstimate is an accepted pose correction in the map frame.
type FusedPoseEstimate struct {
	// Timestamp is copied from the detection.
	Timestamp  time.Time
	Frame      string
	Pose       rigid.Transform
	Covariance covariance.Covariance
	LandmarkID string
	// Distance is the sensor to landmark distance the covariance was scaled with.
	Distance float64
}

// LandmarkLookup resolves landmark IDs to map frame poses.
type LandmarkLookup interface {
	Lookup(id string) (landmarks.LandmarkPose, bool)
}

// FrameTransformLookup resolves the pose of the source frame in the target frame.
// A zero time requests the latest available transform.
type FrameTransformLookup interface {
	LookupTransform(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error)
}

// ReferencePoseSource returns the most recently received reference pose, if any.
type ReferencePoseSource interface {
	Latest() (ReferencePoseEstimate, bool)
}

// FusedPoseSink receives accepted estimates.
type FusedPoseSink interface {
	Publish(ctx context.Context, estimate FusedPoseEstimate) error
}

// SinkFunc adapts a function to a FusedPoseSink.
type SinkFunc func(ctx context.Context, estimate FusedPoseEstimate) error

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, estimate FusedPoseEstimate) error {
	return f(ctx, estimate)
}

// Config configures a Fuser.
type Config struct {
	Gating         gating.Config
	BaseCovariance covariance.Covariance
	// MapFrame names the frame fused poses are expressed in.
	MapFrame string
	// BodyFrame is the vehicle frame whose pose is estimated.
	BodyFrame string
}

// Fuser runs the gating checks and pose composition for one detection at a time.
// It keeps no state between detections.
type Fuser struct {
	policy         *gating.Policy
	baseCovariance covariance.Covariance
	mapFrame       string
	bodyFrame      string

	landmarks LandmarkLookup
	frames    FrameTransformLookup
	reference ReferencePoseSource
	sink      FusedPoseSink
	logger    logging.Logger
}

// New returns a Fuser using the given collaborators.
func New(
	cfg Config,
	landmarkLookup LandmarkLookup,
	frames FrameTransformLookup,
	reference ReferencePoseSource,
	sink FusedPoseSink,
	logger logging.Logger,
) *Fuser {
	return &Fuser{
		policy:         gating.NewPolicy(cfg.Gating),
		baseCovariance: cfg.BaseCovariance,
		mapFrame:       cfg.MapFrame,
		bodyFrame:      cfg.BodyFrame,
		landmarks:      landmarkLookup,
		frames:         frames,
		reference:      reference,
		sink:           sink,
		logger:         logger,
	}
}

// Fuse gates det and, when every check passes, returns the fused estimate with gating.Accepted.
// Any other reason means there is no estimate.
func (f *Fuser) Fuse(ctx context.Context, det Detection) (FusedPoseEstimate, gating.Reason) {
	ctx, span := trace.StartSpan(ctx, "landmarklocalizer::fuser::Fuse")
	defer span.End()

	estimate, reason := f.fuse(ctx, det)
	span.AddAttributes(
		trace.StringAttribute("landmark_id", det.LandmarkID),
		trace.StringAttribute("outcome", reason.String()),
	)
	diagnostics.RecordOutcome(ctx, reason)
	if reason == gating.Accepted {
		diagnostics.RecordFusedDistance(ctx, estimate.Distance)
	}
	return estimate, reason
}

func (f *Fuser) fuse(ctx context.Context, det Detection) (FusedPoseEstimate, gating.Reason) {
	if reason := f.policy.CheckWhitelist(det.LandmarkID); reason != gating.Accepted {
		f.logger.Infow("landmark is not in target_tag_ids", "landmark_id", det.LandmarkID)
		return FusedPoseEstimate{}, reason
	}

	mapToLandmark, found := f.landmarks.Lookup(det.LandmarkID)
	if reason := f.policy.CheckRegistered(found); reason != gating.Accepted {
		f.logger.Infow("landmark is not in the landmark map", "landmark_id", det.LandmarkID)
		return FusedPoseEstimate{}, reason
	}

	sensorToLandmark := det.SensorPose
	if reason := f.policy.CheckRange(sensorToLandmark.Translation); reason != gating.Accepted {
		f.logger.Debugw("landmark is too far away",
			"landmark_id", det.LandmarkID, "distance", sensorToLandmark.Translation.Norm())
		return FusedPoseEstimate{}, reason
	}

	bodyToSensor, err := f.frames.LookupTransform(ctx, f.bodyFrame, det.SensorFrame, time.Time{})
	if reason := f.policy.CheckTransform(err); reason != gating.Accepted {
		f.logger.Infow("could not transform sensor frame to body frame",
			"sensor_frame", det.SensorFrame, "body_frame", f.bodyFrame, "error", err)
		return FusedPoseEstimate{}, reason
	}

	bodyToLandmark := rigid.Compose(bodyToSensor, sensorToLandmark)
	mapToBody := rigid.Compose(mapToLandmark.Pose, rigid.Invert(bodyToLandmark))

	reference, haveReference := f.reference.Latest()
	if reason := f.policy.CheckTemporal(det.Timestamp, reference.Timestamp, haveReference); reason != gating.Accepted {
		if haveReference {
			f.logger.Infow("reference pose is too old compared to the detection",
				"reference_stamp", reference.Timestamp, "detection_stamp", det.Timestamp)
		} else {
			f.logger.Infow("no reference pose has been received", "landmark_id", det.LandmarkID)
		}
		return FusedPoseEstimate{}, reason
	}

	if reason := f.policy.CheckSpatial(mapToBody.Translation, reference.Pose.Translation); reason != gating.Accepted {
		f.logger.Infow("fused pose differs too much from the reference pose",
			"fused", mapToBody.Translation, "reference", reference.Pose.Translation)
		return FusedPoseEstimate{}, reason
	}

	distance := sensorToLandmark.Translation.Norm()
	return FusedPoseEstimate{
		Timestamp:  det.Timestamp,
		Frame:      f.mapFrame,
		Pose:       mapToBody,
		Covariance: covariance.Scale(f.baseCovariance, distance),
		LandmarkID: det.LandmarkID,
		Distance:   distance,
	}, gating.Accepted
}

// Process fuses det and publishes the estimate when accepted. It reports whether an estimate
// was published. Publishing failures are logged, not returned.
func (f *Fuser) Process(ctx context.Context, det Detection) bool {
	estimate, reason := f.Fuse(ctx, det)
	if reason != gating.Accepted {
		return false
	}
	if err := f.sink.Publish(ctx, estimate); err != nil {
		f.logger.Warnw("error publishing fused pose", "landmark_id", det.LandmarkID, "error", err)
		return false
	}
	return true
}

// ProcessFrame processes the detections of one sensor frame in order and returns how many
// produced a published estimate.
func (f *Fuser) ProcessFrame(ctx context.Context, detections []Detection) int {
	accepted := 0
	for _, det := range detections {
		if f.Process(ctx, det) {
			accepted++
		}
	}
	return accepted
}
