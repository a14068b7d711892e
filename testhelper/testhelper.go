// Package testhelper holds fixtures shared by the landmark localizer tests.
package testhelper

import (
	"context"
	"time"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/landmark-localizer/covariance"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/gating"
	"github.com/viam-modules/landmark-localizer/internal/inject"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/rigid"
)

const (
	// MapFrame is the map frame name used in tests.
	MapFrame = "map"
	// BodyFrame is the body frame name used in tests.
	BodyFrame = "base_link"
	// CameraFrame is the sensor frame name used in tests.
	CameraFrame = "camera"
	// LandmarkID is the landmark registered by Landmarks.
	LandmarkID = "5"
)

// Stamp is the reference time used across tests.
var Stamp = time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC)

// BaseCovariance returns a diagonal covariance with 0.02 m² position and 0.01 rad² orientation variance.
func BaseCovariance() covariance.Covariance {
	var c covariance.Covariance
	for i := 0; i < 3; i++ {
		c[i*7] = 0.02
		c[(i+3)*7] = 0.01
	}
	return c
}

// BaseCovarianceSlice returns BaseCovariance as a slice, the way it appears in a config.
func BaseCovarianceSlice() []float64 {
	c := BaseCovariance()
	return c[:]
}

// GatingConfig returns thresholds that accept the Detection fixture.
func GatingConfig() gating.Config {
	return gating.Config{
		TargetIDs:         []string{"0", "1", "2", "3", "4", "5"},
		DistanceThreshold: 13,
		TimeTolerance:     500 * time.Millisecond,
		PositionTolerance: 10,
	}
}

// FuserConfig returns a fuser configuration built from the fixtures.
func FuserConfig() fuser.Config {
	return fuser.Config{
		Gating:         GatingConfig(),
		BaseCovariance: BaseCovariance(),
		MapFrame:       MapFrame,
		BodyFrame:      BodyFrame,
	}
}

// Landmarks returns landmark "5" at (10, 0, 0) with identity orientation.
func Landmarks() []landmarks.LandmarkPose {
	return []landmarks.LandmarkPose{
		{ID: LandmarkID, Pose: rigid.FromTranslation(r3.Vector{X: 10})},
	}
}

// LandmarkHandle returns a handle holding Landmarks.
func LandmarkHandle() *landmarks.Handle {
	h := landmarks.NewHandle()
	if err := h.Build(Landmarks()); err != nil {
		panic(err)
	}
	return h
}

// Detection returns a detection of landmark "5" two metres ahead of the camera.
func Detection() fuser.Detection {
	return fuser.Detection{
		LandmarkID:  LandmarkID,
		Timestamp:   Stamp,
		SensorPose:  rigid.FromTranslation(r3.Vector{X: 2}),
		SensorFrame: CameraFrame,
	}
}

// Reference returns a reference pose at (8, 0, 0) stamped at Stamp.
func Reference() fuser.ReferencePoseEstimate {
	return fuser.ReferencePoseEstimate{
		Timestamp: Stamp,
		Pose:      rigid.FromTranslation(r3.Vector{X: 8}),
	}
}

// IdentityFrames returns a frame lookup that maps every frame onto every other with the identity.
func IdentityFrames() *inject.FrameTransformLookup {
	return &inject.FrameTransformLookup{
		LookupTransformFunc: func(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
			return rigid.Identity(), nil
		},
	}
}

// RecordingSink returns a sink that appends every estimate to out.
func RecordingSink(out *[]fuser.FusedPoseEstimate) *inject.FusedPoseSink {
	return &inject.FusedPoseSink{
		PublishFunc: func(ctx context.Context, estimate fuser.FusedPoseEstimate) error {
			*out = append(*out, estimate)
			return nil
		},
	}
}
