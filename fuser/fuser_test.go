package fuser_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/landmark-localizer/covariance"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/gating"
	"github.com/viam-modules/landmark-localizer/internal/inject"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/rigid"
	"github.com/viam-modules/landmark-localizer/testhelper"
)

type collaborators struct {
	landmarks *inject.LandmarkLookup
	frames    *inject.FrameTransformLookup
	reference *fuser.ReferenceCell
	published []fuser.FusedPoseEstimate
	lookups   int
	frameHits int
}

func setup(t *testing.T) (*fuser.Fuser, *collaborators) {
	t.Helper()
	c := &collaborators{reference: &fuser.ReferenceCell{}}
	handle := testhelper.LandmarkHandle()
	c.landmarks = &inject.LandmarkLookup{
		LookupFunc: func(id string) (landmarks.LandmarkPose, bool) {
			c.lookups++
			return handle.Lookup(id)
		},
	}
	c.frames = &inject.FrameTransformLookup{
		LookupTransformFunc: func(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
			c.frameHits++
			test.That(t, target, test.ShouldEqual, testhelper.BodyFrame)
			test.That(t, source, test.ShouldEqual, testhelper.CameraFrame)
			return rigid.Identity(), nil
		},
	}
	c.reference.Update(testhelper.Reference())

	f := fuser.New(
		testhelper.FuserConfig(),
		c.landmarks,
		c.frames,
		c.reference,
		testhelper.RecordingSink(&c.published),
		logging.NewTestLogger(t),
	)
	return f, c
}

func TestFuseEndToEnd(t *testing.T) {
	ctx := context.Background()

	t.Run("landmark ahead of an identity mounted camera gives the expected pose", func(t *testing.T) {
		f, _ := setup(t)
		est, reason := f.Fuse(ctx, testhelper.Detection())
		test.That(t, reason, test.ShouldEqual, gating.Accepted)
		test.That(t, rigid.AlmostEqual(est.Pose, rigid.FromTranslation(r3.Vector{X: 8}), 1e-9), test.ShouldBeTrue)
		test.That(t, est.Timestamp, test.ShouldEqual, testhelper.Stamp)
		test.That(t, est.Frame, test.ShouldEqual, testhelper.MapFrame)
		test.That(t, est.LandmarkID, test.ShouldEqual, testhelper.LandmarkID)
		test.That(t, est.Distance, test.ShouldAlmostEqual, 2.0)
		test.That(t, est.Covariance, test.ShouldResemble, testhelper.BaseCovariance())
	})

	t.Run("matches map to landmark composed with the inverted body to landmark chain", func(t *testing.T) {
		f, c := setup(t)
		bodyToCamera := rigid.FromAxisAngle(r3.Vector{Z: 0.3}, r3.Vector{X: 0.5, Z: 1.2})
		c.frames.LookupTransformFunc = func(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
			return bodyToCamera, nil
		}
		det := testhelper.Detection()
		det.SensorPose = rigid.FromAxisAngle(r3.Vector{X: 0.1, Y: -0.2}, r3.Vector{X: 2, Y: 0.4, Z: 0.1})

		mapToLandmark := testhelper.Landmarks()[0].Pose
		want := rigid.Compose(mapToLandmark, rigid.Invert(rigid.Compose(bodyToCamera, det.SensorPose)))
		c.reference.Update(fuser.ReferencePoseEstimate{Timestamp: testhelper.Stamp, Pose: want})

		est, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.Accepted)
		test.That(t, rigid.AlmostEqual(est.Pose, want, 1e-9), test.ShouldBeTrue)
		test.That(t, rigid.AlmostEqual(rigid.Compose(est.Pose, rigid.Compose(bodyToCamera, det.SensorPose)), mapToLandmark, 1e-9),
			test.ShouldBeTrue)
	})

	t.Run("distant landmark inflates the covariance", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.SensorPose = rigid.FromTranslation(r3.Vector{X: 10})
		c.reference.Update(fuser.ReferencePoseEstimate{Timestamp: testhelper.Stamp})

		est, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.Accepted)
		base := testhelper.BaseCovariance()
		for i := 0; i < covariance.Size; i++ {
			test.That(t, est.Covariance[i], test.ShouldAlmostEqual, 8*base[i], 1e-12)
		}
	})
}

func TestFuseGating(t *testing.T) {
	ctx := context.Background()

	t.Run("unwhitelisted landmark never reaches the registry", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.LandmarkID = "42"
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.NotWhitelisted)
		test.That(t, c.lookups, test.ShouldEqual, 0)
		test.That(t, c.frameHits, test.ShouldEqual, 0)
	})

	t.Run("whitelisted but unregistered landmark is rejected", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.LandmarkID = "3"
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.NotRegistered)
		test.That(t, c.lookups, test.ShouldEqual, 1)
		test.That(t, c.frameHits, test.ShouldEqual, 0)
	})

	t.Run("range threshold is inclusive", func(t *testing.T) {
		f, c := setup(t)
		c.reference.Update(fuser.ReferencePoseEstimate{Timestamp: testhelper.Stamp, Pose: rigid.FromTranslation(r3.Vector{X: -3})})
		det := testhelper.Detection()
		det.SensorPose = rigid.FromTranslation(r3.Vector{X: 13})
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.Accepted)

		det.SensorPose = rigid.FromTranslation(r3.Vector{X: math.Nextafter(13, 14)})
		_, reason = f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.OutOfRange)
	})

	t.Run("out of range landmark never asks for a frame transform", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.SensorPose = rigid.FromTranslation(r3.Vector{X: 20})
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.OutOfRange)
		test.That(t, c.frameHits, test.ShouldEqual, 0)
	})

	t.Run("frame transform failure is a rejection", func(t *testing.T) {
		f, c := setup(t)
		c.frames.LookupTransformFunc = func(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
			return rigid.Transform{}, errors.New("frame \"camera\" does not exist")
		}
		_, reason := f.Fuse(ctx, testhelper.Detection())
		test.That(t, reason, test.ShouldEqual, gating.TransformUnavailable)
	})

	t.Run("missing reference pose is a rejection", func(t *testing.T) {
		f, c := setup(t)
		c.reference = &fuser.ReferenceCell{}
		f = fuser.New(testhelper.FuserConfig(), c.landmarks, c.frames, c.reference,
			testhelper.RecordingSink(&c.published), logging.NewTestLogger(t))
		_, reason := f.Fuse(ctx, testhelper.Detection())
		test.That(t, reason, test.ShouldEqual, gating.NoReference)
	})

	t.Run("reference 0.6s older than the detection is rejected", func(t *testing.T) {
		f, _ := setup(t)
		det := testhelper.Detection()
		det.Timestamp = testhelper.Stamp.Add(600 * time.Millisecond)
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.StaleReference)
	})

	t.Run("reference 0.4s older than the detection proceeds to the spatial check", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.Timestamp = testhelper.Stamp.Add(400 * time.Millisecond)
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.Accepted)

		c.reference.Update(fuser.ReferencePoseEstimate{Timestamp: testhelper.Stamp, Pose: rigid.FromTranslation(r3.Vector{X: 30})})
		_, reason = f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.InconsistentPosition)
	})

	t.Run("reference newer than the detection is accepted", func(t *testing.T) {
		f, _ := setup(t)
		det := testhelper.Detection()
		det.Timestamp = testhelper.Stamp.Add(-3 * time.Second)
		_, reason := f.Fuse(ctx, det)
		test.That(t, reason, test.ShouldEqual, gating.Accepted)
	})

	t.Run("gating reads the latest reference pose", func(t *testing.T) {
		f, c := setup(t)
		c.reference.Update(fuser.ReferencePoseEstimate{Timestamp: testhelper.Stamp, Pose: rigid.FromTranslation(r3.Vector{X: 100})})
		_, reason := f.Fuse(ctx, testhelper.Detection())
		test.That(t, reason, test.ShouldEqual, gating.InconsistentPosition)

		c.reference.Update(testhelper.Reference())
		_, reason = f.Fuse(ctx, testhelper.Detection())
		test.That(t, reason, test.ShouldEqual, gating.Accepted)
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted detections are published", func(t *testing.T) {
		f, c := setup(t)
		test.That(t, f.Process(ctx, testhelper.Detection()), test.ShouldBeTrue)
		test.That(t, c.published, test.ShouldHaveLength, 1)
	})

	t.Run("unknown landmark publishes nothing", func(t *testing.T) {
		f, c := setup(t)
		det := testhelper.Detection()
		det.LandmarkID = "4"
		test.That(t, f.Process(ctx, det), test.ShouldBeFalse)
		test.That(t, c.published, test.ShouldHaveLength, 0)
	})

	t.Run("publishing failure does not count as accepted", func(t *testing.T) {
		_, c := setup(t)
		sink := &inject.FusedPoseSink{}
		f := fuser.New(testhelper.FuserConfig(), c.landmarks, c.frames, c.reference, sink, logging.NewTestLogger(t))
		test.That(t, f.Process(ctx, testhelper.Detection()), test.ShouldBeFalse)
	})

	t.Run("process frame counts accepted detections", func(t *testing.T) {
		f, c := setup(t)
		unknown := testhelper.Detection()
		unknown.LandmarkID = "9"
		far := testhelper.Detection()
		far.SensorPose = rigid.FromTranslation(r3.Vector{Z: 50})

		accepted := f.ProcessFrame(ctx, []fuser.Detection{testhelper.Detection(), unknown, far, testhelper.Detection()})
		test.That(t, accepted, test.ShouldEqual, 2)
		test.That(t, c.published, test.ShouldHaveLength, 2)
	})

	t.Run("sink func adapts a function", func(t *testing.T) {
		var got []fuser.FusedPoseEstimate
		var sink fuser.FusedPoseSink = fuser.SinkFunc(func(ctx context.Context, est fuser.FusedPoseEstimate) error {
			got = append(got, est)
			return nil
		})
		test.That(t, sink.Publish(ctx, fuser.FusedPoseEstimate{LandmarkID: "1"}), test.ShouldBeNil)
		test.That(t, got, test.ShouldHaveLength, 1)
	})
}

func TestReferenceCell(t *testing.T) {
	var cell fuser.ReferenceCell
	_, ok := cell.Latest()
	test.That(t, ok, test.ShouldBeFalse)

	first := testhelper.Reference()
	second := first
	second.Timestamp = first.Timestamp.Add(time.Second)
	cell.Update(first)
	cell.Update(second)

	got, ok := cell.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got, test.ShouldResemble, second)
}
