// Package inject is used to mock the collaborators of the pose fuser.
package inject

import (
	"context"
	"errors"
	"time"

	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/landmarks"
	"github.com/viam-modules/landmark-localizer/rigid"
)

// LandmarkLookup is an injected fuser.LandmarkLookup.
type LandmarkLookup struct {
	fuser.LandmarkLookup
	LookupFunc func(id string) (landmarks.LandmarkPose, bool)
}

// Lookup calls the injected LookupFunc or the real version.
func (l *LandmarkLookup) Lookup(id string) (landmarks.LandmarkPose, bool) {
	if l.LookupFunc == nil {
		return l.LandmarkLookup.Lookup(id)
	}
	return l.LookupFunc(id)
}

// FrameTransformLookup is an injected fuser.FrameTransformLookup.
type FrameTransformLookup struct {
	fuser.FrameTransformLookup
	LookupTransformFunc func(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error)
}

// LookupTransform calls the injected LookupTransformFunc or the real version.
func (f *FrameTransformLookup) LookupTransform(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
	if f.LookupTransformFunc == nil {
		return f.FrameTransformLookup.LookupTransform(ctx, target, source, at)
	}
	return f.LookupTransformFunc(ctx, target, source, at)
}

// ReferencePoseSource is an injected fuser.ReferencePoseSource.
type ReferencePoseSource struct {
	fuser.ReferencePoseSource
	LatestFunc func() (fuser.ReferencePoseEstimate, bool)
}

// Latest calls the injected LatestFunc or the real version.
func (r *ReferencePoseSource) Latest() (fuser.ReferencePoseEstimate, bool) {
	if r.LatestFunc == nil {
		return r.ReferencePoseSource.Latest()
	}
	return r.LatestFunc()
}

// FusedPoseSink is an injected fuser.FusedPoseSink. Without a PublishFunc it returns an error.
type FusedPoseSink struct {
	PublishFunc func(ctx context.Context, estimate fuser.FusedPoseEstimate) error
}

// Publish calls the injected PublishFunc if defined else it will return an error.
func (s *FusedPoseSink) Publish(ctx context.Context, estimate fuser.FusedPoseEstimate) error {
	if s.PublishFunc == nil {
		return errors.New("no PublishFunc defined for injected fused pose sink")
	}
	return s.PublishFunc(ctx, estimate)
}
