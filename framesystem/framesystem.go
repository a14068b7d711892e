// Package framesystem resolves transforms between named frames from a set of static sensor mounts.
package framesystem

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/rigid"
)

// ErrLookupTimeout is returned when a wrapped lookup does not finish in time.
var ErrLookupTimeout = errors.New("frame transform lookup timed out")

// Mount places a frame relative to its parent. An empty Parent means the world frame.
type Mount struct {
	Name   string
	Parent string
	// Pose is the pose of the frame in its parent.
	Pose rigid.Transform
}

// Service answers frame transform lookups over static frames.
type Service struct {
	world     string
	transform func(pif *referenceframe.PoseInFrame, dst string) (referenceframe.Transformable, error)
}

// New builds a frame system named world from mounts. Mounts may be listed in any order
// as long as every parent is world or another mount.
func New(world string, mounts []Mount) (*Service, error) {
	fs := referenceframe.NewEmptyFrameSystem(world)

	pending := append([]Mount(nil), mounts...)
	for len(pending) > 0 {
		var next []Mount
		for _, m := range pending {
			parent := fs.World()
			if m.Parent != "" && m.Parent != world {
				parent = fs.Frame(m.Parent)
				if parent == nil {
					next = append(next, m)
					continue
				}
			}
			if fs.Frame(m.Name) != nil {
				return nil, errors.Errorf("frame %q is defined more than once", m.Name)
			}
			frame, err := referenceframe.NewStaticFrame(m.Name, m.Pose.Pose())
			if err != nil {
				return nil, errors.Wrapf(err, "error creating frame %q", m.Name)
			}
			if err := fs.AddFrame(frame, parent); err != nil {
				return nil, errors.Wrapf(err, "error adding frame %q", m.Name)
			}
		}
		if len(next) == len(pending) {
			return nil, errors.Errorf("frame %q has unknown parent %q", next[0].Name, next[0].Parent)
		}
		pending = next
	}

	// static frames take no inputs
	inputs := map[string][]referenceframe.Input{}
	return &Service{
		world: world,
		transform: func(pif *referenceframe.PoseInFrame, dst string) (referenceframe.Transformable, error) {
			return fs.Transform(inputs, pif, dst)
		},
	}, nil
}

// LookupTransform returns the pose of source in target. Static frames do not change over time,
// so at is ignored.
func (s *Service) LookupTransform(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
	_, span := trace.StartSpan(ctx, "landmarklocalizer::framesystem::LookupTransform")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return rigid.Transform{}, err
	}
	if target == source {
		return rigid.Identity(), nil
	}
	tf, err := s.transform(referenceframe.NewPoseInFrame(s.frameName(source), spatialmath.NewZeroPose()), s.frameName(target))
	if err != nil {
		return rigid.Transform{}, errors.Wrapf(err, "error looking up transform from %q to %q", source, target)
	}
	pif, ok := tf.(*referenceframe.PoseInFrame)
	if !ok {
		return rigid.Transform{}, errors.Errorf("unexpected transform result %T", tf)
	}
	return rigid.FromPose(pif.Pose()), nil
}

// frameName maps the configured world name onto the frame system's root frame.
func (s *Service) frameName(name string) string {
	if name == s.world {
		return referenceframe.World
	}
	return name
}

type timeoutLookup struct {
	lookup  fuser.FrameTransformLookup
	timeout time.Duration
}

// WithTimeout wraps lookup so that a call taking longer than timeout fails with ErrLookupTimeout.
// A non-positive timeout returns lookup unchanged.
func WithTimeout(lookup fuser.FrameTransformLookup, timeout time.Duration) fuser.FrameTransformLookup {
	if timeout <= 0 {
		return lookup
	}
	return &timeoutLookup{lookup: lookup, timeout: timeout}
}

type lookupResult struct {
	tf  rigid.Transform
	err error
}

func (t *timeoutLookup) LookupTransform(ctx context.Context, target, source string, at time.Time) (rigid.Transform, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result := make(chan lookupResult, 1)
	go func() {
		tf, err := t.lookup.LookupTransform(ctx, target, source, at)
		result <- lookupResult{tf: tf, err: err}
	}()

	select {
	case r := <-result:
		return r.tf, r.err
	case <-ctx.Done():
		return rigid.Transform{}, errors.Wrapf(ErrLookupTimeout, "from %q to %q", source, target)
	}
}
