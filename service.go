package landmarklocalizer

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"

	"github.com/viam-modules/landmark-localizer/config"
	"github.com/viam-modules/landmark-localizer/diagnostics"
	"github.com/viam-modules/landmark-localizer/fuser"
	"github.com/viam-modules/landmark-localizer/replay"
)

// Model is the model name of the landmark localizer service.
var Model = resource.NewModel("viam", "localization", "landmark-localizer")

// DoCommand keys.
const (
	CommandEvent          = "event"
	CommandGetFusedPose   = "get_fused_pose"
	CommandGetDiagnostics = "get_diagnostics"
	CommandLandmarkIDs    = "landmark_ids"
)

// ErrNoFusedPose is returned by get_fused_pose before any detection was accepted.
var ErrNoFusedPose = errors.New("no fused pose has been produced yet")

func init() {
	resource.RegisterService(generic.API, Model, resource.Registration[resource.Resource, *config.Config]{
		Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			c resource.Config,
			logger logging.Logger,
		) (resource.Resource, error) {
			return NewService(ctx, deps, c, logger)
		},
	})
}

// Service exposes a Localizer as a generic service. Inputs arrive through DoCommand as the same JSON
// events a replay recording holds; the latest fused pose and report are kept for polling.
type Service struct {
	resource.Named
	resource.AlwaysRebuild

	loc        *Localizer
	logger     logging.Logger
	lastPose   atomic.Pointer[fuser.FusedPoseEstimate]
	lastReport atomic.Pointer[diagnostics.Report]
}

// NewService builds the service from its resource config.
func NewService(
	ctx context.Context,
	deps resource.Dependencies,
	c resource.Config,
	logger logging.Logger,
) (*Service, error) {
	ctx, span := trace.StartSpan(ctx, "landmarklocalizer::service::New")
	defer span.End()

	svcConfig, err := resource.NativeConfig[*config.Config](c)
	if err != nil {
		return nil, err
	}

	svc := &Service{Named: c.ResourceName().AsNamed(), logger: logger}
	sink := fuser.SinkFunc(func(ctx context.Context, estimate fuser.FusedPoseEstimate) error {
		svc.lastPose.Store(&estimate)
		return nil
	})
	reporter := diagnostics.ReporterFunc(func(ctx context.Context, r diagnostics.Report) {
		svc.lastReport.Store(&r)
	})
	loc, err := New(ctx, *svcConfig, logger, sink, reporter)
	if err != nil {
		return nil, err
	}
	svc.loc = loc
	return svc, nil
}

// DoCommand submits an input event or reads back the latest outputs.
func (svc *Service) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "landmarklocalizer::service::DoCommand")
	defer span.End()

	if err := svc.loc.checkOpen(); err != nil {
		return nil, err
	}

	if raw, ok := req[CommandEvent]; ok {
		return svc.applyEvent(ctx, raw)
	}
	if _, ok := req[CommandGetFusedPose]; ok {
		estimate := svc.lastPose.Load()
		if estimate == nil {
			return nil, ErrNoFusedPose
		}
		out, err := replay.NewOutput(*estimate)
		if err != nil {
			return nil, err
		}
		return toMap(out)
	}
	if _, ok := req[CommandGetDiagnostics]; ok {
		r := svc.lastReport.Load()
		if r == nil {
			return map[string]interface{}{}, nil
		}
		return toMap(replay.NewDiagnosticOutput(*r))
	}
	if _, ok := req[CommandLandmarkIDs]; ok {
		ids := svc.loc.LandmarkIDs()
		out := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			out = append(out, id)
		}
		return map[string]interface{}{CommandLandmarkIDs: out}, nil
	}

	return nil, viamgrpc.UnimplementedError
}

func (svc *Service) applyEvent(ctx context.Context, raw interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding event")
	}
	ev, err := replay.ParseEvent(data)
	if err != nil {
		return nil, err
	}
	result, err := replay.Apply(ctx, ev, svc.loc, svc.logger)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return map[string]interface{}{"applied": ev.Type}, nil
	}
	if result.Skipped {
		return map[string]interface{}{"applied": ev.Type, "skipped": true}, nil
	}
	resp, err := toMap(replay.NewDiagnosticOutput(result.Report))
	if err != nil {
		return nil, err
	}
	resp["applied"] = ev.Type
	return resp, nil
}

// Close stops the localizer.
func (svc *Service) Close(ctx context.Context) error {
	return svc.loc.Close(ctx)
}

// toMap converts v into the JSON shaped map DoCommand responses are made of.
func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
