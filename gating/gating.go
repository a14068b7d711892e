// Package gating decides whether a landmark detection can be trusted as a pose correction.
//
// The checks run in a fixed order and the first one that fails rejects the detection:
// whitelist, registry, range, frame transform, temporal consistency, spatial consistency.
// A rejection is a normal outcome reported as a Reason, never as an error.
package gating

import (
	"time"

	"github.com/golang/geo/r3"
)

// Reason is the outcome of gating one detection.
type Reason int

const (
	// Accepted means every check passed.
	Accepted Reason = iota
	// NotWhitelisted means the landmark ID is not a configured target.
	NotWhitelisted
	// NotRegistered means the landmark ID is not in the landmark map.
	NotRegistered
	// OutOfRange means the marker is farther than the distance threshold.
	OutOfRange
	// TransformUnavailable means the sensor to body transform could not be resolved.
	TransformUnavailable
	// NoReference means no reference pose has been received yet.
	NoReference
	// StaleReference means the reference pose is older than the time tolerance.
	StaleReference
	// InconsistentPosition means the fused position is too far from the reference pose.
	InconsistentPosition
)

var reasonNames = map[Reason]string{
	Accepted:             "accepted",
	NotWhitelisted:       "not_whitelisted",
	NotRegistered:        "not_registered",
	OutOfRange:           "out_of_range",
	TransformUnavailable: "transform_unavailable",
	NoReference:          "no_reference",
	StaleReference:       "stale_reference",
	InconsistentPosition: "inconsistent_position",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// RejectedError wraps a rejection for callers that need an error.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string {
	return "detection rejected: " + e.Reason.String()
}

// Err returns nil for Accepted and a *RejectedError otherwise.
func (r Reason) Err() error {
	if r == Accepted {
		return nil
	}
	return &RejectedError{Reason: r}
}

// Reasons lists every reason in check order.
func Reasons() []Reason {
	return []Reason{
		Accepted, NotWhitelisted, NotRegistered, OutOfRange,
		TransformUnavailable, NoReference, StaleReference, InconsistentPosition,
	}
}

// Config holds the gate thresholds.
type Config struct {
	// TargetIDs is the whitelist of landmark IDs.
	TargetIDs []string
	// DistanceThreshold is the largest accepted sensor to marker distance in metres.
	DistanceThreshold float64
	// TimeTolerance is how much older than the detection the reference pose may be.
	TimeTolerance time.Duration
	// PositionTolerance is the largest accepted distance in metres between the fused and reference positions.
	PositionTolerance float64
}

// Policy applies the checks configured by a Config.
type Policy struct {
	targets                  map[string]struct{}
	distanceThresholdSquared float64
	timeTolerance            time.Duration
	positionTolerance        float64
}

// NewPolicy returns a Policy for cfg.
func NewPolicy(cfg Config) *Policy {
	targets := make(map[string]struct{}, len(cfg.TargetIDs))
	for _, id := range cfg.TargetIDs {
		targets[id] = struct{}{}
	}
	return &Policy{
		targets:                  targets,
		distanceThresholdSquared: cfg.DistanceThreshold * cfg.DistanceThreshold,
		timeTolerance:            cfg.TimeTolerance,
		positionTolerance:        cfg.PositionTolerance,
	}
}

// CheckWhitelist is check 1.
func (p *Policy) CheckWhitelist(id string) Reason {
	if _, ok := p.targets[id]; !ok {
		return NotWhitelisted
	}
	return Accepted
}

// CheckRegistered is check 2.
func (p *Policy) CheckRegistered(found bool) Reason {
	if !found {
		return NotRegistered
	}
	return Accepted
}

// CheckRange is check 3. sensorToMarker is the marker position in the sensor frame.
// A marker exactly at the threshold is accepted.
func (p *Policy) CheckRange(sensorToMarker r3.Vector) Reason {
	if sensorToMarker.Norm2() > p.distanceThresholdSquared {
		return OutOfRange
	}
	return Accepted
}

// CheckTransform is check 4; err is the frame lookup result.
func (p *Policy) CheckTransform(err error) Reason {
	if err != nil {
		return TransformUnavailable
	}
	return Accepted
}

// CheckTemporal is check 5. Only a reference older than the detection by more than the
// tolerance is rejected; a reference newer than the detection passes.
func (p *Policy) CheckTemporal(detection, reference time.Time, haveReference bool) Reason {
	if !haveReference {
		return NoReference
	}
	if detection.Sub(reference) > p.timeTolerance {
		return StaleReference
	}
	return Accepted
}

// CheckSpatial is check 6.
func (p *Policy) CheckSpatial(candidate, reference r3.Vector) Reason {
	if candidate.Distance(reference) > p.positionTolerance {
		return InconsistentPosition
	}
	return Accepted
}
