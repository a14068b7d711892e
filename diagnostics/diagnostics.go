// Package diagnostics reports per-frame health and records fusion outcome metrics.
package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"

	"github.com/viam-modules/landmark-localizer/gating"
)

// Level is the severity of a Report.
type Level int

const (
	// OK means at least one landmark was detected in the frame.
	OK Level = iota
	// Warn means no landmark was detected in the frame.
	Warn
)

func (l Level) String() string {
	if l == OK {
		return "OK"
	}
	return "WARN"
}

// Report summarizes one processed frame.
type Report struct {
	CycleID  uuid.UUID
	Stamp    time.Time
	Level    Level
	Message  string
	Detected int
	Accepted int
}

// NewReport builds the report for a frame with the given detected and accepted counts.
func NewReport(detected, accepted int, stamp time.Time) Report {
	r := Report{
		CycleID:  uuid.New(),
		Stamp:    stamp,
		Detected: detected,
		Accepted: accepted,
	}
	if detected > 0 {
		r.Level = OK
		r.Message = fmt.Sprintf("landmarks detected. The number of landmarks: %d", detected)
	} else {
		r.Level = Warn
		r.Message = "No landmarks detected."
	}
	return r
}

// Reporter receives one Report per processed frame.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(ctx context.Context, r Report)

// Report calls f.
func (f ReporterFunc) Report(ctx context.Context, r Report) {
	f(ctx, r)
}

var (
	keyOutcome = tag.MustNewKey("outcome")

	mDetections = stats.Int64("landmark_localizer/detections", "landmark detections by gating outcome", stats.UnitDimensionless)
	mDistance   = stats.Float64("landmark_localizer/fused_distance", "sensor to marker distance of fused detections", "m")

	// DetectionsView counts detections per outcome.
	DetectionsView = &view.View{
		Name:        "landmark_localizer/detections",
		Description: "landmark detections by gating outcome",
		Measure:     mDetections,
		TagKeys:     []tag.Key{keyOutcome},
		Aggregation: view.Count(),
	}
	// DistanceView is the distribution of fused detection distances.
	DistanceView = &view.View{
		Name:        "landmark_localizer/fused_distance",
		Description: "sensor to marker distance of fused detections",
		Measure:     mDistance,
		Aggregation: view.Distribution(1, 2, 5, 10, 20, 50),
	}
)

// RegisterViews registers the metric views with opencensus.
func RegisterViews() error {
	return view.Register(DetectionsView, DistanceView)
}

// RecordOutcome counts one gated detection.
func RecordOutcome(ctx context.Context, reason gating.Reason) {
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(keyOutcome, reason.String())}, mDetections.M(1))
}

// RecordFusedDistance records the distance of an accepted detection.
func RecordFusedDistance(ctx context.Context, distance float64) {
	stats.Record(ctx, mDistance.M(distance))
}
