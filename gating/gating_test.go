package gating

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testPolicy() *Policy {
	return NewPolicy(Config{
		TargetIDs:         []string{"0", "5"},
		DistanceThreshold: 6,
		TimeTolerance:     500 * time.Millisecond,
		PositionTolerance: 10,
	})
}

func TestWhitelist(t *testing.T) {
	p := testPolicy()
	test.That(t, p.CheckWhitelist("5"), test.ShouldEqual, Accepted)
	test.That(t, p.CheckWhitelist("7"), test.ShouldEqual, NotWhitelisted)
	test.That(t, NewPolicy(Config{}).CheckWhitelist("5"), test.ShouldEqual, NotWhitelisted)
}

func TestRegistered(t *testing.T) {
	p := testPolicy()
	test.That(t, p.CheckRegistered(true), test.ShouldEqual, Accepted)
	test.That(t, p.CheckRegistered(false), test.ShouldEqual, NotRegistered)
}

func TestRange(t *testing.T) {
	p := testPolicy()

	t.Run("exactly at the threshold is accepted", func(t *testing.T) {
		test.That(t, p.CheckRange(r3.Vector{X: 6}), test.ShouldEqual, Accepted)
	})

	t.Run("just above the threshold is rejected", func(t *testing.T) {
		test.That(t, p.CheckRange(r3.Vector{X: math.Nextafter(6, 7)}), test.ShouldEqual, OutOfRange)
		test.That(t, p.CheckRange(r3.Vector{X: 6.0001}), test.ShouldEqual, OutOfRange)
	})

	t.Run("uses the full 3d distance", func(t *testing.T) {
		test.That(t, p.CheckRange(r3.Vector{X: 4, Y: 4}), test.ShouldEqual, Accepted)
		test.That(t, p.CheckRange(r3.Vector{X: 4, Y: 4, Z: 3}), test.ShouldEqual, OutOfRange)
	})
}

func TestTransform(t *testing.T) {
	p := testPolicy()
	test.That(t, p.CheckTransform(nil), test.ShouldEqual, Accepted)
	test.That(t, p.CheckTransform(errors.New("unknown frame")), test.ShouldEqual, TransformUnavailable)
}

func TestTemporal(t *testing.T) {
	p := testPolicy()
	ref := time.Date(2023, 10, 1, 12, 0, 0, 0, time.UTC)

	t.Run("0.6s stale reference is rejected", func(t *testing.T) {
		test.That(t, p.CheckTemporal(ref.Add(600*time.Millisecond), ref, true), test.ShouldEqual, StaleReference)
	})

	t.Run("0.4s stale reference passes", func(t *testing.T) {
		test.That(t, p.CheckTemporal(ref.Add(400*time.Millisecond), ref, true), test.ShouldEqual, Accepted)
	})

	t.Run("reference newer than the detection passes", func(t *testing.T) {
		test.That(t, p.CheckTemporal(ref.Add(-5*time.Second), ref, true), test.ShouldEqual, Accepted)
	})

	t.Run("missing reference is rejected", func(t *testing.T) {
		test.That(t, p.CheckTemporal(ref, time.Time{}, false), test.ShouldEqual, NoReference)
	})
}

func TestSpatial(t *testing.T) {
	p := testPolicy()
	test.That(t, p.CheckSpatial(r3.Vector{X: 8}, r3.Vector{X: 8}), test.ShouldEqual, Accepted)
	test.That(t, p.CheckSpatial(r3.Vector{X: 18}, r3.Vector{X: 8}), test.ShouldEqual, Accepted)
	test.That(t, p.CheckSpatial(r3.Vector{X: 18.5}, r3.Vector{X: 8}), test.ShouldEqual, InconsistentPosition)
}

func TestReasonString(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Reasons() {
		name := r.String()
		test.That(t, name, test.ShouldNotEqual, "unknown")
		test.That(t, seen[name], test.ShouldBeFalse)
		seen[name] = true
	}
	test.That(t, Reason(99).String(), test.ShouldEqual, "unknown")
}

func TestReasonErr(t *testing.T) {
	test.That(t, Accepted.Err(), test.ShouldBeNil)

	err := StaleReference.Err()
	test.That(t, err, test.ShouldBeError, errors.New("detection rejected: stale_reference"))
	var rejected *RejectedError
	test.That(t, errors.As(err, &rejected), test.ShouldBeTrue)
	test.That(t, rejected.Reason, test.ShouldEqual, StaleReference)
}
