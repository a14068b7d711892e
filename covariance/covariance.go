// Package covariance inflates a fixed pose covariance as a function of observation distance.
package covariance

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

const (
	// Size is the number of entries in a flattened 6x6 pose covariance.
	Size = 36
	// ReferenceDistance is the distance in metres up to which the base covariance is used as is.
	ReferenceDistance = 5.0
	// Exponent is the power the distance ratio is raised to beyond ReferenceDistance.
	Exponent = 3.0
	// Floor is the smallest multiplier ever applied.
	Floor = 1.0

	symmetryTolerance = 1e-9
)

// Covariance is a row-major 6x6 covariance over (x, y, z, roll, pitch, yaw).
// Position variances are in m², orientation variances in rad².
type Covariance [Size]float64

// FromSlice validates and copies a flattened covariance.
func FromSlice(values []float64) (Covariance, error) {
	var c Covariance
	if len(values) != Size {
		return c, errors.Errorf("covariance must have %d entries, got %d", Size, len(values))
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return c, errors.Errorf("covariance entry %d is not finite", i)
		}
	}
	copy(c[:], values)

	m := c.Dense()
	if !mat.EqualApprox(m, m.T(), symmetryTolerance) {
		return Covariance{}, errors.New("covariance must be symmetric")
	}
	for i := 0; i < 6; i++ {
		if m.At(i, i) < 0 {
			return Covariance{}, errors.Errorf("covariance diagonal entry %d is negative", i)
		}
	}
	return c, nil
}

// Dense returns the covariance as a gonum matrix backed by a copy of c.
func (c Covariance) Dense() *mat.Dense {
	data := make([]float64, Size)
	copy(data, c[:])
	return mat.NewDense(6, 6, data)
}

// Multiplier maps a detection distance to the inflation factor max(Floor, (distance/ReferenceDistance)^Exponent).
// Distant markers are noisier since angular error grows with range.
func Multiplier(distance float64) float64 {
	return math.Max(Floor, math.Pow(distance/ReferenceDistance, Exponent))
}

// Scale returns base multiplied elementwise by Multiplier(distance).
func Scale(base Covariance, distance float64) Covariance {
	m := base.Dense()
	m.Scale(Multiplier(distance), m)

	var out Covariance
	copy(out[:], m.RawMatrix().Data)
	return out
}
