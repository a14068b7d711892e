// Package rigid implements the rigid transform algebra used to chain poses between
// the map, body, sensor and landmark frames.
package rigid

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// Rotation is a 3x3 rotation matrix stored as rows.
type Rotation [3]r3.Vector

// IdentityRotation returns the identity rotation.
func IdentityRotation() Rotation {
	return Rotation{{X: 1}, {Y: 1}, {Z: 1}}
}

// RotationFromAxisAngle converts a rotation vector (axis scaled by angle in radians) into a
// rotation matrix with Rodrigues' formula. A zero vector maps to the identity.
func RotationFromAxisAngle(r r3.Vector) Rotation {
	theta := r.Norm()
	if theta == 0 {
		return IdentityRotation()
	}
	k := r.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c

	// R = I*cos + (1-cos)*k*k^T + sin*[k]x
	return Rotation{
		{X: c + v*k.X*k.X, Y: v*k.X*k.Y - s*k.Z, Z: v*k.X*k.Z + s*k.Y},
		{X: v*k.Y*k.X + s*k.Z, Y: c + v*k.Y*k.Y, Z: v*k.Y*k.Z - s*k.X},
		{X: v*k.Z*k.X - s*k.Y, Y: v*k.Z*k.Y + s*k.X, Z: c + v*k.Z*k.Z},
	}
}

// Col returns column j of the rotation.
func (r Rotation) Col(j int) r3.Vector {
	switch j {
	case 0:
		return r3.Vector{X: r[0].X, Y: r[1].X, Z: r[2].X}
	case 1:
		return r3.Vector{X: r[0].Y, Y: r[1].Y, Z: r[2].Y}
	default:
		return r3.Vector{X: r[0].Z, Y: r[1].Z, Z: r[2].Z}
	}
}

// Apply rotates v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{X: r[0].Dot(v), Y: r[1].Dot(v), Z: r[2].Dot(v)}
}

// Mul returns r*o.
func (r Rotation) Mul(o Rotation) Rotation {
	c0, c1, c2 := o.Col(0), o.Col(1), o.Col(2)
	var out Rotation
	for i := range r {
		out[i] = r3.Vector{X: r[i].Dot(c0), Y: r[i].Dot(c1), Z: r[i].Dot(c2)}
	}
	return out
}

// Transpose returns the transpose, which is also the inverse of a proper rotation.
func (r Rotation) Transpose() Rotation {
	return Rotation{r.Col(0), r.Col(1), r.Col(2)}
}

// Det returns the determinant.
func (r Rotation) Det() float64 {
	return r[0].Dot(r[1].Cross(r[2]))
}

// Flat returns the rotation in row-major order.
func (r Rotation) Flat() []float64 {
	return []float64{
		r[0].X, r[0].Y, r[0].Z,
		r[1].X, r[1].Y, r[1].Z,
		r[2].X, r[2].Y, r[2].Z,
	}
}

// Transform is a rigid transform: a point p in the child frame maps to Rotation*p + Translation
// in the parent frame. Read as a pose, it is the pose of the child frame in the parent frame.
type Transform struct {
	Rotation    Rotation
	Translation r3.Vector
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: IdentityRotation()}
}

// FromTranslation returns a transform with no rotation.
func FromTranslation(t r3.Vector) Transform {
	return Transform{Rotation: IdentityRotation(), Translation: t}
}

// FromAxisAngle builds a transform from a rotation vector and a translation, the format fiducial
// detectors report marker poses in.
func FromAxisAngle(rvec, tvec r3.Vector) Transform {
	return Transform{Rotation: RotationFromAxisAngle(rvec), Translation: tvec}
}

// Invert returns the inverse of t, so that Compose(t, Invert(t)) is the identity.
func Invert(t Transform) Transform {
	rt := t.Rotation.Transpose()
	return Transform{Rotation: rt, Translation: rt.Apply(t.Translation).Mul(-1)}
}

// Compose returns a∘b: apply b, then a. When b maps frame C into B and a maps B into A,
// the result maps C into A.
func Compose(a, b Transform) Transform {
	return Transform{
		Rotation:    a.Rotation.Mul(b.Rotation),
		Translation: a.Rotation.Apply(b.Translation).Add(a.Translation),
	}
}

// Apply maps a point from the child frame into the parent frame.
func (t Transform) Apply(p r3.Vector) r3.Vector {
	return t.Rotation.Apply(p).Add(t.Translation)
}

// AlmostEqual reports whether every rotation and translation component of a and b is within eps.
func AlmostEqual(a, b Transform, eps float64) bool {
	if !vecAlmostEqual(a.Translation, b.Translation, eps) {
		return false
	}
	for i := range a.Rotation {
		if !vecAlmostEqual(a.Rotation[i], b.Rotation[i], eps) {
			return false
		}
	}
	return true
}

func vecAlmostEqual(a, b r3.Vector, eps float64) bool {
	return math.Abs(a.X-b.X) <= eps && math.Abs(a.Y-b.Y) <= eps && math.Abs(a.Z-b.Z) <= eps
}

// FromOrientation builds a transform from a translation and any spatialmath orientation.
// A nil orientation is treated as the identity.
func FromOrientation(t r3.Vector, o spatialmath.Orientation) Transform {
	if o == nil {
		return FromTranslation(t)
	}
	rm := o.RotationMatrix()
	// RotationMatrix.At is transposed relative to Rotation rows
	var rot Rotation
	for i := range rot {
		rot[i] = r3.Vector{X: rm.At(0, i), Y: rm.At(1, i), Z: rm.At(2, i)}
	}
	return Transform{Rotation: rot, Translation: t}
}

// FromPose converts a spatialmath pose.
func FromPose(p spatialmath.Pose) Transform {
	return FromOrientation(p.Point(), p.Orientation())
}

// Pose converts t into a spatialmath pose.
func (t Transform) Pose() spatialmath.Pose {
	rm, err := spatialmath.NewRotationMatrix(t.Rotation.Transpose().Flat())
	if err != nil {
		// only returned for a slice that is not 9 long
		return spatialmath.NewPoseFromPoint(t.Translation)
	}
	return spatialmath.NewPose(t.Translation, rm)
}
