package rigid

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
)

const eps = 1e-9

func randomTransform(rnd *rand.Rand) Transform {
	rvec := r3.Vector{X: rnd.Float64()*6 - 3, Y: rnd.Float64()*6 - 3, Z: rnd.Float64()*6 - 3}
	tvec := r3.Vector{X: rnd.Float64()*20 - 10, Y: rnd.Float64()*20 - 10, Z: rnd.Float64()*20 - 10}
	return FromAxisAngle(rvec, tvec)
}

func TestRotationFromAxisAngle(t *testing.T) {
	t.Run("zero rotation vector is the identity", func(t *testing.T) {
		test.That(t, RotationFromAxisAngle(r3.Vector{}), test.ShouldResemble, IdentityRotation())
	})

	t.Run("quarter turn about z maps x onto y", func(t *testing.T) {
		rot := RotationFromAxisAngle(r3.Vector{Z: math.Pi / 2})
		out := rot.Apply(r3.Vector{X: 1})
		test.That(t, out.X, test.ShouldAlmostEqual, 0, eps)
		test.That(t, out.Y, test.ShouldAlmostEqual, 1, eps)
		test.That(t, out.Z, test.ShouldAlmostEqual, 0, eps)
	})

	t.Run("half turn about x flips y and z", func(t *testing.T) {
		rot := RotationFromAxisAngle(r3.Vector{X: math.Pi})
		out := rot.Apply(r3.Vector{X: 1, Y: 2, Z: 3})
		test.That(t, out.X, test.ShouldAlmostEqual, 1, eps)
		test.That(t, out.Y, test.ShouldAlmostEqual, -2, eps)
		test.That(t, out.Z, test.ShouldAlmostEqual, -3, eps)
	})

	t.Run("sampled rotations are orthonormal with unit determinant", func(t *testing.T) {
		rnd := rand.New(rand.NewSource(7))
		for i := 0; i < 200; i++ {
			rot := randomTransform(rnd).Rotation
			prod := Transform{Rotation: rot.Mul(rot.Transpose())}
			test.That(t, AlmostEqual(prod, Identity(), eps), test.ShouldBeTrue)
			test.That(t, rot.Det(), test.ShouldAlmostEqual, 1, eps)
		}
	})

	t.Run("matches the spatialmath axis angle conversion", func(t *testing.T) {
		axis := r3.Vector{X: 1, Y: -2, Z: 0.5}.Normalize()
		theta := 1.2
		ours := FromAxisAngle(axis.Mul(theta), r3.Vector{})
		theirs := FromOrientation(r3.Vector{}, &spatialmath.R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z})
		test.That(t, AlmostEqual(ours, theirs, 1e-6), test.ShouldBeTrue)
	})
}

func TestInvertAndCompose(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))

	t.Run("composing with the inverse yields the identity", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			tf := randomTransform(rnd)
			test.That(t, AlmostEqual(Compose(tf, Invert(tf)), Identity(), eps), test.ShouldBeTrue)
			test.That(t, AlmostEqual(Compose(Invert(tf), tf), Identity(), eps), test.ShouldBeTrue)
		}
	})

	t.Run("composition is associative", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			a, b, c := randomTransform(rnd), randomTransform(rnd), randomTransform(rnd)
			test.That(t, AlmostEqual(Compose(Compose(a, b), c), Compose(a, Compose(b, c)), 1e-8), test.ShouldBeTrue)
		}
	})

	t.Run("compose applies the right operand first", func(t *testing.T) {
		a := FromTranslation(r3.Vector{X: 1})
		b := FromAxisAngle(r3.Vector{Z: math.Pi / 2}, r3.Vector{})
		p := Compose(a, b).Apply(r3.Vector{X: 1})
		test.That(t, p.X, test.ShouldAlmostEqual, 1, eps)
		test.That(t, p.Y, test.ShouldAlmostEqual, 1, eps)
	})

	t.Run("composition agrees with spatialmath", func(t *testing.T) {
		a, b := randomTransform(rnd), randomTransform(rnd)
		theirs := FromPose(spatialmath.Compose(a.Pose(), b.Pose()))
		test.That(t, AlmostEqual(Compose(a, b), theirs, 1e-6), test.ShouldBeTrue)
	})
}

func TestPoseConversion(t *testing.T) {
	t.Run("round trips through a spatialmath pose", func(t *testing.T) {
		tf := FromAxisAngle(r3.Vector{X: 0.3, Y: -0.2, Z: 1.1}, r3.Vector{X: 4, Y: -1, Z: 0.5})
		test.That(t, AlmostEqual(FromPose(tf.Pose()), tf, 1e-6), test.ShouldBeTrue)
	})

	t.Run("orientations rotate points the same way as spatialmath", func(t *testing.T) {
		o := &spatialmath.R4AA{Theta: math.Pi / 2, RZ: 1}
		out := FromOrientation(r3.Vector{}, o).Apply(r3.Vector{X: 1})
		test.That(t, out.X, test.ShouldAlmostEqual, 0, eps)
		test.That(t, out.Y, test.ShouldAlmostEqual, 1, eps)

		tf := FromAxisAngle(r3.Vector{X: 0.4, Y: 0.9, Z: -0.3}, r3.Vector{X: 1, Y: 2, Z: 3})
		p := r3.Vector{X: -2, Y: 0.5, Z: 7}
		theirs := spatialmath.Compose(tf.Pose(), spatialmath.NewPoseFromPoint(p)).Point()
		ours := tf.Apply(p)
		test.That(t, ours.X, test.ShouldAlmostEqual, theirs.X, 1e-6)
		test.That(t, ours.Y, test.ShouldAlmostEqual, theirs.Y, 1e-6)
		test.That(t, ours.Z, test.ShouldAlmostEqual, theirs.Z, 1e-6)
	})

	t.Run("nil orientation is the identity rotation", func(t *testing.T) {
		tf := FromOrientation(r3.Vector{X: 2}, nil)
		test.That(t, tf, test.ShouldResemble, FromTranslation(r3.Vector{X: 2}))
	})
}
