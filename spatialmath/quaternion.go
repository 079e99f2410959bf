// Package spatialmath defines the spatial mathematical operations needed to work with
// rigid body orientations: unit quaternion algebra, the axis-angle tangent space used
// for manifold-correct updates, and boundary conversions to Euler angles and rotation
// matrices.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// Angles below this are treated with the first-order small-angle expansion of the
// exponential map to avoid dividing by a vanishing sine.
const defaultAngleEpsilon = 1e-10

// NewZeroRotation returns the identity quaternion, signifying no rotation.
func NewZeroRotation() quat.Number {
	return quat.Number{Real: 1}
}

// Compose returns the Hamilton product q1 * q2, i.e. the rotation "q2 then q1" when
// the quaternions map body-frame vectors to world frame. The result is renormalized
// so that repeated composition cannot drift off the unit sphere.
func Compose(q1, q2 quat.Number) quat.Number {
	return Normalize(quat.Mul(q1, q2))
}

// Invert returns the inverse rotation. For a unit quaternion the inverse is just the
// conjugate.
func Invert(q quat.Number) quat.Number {
	return quat.Conj(q)
}

// Rotate applies the rotation q to the vector v via the conjugate sandwich product
// q * (0, v) * q⁻¹.
func Rotate(q quat.Number, v r3.Vector) r3.Vector {
	vq := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	rotated := quat.Mul(quat.Mul(q, vq), quat.Conj(q))
	return r3.Vector{X: rotated.Imag, Y: rotated.Jmag, Z: rotated.Kmag}
}

// OrientationBetween returns the rotation taking q1 to q2, i.e. q1⁻¹ * q2.
func OrientationBetween(q1, q2 quat.Number) quat.Number {
	return Normalize(quat.Mul(quat.Conj(q1), q2))
}

// Normalize scales q onto the unit sphere. The zero quaternion has no direction, so
// it normalizes to the identity rotation rather than NaN.
func Normalize(q quat.Number) quat.Number {
	length := quat.Abs(q)
	if length == 0 {
		return NewZeroRotation()
	}
	return quat.Scale(1/length, q)
}

// Norm returns the norm of the imaginary part of the quaternion, i.e. the sqrt of the
// squares of the i, j, k components.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip multiplies a quaternion by -1, returning a quaternion representing the same
// orientation in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// Exp is the exponential map from the 3-parameter tangent space onto the unit
// quaternion manifold. The input is a rotation vector whose direction is the rotation
// axis and whose length is the rotation angle in radians.
func Exp(v r3.Vector) quat.Number {
	angle := v.Norm()
	if angle < defaultAngleEpsilon {
		// First-order expansion; sin(x/2)/x -> 1/2 as x -> 0.
		return Normalize(quat.Number{Real: 1, Imag: v.X / 2, Jmag: v.Y / 2, Kmag: v.Z / 2})
	}
	sinc := math.Sin(angle/2) / angle
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: v.X * sinc,
		Jmag: v.Y * sinc,
		Kmag: v.Z * sinc,
	}
}

// Log is the inverse of Exp: it extracts the minimal rotation vector of a unit
// quaternion. The angle extraction matches the C++ Eigen library, see
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func Log(q quat.Number) r3.Vector {
	denom := Norm(q)

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}

	if denom < 1e-6 {
		// Small rotations are, to first order, twice the imaginary part.
		return r3.Vector{X: 2 * q.Imag, Y: 2 * q.Jmag, Z: 2 * q.Kmag}
	}
	return r3.Vector{X: angle * q.Imag / denom, Y: angle * q.Jmag / denom, Z: angle * q.Kmag / denom}
}

// ApplyTangent perturbs q by the small tangent-space rotation vector delta, expressed
// in the world frame, and reprojects onto the unit sphere. This is the manifold
// increment used by optimization updates in place of naive componentwise addition.
func ApplyTangent(q quat.Number, delta r3.Vector) quat.Number {
	return Normalize(quat.Mul(Exp(delta), q))
}

// QuatToR4AA converts a quat to an R4 axis angle in the same way the C++ Eigen library
// does. https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func QuatToR4AA(q quat.Number) R4AA {
	denom := Norm(q)

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}

	if denom < 1e-6 {
		return R4AA{angle, 1, 0, 0}
	}
	return R4AA{angle, q.Imag / denom, q.Jmag / denom, q.Kmag / denom}
}

// QuatAlmostEqual checks whether two quaternions represent nearly the same
// orientation, accounting for the double cover (q and -q are the same rotation).
func QuatAlmostEqual(a, b quat.Number, tol float64) bool {
	return quatComponentsClose(a, b, tol) || quatComponentsClose(a, Flip(b), tol)
}

func quatComponentsClose(a, b quat.Number, tol float64) bool {
	return math.Abs(a.Real-b.Real) < tol &&
		math.Abs(a.Imag-b.Imag) < tol &&
		math.Abs(a.Jmag-b.Jmag) < tol &&
		math.Abs(a.Kmag-b.Kmag) < tol
}
