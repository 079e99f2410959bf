package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// EulerAngles are three angles (in radians) used to represent the rotation of an
// object in 3D Euclidean space. The Tait-Bryan angle formalism is used, with rotations
// around Z, Y', and X'' axes (extrinsic Rz·Ry·Rx, i.e. yaw, then pitch, then roll).
// These exist for interoperability at system boundaries only: the degenerate
// configuration at pitch = ±90° (gimbal lock) makes them unsuitable as optimization
// state, which is why everything internal stays on quaternions.
type EulerAngles struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

// NewEulerAngles creates an empty EulerAngles struct.
func NewEulerAngles() *EulerAngles {
	return &EulerAngles{Roll: 0, Pitch: 0, Yaw: 0}
}

// NewEulerAnglesFromQuat converts a rotation unit quaternion to Euler angles.
// See the following wikipedia page for the formulas used here:
// https://en.wikipedia.org/wiki/Conversion_between_quaternions_and_Euler_angles
func NewEulerAnglesFromQuat(q quat.Number) *EulerAngles {
	angles := EulerAngles{}
	angles.Roll = math.Atan2(2*(q.Real*q.Imag+q.Jmag*q.Kmag), 1-2*(q.Imag*q.Imag+q.Jmag*q.Jmag))

	sinPitch := 2 * (q.Real*q.Jmag - q.Kmag*q.Imag)
	if math.Abs(sinPitch) >= 1 {
		// Clamp to ±90° at the poles rather than produce NaN from Asin.
		angles.Pitch = math.Copysign(math.Pi/2, sinPitch)
	} else {
		angles.Pitch = math.Asin(sinPitch)
	}

	angles.Yaw = math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
	return &angles
}

// Quaternion returns the orientation in quaternion representation, composing the
// elemental rotations as yaw ∘ pitch ∘ roll to match the Rz·Ry·Rx convention.
func (ea *EulerAngles) Quaternion() quat.Number {
	cy := math.Cos(ea.Yaw / 2)
	sy := math.Sin(ea.Yaw / 2)
	cp := math.Cos(ea.Pitch / 2)
	sp := math.Sin(ea.Pitch / 2)
	cr := math.Cos(ea.Roll / 2)
	sr := math.Sin(ea.Roll / 2)

	q := quat.Number{}
	q.Real = cr*cp*cy + sr*sp*sy
	q.Imag = sr*cp*cy - cr*sp*sy
	q.Jmag = cr*sp*cy + sr*cp*sy
	q.Kmag = cr*cp*sy - sr*sp*cy

	return q
}
