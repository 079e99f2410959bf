package spatialmath

import (
	"github.com/go-gl/mathgl/mgl64"
	"gonum.org/v1/gonum/num/quat"
)

// QuatToRotationMatrix converts a unit quaternion to its 3x3 rotation matrix form.
// Boundary interoperability only; composition and optimization state stay on
// quaternions.
func QuatToRotationMatrix(q quat.Number) mgl64.Mat3 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mgl64.Mat3FromCols(
		mgl64.Vec3{1 - 2*y*y - 2*z*z, 2*x*y + 2*w*z, 2*x*z - 2*w*y},
		mgl64.Vec3{2*x*y - 2*w*z, 1 - 2*x*x - 2*z*z, 2*y*z + 2*w*x},
		mgl64.Vec3{2*x*z + 2*w*y, 2*y*z - 2*w*x, 1 - 2*x*x - 2*y*y},
	)
}

// NewQuatFromRotationMatrix converts a 3x3 rotation matrix to a unit quaternion.
func NewQuatFromRotationMatrix(m mgl64.Mat3) quat.Number {
	mq := mgl64.Mat4ToQuat(m.Mat4())
	return Normalize(quat.Number{Real: mq.W, Imag: mq.X(), Jmag: mq.Y(), Kmag: mq.Z()})
}
