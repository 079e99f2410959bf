// Package posegraph models a discrete-time trajectory of a rigid body as a sequence
// of poses plus the typed motion constraints relating them. The types here are data
// holders with construction-time validation; the optimization over them lives in the
// refine subpackage.
package posegraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/posegraph/spatialmath"
)

// Pose is one node of the trajectory: the position of the body in the world frame and
// its orientation as a body-to-world unit quaternion. Poses are identified by a dense
// integer index fixed when the trajectory is built, and are mutated only by solver
// update steps.
type Pose struct {
	id          int
	Position    r3.Vector
	Orientation quat.Number
}

// NewPose creates a pose at the given trajectory index. The orientation is
// renormalized so a pose can be built from slightly drifted sensor output.
func NewPose(id int, position r3.Vector, orientation quat.Number) *Pose {
	return &Pose{
		id:          id,
		Position:    position,
		Orientation: spatialmath.Normalize(orientation),
	}
}

// NewPoseFromEuler creates a pose whose orientation is given as Tait-Bryan angles.
// Boundary interop for callers whose upstream data is Euler-formatted.
func NewPoseFromEuler(id int, position r3.Vector, ea *spatialmath.EulerAngles) *Pose {
	return NewPose(id, position, ea.Quaternion())
}

// ID returns the trajectory index of the pose.
func (p *Pose) ID() int {
	return p.id
}

// Normalize reprojects the orientation onto the unit sphere. Called after every
// solver update to hold the unit-norm invariant.
func (p *Pose) Normalize() {
	p.Orientation = spatialmath.Normalize(p.Orientation)
}

// Between returns the rigid transform taking this pose to other: the translation
// expressed in this pose's body frame and the relative rotation. This is the
// prediction a relative motion constraint is compared against.
func (p *Pose) Between(other *Pose) (r3.Vector, quat.Number) {
	trans := spatialmath.Rotate(spatialmath.Invert(p.Orientation), other.Position.Sub(p.Position))
	rot := spatialmath.OrientationBetween(p.Orientation, other.Orientation)
	return trans, rot
}
