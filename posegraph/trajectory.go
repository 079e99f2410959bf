package posegraph

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"
)

// Trajectory is an ordered sequence of poses plus the constraints referencing them.
// Pose indices are dense and stable for the lifetime of the trajectory: the pose at
// slice position i must carry ID i. The trajectory owns its constraints for the
// duration of one refinement run; only pose values are ever mutated.
type Trajectory struct {
	poses     []*Pose
	relatives []*RelativeConstraint
	anchors   []*AnchorConstraint
}

// NewTrajectory validates that every constraint references an existing pose and that
// pose IDs are dense, returning all violations at once rather than the first found.
func NewTrajectory(poses []*Pose, relatives []*RelativeConstraint, anchors []*AnchorConstraint) (*Trajectory, error) {
	var err error
	for i, p := range poses {
		if p.ID() != i {
			err = multierr.Append(err, errors.Wrapf(ErrInvalidConstraint, "pose at position %d has ID %d; IDs must be dense", i, p.ID()))
		}
	}
	for _, c := range relatives {
		if c.From() >= len(poses) || c.To() >= len(poses) {
			err = multierr.Append(err,
				errors.Wrapf(ErrInvalidConstraint, "relative constraint %d->%d references a pose outside the trajectory of length %d",
					c.From(), c.To(), len(poses)))
		}
	}
	for _, c := range anchors {
		if c.Index() >= len(poses) {
			err = multierr.Append(err,
				errors.Wrapf(ErrInvalidConstraint, "anchor constraint on pose %d references a pose outside the trajectory of length %d",
					c.Index(), len(poses)))
		}
	}
	if err != nil {
		return nil, err
	}
	return &Trajectory{poses: poses, relatives: relatives, anchors: anchors}, nil
}

// Len returns the number of poses.
func (t *Trajectory) Len() int {
	return len(t.poses)
}

// Pose returns the pose at index i.
func (t *Trajectory) Pose(i int) *Pose {
	return t.poses[i]
}

// Poses returns the pose sequence. Callers must not reorder it.
func (t *Trajectory) Poses() []*Pose {
	return t.poses
}

// Relatives returns the relative motion constraints.
func (t *Trajectory) Relatives() []*RelativeConstraint {
	return t.relatives
}

// Anchors returns the absolute anchor constraints.
func (t *Trajectory) Anchors() []*AnchorConstraint {
	return t.anchors
}

// NumConstraints returns the total number of constraints of both types.
func (t *Trajectory) NumConstraints() int {
	return len(t.relatives) + len(t.anchors)
}

// PoseState is the value snapshot of one pose.
type PoseState struct {
	Position    r3.Vector
	Orientation quat.Number
}

// Snapshot copies the current pose values. The solver snapshots before a trial update
// so a rejected step can be rolled back without leaving any pose half-written.
func (t *Trajectory) Snapshot() []PoseState {
	states := make([]PoseState, len(t.poses))
	for i, p := range t.poses {
		states[i] = PoseState{Position: p.Position, Orientation: p.Orientation}
	}
	return states
}

// Restore writes back a snapshot previously taken with Snapshot.
func (t *Trajectory) Restore(states []PoseState) {
	for i, s := range states {
		t.poses[i].Position = s.Position
		t.poses[i].Orientation = s.Orientation
	}
}
