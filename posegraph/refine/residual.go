// Package refine implements batch refinement of a pose trajectory: per-constraint
// residual and Jacobian computation, block-sparse assembly of the normal equations,
// and a damped (Levenberg-Marquardt) iterative solver over the poses' 6-DoF tangent
// space.
package refine

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/spatialmath"
)

// Step used for the central-difference Jacobians. Differences are taken in the same
// tangent space the solver updates in, so the derivative convention can never drift
// from the update convention.
const jacobianStep = 1e-6

// residualBlock is one constraint's contribution to the stacked system: a whitened
// 6-vector error and one 6x6 Jacobian block per referenced pose. Rotation components
// of the error use the minimal axis-angle representation of measured⁻¹·predicted;
// the raw 4-parameter quaternion difference would hand the optimizer a rank-deficient
// over-parameterized problem.
type residualBlock struct {
	poses     []int
	residual  *mat.VecDense
	jacobians []*mat.Dense
	norm      float64
	weight    float64
}

func stateOf(p *posegraph.Pose) posegraph.PoseState {
	return posegraph.PoseState{Position: p.Position, Orientation: p.Orientation}
}

// relativeRawError is the unwhitened error of a relative motion constraint: the
// predicted relative transform from⁻¹·to compared against the measurement, 3
// translation components then 3 rotation tangent components.
func relativeRawError(from, to posegraph.PoseState, c *posegraph.RelativeConstraint) []float64 {
	predTrans := spatialmath.Rotate(spatialmath.Invert(from.Orientation), to.Position.Sub(from.Position))
	predRot := spatialmath.OrientationBetween(from.Orientation, to.Orientation)
	et := predTrans.Sub(c.Translation())
	er := spatialmath.Log(spatialmath.OrientationBetween(c.Rotation(), predRot))
	return []float64{et.X, et.Y, et.Z, er.X, er.Y, er.Z}
}

// anchorRawError is the unwhitened error of an absolute anchor: current estimate
// against measured absolute pose.
func anchorRawError(p posegraph.PoseState, c *posegraph.AnchorConstraint) []float64 {
	et := p.Position.Sub(c.Position())
	er := spatialmath.Log(spatialmath.OrientationBetween(c.Orientation(), p.Orientation))
	return []float64{et.X, et.Y, et.Z, er.X, er.Y, er.Z}
}

// perturb moves one of the six local parameters of a pose state by h: parameters 0-2
// are translation components, 3-5 are the rotation tangent axes.
func perturb(s posegraph.PoseState, param int, h float64) posegraph.PoseState {
	switch param {
	case 0:
		s.Position.X += h
	case 1:
		s.Position.Y += h
	case 2:
		s.Position.Z += h
	case 3:
		s.Orientation = spatialmath.ApplyTangent(s.Orientation, r3.Vector{X: h})
	case 4:
		s.Orientation = spatialmath.ApplyTangent(s.Orientation, r3.Vector{Y: h})
	case 5:
		s.Orientation = spatialmath.ApplyTangent(s.Orientation, r3.Vector{Z: h})
	}
	return s
}

// numericJacobian fills a 6x6 block with central differences of eval over the six
// local parameters of s.
func numericJacobian(eval func(posegraph.PoseState) []float64, s posegraph.PoseState) *mat.Dense {
	jacobian := mat.NewDense(posegraph.DoF, posegraph.DoF, nil)
	for param := 0; param < posegraph.DoF; param++ {
		plus := eval(perturb(s, param, jacobianStep))
		minus := eval(perturb(s, param, -jacobianStep))
		for row := 0; row < posegraph.DoF; row++ {
			jacobian.Set(row, param, (plus[row]-minus[row])/(2*jacobianStep))
		}
	}
	return jacobian
}

func whitenVec(sqrtInfo *mat.Dense, raw []float64) *mat.VecDense {
	whitened := mat.NewVecDense(posegraph.DoF, nil)
	whitened.MulVec(sqrtInfo, mat.NewVecDense(posegraph.DoF, raw))
	return whitened
}

func whitenJacobian(sqrtInfo *mat.Dense, raw *mat.Dense) *mat.Dense {
	var whitened mat.Dense
	whitened.Mul(sqrtInfo, raw)
	return &whitened
}

// newRelativeBlock evaluates a relative motion constraint at the current pose
// estimates. Jacobian computation is skipped for cost-only evaluations of trial
// steps.
func newRelativeBlock(traj *posegraph.Trajectory, c *posegraph.RelativeConstraint, withJacobian bool) *residualBlock {
	from := stateOf(traj.Pose(c.From()))
	to := stateOf(traj.Pose(c.To()))

	block := &residualBlock{
		poses:    []int{c.From(), c.To()},
		residual: whitenVec(c.SqrtInformation(), relativeRawError(from, to, c)),
		weight:   1,
	}
	block.norm = mat.Norm(block.residual, 2)

	if withJacobian {
		jacFrom := numericJacobian(func(s posegraph.PoseState) []float64 {
			return relativeRawError(s, to, c)
		}, from)
		jacTo := numericJacobian(func(s posegraph.PoseState) []float64 {
			return relativeRawError(from, s, c)
		}, to)
		block.jacobians = []*mat.Dense{
			whitenJacobian(c.SqrtInformation(), jacFrom),
			whitenJacobian(c.SqrtInformation(), jacTo),
		}
	}
	return block
}

// newAnchorBlock evaluates an absolute anchor constraint at the current pose
// estimate.
func newAnchorBlock(traj *posegraph.Trajectory, c *posegraph.AnchorConstraint, withJacobian bool) *residualBlock {
	s := stateOf(traj.Pose(c.Index()))

	block := &residualBlock{
		poses:    []int{c.Index()},
		residual: whitenVec(c.SqrtInformation(), anchorRawError(s, c)),
		weight:   1,
	}
	block.norm = mat.Norm(block.residual, 2)

	if withJacobian {
		jac := numericJacobian(func(ps posegraph.PoseState) []float64 {
			return anchorRawError(ps, c)
		}, s)
		block.jacobians = []*mat.Dense{whitenJacobian(c.SqrtInformation(), jac)}
	}
	return block
}

// applyWeight scales the block by the square root of a robust-loss weight so that the
// weighted normal equations reproduce the IRLS down-weighting.
func (b *residualBlock) applyWeight(weight float64) {
	if weight == 1 {
		return
	}
	b.weight = weight
	sqrtW := math.Sqrt(weight)
	b.residual.ScaleVec(sqrtW, b.residual)
	for _, jacobian := range b.jacobians {
		jacobian.Scale(sqrtW, jacobian)
	}
}

// squaredNorm returns the block's contribution to the total squared residual.
func (b *residualBlock) squaredNorm() float64 {
	return mat.Dot(b.residual, b.residual)
}

// finite reports whether every entry of the block is a usable number.
func (b *residualBlock) finite() bool {
	for i := 0; i < b.residual.Len(); i++ {
		if !isFinite(b.residual.AtVec(i)) {
			return false
		}
	}
	for _, jacobian := range b.jacobians {
		for r := 0; r < posegraph.DoF; r++ {
			for c := 0; c < posegraph.DoF; c++ {
				if !isFinite(jacobian.At(r, c)) {
					return false
				}
			}
		}
	}
	return true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
