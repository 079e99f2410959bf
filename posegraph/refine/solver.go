package refine

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/spatialmath"
)

// solver carries the mutable state of one Levenberg-Marquardt run. Damping and the
// rollback snapshot are explicit fields rather than ambient state so a single
// iteration can be exercised in isolation and cancellation can never leave a pose
// half-updated.
type solver struct {
	traj   *posegraph.Trajectory
	opts   *Options
	logger golog.Logger

	state      State
	damping    float64
	cost       float64
	iterations int
	accepted   int
	rejected   int
	streak     int

	blocks []*residualBlock
	jtj    *mat.SymDense
	jtr    *mat.VecDense
}

func newSolver(traj *posegraph.Trajectory, opts *Options, logger golog.Logger) *solver {
	damping := opts.InitialDamping
	if damping <= 0 {
		damping = defaultInitialDamping
	}
	return &solver{
		traj:    traj,
		opts:    opts,
		logger:  logger,
		state:   StateInitialized,
		damping: damping,
	}
}

// robustThreshold picks the Huber threshold for the current outer iteration. With
// AutoRobustScale it is re-derived from the block norms each time the linearization
// point moves; within one iteration the same threshold is used for both the
// linearization and its trial evaluations so accept/reject compares like with like.
func (s *solver) robustThreshold(blocks []*residualBlock) float64 {
	if s.opts.RobustLossThreshold <= 0 {
		return 0
	}
	if s.opts.AutoRobustScale {
		return autoRobustThreshold(blockNorms(blocks), s.opts.RobustLossThreshold)
	}
	return s.opts.RobustLossThreshold
}

// linearize evaluates all blocks with Jacobians at the current estimate, applies the
// robust loss, and rebuilds the normal equations. Returns false on non-finite values.
func (s *solver) linearize() (float64, bool) {
	blocks := evaluateBlocks(s.traj, true, s.opts.numThreads())
	threshold := s.robustThreshold(blocks)
	applyRobustLoss(blocks, threshold)
	cost, ok := totalCost(blocks)
	if !ok {
		return 0, false
	}
	s.blocks = blocks
	s.jtj, s.jtr = buildNormalEquations(blocks, s.traj.Len())
	return cost, true
}

// trialCost evaluates the total cost at the trajectory's current (trial) poses using
// the given robust threshold, without Jacobians.
func (s *solver) trialCost(threshold float64) (float64, bool) {
	blocks := evaluateBlocks(s.traj, false, s.opts.numThreads())
	applyRobustLoss(blocks, threshold)
	return totalCost(blocks)
}

// solveDamped solves (JᵀJ + λD)δ = -Jᵀr where D is the diagonal of JᵀJ floored so
// that completely unobserved parameters still produce a positive-definite system.
func (s *solver) solveDamped() (*mat.VecDense, bool) {
	n := s.jtr.Len()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(s.jtj)
	for i := 0; i < n; i++ {
		d := s.jtj.At(i, i)
		if d < defaultMinDiagonal {
			d = defaultMinDiagonal
		}
		damped.SetSym(i, i, s.jtj.At(i, i)+s.damping*d)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}
	delta := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(delta, s.jtr); err != nil {
		return nil, false
	}
	delta.ScaleVec(-1, delta)
	return delta, true
}

// applyStep applies the stacked tangent increment to every pose: translation added
// directly, rotation through the manifold update, norm invariant restored.
func applyStep(traj *posegraph.Trajectory, delta *mat.VecDense) {
	for i, p := range traj.Poses() {
		base := i * posegraph.DoF
		p.Position = p.Position.Add(r3.Vector{
			X: delta.AtVec(base),
			Y: delta.AtVec(base + 1),
			Z: delta.AtVec(base + 2),
		})
		p.Orientation = spatialmath.ApplyTangent(p.Orientation, r3.Vector{
			X: delta.AtVec(base + 3),
			Y: delta.AtVec(base + 4),
			Z: delta.AtVec(base + 5),
		})
		p.Normalize()
	}
}

// growDamping inflates lambda after a rejected step and decides whether the run is
// over: exceeding the bound without a single accepted step is divergence, while
// exceeding it after progress has been made just ends the run with the best estimate
// found.
func (s *solver) growDamping() {
	s.damping *= defaultDampingFactor
	if s.damping > defaultMaxDamping {
		if s.accepted == 0 {
			s.state = StateDiverged
		} else {
			s.state = StateMaxIterations
		}
	}
}

func (s *solver) shrinkDamping() {
	s.damping /= defaultDampingFactor
	if s.damping < defaultMinDamping {
		s.damping = defaultMinDamping
	}
}

// run drives the state machine to a terminal state. Poses are mutated in place; on
// any rejected or aborted step they are rolled back to the last stable estimate
// before the method returns.
func (s *solver) run(ctx context.Context) {
	s.state = StateIterating

	cost, ok := s.linearize()
	if !ok {
		s.logger.Warnf("initial residual is not finite")
		s.state = StateDiverged
		return
	}
	s.cost = cost
	s.logger.Debugf("starting refinement: poses=%d constraints=%d initial cost=%.8g",
		s.traj.Len(), s.traj.NumConstraints(), s.cost)

	for s.state == StateIterating {
		select {
		case <-ctx.Done():
			s.state = StateCancelled
			return
		default:
		}
		if s.iterations >= s.opts.MaxIterations {
			s.state = StateMaxIterations
			return
		}
		s.iterations++
		s.iterate()
	}
}

// iterate performs one damped step attempt: solve the normal equations at the current
// linearization, tentatively apply the increment, and accept or reject on the total
// squared residual. A rejected step rolls the poses back and retries next iteration
// with larger damping against the same linearization.
func (s *solver) iterate() {
	delta, ok := s.solveDamped()
	if !ok {
		// Factorization failure is handled exactly like a rejected step.
		s.rejected++
		s.logger.Debugf("iter %d: normal equations not positive definite at lambda=%.3g", s.iterations, s.damping)
		s.growDamping()
		return
	}

	stepNorm := floats.Norm(delta.RawVector().Data, 2)
	if stepNorm < s.opts.IncrementTolerance {
		// The linearization has no meaningful step left to offer. Counting these
		// toward the streak rather than trialing them avoids churning damping
		// retries at the residual floor.
		s.streak++
		s.logger.Debugf("iter %d: increment norm %.3g below tolerance", s.iterations, stepNorm)
		if s.streak >= s.opts.ConvergedIterations {
			s.state = StateConverged
		}
		return
	}
	threshold := s.robustThreshold(s.blocks)

	snapshot := s.traj.Snapshot()
	applyStep(s.traj, delta)

	trial, finite := s.trialCost(threshold)
	if !finite || trial >= s.cost {
		s.traj.Restore(snapshot)
		s.rejected++
		s.logger.Debugf("iter %d: rejected (cost %.8g -> %v) lambda=%.3g", s.iterations, s.cost, trial, s.damping)
		s.growDamping()
		return
	}

	// Accepted: the trajectory keeps the trial poses.
	prevCost := s.cost
	decrease := s.cost - trial
	relDecrease := decrease / s.cost
	s.accepted++
	s.logger.Debugf("iter %d: accepted cost %.8g -> %.8g (step=%.3g lambda=%.3g)",
		s.iterations, s.cost, trial, stepNorm, s.damping)
	s.cost = trial
	s.shrinkDamping()

	if relDecrease < s.opts.ResidualTolerance || stepNorm < s.opts.IncrementTolerance {
		s.streak++
		if s.streak >= s.opts.ConvergedIterations {
			s.state = StateConverged
			return
		}
	} else {
		s.streak = 0
	}

	// Relinearize at the accepted estimate. If that fails, the step is undone
	// entirely so the reported cost and counts still describe the returned poses;
	// the previous linearization remains valid for them.
	cost, ok := s.linearize()
	if !ok {
		s.traj.Restore(snapshot)
		s.cost = prevCost
		s.accepted--
		s.state = StateDiverged
		return
	}
	s.cost = cost
}
