package refine

import (
	"context"

	"github.com/edaniels/golog"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/posegraph"
)

// Result reports how a refinement run ended.
type Result struct {
	// State is the terminal solver state.
	State State
	// Iterations is the number of step attempts made, accepted or not.
	Iterations int
	// AcceptedSteps and RejectedSteps break the iterations down.
	AcceptedSteps int
	RejectedSteps int
	// FinalResidual is the total squared whitened residual at the returned poses.
	FinalResidual float64
	// WeaklyObserved flags, per pose, whether the touching constraints cannot pin all
	// six degrees of freedom.
	WeaklyObserved []bool
	// Covariances holds per-pose 6x6 covariance blocks recovered from the inverse of
	// the undamped normal equations. Nil unless Options.RecoverCovariance is set and
	// the inversion succeeded.
	Covariances []*mat.SymDense
}

// Converged reports whether the run fully converged.
func (r *Result) Converged() bool {
	return r.State == StateConverged
}

// Refine is the single entry point of the refinement core. It validates that the
// problem is solvable, runs the Levenberg-Marquardt state machine to a terminal
// state, and returns diagnostics. Poses are mutated in place and are always left in a
// consistent state: a cancelled or diverged run keeps the last stable estimate.
// Constraints are never touched.
func Refine(ctx context.Context, traj *posegraph.Trajectory, opts *Options, logger golog.Logger) (*Result, error) {
	if logger == nil {
		logger = golog.NewLogger("posegraph.refine")
	}
	if opts == nil {
		opts = DefaultOptions()
	} else {
		opts = opts.withDefaults()
	}

	if traj == nil || traj.Len() == 0 {
		return nil, ErrEmptyTrajectory
	}
	if !gaugeFixed(traj) {
		return nil, ErrUnderdetermined
	}

	s := newSolver(traj, opts, logger)
	s.run(ctx)

	result := &Result{
		State:          s.state,
		Iterations:     s.iterations,
		AcceptedSteps:  s.accepted,
		RejectedSteps:  s.rejected,
		FinalResidual:  s.cost,
		WeaklyObserved: weaklyObserved(traj),
	}
	logger.Debugf("refinement finished: state=%s iterations=%d accepted=%d rejected=%d residual=%.8g",
		result.State, result.Iterations, result.AcceptedSteps, result.RejectedSteps, result.FinalResidual)

	if opts.RecoverCovariance && s.jtj != nil && s.state != StateDiverged {
		if covs, ok := recoverCovariances(s.jtj, traj.Len()); ok {
			result.Covariances = covs
		} else {
			logger.Warnf("covariance recovery skipped: normal equations are singular")
		}
	}
	return result, nil
}

// gaugeFixed reports whether at least one anchor actually pins a degree of freedom.
// An anchor whose information matrix is all zeros contributes nothing and does not
// count.
func gaugeFixed(traj *posegraph.Trajectory) bool {
	for _, a := range traj.Anchors() {
		if a.InformationRank() > 0 {
			return true
		}
	}
	return false
}

// recoverCovariances inverts the undamped JᵀJ at the final estimate and extracts the
// per-pose diagonal blocks. The inverse of the information of the whole system is the
// marginal covariance of the estimate under the usual Gaussian assumptions.
func recoverCovariances(jtj *mat.SymDense, numPoses int) ([]*mat.SymDense, bool) {
	var chol mat.Cholesky
	if ok := chol.Factorize(jtj); !ok {
		return nil, false
	}
	var inverse mat.SymDense
	if err := chol.InverseTo(&inverse); err != nil {
		return nil, false
	}

	covs := make([]*mat.SymDense, numPoses)
	for p := 0; p < numPoses; p++ {
		block := mat.NewSymDense(posegraph.DoF, nil)
		base := p * posegraph.DoF
		for i := 0; i < posegraph.DoF; i++ {
			for j := i; j < posegraph.DoF; j++ {
				block.SetSym(i, j, inverse.At(base+i, base+j))
			}
		}
		covs[p] = block
	}
	return covs, true
}

// withDefaults fills unset (zero) fields of a caller-supplied Options with the
// package defaults, leaving the caller's copy untouched.
func (o *Options) withDefaults() *Options {
	filled := *o
	if filled.MaxIterations <= 0 {
		filled.MaxIterations = defaultMaxIterations
	}
	if filled.InitialDamping <= 0 {
		filled.InitialDamping = defaultInitialDamping
	}
	if filled.ResidualTolerance <= 0 {
		filled.ResidualTolerance = defaultResidualTolerance
	}
	if filled.IncrementTolerance <= 0 {
		filled.IncrementTolerance = defaultIncrementTolerance
	}
	if filled.ConvergedIterations <= 0 {
		filled.ConvergedIterations = defaultConvergedIterations
	}
	return &filled
}
