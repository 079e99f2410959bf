package refine

// State is the terminal state of one refinement run.
type State int

const (
	// StateInitialized means the solver has been constructed but not yet stepped.
	StateInitialized State = iota
	// StateIterating means the solver is between outer iterations.
	StateIterating
	// StateConverged means the residual decrease or increment norm stayed below
	// tolerance for the configured number of consecutive accepted steps.
	StateConverged
	// StateMaxIterations means the iteration budget ran out; the best estimate found
	// is kept. A partial success, not an error.
	StateMaxIterations
	// StateDiverged means damping grew past its bound without an accepted step, or a
	// residual went non-finite. The last stable pose estimate is preserved.
	StateDiverged
	// StateCancelled means the caller's context was cancelled between iterations; the
	// best estimate so far is kept.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateIterating:
		return "Iterating"
	case StateConverged:
		return "Converged"
	case StateMaxIterations:
		return "MaxIterationsReached"
	case StateDiverged:
		return "Diverged"
	case StateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateConverged || s == StateMaxIterations || s == StateDiverged || s == StateCancelled
}
