package refine

import "runtime"

// Default solver parameters.
const (
	// Outer iteration budget before giving up with the best estimate found.
	defaultMaxIterations = 100

	// Starting Levenberg-Marquardt damping factor.
	defaultInitialDamping = 1e-4

	// Damping shrinks by this factor on an accepted step and grows by it on a
	// rejected one.
	defaultDampingFactor = 10.

	// Damping bounds. Exceeding the max without ever accepting a step is divergence.
	defaultMinDamping = 1e-12
	defaultMaxDamping = 1e10

	// Converged when the relative residual decrease falls below this.
	defaultResidualTolerance = 1e-12

	// Converged when the tangent-space increment norm falls below this.
	defaultIncrementTolerance = 1e-12

	// Number of consecutive below-tolerance iterations required to declare
	// convergence.
	defaultConvergedIterations = 2

	// Diagonal floor applied to the damping matrix so poses with unobserved degrees
	// of freedom cannot make the damped normal equations singular.
	defaultMinDiagonal = 1e-8
)

var defaultNumThreads = runtime.NumCPU() / 2

// Options configures one refinement run.
type Options struct {
	// MaxIterations bounds the number of outer iterations.
	MaxIterations int

	// InitialDamping is the starting Levenberg-Marquardt lambda.
	InitialDamping float64

	// ResidualTolerance is the relative total-squared-residual decrease below which
	// an accepted step counts toward convergence.
	ResidualTolerance float64

	// IncrementTolerance is the tangent increment norm below which an accepted step
	// counts toward convergence.
	IncrementTolerance float64

	// ConvergedIterations is how many consecutive below-tolerance accepted steps are
	// required before stopping.
	ConvergedIterations int

	// RobustLossThreshold enables a Huber loss with the given threshold on whitened
	// residual block norms. Zero disables robust weighting.
	RobustLossThreshold float64

	// AutoRobustScale derives the Huber threshold each iteration from the median
	// absolute deviation of the whitened block norms, overriding
	// RobustLossThreshold's magnitude while keeping it as the enable switch.
	AutoRobustScale bool

	// RecoverCovariance computes per-pose 6x6 covariance blocks from the inverse of
	// the undamped normal equations after the run terminates.
	RecoverCovariance bool

	// NumThreads is the number of goroutines used for residual and Jacobian
	// computation during assembly. Values below 1 select a hardware-based default.
	NumThreads int
}

// DefaultOptions returns the options used when the caller passes nil.
func DefaultOptions() *Options {
	return &Options{
		MaxIterations:       defaultMaxIterations,
		InitialDamping:      defaultInitialDamping,
		ResidualTolerance:   defaultResidualTolerance,
		IncrementTolerance:  defaultIncrementTolerance,
		ConvergedIterations: defaultConvergedIterations,
		NumThreads:          defaultNumThreads,
	}
}

func (o *Options) numThreads() int {
	if o.NumThreads > 0 {
		return o.NumThreads
	}
	if defaultNumThreads > 0 {
		return defaultNumThreads
	}
	return 1
}
