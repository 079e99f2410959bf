package refine

import "github.com/pkg/errors"

var (
	// ErrUnderdetermined is returned before any solve attempt when the constraint
	// graph does not pin the trajectory's gauge freedom: with no effective anchor the
	// whole path can rigidly translate and rotate without changing any residual, and
	// the normal equations have a six-dimensional null space.
	ErrUnderdetermined = errors.New("trajectory has no anchor constraint; gauge freedom is unconstrained")

	// ErrEmptyTrajectory is returned when there are no poses to refine.
	ErrEmptyTrajectory = errors.New("trajectory has no poses")
)
