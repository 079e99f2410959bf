package posegraph

import "github.com/pkg/errors"

var (
	// ErrInvalidConstraint is returned when a constraint references pose indices that
	// cannot form a valid measurement, e.g. a relative constraint between a pose and
	// itself or an index outside the trajectory.
	ErrInvalidConstraint = errors.New("invalid constraint")

	// ErrInvalidWeight is returned when an information matrix fails the symmetric
	// positive-semi-definite check. A covariance inverse can never have negative
	// eigenvalues, so a weight that does is a construction bug upstream.
	ErrInvalidWeight = errors.New("invalid information matrix")
)
