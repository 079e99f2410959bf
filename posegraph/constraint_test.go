package posegraph

import (
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/spatialmath"
)

func TestRelativeConstraintValidation(t *testing.T) {
	zero := spatialmath.NewZeroRotation()

	_, err := NewRelativeConstraint(2, 2, r3.Vector{}, zero, IdentityInformation())
	test.That(t, errors.Is(err, ErrInvalidConstraint), test.ShouldBeTrue)

	_, err = NewRelativeConstraint(-1, 2, r3.Vector{}, zero, IdentityInformation())
	test.That(t, errors.Is(err, ErrInvalidConstraint), test.ShouldBeTrue)

	c, err := NewRelativeConstraint(0, 1, r3.Vector{X: 1}, zero, IdentityInformation())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.From(), test.ShouldEqual, 0)
	test.That(t, c.To(), test.ShouldEqual, 1)
}

func TestInformationValidation(t *testing.T) {
	zero := spatialmath.NewZeroRotation()

	// Negative eigenvalue.
	bad := IdentityInformation()
	bad.SetSym(3, 3, -2)
	_, err := NewRelativeConstraint(0, 1, r3.Vector{}, zero, bad)
	test.That(t, errors.Is(err, ErrInvalidWeight), test.ShouldBeTrue)

	// Wrong dimension.
	_, err = NewAnchorConstraint(0, r3.Vector{}, zero, mat.NewSymDense(3, nil))
	test.That(t, errors.Is(err, ErrInvalidWeight), test.ShouldBeTrue)

	// Nil.
	_, err = NewAnchorConstraint(0, r3.Vector{}, zero, nil)
	test.That(t, errors.Is(err, ErrInvalidWeight), test.ShouldBeTrue)

	// Semi-definite weights are allowed; they express unconstrained degrees of freedom.
	semi := mat.NewSymDense(DoF, nil)
	for i := 0; i < 3; i++ {
		semi.SetSym(i, i, 1)
	}
	a, err := NewAnchorConstraint(0, r3.Vector{}, zero, semi)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, a.SqrtInformation().At(0, 0), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, a.SqrtInformation().At(5, 5), test.ShouldAlmostEqual, 0, 1e-12)
}

func TestSqrtInformationSquaresBack(t *testing.T) {
	information := IdentityInformation()
	information.SetSym(0, 0, 4)
	information.SetSym(1, 1, 9)
	information.SetSym(0, 1, 2)

	c, err := NewAnchorConstraint(0, r3.Vector{}, spatialmath.NewZeroRotation(), information)
	test.That(t, err, test.ShouldBeNil)

	var squared mat.Dense
	squared.Mul(c.SqrtInformation(), c.SqrtInformation())
	for i := 0; i < DoF; i++ {
		for j := 0; j < DoF; j++ {
			test.That(t, squared.At(i, j), test.ShouldAlmostEqual, information.At(i, j), 1e-9)
		}
	}
}
