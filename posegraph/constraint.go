package posegraph

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/posegraph/spatialmath"
)

// DoF is the number of degrees of freedom of one pose: three translation parameters
// plus three rotation tangent parameters.
const DoF = 6

// Eigenvalues above -psdTol are accepted as nonnegative; information matrices come
// from inverted covariances and accumulate floating point noise.
const psdTol = 1e-12

// RelativeConstraint is a measured rigid transform between two poses of the
// trajectory: a translation expressed in the from-pose body frame, a relative
// rotation, and a 6x6 information matrix (inverse measurement covariance) weighting
// the six error degrees of freedom. Constraints are immutable once created.
type RelativeConstraint struct {
	from        int
	to          int
	translation r3.Vector
	rotation    quat.Number
	information *mat.SymDense
	sqrtInfo    *mat.Dense
	rank        int
}

// NewRelativeConstraint validates and creates a relative motion constraint between
// the poses at indices from and to.
func NewRelativeConstraint(
	from, to int,
	translation r3.Vector,
	rotation quat.Number,
	information *mat.SymDense,
) (*RelativeConstraint, error) {
	if from == to {
		return nil, errors.Wrapf(ErrInvalidConstraint, "relative constraint cannot reference pose %d twice", from)
	}
	if from < 0 || to < 0 {
		return nil, errors.Wrapf(ErrInvalidConstraint, "relative constraint indices must be nonnegative, got %d and %d", from, to)
	}
	sqrtInfo, rank, err := sqrtInformation(information)
	if err != nil {
		return nil, err
	}
	return &RelativeConstraint{
		from:        from,
		to:          to,
		translation: translation,
		rotation:    spatialmath.Normalize(rotation),
		information: information,
		sqrtInfo:    sqrtInfo,
		rank:        rank,
	}, nil
}

// From returns the index of the first referenced pose.
func (c *RelativeConstraint) From() int {
	return c.from
}

// To returns the index of the second referenced pose.
func (c *RelativeConstraint) To() int {
	return c.to
}

// Translation returns the measured relative translation in the from-pose body frame.
func (c *RelativeConstraint) Translation() r3.Vector {
	return c.translation
}

// Rotation returns the measured relative rotation.
func (c *RelativeConstraint) Rotation() quat.Number {
	return c.rotation
}

// Information returns the 6x6 information matrix of the measurement.
func (c *RelativeConstraint) Information() *mat.SymDense {
	return c.information
}

// SqrtInformation returns the symmetric square root of the information matrix, used
// to whiten residuals so that squared error equals Mahalanobis distance.
func (c *RelativeConstraint) SqrtInformation() *mat.Dense {
	return c.sqrtInfo
}

// InformationRank returns the number of degrees of freedom the measurement actually
// constrains, i.e. the rank of its information matrix.
func (c *RelativeConstraint) InformationRank() int {
	return c.rank
}

// AnchorConstraint pins a single pose to a measured absolute position and
// orientation. At least one anchor is required to fix the gauge freedom of the
// trajectory; pinning only a subset of the six degrees of freedom is expressed by
// zeroing the corresponding rows and columns of the information matrix.
type AnchorConstraint struct {
	index       int
	position    r3.Vector
	orientation quat.Number
	information *mat.SymDense
	sqrtInfo    *mat.Dense
	rank        int
}

// NewAnchorConstraint validates and creates an absolute anchor constraint on the pose
// at the given index.
func NewAnchorConstraint(
	index int,
	position r3.Vector,
	orientation quat.Number,
	information *mat.SymDense,
) (*AnchorConstraint, error) {
	if index < 0 {
		return nil, errors.Wrapf(ErrInvalidConstraint, "anchor constraint index must be nonnegative, got %d", index)
	}
	sqrtInfo, rank, err := sqrtInformation(information)
	if err != nil {
		return nil, err
	}
	return &AnchorConstraint{
		index:       index,
		position:    position,
		orientation: spatialmath.Normalize(orientation),
		information: information,
		sqrtInfo:    sqrtInfo,
		rank:        rank,
	}, nil
}

// Index returns the index of the anchored pose.
func (c *AnchorConstraint) Index() int {
	return c.index
}

// Position returns the measured absolute position.
func (c *AnchorConstraint) Position() r3.Vector {
	return c.position
}

// Orientation returns the measured absolute orientation.
func (c *AnchorConstraint) Orientation() quat.Number {
	return c.orientation
}

// Information returns the 6x6 information matrix of the measurement.
func (c *AnchorConstraint) Information() *mat.SymDense {
	return c.information
}

// SqrtInformation returns the symmetric square root of the information matrix.
func (c *AnchorConstraint) SqrtInformation() *mat.Dense {
	return c.sqrtInfo
}

// InformationRank returns the number of degrees of freedom the anchor actually pins.
func (c *AnchorConstraint) InformationRank() int {
	return c.rank
}

// IdentityInformation returns a 6x6 identity information matrix, i.e. unit confidence
// on every degree of freedom.
func IdentityInformation() *mat.SymDense {
	information := mat.NewSymDense(DoF, nil)
	for i := 0; i < DoF; i++ {
		information.SetSym(i, i, 1)
	}
	return information
}

// sqrtInformation checks that the information matrix is 6x6 symmetric positive
// semi-definite and returns its symmetric square root V·diag(√λ)·Vᵀ along with its
// rank. An eigenvalue decomposition is used rather than a Cholesky factorization so
// that semi-definite weights (partially anchored degrees of freedom) are
// representable.
func sqrtInformation(information *mat.SymDense) (*mat.Dense, int, error) {
	if information == nil {
		return nil, 0, errors.Wrap(ErrInvalidWeight, "information matrix is nil")
	}
	if n := information.SymmetricDim(); n != DoF {
		return nil, 0, errors.Wrapf(ErrInvalidWeight, "information matrix must be %dx%d, got %dx%d", DoF, DoF, n, n)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(information, true); !ok {
		return nil, 0, errors.Wrap(ErrInvalidWeight, "eigendecomposition of information matrix failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	rank := 0
	sqrtValues := mat.NewDiagDense(DoF, nil)
	for i, v := range values {
		if v < -psdTol {
			return nil, 0, errors.Wrapf(ErrInvalidWeight, "information matrix has negative eigenvalue %g", v)
		}
		if v < psdTol {
			v = 0
		} else {
			rank++
		}
		sqrtValues.SetDiag(i, math.Sqrt(v))
	}

	var scaled, sqrtInfo mat.Dense
	scaled.Mul(&vectors, sqrtValues)
	sqrtInfo.Mul(&scaled, vectors.T())
	return &sqrtInfo, rank, nil
}
