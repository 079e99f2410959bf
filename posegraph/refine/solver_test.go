package refine

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/posegraph/posegraph"
	"go.viam.com/posegraph/spatialmath"
)

// perturbed returns copies of the ground-truth poses knocked off by deterministic
// noise, to serve as the initial estimate handed to the solver.
func perturbed(truth []*posegraph.Pose, posNoise, rotNoise float64) []*posegraph.Pose {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(42))
	poses := make([]*posegraph.Pose, 0, len(truth))
	for i, p := range truth {
		pos := p.Position.Add(r3.Vector{
			X: posNoise * (2*rnd.Float64() - 1),
			Y: posNoise * (2*rnd.Float64() - 1),
			Z: posNoise * (2*rnd.Float64() - 1),
		})
		rot := spatialmath.ApplyTangent(p.Orientation, r3.Vector{
			X: rotNoise * (2*rnd.Float64() - 1),
			Y: rotNoise * (2*rnd.Float64() - 1),
			Z: rotNoise * (2*rnd.Float64() - 1),
		})
		poses = append(poses, posegraph.NewPose(i, pos, rot))
	}
	return poses
}

// maxErrors returns the largest translation distance and rotation angle between the
// refined poses and ground truth.
func maxErrors(truth, refined []*posegraph.Pose) (float64, float64) {
	maxTrans, maxRot := 0.0, 0.0
	for i := range truth {
		if d := truth[i].Position.Sub(refined[i].Position).Norm(); d > maxTrans {
			maxTrans = d
		}
		angle := spatialmath.Log(spatialmath.OrientationBetween(truth[i].Orientation, refined[i].Orientation)).Norm()
		if angle > maxRot {
			maxRot = angle
		}
	}
	return maxTrans, maxRot
}

func noiselessProblem(t *testing.T, n int, posNoise, rotNoise float64) ([]*posegraph.Pose, *posegraph.Trajectory) {
	t.Helper()
	truth := groundTruthChain(n)
	relatives := exactRelatives(t, truth)
	anchor, err := posegraph.NewAnchorConstraint(0, truth[0].Position, truth[0].Orientation, posegraph.IdentityInformation())
	test.That(t, err, test.ShouldBeNil)
	traj, err := posegraph.NewTrajectory(perturbed(truth, posNoise, rotNoise), relatives, []*posegraph.AnchorConstraint{anchor})
	test.That(t, err, test.ShouldBeNil)
	return truth, traj
}

func TestConvergenceOnCleanData(t *testing.T) {
	logger := golog.NewTestLogger(t)
	truth, traj := noiselessProblem(t, 6, 0.1, 0.05)

	result, err := Refine(context.Background(), traj, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.State, test.ShouldEqual, StateConverged)
	test.That(t, result.Converged(), test.ShouldBeTrue)
	test.That(t, result.AcceptedSteps, test.ShouldBeGreaterThan, 0)

	maxTrans, maxRot := maxErrors(truth, traj.Poses())
	test.That(t, maxTrans, test.ShouldBeLessThan, 1e-6)
	test.That(t, maxRot, test.ShouldBeLessThan, 1e-6)
	for _, flag := range result.WeaklyObserved {
		test.That(t, flag, test.ShouldBeFalse)
	}
}

func TestRefinementThroughGimbalRegion(t *testing.T) {
	// Pitch sweeps through ±90°, the configuration where an Euler-angle formulation
	// has a singular Jacobian. The quaternion tangent parameterization must refine
	// through it without trouble.
	logger := golog.NewTestLogger(t)
	n := 5
	truth := make([]*posegraph.Pose, 0, n)
	for i := 0; i < n; i++ {
		pitch := -math.Pi/2 + math.Pi*float64(i)/float64(n-1) // sweeps -90° .. +90°
		truth = append(truth, posegraph.NewPose(i,
			r3.Vector{X: float64(i), Z: 0.5 * float64(i)},
			spatialmath.Exp(r3.Vector{Y: pitch})))
	}
	relatives := exactRelatives(t, truth)
	anchor, err := posegraph.NewAnchorConstraint(0, truth[0].Position, truth[0].Orientation, posegraph.IdentityInformation())
	test.That(t, err, test.ShouldBeNil)
	traj, err := posegraph.NewTrajectory(perturbed(truth, 0.05, 0.03), relatives, []*posegraph.AnchorConstraint{anchor})
	test.That(t, err, test.ShouldBeNil)

	result, err := Refine(context.Background(), traj, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.State, test.ShouldEqual, StateConverged)

	maxTrans, maxRot := maxErrors(truth, traj.Poses())
	test.That(t, maxTrans, test.ShouldBeLessThan, 1e-6)
	test.That(t, maxRot, test.ShouldBeLessThan, 1e-6)

	// Norm invariant held across every update.
	for _, p := range traj.Poses() {
		q := p.Orientation
		norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
		test.That(t, norm, test.ShouldAlmostEqual, 1.0, 1e-6)
	}
}

func TestMonotonicAcceptedResidual(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, traj := noiselessProblem(t, 6, 0.2, 0.1)

	s := newSolver(traj, DefaultOptions(), logger)
	s.state = StateIterating
	cost, ok := s.linearize()
	test.That(t, ok, test.ShouldBeTrue)
	s.cost = cost

	prev := s.cost
	for i := 0; i < 60 && s.state == StateIterating; i++ {
		s.iterations++
		s.iterate()
		// Rejected steps keep the previous cost, accepted ones must decrease it.
		test.That(t, s.cost, test.ShouldBeLessThanOrEqualTo, prev)
		prev = s.cost
	}
	test.That(t, s.state, test.ShouldEqual, StateConverged)
}

func TestOutlierToleranceWithRobustLoss(t *testing.T) {
	logger := golog.NewTestLogger(t)

	buildProblem := func(t *testing.T) (*posegraph.Trajectory, []*posegraph.Pose) {
		t.Helper()
		truth := groundTruthChain(6)
		relatives := exactRelatives(t, truth)
		// One grossly inconsistent loop constraint between poses 0 and 3.
		trans, rot := truth[0].Between(truth[3])
		outlier, err := posegraph.NewRelativeConstraint(0, 3, trans.Add(r3.Vector{Y: 10}), rot, posegraph.IdentityInformation())
		test.That(t, err, test.ShouldBeNil)
		relatives = append(relatives, outlier)
		anchor, err := posegraph.NewAnchorConstraint(0, truth[0].Position, truth[0].Orientation, posegraph.IdentityInformation())
		test.That(t, err, test.ShouldBeNil)
		// Start from ground truth; only the outlier pulls away from it.
		traj, err := posegraph.NewTrajectory(groundTruthChain(6), relatives, []*posegraph.AnchorConstraint{anchor})
		test.That(t, err, test.ShouldBeNil)
		return traj, truth
	}

	trajPlain, truth := buildProblem(t)
	resultPlain, err := Refine(context.Background(), trajPlain, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resultPlain.State, test.ShouldNotEqual, StateDiverged)
	plainTrans, _ := maxErrors(truth, trajPlain.Poses())

	trajRobust, _ := buildProblem(t)
	resultRobust, err := Refine(context.Background(), trajRobust, &Options{RobustLossThreshold: 1.0}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resultRobust.State, test.ShouldNotEqual, StateDiverged)
	robustTrans, _ := maxErrors(truth, trajRobust.Poses())

	// Without the loss the outlier drags the path far off; with it the deviation
	// stays bounded well below the unweighted one.
	test.That(t, plainTrans, test.ShouldBeGreaterThan, 2.0)
	test.That(t, robustTrans, test.ShouldBeLessThan, plainTrans/2)
}

func TestDivergedOnNonFiniteInput(t *testing.T) {
	logger := golog.NewTestLogger(t)
	truth := groundTruthChain(3)
	relatives := exactRelatives(t, truth)
	anchor, err := posegraph.NewAnchorConstraint(0, truth[0].Position, truth[0].Orientation, posegraph.IdentityInformation())
	test.That(t, err, test.ShouldBeNil)

	poses := groundTruthChain(3)
	poses[1].Position.X = math.NaN()
	traj, err := posegraph.NewTrajectory(poses, relatives, []*posegraph.AnchorConstraint{anchor})
	test.That(t, err, test.ShouldBeNil)

	result, err := Refine(context.Background(), traj, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.State, test.ShouldEqual, StateDiverged)
}

func TestMaxIterationsIsPartialSuccess(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, traj := noiselessProblem(t, 6, 0.3, 0.15)

	result, err := Refine(context.Background(), traj, &Options{MaxIterations: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.State, test.ShouldEqual, StateMaxIterations)
	test.That(t, result.Converged(), test.ShouldBeFalse)
	test.That(t, result.Iterations, test.ShouldEqual, 2)

	// The best estimate so far is returned, not garbage.
	for _, p := range traj.Poses() {
		test.That(t, math.IsNaN(p.Position.X), test.ShouldBeFalse)
		q := p.Orientation
		norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
		test.That(t, norm, test.ShouldAlmostEqual, 1.0, 1e-9)
	}
}

func TestCancellationReturnsBestSoFar(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, traj := noiselessProblem(t, 5, 0.1, 0.05)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := Refine(ctx, traj, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.State, test.ShouldEqual, StateCancelled)

	// No partial update: poses are all consistent unit-norm states.
	for _, p := range traj.Poses() {
		q := p.Orientation
		norm := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
		test.That(t, norm, test.ShouldAlmostEqual, 1.0, 1e-9)
	}
}

func TestFinalResidualDescribesReturnedPoses(t *testing.T) {
	logger := golog.NewTestLogger(t)

	// In every terminal state the reported residual must be the cost of the poses
	// actually handed back, never that of a rolled-back trial.
	for _, maxIter := range []int{2, 100} {
		_, traj := noiselessProblem(t, 6, 0.2, 0.1)
		result, err := Refine(context.Background(), traj, &Options{MaxIterations: maxIter}, logger)
		test.That(t, err, test.ShouldBeNil)

		blocks := evaluateBlocks(traj, false, 1)
		cost, finite := totalCost(blocks)
		test.That(t, finite, test.ShouldBeTrue)
		test.That(t, result.FinalResidual, test.ShouldAlmostEqual, cost, 1e-8)
	}
}
