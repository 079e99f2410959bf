package refine

import (
	"sync"

	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/posegraph/posegraph"
)

// evaluateBlocks computes the residual block of every constraint at the trajectory's
// current pose estimates, fanning the work out across numThreads goroutines. Each
// block occupies its own slot of the result slice, so workers share no mutable state.
// Relative constraints come first, anchors after, and the ordering is stable across
// calls.
func evaluateBlocks(traj *posegraph.Trajectory, withJacobian bool, numThreads int) []*residualBlock {
	relatives := traj.Relatives()
	anchors := traj.Anchors()
	blocks := make([]*residualBlock, len(relatives)+len(anchors))

	evalOne := func(i int) {
		if i < len(relatives) {
			blocks[i] = newRelativeBlock(traj, relatives[i], withJacobian)
		} else {
			blocks[i] = newAnchorBlock(traj, anchors[i-len(relatives)], withJacobian)
		}
	}

	if numThreads <= 1 || len(blocks) < 2*numThreads {
		for i := range blocks {
			evalOne(i)
		}
		return blocks
	}

	var wg sync.WaitGroup
	for worker := 0; worker < numThreads; worker++ {
		wg.Add(1)
		workerID := worker
		utils.PanicCapturingGo(func() {
			defer wg.Done()
			for i := workerID; i < len(blocks); i += numThreads {
				evalOne(i)
			}
		})
	}
	wg.Wait()
	return blocks
}

// totalCost is the total squared whitened (and robust-weighted) residual over all
// blocks. The second return is false if any entry went non-finite, which the solver
// escalates to divergence rather than letting NaN poison the normal equations.
func totalCost(blocks []*residualBlock) (float64, bool) {
	cost := 0.0
	for _, b := range blocks {
		if !b.finite() {
			return 0, false
		}
		cost += b.squaredNorm()
	}
	return cost, true
}

// applyRobustLoss down-weights each block by the Huber weight of its whitened norm.
// A threshold of zero leaves every block at full weight.
func applyRobustLoss(blocks []*residualBlock, threshold float64) {
	if threshold <= 0 {
		return
	}
	for _, b := range blocks {
		b.applyWeight(lossWeight(b.norm, threshold))
	}
}

// blockNorms collects the whitened residual norms of all blocks, used to derive the
// automatic robust-loss threshold.
func blockNorms(blocks []*residualBlock) []float64 {
	norms := make([]float64, len(blocks))
	for i, b := range blocks {
		norms[i] = b.norm
	}
	return norms
}

// buildNormalEquations accumulates JᵀJ and Jᵀr block-wise into a 6N x 6N symmetric
// system. The stacked Jacobian is never formed: each constraint contributes only the
// small dense blocks of the poses it touches, so the cost scales with the number of
// constraints rather than with N².
func buildNormalEquations(blocks []*residualBlock, numPoses int) (*mat.SymDense, *mat.VecDense) {
	n := numPoses * posegraph.DoF
	jtj := mat.NewSymDense(n, nil)
	jtr := mat.NewVecDense(n, nil)

	var jtjBlock, jtrBlock mat.Dense
	for _, b := range blocks {
		for a, poseA := range b.poses {
			jacA := b.jacobians[a]

			// Gradient contribution Jaᵀ r.
			jtrBlock.Mul(jacA.T(), b.residual)
			rowA := poseA * posegraph.DoF
			for i := 0; i < posegraph.DoF; i++ {
				jtr.SetVec(rowA+i, jtr.AtVec(rowA+i)+jtrBlock.At(i, 0))
			}

			// Hessian approximation contributions JaᵀJb. Anchors touch one pose and
			// produce a diagonal block; relative constraints additionally produce the
			// paired off-diagonal blocks.
			for bIdx, poseB := range b.poses {
				if poseA > poseB {
					continue
				}
				jacB := b.jacobians[bIdx]
				jtjBlock.Mul(jacA.T(), jacB)
				colB := poseB * posegraph.DoF
				for i := 0; i < posegraph.DoF; i++ {
					jStart := 0
					if poseA == poseB {
						jStart = i
					}
					for j := jStart; j < posegraph.DoF; j++ {
						row, col := rowA+i, colB+j
						jtj.SetSym(row, col, jtj.At(row, col)+jtjBlock.At(i, j))
					}
				}
			}
		}
	}
	return jtj, jtr
}

// weaklyObserved flags poses with a tangent direction that no touching constraint
// actually weights. Support is judged per degree of freedom from the information
// diagonals rather than by summing ranks, so a stack of position-only constraints
// cannot mask an entirely unobserved rotation. Assembly does not reject such poses;
// the solver's damping keeps them from driving the system singular.
func weaklyObserved(traj *posegraph.Trajectory) []bool {
	supported := make([][posegraph.DoF]bool, traj.Len())
	mark := func(pose int, info *mat.SymDense) {
		for i := 0; i < posegraph.DoF; i++ {
			if info.At(i, i) > 0 {
				supported[pose][i] = true
			}
		}
	}
	for _, c := range traj.Relatives() {
		mark(c.From(), c.Information())
		mark(c.To(), c.Information())
	}
	for _, c := range traj.Anchors() {
		mark(c.Index(), c.Information())
	}

	flags := make([]bool, traj.Len())
	for p := range flags {
		for i := 0; i < posegraph.DoF; i++ {
			if !supported[p][i] {
				flags[p] = true
				break
			}
		}
	}
	return flags
}
