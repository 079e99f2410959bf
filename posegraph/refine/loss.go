package refine

import (
	"github.com/montanaflynn/stats"
)

// Consistency factor relating the median absolute deviation of normally distributed
// data to its standard deviation.
const madToSigma = 1.4826

// Huber tuning constant giving 95% asymptotic efficiency on clean Gaussian data.
const huberEfficiencyScale = 1.345

// lossWeight returns the Huber down-weighting factor for a whitened residual block of
// the given norm. Blocks within the threshold keep full weight; beyond it the weight
// falls off as k/||r||, bounding the influence of any single grossly inconsistent
// constraint without discarding it. The loss is applied after information-matrix
// whitening, so the threshold is in units of Mahalanobis distance.
func lossWeight(norm, threshold float64) float64 {
	if threshold <= 0 || norm <= threshold {
		return 1
	}
	return threshold / norm
}

// autoRobustThreshold estimates a Huber threshold from the spread of the whitened
// block norms themselves: 1.345 sigma, with sigma taken robustly from the median
// absolute deviation so the outliers being guarded against do not inflate the
// estimate. Falls back to the fixed threshold when the spread degenerates to zero.
func autoRobustThreshold(norms []float64, fallback float64) float64 {
	if len(norms) < 2 {
		return fallback
	}
	mad, err := stats.MedianAbsoluteDeviation(norms)
	if err != nil || mad == 0 {
		return fallback
	}
	median, err := stats.Median(norms)
	if err != nil {
		return fallback
	}
	return median + huberEfficiencyScale*madToSigma*mad
}
