package recon

import (
	"math"
	"sort"
)

// =============================================================================
// TRAILING BASELINE STATISTICS
// =============================================================================
// Anomaly thresholds are baseline-relative: a window is compared against a
// statistic of the same measure over the preceding BaselineDays.

// Percentile returns the p-th percentile (0..1) using linear interpolation
// between closest ranks, the same definition as SQL percentile_cont.
// Returns NaN for an empty input.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Median is Percentile(values, 0.5).
func Median(values []float64) float64 { return Percentile(values, 0.5) }

// Mean returns the arithmetic mean, NaN for an empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// exceeds reports whether value is above limit by more than eps.
func exceeds(value, limit, eps float64) bool {
	return value-limit > eps
}

// round2 rounds to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
