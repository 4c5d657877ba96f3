package partition

import (
	"fmt"
	"math"
)

// ----------------------------------------------------------------------------
// Partition statistics
// ----------------------------------------------------------------------------

type Stats struct {
	StdDeviation float64 `json:"std_deviation"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	MinMaxRatio  float64 `json:"min_max_ratio"`
}

// NewStats computes the standard deviation, minimum, and maximum values
// from an array of float64 values.
func NewStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	lo, hi := values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	mean := sum / float64(len(values))

	// population standard deviation
	var sumSquaredDiffs float64
	for _, v := range values {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(values)))

	minMaxRatio := 1.0
	if hi > 0 {
		minMaxRatio = lo / hi
	}

	return Stats{
		StdDeviation: stdDev,
		Min:          lo,
		Max:          hi,
		Mean:         mean,
		MinMaxRatio:  minMaxRatio,
	}
}

type DistributionStats struct {
	Stats
	Sizes               []int   `json:"sizes"`
	DistributionQuality float64 `json:"distribution_quality"`
}

// NewDistributionStats computes quality metrics for the sizes of the partitions
func NewDistributionStats(sizes []int) DistributionStats {
	values := make([]float64, len(sizes))
	for i, s := range sizes {
		values[i] = float64(s)
	}
	stats := NewStats(values)

	// coefficient of variation
	var cv float64
	if stats.Mean > 0 {
		cv = stats.StdDeviation / stats.Mean
	}

	// lower CV and higher min/max ratio indicate better distribution
	quality := (1.0-math.Min(1.0, cv))*0.5 + stats.MinMaxRatio*0.5

	return DistributionStats{
		Stats:               stats,
		Sizes:               sizes,
		DistributionQuality: quality,
	}
}

func (s DistributionStats) String() string {
	return fmt.Sprintf("partition sizes: min %.0f, max %.0f, mean %.2f, std deviation %.2f, quality %.2f",
		s.Min, s.Max, s.Mean, s.StdDeviation, s.DistributionQuality)
}

// Stats returns the size statistics of the assignment
func (a Assignment) Stats() DistributionStats {
	sizes := make([]int, len(a.Ranges))
	for i, r := range a.Ranges {
		sizes[i] = len(r.Keys)
	}
	return NewDistributionStats(sizes)
}
