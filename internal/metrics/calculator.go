package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/amarcoder01/customsp/pkg/types"
)

// CalculateStageStatistics returns min/max/avg/median of samples.
// The median of an even-length sequence is the midpoint of the two middle
// values. An empty sequence yields the zero value.
func CalculateStageStatistics(samples []float64) types.StageStatistics {
	if len(samples) == 0 {
		return types.StageStatistics{}
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, s := range samples {
		sum += s
	}

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return types.StageStatistics{
		MinMs:     sorted[0],
		MaxMs:     sorted[n-1],
		AverageMs: sum / float64(n),
		MedianMs:  median,
		Count:     n,
	}
}

// CalculateJitter is the mean absolute difference between successive samples.
func CalculateJitter(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}

	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
}

// RPM converts an average round trip in ms to round trips per minute.
func RPM(latencyMs float64) float64 {
	if latencyMs > 0 {
		return 60000 / latencyMs
	}
	return 0
}

// BufferbloatRatio is the relative latency growth over the idle baseline.
func BufferbloatRatio(stageAvgMs, idleAvgMs float64) float64 {
	if idleAvgMs > 0 {
		return (stageAvgMs - idleAvgMs) / idleAvgMs
	}
	return 0
}

var bufferbloatBands = []struct {
	below float64
	grade types.BufferbloatGrade
}{
	{0.5, types.GradeAPlus},
	{1.0, types.GradeA},
	{2.0, types.GradeB},
	{4.0, types.GradeC},
	{9.0, types.GradeD},
}

// CalculateBufferbloatGrade maps the worst-case ratio onto A+..F. Bounds are
// exclusive upper limits; anything not below the last bound (including NaN)
// is F.
func CalculateBufferbloatGrade(ratio float64) types.BufferbloatGrade {
	for _, b := range bufferbloatBands {
		if ratio < b.below {
			return b.grade
		}
	}
	return types.GradeF
}

// ThroughputMbps converts a byte count over elapsed time to megabits/s.
func ThroughputMbps(bytes int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(bytes) * 8 / secs / 1e6
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
