package metrics

import (
	"math"

	"github.com/amarcoder01/customsp/pkg/types"
)

// CalculateConsistency grades speed stability by coefficient of variation.
func CalculateConsistency(measurements []float64) types.ConsistencyScore {
	if len(measurements) == 0 {
		return types.ConsistencyScore{StabilityGrade: "Unknown"}
	}

	mean := Mean(measurements)
	var variance float64
	minV, maxV := measurements[0], measurements[0]
	for _, v := range measurements {
		d := v - mean
		variance += d * d
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	std := math.Sqrt(variance / float64(len(measurements)))

	var cv float64
	if mean > 0 {
		cv = std / mean * 100
	}

	return types.ConsistencyScore{
		CoefficientOfVariation: cv,
		StabilityGrade:         consistencyGrade(cv),
		MeanMbps:               mean,
		StdDeviation:           std,
		MinMbps:                minV,
		MaxMbps:                maxV,
		Samples:                len(measurements),
	}
}

func consistencyGrade(cv float64) string {
	switch {
	case cv < 5:
		return "Excellent - Very stable"
	case cv < 15:
		return "Good - Minor fluctuations"
	case cv < 30:
		return "Fair - Noticeable variation"
	default:
		return "Poor - Highly unstable"
	}
}
