package types

import "fmt"

// StageStatistics summarises one stage's latency samples in milliseconds.
// All fields are zero for an empty stage.
type StageStatistics struct {
	MinMs     float64 `json:"min_ms"`
	MaxMs     float64 `json:"max_ms"`
	AverageMs float64 `json:"avg_ms"`
	MedianMs  float64 `json:"median_ms"`
	Count     int     `json:"count"`
}

// BufferbloatGrade ranks latency growth under load, best first.
type BufferbloatGrade uint8

const (
	GradeAPlus BufferbloatGrade = iota
	GradeA
	GradeB
	GradeC
	GradeD
	GradeF
)

func (g BufferbloatGrade) String() string {
	switch g {
	case GradeAPlus:
		return "A+"
	case GradeA:
		return "A"
	case GradeB:
		return "B"
	case GradeC:
		return "C"
	case GradeD:
		return "D"
	case GradeF:
		return "F"
	default:
		return fmt.Sprintf("grade(%d)", uint8(g))
	}
}

func (g BufferbloatGrade) Description() string {
	switch g {
	case GradeAPlus:
		return "Excellent - No bufferbloat detected"
	case GradeA:
		return "Very Good - Minimal bufferbloat"
	case GradeB:
		return "Good - Some bufferbloat, usually acceptable"
	case GradeC:
		return "Fair - Noticeable bufferbloat, may cause lag"
	case GradeD:
		return "Poor - Significant bufferbloat, expect lag spikes"
	case GradeF:
		return "Terrible - Severe bufferbloat, gaming/video calls affected"
	default:
		return "Unknown"
	}
}

func (g BufferbloatGrade) MarshalText() ([]byte, error) {
	if g > GradeF {
		return nil, fmt.Errorf("unknown bufferbloat grade %d", uint8(g))
	}
	return []byte(g.String()), nil
}

func (g *BufferbloatGrade) UnmarshalText(b []byte) error {
	switch string(b) {
	case "A+":
		*g = GradeAPlus
	case "A":
		*g = GradeA
	case "B":
		*g = GradeB
	case "C":
		*g = GradeC
	case "D":
		*g = GradeD
	case "F":
		*g = GradeF
	default:
		return fmt.Errorf("unknown bufferbloat grade %q", string(b))
	}
	return nil
}

// LoadedLatencyResult is the finalized three-stage latency aggregate.
// Ratios are (stage_avg - idle_avg) / idle_avg, or 0 when idle_avg is 0.
type LoadedLatencyResult struct {
	Idle     StageStatistics `json:"idle"`
	Download StageStatistics `json:"download"`
	Upload   StageStatistics `json:"upload"`

	IdleSamples     []float64 `json:"idle_samples"`
	DownloadSamples []float64 `json:"download_samples"`
	UploadSamples   []float64 `json:"upload_samples"`

	BufferbloatDownloadMs    float64          `json:"bufferbloat_download_ms"`
	BufferbloatUploadMs      float64          `json:"bufferbloat_upload_ms"`
	BufferbloatDownloadRatio float64          `json:"bufferbloat_download_ratio"`
	BufferbloatUploadRatio   float64          `json:"bufferbloat_upload_ratio"`
	BufferbloatGrade         BufferbloatGrade `json:"bufferbloat_grade"`

	IdleRPM     float64 `json:"idle_rpm"`
	DownloadRPM float64 `json:"download_rpm"`
	UploadRPM   float64 `json:"upload_rpm"`
}

// Recommendations returns fix-it advice for the bufferbloat grade.
func (r *LoadedLatencyResult) Recommendations() []string {
	switch r.BufferbloatGrade {
	case GradeAPlus, GradeA:
		return []string{
			"Your connection has excellent quality!",
			"No bufferbloat detected - latency stays low under load.",
		}
	case GradeB:
		return []string{
			"Your connection quality is good.",
			"Minor bufferbloat detected, but should not affect most activities.",
		}
	case GradeC:
		return []string{
			"Moderate bufferbloat detected.",
			"May cause lag in gaming or choppy video calls during uploads/downloads.",
			"Consider enabling Smart Queue Management (SQM/QoS) on your router.",
		}
	case GradeD, GradeF:
		return []string{
			"Significant bufferbloat detected!",
			"This will cause lag spikes, frozen video calls, and poor gaming experience.",
			"Enable Smart Queue Management (SQM/QoS) in your router settings.",
			"Set upload/download limits to 85-90% of your maximum speed.",
			"Consider upgrading to a router with better bufferbloat mitigation.",
		}
	default:
		return nil
	}
}
