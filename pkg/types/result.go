package types

import "time"

// ThroughputMeasurement is one per-chunk instantaneous speed sample.
type ThroughputMeasurement struct {
	Mbps float64 `json:"mbps"`
}

// TestResult is the basic record of one session.
type TestResult struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"server_id"`
	ClientIP       string    `json:"client_ip"`
	Protocol       string    `json:"protocol"`
	Timestamp      time.Time `json:"timestamp"`
	DownloadMbps   float64   `json:"download_mbps"`
	UploadMbps     float64   `json:"upload_mbps"`
	LatencyMs      float64   `json:"latency_ms"`
	JitterMs       float64   `json:"jitter_ms"`
	TestDurationMs int64     `json:"test_duration_ms"`
}

// ConsistencyScore describes how stable per-chunk speeds were.
type ConsistencyScore struct {
	CoefficientOfVariation float64 `json:"coefficient_of_variation"`
	StabilityGrade         string  `json:"stability_grade"`
	MeanMbps               float64 `json:"mean_mbps"`
	StdDeviation           float64 `json:"std_deviation"`
	MinMbps                float64 `json:"min_mbps"`
	MaxMbps                float64 `json:"max_mbps"`
	Samples                int     `json:"samples"`
}

// EnhancedResult is the finalized composite handed to storage and clients.
// It is an immutable snapshot once returned from a session.
type EnhancedResult struct {
	TestResult          TestResult          `json:"test_result"`
	LoadedLatency       LoadedLatencyResult `json:"loaded_latency"`
	AIM                 AIMScores           `json:"aim_scores"`
	DownloadConsistency ConsistencyScore    `json:"download_consistency"`
	UploadConsistency   ConsistencyScore    `json:"upload_consistency"`
	UploadSimulated     bool                `json:"upload_simulated,omitempty"`
}
