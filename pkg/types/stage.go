package types

import "fmt"

// LatencyStage is the measurement phase a latency sample belongs to.
type LatencyStage uint8

const (
	StageIdle LatencyStage = iota
	StageDownloadLoaded
	StageUploadLoaded
	StageFinalized
)

func (s LatencyStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDownloadLoaded:
		return "download_loaded"
	case StageUploadLoaded:
		return "upload_loaded"
	case StageFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

func (s LatencyStage) MarshalText() ([]byte, error) {
	switch s {
	case StageIdle, StageDownloadLoaded, StageUploadLoaded, StageFinalized:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown latency stage %d", uint8(s))
	}
}

func (s *LatencyStage) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StageIdle
	case "download_loaded":
		*s = StageDownloadLoaded
	case "upload_loaded":
		*s = StageUploadLoaded
	case "finalized":
		*s = StageFinalized
	default:
		return fmt.Errorf("unknown latency stage %q", string(b))
	}
	return nil
}

// RawSample is one latency measurement. Samples are append-only.
type RawSample struct {
	ValueMs float64      `json:"value_ms"`
	Stage   LatencyStage `json:"stage"`
}

// ProgressStage is the user-facing phase reported in progress events.
type ProgressStage uint8

const (
	ProgressInitializing ProgressStage = iota
	ProgressIdleLatency
	ProgressDownload
	ProgressUpload
	ProgressFinalizing
	ProgressComplete
)

func (s ProgressStage) String() string {
	switch s {
	case ProgressInitializing:
		return "initializing"
	case ProgressIdleLatency:
		return "idle_latency"
	case ProgressDownload:
		return "download"
	case ProgressUpload:
		return "upload"
	case ProgressFinalizing:
		return "finalizing"
	case ProgressComplete:
		return "complete"
	default:
		return fmt.Sprintf("progress(%d)", uint8(s))
	}
}

func (s ProgressStage) MarshalText() ([]byte, error) {
	switch s {
	case ProgressInitializing, ProgressIdleLatency, ProgressDownload,
		ProgressUpload, ProgressFinalizing, ProgressComplete:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown progress stage %d", uint8(s))
	}
}

func (s *ProgressStage) UnmarshalText(b []byte) error {
	switch string(b) {
	case "initializing":
		*s = ProgressInitializing
	case "idle_latency":
		*s = ProgressIdleLatency
	case "download":
		*s = ProgressDownload
	case "upload":
		*s = ProgressUpload
	case "finalizing":
		*s = ProgressFinalizing
	case "complete":
		*s = ProgressComplete
	default:
		return fmt.Errorf("unknown progress stage %q", string(b))
	}
	return nil
}

// Progress is one progress event. Percent never decreases within a session.
type Progress struct {
	Stage     ProgressStage `json:"stage"`
	Percent   uint8         `json:"percent"`
	Message   string        `json:"message"`
	SpeedMbps *float64      `json:"speed_mbps,omitempty"`
	LatencyMs *float64      `json:"latency_ms,omitempty"`
}
