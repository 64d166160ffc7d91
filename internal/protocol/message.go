package protocol

import (
	"errors"
	"math"
	"time"

	perrors "github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
)

type MessageType string

const (
	TypeConnected MessageType = "connected"
	TypeProgress  MessageType = "progress"
	TypeResult    MessageType = "result"
	TypeError     MessageType = "error"
	TypeCommand   MessageType = "command"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"
)

// Envelope is every control message exchanged over a test socket. Only the
// fields relevant to Type are set.
//
// A START_UPLOAD command is sent as a bare command object; decoding it
// yields an Envelope of TypeCommand.
type Envelope struct {
	Type      MessageType           `json:"type"`
	TestID    string                `json:"test_id,omitempty"`
	Format    string                `json:"format,omitempty"`
	Progress  *types.Progress       `json:"progress,omitempty"`
	Result    *types.EnhancedResult `json:"result,omitempty"`
	Compact   *CompactResult        `json:"compact,omitempty"`
	Error     *ErrorBody            `json:"error,omitempty"`
	Timestamp int64                 `json:"timestamp,omitempty"`

	Command    string `json:"command,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ErrorCode is the coarse, client-facing failure class.
type ErrorCode string

const (
	ErrorInvalidConfig    ErrorCode = "InvalidConfig"
	ErrorServerOverloaded ErrorCode = "ServerOverloaded"
	ErrorNetwork          ErrorCode = "NetworkError"
	ErrorTimeout          ErrorCode = "Timeout"
	ErrorInternal         ErrorCode = "InternalError"
)

type ErrorBody struct {
	Code ErrorCode `json:"code"`
	// Reason is the detailed SessionError code.
	Reason  string `json:"reason,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// ErrorCodeFor maps a SessionError code to its wire class.
func ErrorCodeFor(code string) ErrorCode {
	switch code {
	case perrors.ErrCodeInvalidConfig, perrors.ErrCodeSessionNotFound:
		return ErrorInvalidConfig
	case perrors.ErrCodeResourceExhausted, perrors.ErrCodeRateLimitExceeded:
		return ErrorServerOverloaded
	case perrors.ErrCodeProbeFailed, perrors.ErrCodeTransferFailed, perrors.ErrCodeCancelled:
		return ErrorNetwork
	case perrors.ErrCodeTimeout:
		return ErrorTimeout
	default:
		return ErrorInternal
	}
}

func Connected(testID, format string) Envelope {
	return Envelope{Type: TypeConnected, TestID: testID, Format: format, Timestamp: time.Now().UnixMilli()}
}

func ProgressMessage(testID string, p types.Progress) Envelope {
	return Envelope{Type: TypeProgress, TestID: testID, Progress: &p}
}

// ResultMessage carries the full result, or only the compact form when
// compact is set.
func ResultMessage(testID string, res *types.EnhancedResult, compact bool) Envelope {
	env := Envelope{Type: TypeResult, TestID: testID}
	if compact {
		c := Compact(res)
		env.Compact = &c
	} else {
		env.Result = res
	}
	return env
}

func ErrorMessage(testID string, err error) Envelope {
	body := &ErrorBody{Message: err.Error()}
	var se *perrors.SessionError
	if errors.As(err, &se) {
		body.Reason = se.Code
		body.Stage = se.Stage
		body.Message = se.Message
	} else {
		body.Reason = perrors.CodeOf(err)
	}
	body.Code = ErrorCodeFor(body.Reason)
	return Envelope{Type: TypeError, TestID: testID, Error: body}
}

func Pong(ts int64) Envelope {
	return Envelope{Type: TypePong, Timestamp: ts}
}

// CompactResult is the numbers-only result used by the binary format.
type CompactResult struct {
	DownloadMbps float32 `json:"dl_mbps"`
	UploadMbps   float32 `json:"ul_mbps"`

	IdleLatency     float32 `json:"idle_lat"`
	DownloadLatency float32 `json:"dl_lat"`
	UploadLatency   float32 `json:"ul_lat"`
	Jitter          float32 `json:"jitter"`

	// BufferbloatGrade is 0 for A+ through 5 for F.
	BufferbloatGrade uint8 `json:"bb_grade"`
	// Loaded/idle ratio times 1000: a ratio of 5.33 is 5330.
	BufferbloatDownloadPct uint16 `json:"bb_dl_pct"`
	BufferbloatUploadPct   uint16 `json:"bb_ul_pct"`

	IdleRPM     uint16 `json:"idle_rpm"`
	DownloadRPM uint16 `json:"dl_rpm"`
	UploadRPM   uint16 `json:"ul_rpm"`

	GamingScore    uint8 `json:"gaming_score"`
	StreamingScore uint8 `json:"streaming_score"`
	VideoScore     uint8 `json:"video_score"`
	BrowsingScore  uint8 `json:"browsing_score"`
	OverallScore   uint8 `json:"overall_score"`

	DurationMs uint32 `json:"duration_ms"`
	Timestamp  uint64 `json:"timestamp"`
}

func Compact(r *types.EnhancedResult) CompactResult {
	ll := r.LoadedLatency
	return CompactResult{
		DownloadMbps:           float32(r.TestResult.DownloadMbps),
		UploadMbps:             float32(r.TestResult.UploadMbps),
		IdleLatency:            float32(ll.Idle.AverageMs),
		DownloadLatency:        float32(ll.Download.AverageMs),
		UploadLatency:          float32(ll.Upload.AverageMs),
		Jitter:                 float32(r.TestResult.JitterMs),
		BufferbloatGrade:       uint8(ll.BufferbloatGrade),
		BufferbloatDownloadPct: sat16(ll.BufferbloatDownloadRatio * 1000),
		BufferbloatUploadPct:   sat16(ll.BufferbloatUploadRatio * 1000),
		IdleRPM:                sat16(ll.IdleRPM),
		DownloadRPM:            sat16(ll.DownloadRPM),
		UploadRPM:              sat16(ll.UploadRPM),
		GamingScore:            sat8(r.AIM.Gaming.Score),
		StreamingScore:         sat8(r.AIM.Streaming.Score),
		VideoScore:             sat8(r.AIM.VideoConferencing.Score),
		BrowsingScore:          sat8(r.AIM.GeneralBrowsing.Score),
		OverallScore:           sat8(r.AIM.OverallScore),
		DurationMs:             uint32(min(max(r.TestResult.TestDurationMs, 0), math.MaxUint32)),
		Timestamp:              uint64(max(r.TestResult.Timestamp.Unix(), 0)),
	}
}

func sat8(v float64) uint8 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(math.Round(v))
}

func sat16(v float64) uint16 {
	if v != v || v <= 0 {
		return 0
	}
	if v >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(math.Round(v))
}
