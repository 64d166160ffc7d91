package types

// First byte of every binary WebSocket frame. Data chunks carry FrameData;
// binary-encoded control messages carry FrameControl.
const (
	FrameData    byte = 0x00
	FrameControl byte = 0x01
)

// StartUploadCommand is the text message asking a client to begin sending
// upload chunks.
type StartUploadCommand struct {
	Command    string `json:"command"`
	ChunkSize  int    `json:"chunk_size"`
	DurationMs int64  `json:"duration_ms"`
}

const CommandStartUpload = "START_UPLOAD"
