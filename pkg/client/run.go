package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amarcoder01/customsp/internal/protocol"
	"github.com/amarcoder01/customsp/pkg/types"
)

const uploadWriteTimeout = 5 * time.Second

// RunOptions configures a full quality test.
type RunOptions struct {
	// Format is json (default) or msgpack.
	Format string
	// Duration per transfer direction; zero lets the server decide.
	Duration   time.Duration
	OnProgress func(types.Progress)
}

// ServerError is a terminal error reported on the test socket.
type ServerError struct {
	Code    protocol.ErrorCode
	Reason  string
	Stage   string
	Message string
}

func (e *ServerError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Reason, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Run reserves a test, attaches to its socket, serves the upload phase and
// returns the finalized result. With the msgpack format the socket carries
// only a compact result, so the full one is fetched over HTTP; if that
// fails the compact numbers are returned.
func (c *Client) Run(ctx context.Context, opts RunOptions) (*types.EnhancedResult, error) {
	codec, err := protocol.ForFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	ticket, err := c.Start(ctx, opts.Duration)
	if err != nil {
		return nil, fmt.Errorf("start test: %w", err)
	}
	conn, err := c.dial(ctx, ticket.TestID, codec.Name())
	if err != nil {
		return nil, fmt.Errorf("connect test socket: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	uploadCtx, cancelUpload := context.WithCancel(ctx)
	var uploads sync.WaitGroup
	defer func() {
		stop()
		cancelUpload()
		conn.Close()
		uploads.Wait()
	}()

	uploading := false
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("test socket closed: %w", err)
		}

		var env protocol.Envelope
		switch {
		case mt == websocket.BinaryMessage && len(data) > 0 && data[0] == types.FrameData:
			continue
		case mt == websocket.BinaryMessage:
			err = codec.Unmarshal(data, &env)
		case mt == websocket.TextMessage:
			env, err = protocol.DecodeText(data)
		default:
			continue
		}
		if err != nil {
			continue
		}

		switch env.Type {
		case protocol.TypeProgress:
			if opts.OnProgress != nil && env.Progress != nil {
				opts.OnProgress(*env.Progress)
			}
		case protocol.TypeCommand:
			if env.Command != types.CommandStartUpload || uploading {
				continue
			}
			uploading = true
			uploads.Add(1)
			go func() {
				defer uploads.Done()
				upload(uploadCtx, conn, env.ChunkSize, time.Duration(env.DurationMs)*time.Millisecond)
			}()
		case protocol.TypeResult:
			cancelUpload()
			switch {
			case env.Result != nil:
				return env.Result, nil
			case env.Compact != nil:
				if full, err := c.Result(ctx, ticket.TestID); err == nil {
					return full, nil
				}
				return expandCompact(ticket, env.Compact), nil
			default:
				return nil, fmt.Errorf("empty result message")
			}
		case protocol.TypeError:
			if env.Error == nil {
				return nil, fmt.Errorf("server reported an error")
			}
			return nil, &ServerError{
				Code:    env.Error.Code,
				Reason:  env.Error.Reason,
				Stage:   env.Error.Stage,
				Message: env.Error.Message,
			}
		}
	}
}

func (c *Client) dial(ctx context.Context, id, format string) (*websocket.Conn, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/test/" + url.PathEscape(id)
	u.RawQuery = url.Values{"format": {format}}.Encode()

	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

// upload streams tagged chunks until duration elapses or ctx ends. The
// server owns the measurement; write errors just stop the stream.
func upload(ctx context.Context, conn *websocket.Conn, chunkSize int, duration time.Duration) {
	if chunkSize <= 1 {
		chunkSize = 64 * 1024
	}
	payload := make([]byte, chunkSize)
	rand.Read(payload)
	payload[0] = types.FrameData

	deadline := time.Now().Add(duration)
	for ctx.Err() == nil && time.Now().Before(deadline) {
		conn.SetWriteDeadline(time.Now().Add(uploadWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return
		}
	}
}

func expandCompact(t *Ticket, cr *protocol.CompactResult) *types.EnhancedResult {
	idle := float64(cr.IdleLatency)
	dl := float64(cr.DownloadLatency)
	ul := float64(cr.UploadLatency)
	score := func(v uint8) types.UseCaseScore {
		return types.UseCaseScore{Score: float64(v), Grade: types.GradeFromScore(float64(v))}
	}
	return &types.EnhancedResult{
		TestResult: types.TestResult{
			ID:             t.TestID,
			ServerID:       t.ServerID,
			Protocol:       "websocket",
			Timestamp:      time.Unix(int64(cr.Timestamp), 0).UTC(),
			DownloadMbps:   float64(cr.DownloadMbps),
			UploadMbps:     float64(cr.UploadMbps),
			LatencyMs:      idle,
			JitterMs:       float64(cr.Jitter),
			TestDurationMs: int64(cr.DurationMs),
		},
		LoadedLatency: types.LoadedLatencyResult{
			Idle:                     types.StageStatistics{AverageMs: idle},
			Download:                 types.StageStatistics{AverageMs: dl},
			Upload:                   types.StageStatistics{AverageMs: ul},
			BufferbloatDownloadMs:    dl - idle,
			BufferbloatUploadMs:      ul - idle,
			BufferbloatDownloadRatio: float64(cr.BufferbloatDownloadPct) / 1000,
			BufferbloatUploadRatio:   float64(cr.BufferbloatUploadPct) / 1000,
			BufferbloatGrade:         types.BufferbloatGrade(cr.BufferbloatGrade),
			IdleRPM:                  float64(cr.IdleRPM),
			DownloadRPM:              float64(cr.DownloadRPM),
			UploadRPM:                float64(cr.UploadRPM),
		},
		AIM: types.AIMScores{
			Gaming:            score(cr.GamingScore),
			Streaming:         score(cr.StreamingScore),
			VideoConferencing: score(cr.VideoScore),
			GeneralBrowsing:   score(cr.BrowsingScore),
			OverallScore:      float64(cr.OverallScore),
			OverallGrade:      types.GradeFromScore(float64(cr.OverallScore)),
		},
	}
}
