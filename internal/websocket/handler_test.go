package websocket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/internal/protocol"
	"github.com/amarcoder01/customsp/internal/websocket"
	"github.com/amarcoder01/customsp/pkg/types"
)

// scriptRunner drives a short fake session: one progress event, one data
// chunk, an upload command, then it waits for uploadFrames client chunks.
type scriptRunner struct {
	id           string
	uploadFrames int

	mu        sync.Mutex
	received  int
	cancelled bool
	block     bool
	// ctxErrOnFail is ctx.Err() observed when Receive failed.
	ctxErrOnFail error
	receiveFail  chan struct{}
}

func (r *scriptRunner) Pending(id string) bool { return id == r.id }

func (r *scriptRunner) Run(ctx context.Context, id string, ch measurement.Channel, sink measurement.ProgressSink) (*types.EnhancedResult, error) {
	if err := sink.SendProgress(ctx, types.Progress{Stage: types.ProgressDownload, Percent: 30, Message: "Testing download speed..."}); err != nil {
		return nil, err
	}
	if r.block {
		<-ctx.Done()
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		return nil, ctx.Err()
	}
	chunk := make([]byte, 1024)
	chunk[0] = types.FrameData
	if err := ch.SendBinary(ctx, chunk); err != nil {
		return nil, err
	}
	cmd, _ := json.Marshal(types.StartUploadCommand{Command: types.CommandStartUpload, ChunkSize: 512, DurationMs: 100})
	if err := ch.SendText(ctx, string(cmd)); err != nil {
		return nil, err
	}
	dc := ch.(measurement.DuplexChannel)
	for i := 0; i < r.uploadFrames; i++ {
		if _, err := dc.Receive(ctx); err != nil {
			r.mu.Lock()
			r.ctxErrOnFail = ctx.Err()
			r.mu.Unlock()
			if r.receiveFail != nil {
				close(r.receiveFail)
			}
			return nil, err
		}
		r.mu.Lock()
		r.received++
		r.mu.Unlock()
	}
	return &types.EnhancedResult{
		TestResult: types.TestResult{ID: id, DownloadMbps: 100, UploadMbps: 20},
		AIM:        types.AIMScores{OverallScore: 80},
	}, nil
}

func startServer(t *testing.T, runner websocket.Runner) string {
	t.Helper()
	s := websocket.NewServer(runner)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/test/{id}", s.HandleTest)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readEnvelope(t *testing.T, c *gws.Conn, codec protocol.Codec) (protocol.Envelope, []byte) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt == gws.BinaryMessage && data[0] == types.FrameData {
		return protocol.Envelope{}, data
	}
	var env protocol.Envelope
	if mt == gws.TextMessage {
		env, err = protocol.DecodeText(data)
	} else {
		err = codec.Unmarshal(data, &env)
	}
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env, nil
}

func TestHandleTestJSON(t *testing.T) {
	runner := &scriptRunner{id: "abc", uploadFrames: 3}
	base := startServer(t, runner)

	c, _, err := gws.DefaultDialer.Dial(base+"/ws/test/abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	codec := protocol.JSONCodec{}

	env, _ := readEnvelope(t, c, codec)
	if env.Type != protocol.TypeConnected || env.TestID != "abc" || env.Format != "json" {
		t.Fatalf("first message = %+v", env)
	}
	env, _ = readEnvelope(t, c, codec)
	if env.Type != protocol.TypeProgress || env.Progress.Percent != 30 {
		t.Fatalf("progress = %+v", env)
	}
	if _, data := readEnvelope(t, c, codec); len(data) != 1024 {
		t.Fatalf("expected a data chunk, got %d bytes", len(data))
	}
	env, _ = readEnvelope(t, c, codec)
	if env.Type != protocol.TypeCommand || env.Command != types.CommandStartUpload {
		t.Fatalf("command = %+v", env)
	}

	chunk := make([]byte, env.ChunkSize)
	chunk[0] = types.FrameData
	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(gws.BinaryMessage, chunk); err != nil {
			t.Fatal(err)
		}
	}

	env, _ = readEnvelope(t, c, codec)
	if env.Type != protocol.TypeResult || env.Result == nil || env.Result.TestResult.DownloadMbps != 100 {
		t.Fatalf("result = %+v", env)
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.received != 3 {
		t.Fatalf("runner received %d chunks, want 3", runner.received)
	}
}

func TestHandleTestMsgpackSendsCompactResult(t *testing.T) {
	base := startServer(t, &scriptRunner{id: "abc"})
	c, _, err := gws.DefaultDialer.Dial(base+"/ws/test/abc?format=msgpack", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	codec := protocol.MsgpackCodec{}

	for {
		env, data := readEnvelope(t, c, codec)
		if data != nil {
			continue
		}
		if env.Type == protocol.TypeResult {
			if env.Compact == nil || env.Result != nil {
				t.Fatalf("msgpack result = %+v", env)
			}
			if env.Compact.OverallScore != 80 || env.Compact.DownloadMbps != 100 {
				t.Fatalf("compact = %+v", env.Compact)
			}
			return
		}
	}
}

func TestHandleTestPingPong(t *testing.T) {
	runner := &scriptRunner{id: "abc", block: true}
	base := startServer(t, runner)
	c, _, err := gws.DefaultDialer.Dial(base+"/ws/test/abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	codec := protocol.JSONCodec{}
	readEnvelope(t, c, codec) // connected
	readEnvelope(t, c, codec) // progress

	if err := c.WriteMessage(gws.TextMessage, []byte(`{"type":"ping","timestamp":42}`)); err != nil {
		t.Fatal(err)
	}
	env, _ := readEnvelope(t, c, codec)
	if env.Type != protocol.TypePong || env.Timestamp != 42 {
		t.Fatalf("pong = %+v", env)
	}
}

func TestHandleTestDisconnectCancelsRun(t *testing.T) {
	runner := &scriptRunner{id: "abc", block: true}
	base := startServer(t, runner)
	c, _, err := gws.DefaultDialer.Dial(base+"/ws/test/abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	codec := protocol.JSONCodec{}
	readEnvelope(t, c, codec)
	readEnvelope(t, c, codec)
	c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		runner.mu.Lock()
		done := runner.cancelled
		runner.mu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run was not cancelled after disconnect")
}

func TestDisconnectDuringUploadIsCancellation(t *testing.T) {
	runner := &scriptRunner{id: "abc", uploadFrames: 5, receiveFail: make(chan struct{})}
	base := startServer(t, runner)
	c, _, err := gws.DefaultDialer.Dial(base+"/ws/test/abc", nil)
	if err != nil {
		t.Fatal(err)
	}
	codec := protocol.JSONCodec{}
	for {
		env, _ := readEnvelope(t, c, codec)
		if env.Type == protocol.TypeCommand {
			break
		}
	}
	c.Close()

	select {
	case <-runner.receiveFail:
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not fail after disconnect")
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.ctxErrOnFail == nil {
		t.Fatal("run context still live when the closed socket surfaced")
	}
}

func TestHandleTestRejectsUnknownID(t *testing.T) {
	base := startServer(t, &scriptRunner{id: "abc"})
	_, resp, err := gws.DefaultDialer.Dial(base+"/ws/test/nope", nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v", resp)
	}
}

func TestHandleTestRejectsBadFormat(t *testing.T) {
	base := startServer(t, &scriptRunner{id: "abc"})
	_, resp, err := gws.DefaultDialer.Dial(base+"/ws/test/abc?format=xml", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v resp = %v", err, resp)
	}
}
