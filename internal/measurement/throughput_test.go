package measurement_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/internal/metrics"
	"github.com/amarcoder01/customsp/pkg/types"
)

func testEngine(d time.Duration) *measurement.Engine {
	return measurement.NewEngine(measurement.EngineConfig{
		Duration:            d,
		ChunkSize:           1024,
		ProgressEveryChunks: 50,
		ProgressInterval:    20 * time.Millisecond,
		ReceivePoll:         5 * time.Millisecond,
	})
}

func TestDownloadStopsOnTime(t *testing.T) {
	ch := &fakeChannel{onSend: func(int64) { time.Sleep(time.Millisecond) }}
	var ticks []measurement.Tick
	res, err := testEngine(120*time.Millisecond).Download(context.Background(), ch, measurement.Hooks{
		OnTick: func(tk measurement.Tick) error {
			ticks = append(ticks, tk)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if res.Elapsed < 120*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 120ms", res.Elapsed)
	}
	if res.Elapsed > time.Second {
		t.Fatalf("elapsed = %v, loop overran", res.Elapsed)
	}
	if res.Chunks != ch.sent.Load() || res.Bytes != res.Chunks*1024 {
		t.Fatalf("chunks/bytes = %d/%d, sent %d", res.Chunks, res.Bytes, ch.sent.Load())
	}
	want := metrics.ThroughputMbps(res.Bytes, res.Elapsed)
	if math.Abs(res.Mbps-want) > 1e-9 {
		t.Fatalf("mbps = %v, want %v", res.Mbps, want)
	}
	if len(ticks) == 0 {
		t.Fatal("expected progress ticks")
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i].Fraction < ticks[i-1].Fraction {
			t.Fatalf("fraction decreased at tick %d", i)
		}
	}
}

func TestDownloadPayloadIsTaggedData(t *testing.T) {
	var first byte = 0xff
	ch := &captureChannel{capture: func(b []byte) { first = b[0] }}
	if _, err := testEngine(10*time.Millisecond).Download(context.Background(), ch, measurement.Hooks{}); err != nil {
		t.Fatal(err)
	}
	if first != types.FrameData {
		t.Fatalf("first byte = %#x, want FrameData", first)
	}
}

type captureChannel struct{ capture func([]byte) }

func (c *captureChannel) SendText(context.Context, string) error { return nil }
func (c *captureChannel) SendBinary(_ context.Context, b []byte) error {
	c.capture(b)
	time.Sleep(time.Millisecond)
	return nil
}

func TestDownloadSendFailure(t *testing.T) {
	ch := &fakeChannel{failAfter: 3}
	_, err := testEngine(time.Second).Download(context.Background(), ch, measurement.Hooks{})
	if err == nil {
		t.Fatal("expected transfer error")
	}
}

func TestDownloadYieldsEveryChunk(t *testing.T) {
	ch := &fakeChannel{onSend: func(int64) { time.Sleep(time.Millisecond) }}
	yields := 0
	res, err := testEngine(30*time.Millisecond).Download(context.Background(), ch, measurement.Hooks{
		Yield: func(context.Context) error { yields++; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if int64(yields) != res.Chunks {
		t.Fatalf("yields = %d, chunks = %d", yields, res.Chunks)
	}
}

func TestDownloadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := &fakeChannel{onSend: func(n int64) {
		if n == 5 {
			cancel()
		}
	}}
	_, err := testEngine(5*time.Second).Download(ctx, ch, measurement.Hooks{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestUploadDuplexCountsReceivedFrames(t *testing.T) {
	ch := newDuplexChannel()
	for i := 0; i < 40; i++ {
		ch.frames <- make([]byte, 2048)
	}
	res, err := testEngine(80*time.Millisecond).Upload(context.Background(), ch, measurement.Hooks{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.Simulated {
		t.Fatal("duplex upload reported as simulated")
	}
	if res.Bytes != 40*2048 || res.Chunks != 40 {
		t.Fatalf("bytes/chunks = %d/%d, want %d/40", res.Bytes, res.Chunks, 40*2048)
	}
	if res.Elapsed < 80*time.Millisecond {
		t.Fatalf("elapsed = %v, want >= 80ms even when client goes quiet", res.Elapsed)
	}

	if len(ch.texts) != 1 {
		t.Fatalf("texts = %v, want one start command", ch.texts)
	}
	var cmd types.StartUploadCommand
	if err := json.Unmarshal([]byte(ch.texts[0]), &cmd); err != nil {
		t.Fatal(err)
	}
	if cmd.Command != types.CommandStartUpload || cmd.ChunkSize != 1024 || cmd.DurationMs != 80 {
		t.Fatalf("command = %+v", cmd)
	}
}

func TestUploadQuietClientStillYields(t *testing.T) {
	ch := newDuplexChannel()
	yields := 0
	_, err := testEngine(50*time.Millisecond).Upload(context.Background(), ch, measurement.Hooks{
		Yield: func(context.Context) error { yields++; return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if yields < 3 {
		t.Fatalf("yields = %d, want several poll slices", yields)
	}
}

func TestUploadSimulatedWithoutDuplex(t *testing.T) {
	res, err := testEngine(60*time.Millisecond).Upload(context.Background(), &fakeChannel{}, measurement.Hooks{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Simulated {
		t.Fatal("expected simulated upload")
	}
	if res.Chunks == 0 || res.Elapsed < 60*time.Millisecond {
		t.Fatalf("chunks = %d elapsed = %v", res.Chunks, res.Elapsed)
	}
}

func TestUploadReceiveError(t *testing.T) {
	ch := &brokenDuplex{fakeChannel: &fakeChannel{}}
	if _, err := testEngine(time.Second).Upload(context.Background(), ch, measurement.Hooks{}); err == nil {
		t.Fatal("expected receive error")
	}
}

type brokenDuplex struct{ *fakeChannel }

func (b *brokenDuplex) Receive(context.Context) ([]byte, error) {
	return nil, errors.New("connection reset")
}
