package measurement

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amarcoder01/customsp/internal/metrics"
	"github.com/amarcoder01/customsp/pkg/types"
)

const (
	DefaultChunkSize           = 64 * 1024
	DefaultStageDuration       = 5 * time.Second
	DefaultProgressEveryChunks = 50
	DefaultProgressInterval    = 200 * time.Millisecond
	defaultReceivePoll         = 50 * time.Millisecond
	simulatedChunkDelay        = 10 * time.Millisecond
)

type EngineConfig struct {
	// Duration is the wall-clock length of each direction.
	Duration            time.Duration
	ChunkSize           int
	ProgressEveryChunks int
	ProgressInterval    time.Duration
	// ReceivePoll bounds a single upload receive wait so the loop keeps
	// reaching its scheduling points while the client is quiet.
	ReceivePoll time.Duration
	// SimulateUpload forces the placeholder upload even on duplex channels.
	SimulateUpload bool
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Duration:            DefaultStageDuration,
		ChunkSize:           DefaultChunkSize,
		ProgressEveryChunks: DefaultProgressEveryChunks,
		ProgressInterval:    DefaultProgressInterval,
		ReceivePoll:         defaultReceivePoll,
	}
}

func (c *EngineConfig) normalize() {
	d := DefaultEngineConfig()
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ProgressEveryChunks <= 0 {
		c.ProgressEveryChunks = d.ProgressEveryChunks
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.ReceivePoll <= 0 {
		c.ReceivePoll = d.ReceivePoll
	}
}

// Tick is a progress snapshot handed to Hooks.OnTick.
type Tick struct {
	Chunks      int64
	Bytes       int64
	Elapsed     time.Duration
	Fraction    float64
	InstantMbps float64
	AvgMbps     float64
}

// Hooks are the engine's callbacks into the session. Both run on the
// engine's goroutine; a returned error aborts the transfer.
type Hooks struct {
	OnTick func(Tick) error
	// Yield is called after every chunk and every idle receive poll.
	Yield func(ctx context.Context) error
}

// TransferResult is one finished direction.
type TransferResult struct {
	Bytes   int64
	Chunks  int64
	Elapsed time.Duration
	// Mbps is total bytes over elapsed time.
	Mbps float64
	// Measurements are per-chunk instantaneous speeds (telemetry only).
	Measurements []float64
	Simulated    bool
}

// Engine moves fixed-size chunks in one direction for a fixed duration.
type Engine struct {
	cfg     EngineConfig
	payload []byte
}

func NewEngine(cfg EngineConfig) *Engine {
	cfg.normalize()
	payload := make([]byte, cfg.ChunkSize)
	_, _ = rand.Read(payload)
	payload[0] = types.FrameData
	return &Engine{cfg: cfg, payload: payload}
}

func (e *Engine) Config() EngineConfig { return e.cfg }

// Download sends chunks until the stage duration has elapsed. The loop ends
// on time, never on chunk count.
func (e *Engine) Download(ctx context.Context, ch Channel, hooks Hooks) (TransferResult, error) {
	col := metrics.NewCollector()
	start := time.Now()
	col.Start(start)
	deadline := start.Add(e.cfg.Duration)
	lastTick := start

	for {
		if err := ctx.Err(); err != nil {
			return TransferResult{}, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			break
		}

		if err := ch.SendBinary(ctx, e.payload); err != nil {
			return TransferResult{}, fmt.Errorf("send chunk: %w", err)
		}
		col.RecordChunk(len(e.payload), time.Since(now))

		var err error
		if lastTick, err = e.maybeTick(col, start, lastTick, hooks); err != nil {
			return TransferResult{}, err
		}
		if hooks.Yield != nil {
			if err := hooks.Yield(ctx); err != nil {
				return TransferResult{}, err
			}
		}
	}

	return e.finish(col, false), nil
}

// Upload measures client-to-server throughput. On a DuplexChannel it asks the
// client to start sending and counts received frames; otherwise it runs the
// simulated placeholder, which only reflects the server's readiness to
// accept data.
func (e *Engine) Upload(ctx context.Context, ch Channel, hooks Hooks) (TransferResult, error) {
	dc, ok := ch.(DuplexChannel)
	if !ok || e.cfg.SimulateUpload {
		return e.simulateUpload(ctx, hooks)
	}

	cmd, err := json.Marshal(types.StartUploadCommand{
		Command:    types.CommandStartUpload,
		ChunkSize:  e.cfg.ChunkSize,
		DurationMs: e.cfg.Duration.Milliseconds(),
	})
	if err != nil {
		return TransferResult{}, err
	}
	if err := ch.SendText(ctx, string(cmd)); err != nil {
		return TransferResult{}, fmt.Errorf("send upload command: %w", err)
	}

	col := metrics.NewCollector()
	start := time.Now()
	col.Start(start)
	deadline := start.Add(e.cfg.Duration)
	lastTick := start
	lastFrame := start

	for {
		if err := ctx.Err(); err != nil {
			return TransferResult{}, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			break
		}

		wait := e.cfg.ReceivePoll
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		rctx, cancel := context.WithTimeout(ctx, wait)
		frame, err := dc.Receive(rctx)
		cancel()
		switch {
		case err == nil:
			arrived := time.Now()
			col.RecordChunk(len(frame), arrived.Sub(lastFrame))
			lastFrame = arrived
			if lastTick, err = e.maybeTick(col, start, lastTick, hooks); err != nil {
				return TransferResult{}, err
			}
		case ctx.Err() != nil:
			return TransferResult{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			// quiet poll slice
		default:
			return TransferResult{}, fmt.Errorf("receive chunk: %w", err)
		}

		if hooks.Yield != nil {
			if err := hooks.Yield(ctx); err != nil {
				return TransferResult{}, err
			}
		}
	}

	return e.finish(col, false), nil
}

func (e *Engine) simulateUpload(ctx context.Context, hooks Hooks) (TransferResult, error) {
	col := metrics.NewCollector()
	start := time.Now()
	col.Start(start)
	deadline := start.Add(e.cfg.Duration)
	lastTick := start
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		now := time.Now()
		if !now.Before(deadline) {
			break
		}
		timer.Reset(simulatedChunkDelay)
		select {
		case <-ctx.Done():
			return TransferResult{}, ctx.Err()
		case <-timer.C:
		}
		col.RecordChunk(e.cfg.ChunkSize, time.Since(now))

		var err error
		if lastTick, err = e.maybeTick(col, start, lastTick, hooks); err != nil {
			return TransferResult{}, err
		}
		if hooks.Yield != nil {
			if err := hooks.Yield(ctx); err != nil {
				return TransferResult{}, err
			}
		}
	}

	return e.finish(col, true), nil
}

func (e *Engine) maybeTick(col *metrics.Collector, start, lastTick time.Time, hooks Hooks) (time.Time, error) {
	if hooks.OnTick == nil {
		return lastTick, nil
	}
	now := time.Now()
	snap := col.Snapshot(now)
	if snap.Chunks%int64(e.cfg.ProgressEveryChunks) != 0 && now.Sub(lastTick) < e.cfg.ProgressInterval {
		return lastTick, nil
	}
	frac := float64(now.Sub(start)) / float64(e.cfg.Duration)
	if frac > 1 {
		frac = 1
	}
	err := hooks.OnTick(Tick{
		Chunks:      snap.Chunks,
		Bytes:       snap.Bytes,
		Elapsed:     snap.Elapsed,
		Fraction:    frac,
		InstantMbps: snap.LastMbps,
		AvgMbps:     snap.AvgMbps,
	})
	return now, err
}

func (e *Engine) finish(col *metrics.Collector, simulated bool) TransferResult {
	snap := col.Snapshot(time.Now())
	return TransferResult{
		Bytes:        snap.Bytes,
		Chunks:       snap.Chunks,
		Elapsed:      snap.Elapsed,
		Mbps:         snap.AvgMbps,
		Measurements: col.Measurements(),
		Simulated:    simulated,
	}
}
