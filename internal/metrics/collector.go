package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/amarcoder01/customsp/pkg/types"
)

// Collector accumulates one transfer direction: total bytes plus the
// per-chunk instantaneous speeds used for telemetry and consistency.
type Collector struct {
	bytes     int64
	chunks    int64
	mu        sync.RWMutex
	samples   []types.ThroughputMeasurement
	lastMbps  float64
	startTime time.Time
}

// Snapshot is a point-in-time view of a Collector.
type Snapshot struct {
	Bytes   int64
	Chunks  int64
	Elapsed time.Duration
	// AvgMbps is total bytes over elapsed time, the value a stage reports.
	AvgMbps  float64
	LastMbps float64
}

func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Start resets the clock; called when the stage's first chunk is about to go.
func (c *Collector) Start(now time.Time) {
	c.mu.Lock()
	c.startTime = now
	c.mu.Unlock()
}

// RecordChunk accounts n bytes moved in d. Chunks with a non-positive
// duration count toward totals but produce no instantaneous sample.
func (c *Collector) RecordChunk(n int, d time.Duration) {
	atomic.AddInt64(&c.bytes, int64(n))
	atomic.AddInt64(&c.chunks, 1)
	if d <= 0 {
		return
	}
	mbps := float64(n) * 8 / d.Seconds() / 1e6
	c.mu.Lock()
	c.samples = append(c.samples, types.ThroughputMeasurement{Mbps: mbps})
	c.lastMbps = mbps
	c.mu.Unlock()
}

func (c *Collector) Snapshot(now time.Time) Snapshot {
	bytes := atomic.LoadInt64(&c.bytes)
	c.mu.RLock()
	start := c.startTime
	last := c.lastMbps
	c.mu.RUnlock()
	elapsed := now.Sub(start)
	return Snapshot{
		Bytes:    bytes,
		Chunks:   atomic.LoadInt64(&c.chunks),
		Elapsed:  elapsed,
		AvgMbps:  ThroughputMbps(bytes, elapsed),
		LastMbps: last,
	}
}

// Measurements returns a copy of the per-chunk speeds in Mbps.
func (c *Collector) Measurements() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]float64, len(c.samples))
	for i, s := range c.samples {
		out[i] = s.Mbps
	}
	return out
}
