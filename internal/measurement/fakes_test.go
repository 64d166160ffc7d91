package measurement_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/amarcoder01/customsp/pkg/types"
)

var errProbe = errors.New("connection refused")

// stubSampler returns value until failAfter successful probes (if set).
type stubSampler struct {
	mu        sync.Mutex
	value     float64
	calls     int
	failAfter int
	failAll   bool
	byPhase   func() float64
}

func (s *stubSampler) Probe(ctx context.Context, target string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll || (s.failAfter > 0 && s.calls > s.failAfter) {
		return 0, errProbe
	}
	if s.byPhase != nil {
		return s.byPhase(), nil
	}
	return s.value, nil
}

func (s *stubSampler) set(v float64) {
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
}

func (s *stubSampler) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const (
	phaseIdle int32 = iota
	phaseDownload
	phaseUpload
)

// fakeChannel records traffic. Receive is available only when duplex is set
// through duplexChannel.
type fakeChannel struct {
	phase     atomic.Int32
	sent      atomic.Int64
	texts     []string
	mu        sync.Mutex
	failAfter int64
	onSend    func(n int64)
}

func (c *fakeChannel) SendText(ctx context.Context, msg string) error {
	c.phase.Store(phaseUpload)
	c.mu.Lock()
	c.texts = append(c.texts, msg)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeChannel) SendBinary(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.phase.Store(phaseDownload)
	n := c.sent.Add(1)
	if c.failAfter > 0 && n > c.failAfter {
		return errors.New("broken pipe")
	}
	if c.onSend != nil {
		c.onSend(n)
	}
	return nil
}

type duplexChannel struct {
	*fakeChannel
	frames chan []byte
}

func newDuplexChannel() *duplexChannel {
	return &duplexChannel{fakeChannel: &fakeChannel{}, frames: make(chan []byte, 1024)}
}

func (d *duplexChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []types.Progress
}

func (r *recordingSink) SendProgress(ctx context.Context, p types.Progress) error {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) snapshot() []types.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Progress, len(r.events))
	copy(out, r.events)
	return out
}
