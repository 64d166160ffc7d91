package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/internal/session"
	perrors "github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
)

type fixedSampler float64

func (f fixedSampler) Probe(ctx context.Context, target string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return float64(f), nil
}

type nopChannel struct {
	onSend func()
}

func (nopChannel) SendText(context.Context, string) error { return nil }

func (c nopChannel) SendBinary(ctx context.Context, _ []byte) error {
	if c.onSend != nil {
		c.onSend()
	}
	time.Sleep(100 * time.Microsecond)
	return ctx.Err()
}

type memStore struct {
	mu    sync.Mutex
	saved []*types.EnhancedResult
	err   error
}

func (s *memStore) Save(r *types.EnhancedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, r)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func testConfig() session.Config {
	return session.Config{
		ServerID:      "srv-1",
		ProbeTarget:   "127.0.0.1:8080",
		MaxConcurrent: 3,
		MaxPerIP:      2,
		Session: measurement.SessionConfig{
			IdleSamples:         3,
			IdleSampleDelay:     time.Millisecond,
			LoadedProbeInterval: 5 * time.Millisecond,
			Engine: measurement.EngineConfig{
				Duration:  30 * time.Millisecond,
				ChunkSize: 1024,
			},
		},
	}
}

func TestCreateEnforcesLimits(t *testing.T) {
	m := session.NewManager(testConfig(), fixedSampler(10), nil)

	for i := 0; i < 2; i++ {
		if _, err := m.Create("198.51.100.1", session.Options{}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := m.Create("198.51.100.1", session.Options{})
	if perrors.CodeOf(err) != perrors.ErrCodeResourceExhausted {
		t.Fatalf("per-IP limit err = %v", err)
	}
	if _, err := m.Create("198.51.100.2", session.Options{}); err != nil {
		t.Fatalf("other ip: %v", err)
	}
	_, err = m.Create("198.51.100.3", session.Options{})
	if perrors.CodeOf(err) != perrors.ErrCodeResourceExhausted {
		t.Fatalf("global limit err = %v", err)
	}
	if m.ActiveCount() != 3 {
		t.Fatalf("active = %d, want 3", m.ActiveCount())
	}
}

func TestRunSavesAndReleases(t *testing.T) {
	store := &memStore{}
	m := session.NewManager(testConfig(), fixedSampler(12), store)
	ticket, err := m.Create("198.51.100.1", session.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Pending(ticket.ID) {
		t.Fatal("ticket not pending")
	}

	res, err := m.Run(context.Background(), ticket.ID, nopChannel{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := res.TestResult
	if tr.ID != ticket.ID || tr.ServerID != "srv-1" || tr.ClientIP != "198.51.100.1" || tr.Protocol != "websocket" {
		t.Fatalf("identity = %+v", tr)
	}
	if tr.LatencyMs != 12 {
		t.Fatalf("latency = %v", tr.LatencyMs)
	}
	if store.count() != 1 {
		t.Fatalf("saved = %d, want 1", store.count())
	}
	if m.ActiveCount() != 0 || m.Pending(ticket.ID) {
		t.Fatal("slot not released")
	}

	_, err = m.Run(context.Background(), ticket.ID, nopChannel{}, nil)
	if perrors.CodeOf(err) != perrors.ErrCodeSessionNotFound {
		t.Fatalf("second run err = %v", err)
	}
}

func TestRunStoreFailureDoesNotFailTest(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	m := session.NewManager(testConfig(), fixedSampler(12), store)
	ticket, _ := m.Create("", session.Options{Duration: 20 * time.Millisecond})
	res, err := m.Run(context.Background(), ticket.ID, nopChannel{}, nil)
	if err != nil || res == nil {
		t.Fatalf("run = %v, %v", res, err)
	}
	if res.TestResult.ClientIP != "unknown" {
		t.Fatalf("client ip = %q", res.TestResult.ClientIP)
	}
}

func TestCancelRunningTest(t *testing.T) {
	store := &memStore{}
	cfg := testConfig()
	cfg.Session.Engine.Duration = 5 * time.Second
	m := session.NewManager(cfg, fixedSampler(12), store)
	ticket, _ := m.Create("198.51.100.1", session.Options{})

	var once sync.Once
	ch := nopChannel{onSend: func() {
		once.Do(func() {
			go func() {
				if err := m.Cancel(ticket.ID); err != nil {
					t.Errorf("cancel: %v", err)
				}
			}()
		})
	}}
	res, err := m.Run(context.Background(), ticket.ID, ch, nil)
	if res != nil {
		t.Fatal("cancelled run returned a result")
	}
	if perrors.CodeOf(err) != perrors.ErrCodeCancelled {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
	if store.count() != 0 {
		t.Fatal("cancelled result was saved")
	}
	if m.ActiveCount() != 0 {
		t.Fatal("slot not released")
	}
}

func TestCancelPendingAndUnknown(t *testing.T) {
	m := session.NewManager(testConfig(), fixedSampler(1), nil)
	ticket, _ := m.Create("198.51.100.1", session.Options{})
	if err := m.Cancel(ticket.ID); err != nil {
		t.Fatal(err)
	}
	if m.Pending(ticket.ID) {
		t.Fatal("pending ticket survived cancel")
	}
	if perrors.CodeOf(m.Cancel("missing")) != perrors.ErrCodeSessionNotFound {
		t.Fatal("expected SESSION_NOT_FOUND")
	}
}
