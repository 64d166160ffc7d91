package session

import (
	"context"
	"sync"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
	"github.com/google/uuid"
)

const (
	DefaultPendingTTL = 60 * time.Second
	cleanupInterval   = 10 * time.Second
)

// Store persists finalized results. A failing Save never fails the test.
type Store interface {
	Save(result *types.EnhancedResult) error
}

type Config struct {
	ServerID    string
	Protocol    string
	ProbeTarget string
	// MaxConcurrent and MaxPerIP bound reserved plus running tests; zero
	// disables the limit.
	MaxConcurrent int
	MaxPerIP      int
	PendingTTL    time.Duration
	// Session is the template for every measurement session; identity and
	// target are filled per test.
	Session measurement.SessionConfig
}

// Options are per-test overrides accepted at reservation time.
type Options struct {
	Duration time.Duration
}

// Ticket is a reserved test waiting for its transport to attach.
type Ticket struct {
	ID        string        `json:"test_id"`
	ClientIP  string        `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"-"`
	ChunkSize int           `json:"chunk_size"`
}

type state uint8

const (
	statePending state = iota
	stateRunning
)

type entry struct {
	ticket Ticket
	state  state
	cancel context.CancelFunc
}

// Manager owns test reservations and runs measurement sessions.
type Manager struct {
	cfg     Config
	sampler measurement.Sampler
	store   Store
	logger  *logging.Logger

	mu         sync.Mutex
	tests      map[string]*entry
	activeByIP map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg Config, sampler measurement.Sampler, store Store) *Manager {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "websocket"
	}
	return &Manager{
		cfg:        cfg,
		sampler:    sampler,
		store:      store,
		logger:     logging.NewLogger("session"),
		tests:      make(map[string]*entry),
		activeByIP: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleanupLoop()
}

// Stop ends the cleanup loop and cancels running tests.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	for _, e := range m.tests {
		if e.cancel != nil {
			e.cancel()
		}
	}
	m.mu.Unlock()
}

// Create reserves a test slot for clientIP.
func (m *Manager) Create(clientIP string, opts Options) (*Ticket, error) {
	if clientIP == "" {
		clientIP = "unknown"
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = m.cfg.Session.Engine.Duration
	}
	chunkSize := m.cfg.Session.Engine.ChunkSize
	if chunkSize <= 0 {
		chunkSize = measurement.DefaultChunkSize
	}

	m.mu.Lock()
	if m.cfg.MaxConcurrent > 0 && len(m.tests) >= m.cfg.MaxConcurrent {
		active := len(m.tests)
		m.mu.Unlock()
		m.logger.Warn("Max concurrent tests reached",
			logging.Field{Key: "max", Value: m.cfg.MaxConcurrent},
			logging.Field{Key: "active", Value: active})
		return nil, errors.ErrResourceExhausted("max concurrent tests reached")
	}
	if m.cfg.MaxPerIP > 0 && m.activeByIP[clientIP] >= m.cfg.MaxPerIP {
		m.mu.Unlock()
		return nil, errors.ErrResourceExhausted("max concurrent tests per IP reached")
	}
	t := Ticket{
		ID:        uuid.NewString(),
		ClientIP:  clientIP,
		CreatedAt: time.Now(),
		Duration:  duration,
		ChunkSize: chunkSize,
	}
	m.tests[t.ID] = &entry{ticket: t, state: statePending}
	m.activeByIP[clientIP]++
	active := len(m.tests)
	m.mu.Unlock()

	m.logger.Info("Test reserved",
		logging.Field{Key: "test_id", Value: t.ID},
		logging.Field{Key: "client_ip", Value: clientIP},
		logging.Field{Key: "active", Value: active})
	return &t, nil
}

// Pending reports whether id is reserved and not yet running.
func (m *Manager) Pending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tests[id]
	return ok && e.state == statePending
}

// Run claims a pending ticket and executes its session over ch. The slot is
// released when Run returns, whatever the outcome.
func (m *Manager) Run(ctx context.Context, id string, ch measurement.Channel, sink measurement.ProgressSink) (*types.EnhancedResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	e, ok := m.tests[id]
	if !ok || e.state != statePending {
		m.mu.Unlock()
		return nil, errors.ErrSessionNotFound(id)
	}
	e.state = stateRunning
	e.cancel = cancel
	t := e.ticket
	m.mu.Unlock()
	defer m.release(id)

	cfg := m.cfg.Session
	cfg.Identity = measurement.Identity{
		ID:       t.ID,
		ServerID: m.cfg.ServerID,
		ClientIP: t.ClientIP,
		Protocol: m.cfg.Protocol,
	}
	cfg.Target = m.cfg.ProbeTarget
	cfg.Engine.Duration = t.Duration

	res, err := measurement.NewSession(cfg, m.sampler, ch, sink).Run(ctx)
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		if err := m.store.Save(res); err != nil {
			m.logger.Warn("Result save failed",
				logging.Field{Key: "test_id", Value: id},
				logging.Field{Key: "error", Value: err})
		}
	}
	return res, nil
}

// Cancel aborts a running test or drops a pending reservation.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tests[id]
	if !ok {
		return errors.ErrSessionNotFound(id)
	}
	if e.state == stateRunning {
		e.cancel()
		return nil
	}
	m.releaseLocked(id)
	return nil
}

// ActiveCount is the number of reserved or running tests.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tests)
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(id)
}

func (m *Manager) releaseLocked(id string) {
	e, ok := m.tests[id]
	if !ok {
		return
	}
	delete(m.tests, id)
	ip := e.ticket.ClientIP
	if m.activeByIP[ip] <= 1 {
		delete(m.activeByIP, ip)
		return
	}
	m.activeByIP[ip]--
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.expirePending(now)
		case <-m.stopCh:
			return
		}
	}
}

// expirePending drops reservations whose transport never attached.
func (m *Manager) expirePending(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.tests {
		if e.state == statePending && now.Sub(e.ticket.CreatedAt) > m.cfg.PendingTTL {
			m.releaseLocked(id)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Expired pending tests", logging.Field{Key: "count", Value: n})
	}
	return n
}
