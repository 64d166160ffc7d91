package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/internal/protocol"
	"github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
	"github.com/gorilla/websocket"
)

// Runner executes a reserved test over an attached connection.
type Runner interface {
	Pending(id string) bool
	Run(ctx context.Context, id string, ch measurement.Channel, sink measurement.ProgressSink) (*types.EnhancedResult, error)
}

type Server struct {
	upgrader       websocket.Upgrader
	runner         Runner
	conns          map[*Conn]struct{}
	allowedOrigins []string
	pingInterval   time.Duration
	maxFrameSize   int64
	stopCh         chan struct{}
	stopOnce       sync.Once
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

func NewServer(runner Runner) *Server {
	server := &Server{
		runner:       runner,
		conns:        make(map[*Conn]struct{}),
		pingInterval: 30 * time.Second,
		maxFrameSize: 1 << 20,
		stopCh:       make(chan struct{}),
	}
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return server.isAllowedOrigin(r.Header.Get("Origin"), r.Host)
		},
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	server.startPingLoop()
	return server
}

func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) SetPingInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = interval
}

// SetMaxFrameSize bounds a single client frame; it must fit one upload chunk.
func (s *Server) SetMaxFrameSize(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxFrameSize = n
}

// ActiveConnections is the number of attached test sockets.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// HandleTest serves GET /ws/test/{id}?format=json|msgpack.
func (s *Server) HandleTest(w http.ResponseWriter, r *http.Request) {
	testID := r.PathValue("id")
	codec, err := protocol.ForFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if testID == "" || !s.runner.Pending(testID) {
		writeJSONError(w, http.StatusNotFound, errors.ErrSessionNotFound(testID).Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("WebSocket upgrade error",
			logging.Field{Key: "error", Value: err},
			logging.Field{Key: "test_id", Value: testID})
		return
	}

	s.mu.RLock()
	limit := s.maxFrameSize
	s.mu.RUnlock()
	ws.SetReadLimit(limit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := newConn(ws, codec, testID)
	s.addConn(conn)
	defer func() {
		s.removeConn(conn)
		conn.close()
	}()

	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := conn.send(ctx, protocol.Connected(testID, codec.Name())); err != nil {
		return
	}
	go conn.readLoop(cancel)

	res, err := s.runner.Run(ctx, testID, conn, conn)
	if err != nil {
		logging.Warn("Test failed",
			logging.Field{Key: "test_id", Value: testID},
			logging.Field{Key: "error", Value: err})
		if !conn.disconnected() {
			_ = conn.send(context.Background(), protocol.ErrorMessage(testID, err))
		}
		return
	}
	if err := conn.send(context.Background(), protocol.ResultMessage(testID, res, codec.Binary())); err != nil {
		logging.Warn("Result delivery failed",
			logging.Field{Key: "test_id", Value: testID},
			logging.Field{Key: "error", Value: err})
	}
}

func (s *Server) addConn(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) startPingLoop() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.getPingInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.pingClients()
				next := s.getPingInterval()
				if next != interval {
					ticker.Reset(next)
					interval = next
				}
			}
		}
	}()
}

// Close stops the ping loop and cancels every running test.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Server) getPingInterval() time.Duration {
	s.mu.RLock()
	interval := s.pingInterval
	s.mu.RUnlock()
	if interval <= 0 {
		return 30 * time.Second
	}
	return interval
}

func (s *Server) pingClients() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if err := c.writeMessage(context.Background(), websocket.PingMessage, nil); err != nil {
			c.close()
		}
	}
}

func (s *Server) isAllowedOrigin(origin string, host string) bool {
	if origin == "" {
		return true
	}

	s.mu.RLock()
	allowedOrigins := append([]string(nil), s.allowedOrigins...)
	s.mu.RUnlock()

	if len(allowedOrigins) == 0 {
		return sameOrigin(origin, host)
	}

	originHost := types.OriginHost(origin)
	for _, allowed := range allowedOrigins {
		allowed = strings.TrimSpace(allowed)
		switch {
		case allowed == "":
			continue
		case allowed == "*", strings.EqualFold(allowed, origin):
			return true
		case strings.HasPrefix(allowed, "*."):
			suffix := strings.TrimPrefix(allowed, "*.")
			if originHost != "" && (originHost == suffix || strings.HasSuffix(originHost, "."+suffix)) {
				return true
			}
		}
		if h := types.OriginHost(allowed); h != "" && originHost != "" && strings.EqualFold(h, originHost) {
			return true
		}
	}
	return false
}

func sameOrigin(origin string, host string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(types.StripHostPort(parsed.Host), types.StripHostPort(host))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
