package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/amarcoder01/customsp/internal/config"
	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/session"
	"github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
)

// TestManager is the slice of session.Manager the HTTP API drives.
type TestManager interface {
	Create(clientIP string, opts session.Options) (*session.Ticket, error)
	Cancel(id string) error
	ActiveCount() int
}

type Handler struct {
	manager          TestManager
	config           *config.Config
	clientIPResolver *ClientIPResolver
	version          string
	startedAt        time.Time
}

const maxJSONBodyBytes = 1 << 20

func NewHandler(manager TestManager) *Handler {
	return &Handler{
		manager:   manager,
		config:    config.DefaultConfig(),
		version:   "dev",
		startedAt: time.Now(),
	}
}

func (h *Handler) SetConfig(cfg *config.Config) {
	h.config = cfg
	h.clientIPResolver = NewClientIPResolver(cfg)
}

func (h *Handler) SetVersion(version string) {
	if version == "" {
		version = "dev"
	}
	h.version = version
}

type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ServerID      string `json:"server_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveTests   int    `json:"active_tests"`
	Timestamp     int64  `json:"timestamp"`
}

// Health doubles as the HTTP latency probe target, so it stays cheap.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		ServerID:      h.config.ServerID,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		ActiveTests:   h.activeTests(),
		Timestamp:     time.Now().UnixMilli(),
	}, http.StatusOK)
}

type VersionResponse struct {
	Version string `json:"version"`
}

func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, VersionResponse{Version: h.version}, http.StatusOK)
}

type ServersResponse struct {
	Servers []types.ServerInfo `json:"servers"`
}

func (h *Handler) GetServers(w http.ResponseWriter, r *http.Request) {
	cfg := h.config
	host := normalizeHost(r.Host)
	if cfg.PublicHost != "" {
		host = cfg.PublicHost
	}

	apiEndpoint := requestScheme(r) + "://" + host
	proxied := r.Header.Get("X-Forwarded-Proto") != "" || r.Header.Get("X-Forwarded-For") != "" ||
		cfg.PublicHost != ""
	if !proxied && !strings.Contains(host, ":") && cfg.Port != "80" && cfg.Port != "443" {
		apiEndpoint += ":" + cfg.Port
	}

	respondJSON(w, ServersResponse{
		Servers: []types.ServerInfo{{
			ID:          cfg.ServerID,
			Name:        cfg.ServerName,
			Location:    cfg.ServerLocation,
			IP:          cfg.ServerIP,
			Latitude:    cfg.ServerLat,
			Longitude:   cfg.ServerLon,
			APIEndpoint: apiEndpoint,
			Health:      "healthy",
			ActiveTests: h.activeTests(),
			MaxTests:    cfg.MaxConcurrentTests,
		}},
	}, http.StatusOK)
}

type StartTestRequest struct {
	DurationMs int64  `json:"duration_ms,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
}

type StartTestResponse struct {
	TestID       string `json:"test_id"`
	ServerID     string `json:"server_id"`
	WebSocketURL string `json:"websocket_url"`
	DurationMs   int64  `json:"duration_ms"`
	ChunkSize    int    `json:"chunk_size"`
	Status       string `json:"status"`
}

// StartTest reserves a session; the client then attaches over WebSocket.
func (h *Handler) StartTest(w http.ResponseWriter, r *http.Request) {
	var req StartTestRequest
	if r.ContentLength != 0 {
		if !isJSONContentType(r) {
			drainRequestBody(r)
			respondJSON(w, map[string]string{"error": "content type must be application/json"}, http.StatusUnsupportedMediaType)
			return
		}
		if err := decodeJSONBody(w, r, &req, maxJSONBodyBytes); err != nil {
			respondJSONBodyError(w, err)
			return
		}
	}
	if req.DurationMs < 0 {
		respondError(w, errors.ErrInvalidConfig("duration_ms must not be negative", nil), http.StatusBadRequest)
		return
	}
	if req.Protocol != "" && req.Protocol != "websocket" {
		respondError(w, errors.ErrInvalidConfig("unsupported protocol "+req.Protocol, nil), http.StatusBadRequest)
		return
	}

	duration := h.config.ClampDuration(time.Duration(req.DurationMs) * time.Millisecond)
	ticket, err := h.manager.Create(h.resolveClientIP(r), session.Options{Duration: duration})
	if err != nil {
		respondError(w, err, statusFor(err))
		return
	}

	respondJSON(w, StartTestResponse{
		TestID:       ticket.ID,
		ServerID:     h.config.ServerID,
		WebSocketURL: websocketURL(r, h.config.PublicHost, ticket.ID),
		DurationMs:   ticket.Duration.Milliseconds(),
		ChunkSize:    ticket.ChunkSize,
		Status:       "pending",
	}, http.StatusCreated)
}

func (h *Handler) CancelTest(w http.ResponseWriter, r *http.Request) {
	drainRequestBody(r)
	id := r.PathValue("id")
	if err := h.manager.Cancel(id); err != nil {
		respondError(w, err, statusFor(err))
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "test_id": id}, http.StatusOK)
}

func (h *Handler) activeTests() int {
	if h.manager == nil {
		return 0
	}
	return h.manager.ActiveCount()
}

func (h *Handler) resolveClientIP(r *http.Request) string {
	if h.clientIPResolver == nil {
		if addr, ok := parseAddr(r.RemoteAddr); ok {
			return addr.String()
		}
		return "unknown"
	}
	return h.clientIPResolver.FromRequest(r)
}

func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case errors.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case errors.ErrCodeResourceExhausted:
		return http.StatusServiceUnavailable
	case errors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func websocketURL(r *http.Request, publicHost, id string) string {
	scheme := "ws"
	if requestScheme(r) == "https" {
		scheme = "wss"
	}
	host := r.Host
	if publicHost != "" {
		host = publicHost
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return scheme + "://" + host + "/ws/test/" + id
}

func normalizeHost(host string) string {
	if host == "" {
		return "127.0.0.1"
	}
	trimmed := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		trimmed = h
		if strings.Contains(h, ":") {
			trimmed = "[" + h + "]"
		}
	}
	if trimmed == "" || trimmed == "localhost" {
		return "127.0.0.1"
	}
	return trimmed
}

func requestScheme(r *http.Request) string {
	if r == nil {
		return "http"
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") || r.TLS != nil {
		return "https"
	}
	return "http"
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}, limit int64) error {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		io.Copy(io.Discard, r.Body)
		return err
	}
	if err := decoder.Decode(&struct{}{}); !stdErrors.Is(err, io.EOF) {
		io.Copy(io.Discard, r.Body)
		return stdErrors.New("request body must contain a single JSON object")
	}
	return nil
}

func isJSONContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}

func respondJSONBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if stdErrors.As(err, &maxErr) {
		respondJSON(w, map[string]string{"error": "request body too large"}, http.StatusRequestEntityTooLarge)
		return
	}
	respondJSON(w, map[string]string{"error": "invalid request body"}, http.StatusBadRequest)
}

func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Warn("JSON response encode failed",
			logging.Field{Key: "error", Value: err})
	}
}

func respondError(w http.ResponseWriter, err error, statusCode int) {
	body := map[string]string{"error": err.Error()}
	var se *errors.SessionError
	if stdErrors.As(err, &se) {
		body["error"] = se.Message
		body["code"] = se.Code
	}
	respondJSON(w, body, statusCode)
}

func drainRequestBody(r *http.Request) {
	if r == nil || r.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(r.Body, maxJSONBodyBytes))
	r.Body.Close()
}
