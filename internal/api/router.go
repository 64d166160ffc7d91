package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amarcoder01/customsp/internal/config"
	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/results"
	"github.com/amarcoder01/customsp/pkg/types"
)

type Router struct {
	handler          *Handler
	transfers        *TransferHandler
	resultsHandler   *results.Handler
	limiter          *RateLimiter
	wsHandler        http.HandlerFunc
	allowedOrigins   []string
	clientIPResolver *ClientIPResolver
	logger           *logging.Logger
}

func NewRouter(handler *Handler, cfg *config.Config) *Router {
	r := &Router{
		handler:        handler,
		transfers:      NewTransferHandler(cfg.MaxConcurrentTests, cfg.MaxTestDuration),
		allowedOrigins: cfg.AllowedOrigins,
		logger:         logging.NewLogger("http"),
	}
	r.SetClientIPResolver(NewClientIPResolver(cfg))
	return r
}

func (r *Router) GetLimiter() *RateLimiter {
	return r.limiter
}

func (r *Router) SetRateLimiter(cfg *config.Config) {
	r.limiter = NewRateLimiter(cfg)
}

func (r *Router) SetClientIPResolver(resolver *ClientIPResolver) {
	r.clientIPResolver = resolver
	r.transfers.SetClientIPResolver(resolver)
}

// SetWebSocketHandler mounts the session transport at /ws/test/{id}.
func (r *Router) SetWebSocketHandler(handler http.HandlerFunc) {
	r.wsHandler = handler
}

func (r *Router) SetResultsHandler(h *results.Handler) {
	r.resultsHandler = h
}

func (r *Router) SetAllowedOrigins(origins []string) {
	r.allowedOrigins = origins
}

func (r *Router) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	v1 := func(method, path string, handler http.HandlerFunc) {
		h := handler
		if r.limiter != nil {
			h = applyRateLimit(r.limiter, h)
		}
		mux.HandleFunc(method+" /api/v1"+path, h)
	}

	v1("POST", "/test/start", r.handler.StartTest)
	v1("POST", "/test/{id}/cancel", r.withTestID(r.handler.CancelTest))
	v1("GET", "/servers", r.handler.GetServers)
	v1("GET", "/version", r.handler.GetVersion)

	v1("GET", "/download", r.transfers.Download)
	v1("POST", "/upload", r.transfers.Upload)
	v1("GET", "/ping", r.transfers.Ping)

	if r.resultsHandler != nil {
		v1("GET", "/test/history", r.resultsHandler.History)
		v1("GET", "/test/{id}", r.resultsHandler.Get)
	}

	if r.wsHandler != nil {
		mux.HandleFunc("GET /ws/test/{id}", r.withTestID(r.wsHandler))
	}

	// Health endpoints are probe targets and bypass the limiter.
	mux.HandleFunc("GET /api/health", r.handler.Health)
	mux.HandleFunc("GET /health", r.handler.Health)

	var handler http.Handler = mux
	handler = r.CORSMiddleware(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = r.LoggingMiddleware(handler)
	return handler
}

func (r *Router) withTestID(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if _, err := uuid.Parse(req.PathValue("id")); err != nil {
			respondJSON(w, map[string]string{"error": "invalid test ID"}, http.StatusBadRequest)
			return
		}
		fn(w, req)
	}
}

func (r *Router) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		origin := req.Header.Get("Origin")
		originAllowed := origin != "" && r.isAllowedOrigin(origin)
		if originAllowed {
			allowOrigin := origin
			if r.isAllowAllOrigins() {
				allowOrigin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if allowOrigin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if req.Method == http.MethodOptions {
			if origin != "" && !originAllowed {
				respondJSON(w, map[string]string{"error": "origin not allowed"}, http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) isAllowedOrigin(origin string) bool {
	originHost := types.OriginHost(origin)
	for _, allowed := range r.allowedOrigins {
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
		allowedHost := types.OriginHost(allowed)
		if allowedHost != "" && originHost != "" && strings.EqualFold(allowedHost, originHost) {
			return true
		}
	}
	return false
}

func (r *Router) isAllowAllOrigins() bool {
	for _, allowed := range r.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}
	return false
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not implement http.Hijacker")
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *Router) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		skipLog := strings.HasSuffix(path, "/download") ||
			strings.HasSuffix(path, "/upload") ||
			strings.HasSuffix(path, "/ping") ||
			strings.HasSuffix(path, "/health")
		if !strings.HasPrefix(path, "/api/") || skipLog {
			next.ServeHTTP(w, req)
			return
		}

		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, req)

		r.logger.Info("HTTP request",
			logging.Field{Key: "method", Value: req.Method},
			logging.Field{Key: "path", Value: path},
			logging.Field{Key: "status", Value: rw.statusCode},
			logging.Field{Key: "duration_ms", Value: float64(time.Since(start).Microseconds()) / 1000},
			logging.Field{Key: "ip", Value: r.clientIPResolver.FromRequest(req)},
		)
	})
}

func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
