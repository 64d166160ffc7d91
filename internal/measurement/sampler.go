package measurement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const DefaultProbeTimeout = 5 * time.Second

// Sampler performs one round-trip latency probe against target (host:port).
// Implementations apply their own bounded timeout and never retry.
type Sampler interface {
	Probe(ctx context.Context, target string) (float64, error)
}

type ProbeErrorKind int

const (
	ProbeConnection ProbeErrorKind = iota
	ProbeTimeout
)

// ProbeError reports a probe that produced no round trip. A slow response is
// a latency value, not a ProbeError.
type ProbeError struct {
	Target string
	Kind   ProbeErrorKind
	Err    error
}

func (e *ProbeError) Error() string {
	kind := "connection failed"
	if e.Kind == ProbeTimeout {
		kind = "timed out"
	}
	return fmt.Sprintf("probe %s %s: %v", e.Target, kind, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

func (e *ProbeError) Timeout() bool { return e.Kind == ProbeTimeout }

func newProbeError(target string, err error) *ProbeError {
	kind := ProbeConnection
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = ProbeTimeout
	}
	return &ProbeError{Target: target, Kind: kind, Err: err}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// HTTPSampler times a GET against the target's health endpoint.
type HTTPSampler struct {
	Client  *http.Client
	Timeout time.Duration
	Path    string
}

func NewHTTPSampler(timeout time.Duration) *HTTPSampler {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &HTTPSampler{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               nil,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		Timeout: timeout,
		Path:    "/api/health",
	}
}

func (s *HTTPSampler) Probe(ctx context.Context, target string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	url := target
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(url, "/")+s.Path, nil)
	if err != nil {
		return 0, &ProbeError{Target: target, Kind: ProbeConnection, Err: err}
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, newProbeError(target, err)
	}
	latency := elapsedMs(start)
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	return latency, nil
}

// TCPSampler times a TCP handshake.
type TCPSampler struct {
	Timeout time.Duration
}

func NewTCPSampler(timeout time.Duration) *TCPSampler {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &TCPSampler{Timeout: timeout}
}

func (s *TCPSampler) Probe(ctx context.Context, target string) (float64, error) {
	d := net.Dialer{Timeout: s.Timeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, newProbeError(target, err)
	}
	latency := elapsedMs(start)
	conn.Close()
	return latency, nil
}

// NewSampler builds the sampler named by kind: http, tcp or icmp.
func NewSampler(kind string, timeout time.Duration) (Sampler, error) {
	switch strings.ToLower(kind) {
	case "", "http":
		return NewHTTPSampler(timeout), nil
	case "tcp":
		return NewTCPSampler(timeout), nil
	case "icmp":
		return NewICMPSampler(timeout), nil
	default:
		return nil, fmt.Errorf("unknown sampler %q", kind)
	}
}
