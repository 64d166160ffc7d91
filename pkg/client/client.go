// Package client is a Go SDK for running connection-quality tests against a
// speedtestpro server.
//
// Usage:
//
//	c := client.New("https://speedtest.example.com")
//	result, err := c.Run(ctx, client.RunOptions{OnProgress: show})
//	check, err := c.Check(ctx)
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amarcoder01/customsp/internal/metrics"
	"github.com/amarcoder01/customsp/internal/scoring"
	"github.com/amarcoder01/customsp/pkg/types"
)

var (
	ErrLatencyMeasurementFailed  = errors.New("latency measurement failed")
	ErrDownloadMeasurementFailed = errors.New("download measurement failed")
	ErrUploadMeasurementFailed   = errors.New("upload measurement failed")
	ErrNotFound                  = errors.New("test result not found")
)

// APIError is a non-2xx response from the HTTP API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client targets a single server.
type Client struct {
	serverURL  string
	httpClient *http.Client
	dialer     *websocket.Dialer
	apiKey     string
}

type Option func(*Client)

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDialer overrides the WebSocket dialer used by Run.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(serverURL string, opts ...Option) *Client {
	c := &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health is the server's /api/health payload.
type Health struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	ServerID      string `json:"server_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	ActiveTests   int    `json:"active_tests"`
	Timestamp     int64  `json:"timestamp"`
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/api/health", &h); err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	return &h, nil
}

// Result fetches a stored result. ErrNotFound is returned for unknown ids.
func (c *Client) Result(ctx context.Context, id string) (*types.EnhancedResult, error) {
	var r types.EnhancedResult
	err := c.getJSON(ctx, "/api/v1/test/"+url.PathEscape(id), &r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// HistoryEntry is one row of GET /api/v1/test/history.
type HistoryEntry struct {
	ID               string                 `json:"id"`
	ServerID         string                 `json:"server_id"`
	Timestamp        time.Time              `json:"timestamp"`
	DownloadMbps     float64                `json:"download_mbps"`
	UploadMbps       float64                `json:"upload_mbps"`
	LatencyMs        float64                `json:"latency_ms"`
	JitterMs         float64                `json:"jitter_ms"`
	Protocol         string                 `json:"protocol"`
	TestDurationMs   int64                  `json:"test_duration_ms"`
	BufferbloatGrade types.BufferbloatGrade `json:"bufferbloat_grade"`
	OverallScore     float64                `json:"overall_score"`
}

// History lists recent results, newest first. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	path := "/api/v1/test/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var body struct {
		Results []HistoryEntry `json:"results"`
	}
	if err := c.getJSON(ctx, path, &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

// Ticket is the reservation returned by POST /api/v1/test/start.
type Ticket struct {
	TestID       string `json:"test_id"`
	ServerID     string `json:"server_id"`
	WebSocketURL string `json:"websocket_url"`
	DurationMs   int64  `json:"duration_ms"`
	ChunkSize    int    `json:"chunk_size"`
}

// Start reserves a test. duration 0 lets the server choose.
func (c *Client) Start(ctx context.Context, duration time.Duration) (*Ticket, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"protocol":    "websocket",
	})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/test/start", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var t Ticket
	if err := c.do(req, http.StatusCreated, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel stops a running or reserved test.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/test/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

// CheckResult is the output of a quick HTTP connectivity check. Scores are
// computed from idle latency only, so bufferbloat is not reflected.
type CheckResult struct {
	Status       string          `json:"status"`
	ServerURL    string          `json:"server_url"`
	LatencyMs    float64         `json:"latency_ms"`
	JitterMs     float64         `json:"jitter_ms"`
	DownloadMbps float64         `json:"download_mbps"`
	UploadMbps   float64         `json:"upload_mbps"`
	DurationMs   int64           `json:"duration_ms"`
	Scores       types.AIMScores `json:"aim_scores"`
}

// Check runs a ~5 second check over the plain HTTP endpoints: ping samples,
// a download burst and an upload burst.
func (c *Client) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()
	if _, err := c.Health(ctx); err != nil {
		return nil, err
	}

	samples := c.measureLatency(ctx, 5)
	if len(samples) < 2 {
		return nil, ErrLatencyMeasurementFailed
	}
	downMbps, ok := c.downloadBurst(ctx, 2)
	if !ok {
		return nil, ErrDownloadMeasurementFailed
	}
	upMbps, ok := c.uploadBurst(ctx, 2)
	if !ok {
		return nil, ErrUploadMeasurementFailed
	}

	idle := metrics.CalculateStageStatistics(samples)
	tr := types.TestResult{
		DownloadMbps: downMbps,
		UploadMbps:   upMbps,
		LatencyMs:    idle.AverageMs,
		JitterMs:     metrics.CalculateJitter(samples),
	}
	loaded := types.LoadedLatencyResult{Idle: idle, Download: idle, Upload: idle}

	return &CheckResult{
		Status:       "ok",
		ServerURL:    c.serverURL,
		LatencyMs:    tr.LatencyMs,
		JitterMs:     tr.JitterMs,
		DownloadMbps: downMbps,
		UploadMbps:   upMbps,
		DurationMs:   time.Since(start).Milliseconds(),
		Scores:       scoring.Calculate(tr, loaded),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, dst)
}

func (c *Client) do(req *http.Request, want int, dst interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &body) != nil || body.Error == "" {
			body.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: body.Code, Message: body.Error}
	}
	if dst == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (c *Client) measureLatency(ctx context.Context, n int) []float64 {
	var samples []float64
	for i := 0; i < n && ctx.Err() == nil; i++ {
		req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/ping", nil)
		if err != nil {
			continue
		}
		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			continue
		}
		samples = append(samples, float64(time.Since(start))/float64(time.Millisecond))
	}
	return samples
}

func (c *Client) downloadBurst(ctx context.Context, durationSec int) (float64, bool) {
	dlCtx, cancel := context.WithTimeout(ctx, time.Duration(durationSec+3)*time.Second)
	defer cancel()

	req, err := c.newRequest(dlCtx, http.MethodGet,
		fmt.Sprintf("/api/v1/download?duration=%d", durationSec), nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("Accept-Encoding", "identity")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, false
	}
	total, err := io.Copy(io.Discard, resp.Body)
	if err != nil || total == 0 {
		return 0, false
	}
	return metrics.ThroughputMbps(total, time.Since(start)), true
}

func (c *Client) uploadBurst(ctx context.Context, durationSec int) (float64, bool) {
	upCtx, cancel := context.WithTimeout(ctx, time.Duration(durationSec+3)*time.Second)
	defer cancel()

	payload := make([]byte, 1024*1024)
	target := time.Duration(durationSec) * time.Second
	start := time.Now()
	var total int64
	for upCtx.Err() == nil && (total == 0 || time.Since(start) < target) {
		req, err := c.newRequest(upCtx, http.MethodPost, "/api/v1/upload", bytes.NewReader(payload))
		if err != nil {
			return 0, false
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, false
		}
		var ack struct {
			BytesReceived int64 `json:"bytes_received"`
		}
		err = json.NewDecoder(resp.Body).Decode(&ack)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || err != nil {
			return 0, false
		}
		total += ack.BytesReceived
	}
	if total == 0 {
		return 0, false
	}
	return metrics.ThroughputMbps(total, time.Since(start)), true
}
