package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amarcoder01/customsp/internal/metrics"
	sdk "github.com/amarcoder01/customsp/pkg/client"
	perrors "github.com/amarcoder01/customsp/pkg/errors"
	"github.com/amarcoder01/customsp/pkg/types"
)

type config struct {
	mode         string
	serverURL    string
	duration     time.Duration
	testDuration time.Duration
	concurrency  int
	format       string
	apiKey       string
	insecure     bool
}

// stats aggregates outcomes across workers.
type stats struct {
	mu        sync.Mutex
	completed int
	failed    int
	rejected  int
	download  []float64
	upload    []float64
	grades    map[string]int
	bytesRecv int64
}

func newStats() *stats {
	return &stats{grades: make(map[string]int)}
}

func (s *stats) addResult(r *types.EnhancedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.download = append(s.download, r.TestResult.DownloadMbps)
	s.upload = append(s.upload, r.TestResult.UploadMbps)
	s.grades[r.LoadedLatency.BufferbloatGrade.String()]++
}

func (s *stats) addCheck(r *sdk.CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.download = append(s.download, r.DownloadMbps)
	s.upload = append(s.upload, r.UploadMbps)
}

func (s *stats) addError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isRejection(err) {
		s.rejected++
		return
	}
	s.failed++
}

// isRejection reports admission failures: the server was at capacity or
// the client was rate limited.
func isRejection(err error) bool {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusServiceUnavailable ||
			apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.Code == perrors.ErrCodeResourceExhausted
	}
	return false
}

func (s *stats) summary(cfg config) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seconds := cfg.duration.Seconds()
	if seconds <= 0 {
		seconds = 1
	}
	line := fmt.Sprintf("mode=%s concurrency=%d duration=%s completed=%d failed=%d rejected=%d mean_download_mbps=%.2f mean_upload_mbps=%.2f",
		cfg.mode, cfg.concurrency, cfg.duration, s.completed, s.failed, s.rejected,
		metrics.Mean(s.download), metrics.Mean(s.upload))
	if s.bytesRecv > 0 {
		line += fmt.Sprintf(" recv_bytes=%d recv_mbps=%.2f", s.bytesRecv, float64(s.bytesRecv*8)/seconds/1_000_000)
	}
	if len(s.grades) > 0 {
		keys := make([]string, 0, len(s.grades))
		for k := range s.grades {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%d", k, s.grades[k]))
		}
		line += " grades=" + strings.Join(parts, ",")
	}
	return line
}

func main() {
	cfg := parseFlags()
	if err := validateConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration)
	defer cancel()

	st := run(ctx, cfg)
	fmt.Println(st.summary(cfg))
}

func run(ctx context.Context, cfg config) *stats {
	c := newClient(cfg)
	st := newStats()

	var wg sync.WaitGroup
	wg.Add(cfg.concurrency)
	for i := 0; i < cfg.concurrency; i++ {
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				switch cfg.mode {
				case "quality":
					r, err := c.Run(ctx, sdk.RunOptions{Format: cfg.format, Duration: cfg.testDuration})
					record(ctx, st, err, func() { st.addResult(r) })
				case "check":
					r, err := c.Check(ctx)
					record(ctx, st, err, func() { st.addCheck(r) })
				case "http-download":
					n, err := runHTTPDownload(ctx, cfg)
					atomic.AddInt64(&st.bytesRecv, n)
					if err != nil && ctx.Err() == nil {
						st.addError(err)
					}
				}
			}
		}()
	}
	wg.Wait()
	return st
}

// record files one outcome; work cut short by the overall deadline is
// not counted.
func record(ctx context.Context, st *stats, err error, ok func()) {
	switch {
	case err == nil:
		ok()
	case ctx.Err() != nil:
	default:
		st.addError(err)
	}
}

func newClient(cfg config) *sdk.Client {
	opts := []sdk.Option{sdk.WithAPIKey(cfg.apiKey)}
	if cfg.insecure {
		tlsCfg := &tls.Config{InsecureSkipVerify: true}
		opts = append(opts,
			sdk.WithHTTPClient(&http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}),
			sdk.WithDialer(&websocket.Dialer{HandshakeTimeout: 10 * time.Second, TLSClientConfig: tlsCfg}),
		)
	}
	return sdk.New(cfg.serverURL, opts...)
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "quality", "Mode: quality, check, http-download")
	flag.StringVar(&cfg.serverURL, "server", "http://localhost:8080", "Server URL")
	flag.DurationVar(&cfg.duration, "duration", 60*time.Second, "Overall run time (e.g. 60s)")
	flag.DurationVar(&cfg.testDuration, "test-duration", 5*time.Second, "Per-direction duration of each quality test")
	flag.IntVar(&cfg.concurrency, "concurrency", 1, "Concurrent workers")
	flag.StringVar(&cfg.format, "format", "json", "Socket format: json, msgpack")
	flag.StringVar(&cfg.apiKey, "api-key", "", "API key")
	flag.BoolVar(&cfg.insecure, "insecure", false, "Skip TLS verification")
	flag.Parse()
	return cfg
}

func validateConfig(cfg config) error {
	if cfg.concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if cfg.duration <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	switch cfg.mode {
	case "quality", "check", "http-download":
	default:
		return fmt.Errorf("invalid mode: %s", cfg.mode)
	}
	if cfg.mode == "quality" {
		if cfg.testDuration < time.Second || cfg.testDuration > 30*time.Second {
			return fmt.Errorf("test-duration must be 1s-30s")
		}
		if cfg.format != "json" && cfg.format != "msgpack" {
			return fmt.Errorf("invalid format: %s", cfg.format)
		}
	}
	u, err := url.Parse(cfg.serverURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server URL: %s", cfg.serverURL)
	}
	return nil
}

func runHTTPDownload(ctx context.Context, cfg config) (int64, error) {
	secs := int(cfg.testDuration.Seconds())
	if secs < 1 {
		secs = 1
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/download?duration=%d", strings.TrimRight(cfg.serverURL, "/"), secs), nil)
	if err != nil {
		return 0, err
	}
	if cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	client := http.DefaultClient
	if cfg.insecure {
		client = &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return 0, &sdk.APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if ctx.Err() != nil {
		err = nil
	}
	return n, err
}
