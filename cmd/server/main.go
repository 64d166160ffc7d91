package server

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/amarcoder01/customsp/internal/api"
	"github.com/amarcoder01/customsp/internal/config"
	"github.com/amarcoder01/customsp/internal/logging"
	"github.com/amarcoder01/customsp/internal/measurement"
	"github.com/amarcoder01/customsp/internal/results"
	"github.com/amarcoder01/customsp/internal/session"
	"github.com/amarcoder01/customsp/internal/websocket"
)

const shutdownTimeout = 30 * time.Second

type serverFlagValues struct {
	configPath      string
	port            string
	bindAddress     string
	publicHost      string
	serverID        string
	serverName      string
	sampler         string
	probeTarget     string
	databasePath    string
	allowedOrigins  string
	logLevel        string
	logFormat       string
	testDuration    string
	maxTestDuration string
	maxConcurrent   int
	maxPerIP        int
	trustProxy      bool
	pprofEnabled    bool
}

func buildServerFlagSet(cfg *config.Config) (*flag.FlagSet, *serverFlagValues) {
	fv := &serverFlagValues{}
	fs := flag.NewFlagSet("speedtestpro server", flag.ContinueOnError)
	fs.StringVar(&fv.configPath, "config", "", "YAML config file (default: $CONFIG_FILE)")
	fs.StringVar(&fv.port, "port", cfg.Port, "HTTP listen port")
	fs.StringVar(&fv.bindAddress, "bind", cfg.BindAddress, "Bind address")
	fs.StringVar(&fv.publicHost, "public-host", cfg.PublicHost, "Host advertised to clients")
	fs.StringVar(&fv.serverID, "server-id", cfg.ServerID, "Server identifier")
	fs.StringVar(&fv.serverName, "server-name", cfg.ServerName, "Display name")
	fs.StringVar(&fv.sampler, "sampler", cfg.Sampler, "Latency sampler: http, tcp, icmp")
	fs.StringVar(&fv.probeTarget, "probe-target", cfg.ProbeTarget, "host:port probed for latency (default: this server)")
	fs.StringVar(&fv.databasePath, "database", cfg.DatabasePath, "SQLite results database path")
	fs.StringVar(&fv.allowedOrigins, "allowed-origins", strings.Join(cfg.AllowedOrigins, ","), "Comma-separated allowed origins")
	fs.StringVar(&fv.logLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&fv.logFormat, "log-format", cfg.LogFormat, "Log format: json, console")
	fs.StringVar(&fv.testDuration, "test-duration", cfg.TestDuration.String(), "Default duration per direction")
	fs.StringVar(&fv.maxTestDuration, "max-test-duration", cfg.MaxTestDuration.String(), "Maximum duration per direction")
	fs.IntVar(&fv.maxConcurrent, "max-concurrent-tests", cfg.MaxConcurrentTests, "Maximum concurrent tests")
	fs.IntVar(&fv.maxPerIP, "max-tests-per-ip", cfg.MaxTestsPerIP, "Maximum concurrent tests per client IP")
	fs.BoolVar(&fv.trustProxy, "trust-proxy-headers", cfg.TrustProxyHeaders, "Trust X-Forwarded-For from trusted proxies")
	fs.BoolVar(&fv.pprofEnabled, "pprof", cfg.PprofEnabled, "Serve pprof on PPROF_ADDR")
	return fs, fv
}

// applyServerFlagOverrides copies explicitly set flags onto cfg. Durations
// are parsed before anything is written so a bad value leaves cfg intact.
func applyServerFlagOverrides(cfg *config.Config, fs *flag.FlagSet, fv *serverFlagValues) error {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	durations := map[string]time.Duration{}
	for name, raw := range map[string]string{
		"test-duration":     fv.testDuration,
		"max-test-duration": fv.maxTestDuration,
	} {
		if !set[name] {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid --%s %q: must be a positive duration", name, raw)
		}
		durations[name] = d
	}

	strs := []struct {
		name string
		dst  *string
		val  string
	}{
		{"port", &cfg.Port, fv.port},
		{"bind", &cfg.BindAddress, fv.bindAddress},
		{"public-host", &cfg.PublicHost, fv.publicHost},
		{"server-id", &cfg.ServerID, fv.serverID},
		{"server-name", &cfg.ServerName, fv.serverName},
		{"sampler", &cfg.Sampler, fv.sampler},
		{"probe-target", &cfg.ProbeTarget, fv.probeTarget},
		{"database", &cfg.DatabasePath, fv.databasePath},
		{"log-level", &cfg.LogLevel, fv.logLevel},
		{"log-format", &cfg.LogFormat, fv.logFormat},
	}
	for _, s := range strs {
		if set[s.name] {
			*s.dst = strings.TrimSpace(s.val)
		}
	}
	if set["allowed-origins"] {
		var origins []string
		for _, o := range strings.Split(fv.allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}
	if d, ok := durations["test-duration"]; ok {
		cfg.TestDuration = d
	}
	if d, ok := durations["max-test-duration"]; ok {
		cfg.MaxTestDuration = d
	}
	if set["max-concurrent-tests"] {
		cfg.MaxConcurrentTests = fv.maxConcurrent
	}
	if set["max-tests-per-ip"] {
		cfg.MaxTestsPerIP = fv.maxPerIP
	}
	if set["trust-proxy-headers"] {
		cfg.TrustProxyHeaders = fv.trustProxy
	}
	if set["pprof"] {
		cfg.PprofEnabled = fv.pprofEnabled
	}
	return nil
}

// Run starts the test server and blocks until SIGINT or SIGTERM.
func Run(args []string, version string) int {
	fs, fv := buildServerFlagSet(config.DefaultConfig())
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(fv.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "speedtestpro server: failed to load config: %v\n", err)
		return 1
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		fmt.Fprintf(os.Stderr, "speedtestpro server: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "speedtestpro server: invalid configuration: %v\n", err)
		return 1
	}

	logging.InitWithFormat(logging.ParseLevel(cfg.LogLevel), logging.ParseFormat(cfg.LogFormat), os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, version, nil); err != nil {
		logging.Error("Server failed", logging.Field{Key: "error", Value: err})
		return 1
	}
	return 0
}

type app struct {
	store   *results.Store
	manager *session.Manager
	ws      *websocket.Server
	handler http.Handler
}

func newApp(cfg *config.Config, version string) (*app, error) {
	sampler, err := measurement.NewSampler(cfg.Sampler, cfg.ProbeTimeout)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := results.New(cfg.DatabasePath, cfg.MaxStoredResults, cfg.ResultRetention)
	if err != nil {
		return nil, fmt.Errorf("open results store: %w", err)
	}

	manager := session.NewManager(session.Config{
		ServerID:      cfg.ServerID,
		ProbeTarget:   cfg.LatencyTarget(),
		MaxConcurrent: cfg.MaxConcurrentTests,
		MaxPerIP:      cfg.MaxTestsPerIP,
		Session: measurement.SessionConfig{
			IdleSamples:         cfg.IdleSamples,
			IdleSampleDelay:     cfg.IdleSampleDelay,
			LoadedProbeInterval: cfg.LoadedProbeInterval,
			Engine: measurement.EngineConfig{
				Duration:  cfg.TestDuration,
				ChunkSize: cfg.ChunkSize,
			},
		},
	}, sampler, store)
	manager.Start()

	wsServer := websocket.NewServer(manager)
	wsServer.SetAllowedOrigins(cfg.AllowedOrigins)
	wsServer.SetPingInterval(cfg.WebSocketPingInterval)
	wsServer.SetMaxFrameSize(int64(cfg.ChunkSize) + 4096)

	apiHandler := api.NewHandler(manager)
	apiHandler.SetConfig(cfg)
	apiHandler.SetVersion(version)

	router := api.NewRouter(apiHandler, cfg)
	router.SetRateLimiter(cfg)
	router.SetWebSocketHandler(wsServer.HandleTest)
	router.SetResultsHandler(results.NewHandler(store))

	return &app{
		store:   store,
		manager: manager,
		ws:      wsServer,
		handler: router.SetupRoutes(),
	}, nil
}

// close stops accepting tests, drops live sockets and flushes the store.
func (a *app) close() {
	a.ws.Close()
	a.manager.Stop()
	a.store.Close()
}

// serve runs the HTTP server until ctx is done. ready, when set, receives
// the bound address once the listener is open.
func serve(ctx context.Context, cfg *config.Config, version string, ready func(addr string)) error {
	a, err := newApp(cfg, version)
	if err != nil {
		return err
	}
	defer a.close()

	pprofServer := startPprofServer(cfg)
	defer shutdownPprofServer(pprofServer, 5*time.Second)
	startRuntimeStatsLogger(ctx, cfg.PerfStatsInterval, a.manager.ActiveCount, a.ws.ActiveConnections)

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddress(), err)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server starting",
			logging.Field{Key: "address", Value: ln.Addr().String()},
			logging.Field{Key: "server_id", Value: cfg.ServerID},
			logging.Field{Key: "sampler", Value: cfg.Sampler},
			logging.Field{Key: "probe_target", Value: cfg.LatencyTarget()},
			logging.Field{Key: "database", Value: cfg.DatabasePath})
		errCh <- srv.Serve(ln)
	}()
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Shutdown does not track hijacked connections; closing the socket
	// server cancels their tests.
	a.ws.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown error", logging.Field{Key: "error", Value: err})
	}
	logging.Info("Server stopped")
	return nil
}
