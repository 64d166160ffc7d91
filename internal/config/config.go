package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	PublicHost  string `yaml:"public_host"`

	ServerID       string  `yaml:"server_id"`
	ServerName     string  `yaml:"server_name"`
	ServerLocation string  `yaml:"server_location"`
	ServerIP       string  `yaml:"server_ip"`
	ServerLat      float64 `yaml:"server_lat"`
	ServerLon      float64 `yaml:"server_lon"`

	MaxConcurrentTests int `yaml:"max_concurrent_tests"`
	MaxTestsPerIP      int `yaml:"max_tests_per_ip"`

	// TestDuration is the length of each transfer direction.
	TestDuration        time.Duration `yaml:"test_duration"`
	MinTestDuration     time.Duration `yaml:"min_test_duration"`
	MaxTestDuration     time.Duration `yaml:"max_test_duration"`
	ChunkSize           int           `yaml:"chunk_size"`
	IdleSamples         int           `yaml:"idle_samples"`
	IdleSampleDelay     time.Duration `yaml:"idle_sample_delay"`
	LoadedProbeInterval time.Duration `yaml:"loaded_probe_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	// Sampler is http, tcp or icmp.
	Sampler string `yaml:"sampler"`
	// ProbeTarget defaults to this server's own listener.
	ProbeTarget string `yaml:"probe_target"`

	DatabasePath     string        `yaml:"database_path"`
	MaxStoredResults int           `yaml:"max_stored_results"`
	ResultRetention  time.Duration `yaml:"result_retention"`

	RateLimitPerIP    int      `yaml:"rate_limit_per_ip"`
	GlobalRateLimit   int      `yaml:"global_rate_limit"`
	TrustProxyHeaders bool     `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs []string `yaml:"trusted_proxy_cidrs"`
	AllowedOrigins    []string `yaml:"allowed_origins"`

	WebSocketPingInterval time.Duration `yaml:"websocket_ping_interval"`
	ReadHeaderTimeout     time.Duration `yaml:"read_header_timeout"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PprofEnabled      bool          `yaml:"pprof_enabled"`
	PprofAddress      string        `yaml:"pprof_address"`
	PerfStatsInterval time.Duration `yaml:"perf_stats_interval"`
}

func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		Port:                  "8080",
		BindAddress:           "0.0.0.0",
		ServerID:              hostname,
		ServerName:            "SpeedTestPro Server",
		ServerLocation:        "Unknown",
		ServerIP:              "127.0.0.1",
		MaxConcurrentTests:    50,
		MaxTestsPerIP:         5,
		TestDuration:          5 * time.Second,
		MinTestDuration:       1 * time.Second,
		MaxTestDuration:       30 * time.Second,
		ChunkSize:             64 * 1024,
		IdleSamples:           20,
		IdleSampleDelay:       100 * time.Millisecond,
		LoadedProbeInterval:   500 * time.Millisecond,
		ProbeTimeout:          5 * time.Second,
		Sampler:               "http",
		DatabasePath:          "./data/speedtest.db",
		MaxStoredResults:      10000,
		ResultRetention:       90 * 24 * time.Hour,
		RateLimitPerIP:        100,
		GlobalRateLimit:       1000,
		AllowedOrigins:        []string{"*"},
		WebSocketPingInterval: 30 * time.Second,
		ReadHeaderTimeout:     15 * time.Second, // protects against slowloris
		IdleTimeout:           60 * time.Second,
		LogLevel:              "info",
		PprofAddress:          "127.0.0.1:6060",
	}
}

// Load applies defaults, the optional YAML file, .env and the environment,
// in that order, then validates. path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path; keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid PORT %q: must be a number", port)
		}
		c.Port = port
	}
	setString(&c.BindAddress, "BIND_ADDRESS")
	setString(&c.PublicHost, "PUBLIC_HOST")
	setString(&c.ServerID, "SERVER_ID")
	setString(&c.ServerName, "SERVER_NAME")
	setString(&c.ServerLocation, "SERVER_LOCATION")
	setString(&c.ServerIP, "SERVER_IP")
	setString(&c.Sampler, "SAMPLER")
	setString(&c.ProbeTarget, "PROBE_TARGET")
	setString(&c.DatabasePath, "DATABASE_PATH")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.PprofAddress, "PPROF_ADDR")

	for _, f := range []struct {
		name string
		dst  *float64
	}{{"SERVER_LAT", &c.ServerLat}, {"SERVER_LON", &c.ServerLon}} {
		if v := os.Getenv(f.name); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s %q: must be a number", f.name, v)
			}
			*f.dst = x
		}
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"MAX_CONCURRENT_TESTS", &c.MaxConcurrentTests},
		{"MAX_TESTS_PER_IP", &c.MaxTestsPerIP},
		{"CHUNK_SIZE_BYTES", &c.ChunkSize},
		{"IDLE_SAMPLES", &c.IdleSamples},
		{"MAX_STORED_RESULTS", &c.MaxStoredResults},
		{"RATE_LIMIT_PER_IP", &c.RateLimitPerIP},
		{"GLOBAL_RATE_LIMIT", &c.GlobalRateLimit},
	} {
		if err := setPositiveInt(f.dst, f.name); err != nil {
			return err
		}
	}

	for _, f := range []struct {
		name string
		dst  *time.Duration
	}{
		{"TEST_DURATION_MS", &c.TestDuration},
		{"MIN_TEST_DURATION_MS", &c.MinTestDuration},
		{"MAX_TEST_DURATION_MS", &c.MaxTestDuration},
	} {
		if v := os.Getenv(f.name); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil || ms <= 0 {
				return fmt.Errorf("invalid %s %q: must be a positive integer", f.name, v)
			}
			*f.dst = time.Duration(ms) * time.Millisecond
		}
	}

	for _, f := range []struct {
		name string
		dst  *time.Duration
	}{
		{"PROBE_TIMEOUT", &c.ProbeTimeout},
		{"LOADED_PROBE_INTERVAL", &c.LoadedProbeInterval},
		{"IDLE_SAMPLE_DELAY", &c.IdleSampleDelay},
		{"WEBSOCKET_PING_INTERVAL", &c.WebSocketPingInterval},
		{"PERF_STATS_INTERVAL", &c.PerfStatsInterval},
	} {
		if v := os.Getenv(f.name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				return fmt.Errorf("invalid %s %q: must be a positive duration (e.g. 5s)", f.name, v)
			}
			*f.dst = d
		}
	}

	if days := os.Getenv("RESULT_RETENTION_DAYS"); days != "" {
		d, err := strconv.Atoi(days)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid RESULT_RETENTION_DAYS %q: must be a positive integer", days)
		}
		c.ResultRetention = time.Duration(d) * 24 * time.Hour
	}

	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust == "true" || trust == "1" {
		c.TrustProxyHeaders = true
	}
	if pprof := os.Getenv("PPROF_ENABLED"); pprof == "true" || pprof == "1" {
		c.PprofEnabled = true
	}
	if cidrs := os.Getenv("TRUSTED_PROXY_CIDRS"); cidrs != "" {
		c.TrustedProxyCIDRs = splitList(cidrs)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = splitList(origins)
	}
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid %s %q: must be a positive integer", name, v)
	}
	*dst = n
	return nil
}

func splitList(raw string) []string {
	entries := strings.Split(raw, ",")
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if value := strings.TrimSpace(entry); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q: must be 1-65535", c.Port)
	}
	if c.MaxConcurrentTests <= 0 {
		return fmt.Errorf("max concurrent tests must be > 0")
	}
	if c.MaxTestsPerIP <= 0 {
		return fmt.Errorf("max tests per IP must be > 0")
	}
	if c.MinTestDuration <= 0 || c.MaxTestDuration < c.MinTestDuration {
		return fmt.Errorf("invalid test duration bounds %s-%s", c.MinTestDuration, c.MaxTestDuration)
	}
	if c.TestDuration < c.MinTestDuration || c.TestDuration > c.MaxTestDuration {
		return fmt.Errorf("invalid test duration %s: must be %s-%s", c.TestDuration, c.MinTestDuration, c.MaxTestDuration)
	}
	if c.ChunkSize < 1024 || c.ChunkSize > 1<<20 {
		return fmt.Errorf("invalid chunk size %d: must be 1024-1048576", c.ChunkSize)
	}
	if c.IdleSamples <= 0 {
		return fmt.Errorf("idle samples must be > 0")
	}
	if c.LoadedProbeInterval <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("probe interval and timeout must be > 0")
	}
	switch c.Sampler {
	case "http", "tcp", "icmp":
	default:
		return fmt.Errorf("invalid sampler %q: must be http, tcp or icmp", c.Sampler)
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("rate limit per IP must be > 0")
	}
	if c.GlobalRateLimit <= 0 {
		return fmt.Errorf("global rate limit must be > 0")
	}
	if c.GlobalRateLimit < c.RateLimitPerIP {
		return fmt.Errorf("global rate limit must be >= rate limit per IP")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.MaxStoredResults <= 0 {
		return fmt.Errorf("max stored results must be > 0")
	}
	if c.PprofEnabled && c.PprofAddress == "" {
		return fmt.Errorf("pprof address cannot be empty when pprof is enabled")
	}
	if c.TrustProxyHeaders && len(c.TrustedProxyCIDRs) > 0 {
		for _, entry := range c.TrustedProxyCIDRs {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("invalid trusted proxy CIDR: %s", entry)
			}
		}
	}
	return nil
}

func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddress, c.Port)
}

// LatencyTarget is the host:port the sampler probes.
func (c *Config) LatencyTarget() string {
	if c.ProbeTarget != "" {
		return c.ProbeTarget
	}
	host := c.BindAddress
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, c.Port)
}

// ClampDuration bounds a client-requested duration; zero means default.
func (c *Config) ClampDuration(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return c.TestDuration
	case d < c.MinTestDuration:
		return c.MinTestDuration
	case d > c.MaxTestDuration:
		return c.MaxTestDuration
	default:
		return d
	}
}
