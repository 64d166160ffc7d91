package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/amarcoder01/customsp/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := config.DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SERVER_ID", "mumbai-01")
	t.Setenv("SERVER_LAT", "19.0760")
	t.Setenv("MAX_CONCURRENT_TESTS", "7")
	t.Setenv("TEST_DURATION_MS", "8000")
	t.Setenv("PROBE_TIMEOUT", "2s")
	t.Setenv("RESULT_RETENTION_DAYS", "7")
	t.Setenv("ALLOWED_ORIGINS", "https://a.test, ,https://b.test")

	cfg := config.DefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.ServerID != "mumbai-01" || cfg.ServerLat != 19.076 {
		t.Errorf("identity = %s %s %v", cfg.Port, cfg.ServerID, cfg.ServerLat)
	}
	if cfg.MaxConcurrentTests != 7 || cfg.TestDuration != 8*time.Second || cfg.ProbeTimeout != 2*time.Second {
		t.Errorf("limits = %d %s %s", cfg.MaxConcurrentTests, cfg.TestDuration, cfg.ProbeTimeout)
	}
	if cfg.ResultRetention != 7*24*time.Hour {
		t.Errorf("retention = %s", cfg.ResultRetention)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.test" {
		t.Errorf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"port", "PORT", "http", "invalid PORT"},
		{"concurrency", "MAX_CONCURRENT_TESTS", "0", "invalid MAX_CONCURRENT_TESTS"},
		{"duration", "TEST_DURATION_MS", "-5", "invalid TEST_DURATION_MS"},
		{"probe timeout", "PROBE_TIMEOUT", "soon", "invalid PROBE_TIMEOUT"},
		{"lat", "SERVER_LAT", "north", "invalid SERVER_LAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := config.DefaultConfig().LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"duration above max", func(c *config.Config) { c.TestDuration = time.Minute }},
		{"tiny chunk", func(c *config.Config) { c.ChunkSize = 10 }},
		{"unknown sampler", func(c *config.Config) { c.Sampler = "udp" }},
		{"global below per ip", func(c *config.Config) { c.GlobalRateLimit = 10 }},
		{"bad cidr", func(c *config.Config) {
			c.TrustProxyHeaders = true
			c.TrustedProxyCIDRs = []string{"10.0.0.0/33"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	body := "server_name: Frankfurt\nmax_tests_per_ip: 2\ntest_duration: 10s\nsampler: tcp\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("MAX_TESTS_PER_IP", "3")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerName != "Frankfurt" || cfg.TestDuration != 10*time.Second || cfg.Sampler != "tcp" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxTestsPerIP != 3 {
		t.Errorf("env should override file, got %d", cfg.MaxTestsPerIP)
	}
	if cfg.Port != "8080" {
		t.Errorf("defaults lost: port %s", cfg.Port)
	}
}

func TestClampDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	tests := []struct {
		in, want time.Duration
	}{
		{0, 5 * time.Second},
		{100 * time.Millisecond, time.Second},
		{time.Hour, 30 * time.Second},
		{7 * time.Second, 7 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.ClampDuration(tt.in); got != tt.want {
			t.Errorf("ClampDuration(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLatencyTarget(t *testing.T) {
	cfg := config.DefaultConfig()
	if got := cfg.LatencyTarget(); got != "127.0.0.1:8080" {
		t.Fatalf("target = %s", got)
	}
	cfg.ProbeTarget = "probe.example.com:443"
	if got := cfg.LatencyTarget(); got != "probe.example.com:443" {
		t.Fatalf("target = %s", got)
	}
}
