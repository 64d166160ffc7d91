package client

import (
	"os"
	"path/filepath"
	"testing"
)

func clearClientEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SPEEDTESTPRO_SERVER_URL", "SPEEDTESTPRO_API_KEY", "SPEEDTESTPRO_FORMAT",
		"SPEEDTESTPRO_DURATION", "SPEEDTESTPRO_TIMEOUT", "NO_COLOR",
	} {
		t.Setenv(k, "")
	}
}

func TestMergeConfigPrecedence(t *testing.T) {
	clearClientEnv(t)
	file := &ConfigFile{
		DefaultServer: "nyc",
		Servers: map[string]ServerConfig{
			"nyc": {URL: "https://nyc.example.com", APIKey: "file-key"},
			"lon": {URL: "https://lon.example.com"},
		},
		Format:   "msgpack",
		Duration: 8,
		Timeout:  90,
	}

	got := mergeConfig(&Config{}, file, map[string]bool{})
	if got.ServerURL != "https://nyc.example.com" || got.APIKey != "file-key" {
		t.Fatalf("default server = %q key %q", got.ServerURL, got.APIKey)
	}
	if got.Format != "msgpack" || got.Duration != 8 || got.Timeout != 90 {
		t.Fatalf("file values not applied: %+v", got)
	}

	t.Setenv("SPEEDTESTPRO_DURATION", "12")
	t.Setenv("SPEEDTESTPRO_FORMAT", "json")
	got = mergeConfig(&Config{}, file, map[string]bool{})
	if got.Duration != 12 || got.Format != "json" {
		t.Fatalf("env not applied: duration=%d format=%q", got.Duration, got.Format)
	}

	flags := &Config{Server: "lon", Duration: 3, JSON: true}
	got = mergeConfig(flags, file, map[string]bool{"server": true, "duration": true, "json": true})
	if got.ServerURL != "https://lon.example.com" {
		t.Fatalf("server alias flag = %q", got.ServerURL)
	}
	if got.Duration != 3 || !got.JSON {
		t.Fatalf("flags not applied: %+v", got)
	}
}

func TestMergeConfigIgnoresBadEnvInteger(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("SPEEDTESTPRO_TIMEOUT", "soon")
	got := mergeConfig(&Config{}, nil, map[string]bool{})
	if got.Timeout != defaultTimeout {
		t.Fatalf("timeout = %d, want %d", got.Timeout, defaultTimeout)
	}
	if got.ServerURL != defaultServerURL || got.Format != defaultFormat {
		t.Fatalf("defaults = %+v", got)
	}
}

func TestNoColorEnv(t *testing.T) {
	clearClientEnv(t)
	t.Setenv("NO_COLOR", "1")
	if !mergeConfig(&Config{}, nil, map[string]bool{}).NoColor {
		t.Fatal("NO_COLOR should disable color")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := loadConfigFile()
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}

	path := filepath.Join(dir, "speedtestpro", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "default_server: home\nservers:\n  home:\n    url: http://10.0.0.2:8080\n    name: Home\nduration: 5\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err = loadConfigFile()
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.Servers["home"].URL != "http://10.0.0.2:8080" || cfg.Duration != 5 {
		t.Fatalf("parsed config = %+v", cfg)
	}

	if err := os.WriteFile(path, []byte("duration: 99\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfigFile(); err == nil {
		t.Fatal("expected out-of-range duration to be rejected")
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"http://localhost:8080", false},
		{"https://speed.example.com", false},
		{"ftp://example.com", true},
		{"http://", true},
		{"https://example.com/?q=1", true},
		{"https://example.com/#x", true},
	}
	for _, tt := range tests {
		err := validateServerURL(tt.url)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateServerURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		return &Config{ServerURL: defaultServerURL, Format: "json", Timeout: 10}
	}
	if err := validateConfig(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"duration too long", func(c *Config) { c.Duration = maxDuration + 1 }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"json and ndjson", func(c *Config) { c.JSON, c.NDJSON = true, true }},
		{"negative history", func(c *Config) { c.History = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := validateConfig(c); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
