package client

import (
	"reflect"
	"sort"
	"testing"
)

func TestParseFlagsModes(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		check   func(*Config) bool
		wantSet []string
	}{
		{
			name:    "quick check with ndjson",
			args:    []string{"--check", "--ndjson"},
			check:   func(c *Config) bool { return c.Check && c.NDJSON && !c.JSON },
			wantSet: []string{"check", "ndjson"},
		},
		{
			name:    "history limit",
			args:    []string{"--history", "5", "--plain"},
			check:   func(c *Config) bool { return c.History == 5 && c.Plain },
			wantSet: []string{"history", "plain"},
		},
		{
			name:    "stored result by id",
			args:    []string{"--result", "a1b2c3d4", "--json"},
			check:   func(c *Config) bool { return c.ResultID == "a1b2c3d4" && c.JSON },
			wantSet: []string{"json", "result"},
		},
		{
			name:    "short aliases mark long names",
			args:    []string{"-f", "msgpack", "-t", "12", "-q"},
			check:   func(c *Config) bool { return c.Format == "msgpack" && c.Duration == 12 && c.Quiet },
			wantSet: []string{"duration", "f", "format", "q", "quiet", "t"},
		},
		{
			name:    "positional url",
			args:    []string{"--check", "https://speed.example.com"},
			check:   func(c *Config) bool { return c.Check && c.ServerURL == "https://speed.example.com" },
			wantSet: []string{"check", "server-url"},
		},
		{
			name:    "positional alias",
			args:    []string{"home"},
			check:   func(c *Config) bool { return c.Server == "home" && c.ServerURL == "" },
			wantSet: []string{"server"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, set, code, err := parseFlags(tt.args, "test")
			if err != nil || code != 0 || cfg == nil {
				t.Fatalf("parseFlags(%v) = %v, %d, %v", tt.args, cfg, code, err)
			}
			if !tt.check(cfg) {
				t.Fatalf("config = %+v", cfg)
			}
			var got []string
			for k := range set {
				got = append(got, k)
			}
			sort.Strings(got)
			if !reflect.DeepEqual(got, tt.wantSet) {
				t.Fatalf("flags set = %v, want %v", got, tt.wantSet)
			}
		})
	}
}

func TestParseFlagsRejectsBadHistory(t *testing.T) {
	_, _, code, err := parseFlags([]string{"--history", "ten"}, "test")
	if err == nil || code != exitUsage {
		t.Fatalf("err = %v, code = %d", err, code)
	}
}

func TestModeFlagsValidated(t *testing.T) {
	base := func() *Config {
		return &Config{ServerURL: "http://localhost:8080", Timeout: 60}
	}

	cfg := base()
	cfg.JSON, cfg.NDJSON = true, true
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected --json with --ndjson to be rejected")
	}

	cfg = base()
	cfg.History = -1
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected negative history to be rejected")
	}

	cfg = base()
	cfg.Check, cfg.NDJSON = true, true
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("check with ndjson: %v", err)
	}
}

func TestClientRejectsExtraPositionalArgs(t *testing.T) {
	_, _, code, err := parseFlags([]string{"https://example.com", "https://example.org"}, "test")
	if err == nil {
		t.Fatal("expected error for extra positional args")
	}
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}
}

func TestClientRejectsInvalidServerURLs(t *testing.T) {
	_, _, _, err := parseFlags([]string{"https://example.com?x=1"}, "test")
	if err == nil {
		t.Fatal("expected positional URL with query to be rejected")
	}

	cfg := &ConfigFile{
		ServerURL: "https://example.com#frag",
	}
	if err := validateConfigFile(cfg); err == nil {
		t.Fatal("expected config server_url with fragment to be rejected")
	}
}
