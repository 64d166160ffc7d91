package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/amarcoder01/customsp/internal/config"
)

func TestApplyServerFlagOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ServerName = "Env Name"
	cfg.MaxTestDuration = 20 * time.Second

	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{
		"--server-name=Flag Name",
		"--max-test-duration=25s",
		"--allowed-origins=https://a.example.com, https://b.example.com",
		"--sampler=tcp",
		"--trust-proxy-headers",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		t.Fatalf("apply overrides: %v", err)
	}

	if cfg.ServerName != "Flag Name" {
		t.Fatalf("server name = %q, want %q", cfg.ServerName, "Flag Name")
	}
	if cfg.MaxTestDuration != 25*time.Second {
		t.Fatalf("max test duration = %s, want 25s", cfg.MaxTestDuration)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://a.example.com" || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("allowed origins = %#v, want two trimmed entries", cfg.AllowedOrigins)
	}
	if cfg.Sampler != "tcp" || !cfg.TrustProxyHeaders {
		t.Fatalf("sampler = %q trust = %v", cfg.Sampler, cfg.TrustProxyHeaders)
	}
}

func TestApplyServerFlagOverridesKeepsUnsetValues(t *testing.T) {
	cfg := config.DefaultConfig()
	fs, fv := buildServerFlagSet(config.DefaultConfig())
	cfg.Port = "9090"
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	if err := applyServerFlagOverrides(cfg, fs, fv); err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, unset flag must not override", cfg.Port)
	}
}

func TestApplyServerFlagOverridesFailsFastOnInvalidDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	fs, fv := buildServerFlagSet(cfg)
	if err := fs.Parse([]string{
		"--max-test-duration=not-a-duration",
		"--server-name=changed",
	}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if err := applyServerFlagOverrides(cfg, fs, fv); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if cfg.ServerName != config.DefaultConfig().ServerName {
		t.Fatalf("server name changed despite duration parse error: %q", cfg.ServerName)
	}
}

func TestServeAndShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = "0"
	cfg.BindAddress = "127.0.0.1"
	cfg.ServerID = "serve-test"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "db", "results.db")

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, "test", func(addr string) { addrCh <- addr })
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr + "/api/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	var health struct {
		Status   string `json:"status"`
		ServerID string `json:"server_id"`
		Version  string `json:"version"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "healthy" || health.ServerID != "serve-test" || health.Version != "test" {
		t.Fatalf("health = %+v", health)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
