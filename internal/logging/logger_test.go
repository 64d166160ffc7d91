package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestJSONFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelInfo, FormatJSON, &buf)

	l.Debug("hidden")
	l.Info("stage complete",
		Field{"stage", "download"},
		Field{"samples", 42},
		Field{"ok", true},
		Field{"err", errors.New("boom")},
		Field{"elapsed", 1500 * time.Millisecond},
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	m := lines[0]
	if m["level"] != "info" || m["message"] != "stage complete" {
		t.Fatalf("unexpected entry: %v", m)
	}
	if m["stage"] != "download" || m["samples"] != float64(42) || m["ok"] != true {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["err"] != "boom" {
		t.Fatalf("err = %v", m["err"])
	}
	if _, ok := m["time"]; !ok {
		t.Fatal("missing timestamp")
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(LevelError, FormatJSON, &buf)
	l.Warn("dropped")
	l.SetLevel(LevelDebug)
	l.Debug("kept")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "kept" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestChildFollowsParentLevel(t *testing.T) {
	var buf bytes.Buffer
	root := New(LevelInfo, FormatJSON, &buf)
	child := root.Named("session")

	child.Debug("before")
	root.SetLevel(LevelDebug)
	child.Debug("after")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "after" {
		t.Fatalf("lines = %v", lines)
	}
	if lines[0]["component"] != "session" {
		t.Fatalf("component = %v", lines[0]["component"])
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	New(LevelInfo, FormatConsole, &buf).Warn("slow probe", Field{"target", "127.0.0.1"})
	out := buf.String()
	if !strings.Contains(out, "slow probe") || !strings.Contains(out, "target=") {
		t.Fatalf("console output = %q", out)
	}
	if json.Valid([]byte(strings.TrimSpace(out))) {
		t.Fatal("console output should not be JSON")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{
		"json":    FormatJSON,
		"JSON":    FormatJSON,
		"console": FormatConsole,
		"text":    FormatConsole,
		"":        FormatAuto,
		"other":   FormatAuto,
	}
	for in, want := range tests {
		if got := ParseFormat(in); got != want {
			t.Errorf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
}
