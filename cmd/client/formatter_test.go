package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/amarcoder01/customsp/internal/protocol"
	sdk "github.com/amarcoder01/customsp/pkg/client"
	"github.com/amarcoder01/customsp/pkg/types"
)

func sampleResult() *types.EnhancedResult {
	return &types.EnhancedResult{
		TestResult: types.TestResult{
			ID:           "2c1f4f0e-8a47-4cc6-9d41-4c11cc7d2b0e",
			ServerID:     "local",
			DownloadMbps: 94.5,
			UploadMbps:   11.2,
			LatencyMs:    12.5,
			JitterMs:     1.5,
		},
		LoadedLatency: types.LoadedLatencyResult{
			Idle:             types.StageStatistics{AverageMs: 12.5},
			Download:         types.StageStatistics{AverageMs: 80},
			Upload:           types.StageStatistics{AverageMs: 150},
			BufferbloatGrade: types.GradeD,
		},
		AIM: types.AIMScores{OverallScore: 72, OverallGrade: types.QualityFair},
	}
}

func TestCreateFormatter(t *testing.T) {
	var out, errOut bytes.Buffer
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{"json", Config{JSON: true}, "*client.JSONFormatter"},
		{"ndjson", Config{NDJSON: true}, "*client.NDJSONFormatter"},
		{"plain", Config{Plain: true}, "*client.PlainFormatter"},
		{"quiet", Config{Quiet: true}, "*client.PlainFormatter"},
		{"interactive", Config{}, "*client.InteractiveFormatter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := createFormatter(&tt.config, &out, &errOut)
			if got := fmt.Sprintf("%T", f); got != tt.want {
				t.Fatalf("formatter = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestJSONFormatterEnvelope(t *testing.T) {
	var out bytes.Buffer
	f := &JSONFormatter{Writer: &out, ErrOut: &out}
	f.FormatProgress(types.Progress{Percent: 50})
	f.FormatComplete(sampleResult())

	var env struct {
		SchemaVersion string               `json:"schema_version"`
		Type          string               `json:"type"`
		Data          types.EnhancedResult `json:"data"`
	}
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("output is not a single JSON document: %v\n%s", err, out.String())
	}
	if env.SchemaVersion != SchemaVersion || env.Type != "result" {
		t.Fatalf("envelope = %q/%q", env.SchemaVersion, env.Type)
	}
	if env.Data.LoadedLatency.BufferbloatGrade != types.GradeD {
		t.Fatalf("grade = %s, want D", env.Data.LoadedLatency.BufferbloatGrade)
	}
}

func TestJSONFormatterErrorCode(t *testing.T) {
	var out bytes.Buffer
	f := &JSONFormatter{Writer: &out, ErrOut: &out}
	f.FormatError(&sdk.ServerError{Code: protocol.ErrorNetwork, Reason: "PROBE_FAILED", Stage: "idle_latency", Message: "probe failed"})

	var resp JSONErrorResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Error || resp.Code != "PROBE_FAILED" {
		t.Fatalf("error response = %+v", resp)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&sdk.APIError{StatusCode: 503, Code: "RESOURCE_EXHAUSTED"}, "RESOURCE_EXHAUSTED"},
		{fmt.Errorf("wrapped: %w", &sdk.ServerError{Reason: "TRANSFER_FAILED"}), "TRANSFER_FAILED"},
		{errors.New("boom"), "CLIENT_ERROR"},
	}
	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestNDJSONFormatterLines(t *testing.T) {
	var out bytes.Buffer
	f := &NDJSONFormatter{Writer: &out, ErrOut: &out}
	speed := 42.0
	f.FormatProgress(types.Progress{Stage: types.ProgressDownload, Percent: 40, SpeedMbps: &speed})
	f.FormatProgress(types.Progress{Stage: types.ProgressUpload, Percent: 70})
	f.FormatComplete(sampleResult())

	var kinds []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var line struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		kinds = append(kinds, line.Type)
	}
	if strings.Join(kinds, ",") != "progress,progress,result" {
		t.Fatalf("line types = %v", kinds)
	}
	if f.Err() != nil {
		t.Fatalf("unexpected write error: %v", f.Err())
	}
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(p []byte) (int, error) {
	w.n++
	return 0, errors.New("closed")
}

func TestNDJSONFormatterStopsAfterWriteError(t *testing.T) {
	w := &failingWriter{}
	f := &NDJSONFormatter{Writer: w, ErrOut: w}
	f.FormatProgress(types.Progress{})
	f.FormatProgress(types.Progress{})
	if f.Err() == nil {
		t.Fatal("expected write error to be recorded")
	}
	if w.n != 1 {
		t.Fatalf("writes = %d, want 1", w.n)
	}
}

func TestPlainFormatterComplete(t *testing.T) {
	var out bytes.Buffer
	NewPlainFormatter(&out, &out, false).FormatComplete(sampleResult())
	for _, want := range []string{
		"download_mbps=94.50\n",
		"upload_latency_ms=150.000\n",
		"bufferbloat_grade=D\n",
		"overall_grade=Fair\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestInteractiveFormatterNoColor(t *testing.T) {
	var out bytes.Buffer
	f := NewInteractiveFormatter(&out, &out, false, true, false)
	f.FormatProgress(types.Progress{Stage: types.ProgressComplete, Percent: 100})
	f.FormatComplete(sampleResult())
	if strings.Contains(out.String(), "\033[") {
		t.Fatal("escape codes written with colors disabled")
	}
	if !strings.Contains(out.String(), "Bufferbloat grade: D") {
		t.Fatalf("missing grade line:\n%s", out.String())
	}
}

func TestInteractiveFormatterEmptyHistory(t *testing.T) {
	var out bytes.Buffer
	NewInteractiveFormatter(&out, &out, false, true, true).FormatHistory(nil)
	if !strings.Contains(out.String(), "No stored results.") {
		t.Fatalf("output = %q", out.String())
	}
}
