package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/amarcoder01/customsp/pkg/client"
	"github.com/amarcoder01/customsp/pkg/types"
)

type OutputFormatter interface {
	FormatProgress(p types.Progress)
	FormatComplete(result *types.EnhancedResult)
	FormatCheck(result *sdk.CheckResult)
	FormatHistory(entries []sdk.HistoryEntry)
	FormatError(err error)
}

func createFormatter(config *Config, stdout, stderr io.Writer) OutputFormatter {
	switch {
	case config.JSON:
		return &JSONFormatter{Writer: stdout, ErrOut: stderr}
	case config.NDJSON:
		return &NDJSONFormatter{Writer: stdout, ErrOut: stderr}
	case config.Plain || config.Quiet:
		return NewPlainFormatter(stdout, stderr, config.Verbose)
	default:
		return NewInteractiveFormatter(stdout, stderr, config.Verbose, config.NoColor, config.NoProgress)
	}
}

// errorCode is the short machine code reported for err.
func errorCode(err error) string {
	var se *sdk.ServerError
	if errors.As(err, &se) && se.Reason != "" {
		return se.Reason
	}
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		return apiErr.Code
	}
	return "CLIENT_ERROR"
}

type jsonEnvelope struct {
	SchemaVersion string      `json:"schema_version"`
	Type          string      `json:"type"`
	Data          interface{} `json:"data"`
}

func (f *JSONFormatter) FormatProgress(types.Progress) {}

func (f *JSONFormatter) FormatComplete(result *types.EnhancedResult) {
	f.encode("result", result)
}

func (f *JSONFormatter) FormatCheck(result *sdk.CheckResult) {
	f.encode("check", result)
}

func (f *JSONFormatter) FormatHistory(entries []sdk.HistoryEntry) {
	f.encode("history", entries)
}

func (f *JSONFormatter) encode(kind string, data interface{}) {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonEnvelope{SchemaVersion: SchemaVersion, Type: kind, Data: data}); err != nil {
		fmt.Fprintf(f.ErrOut, "speedtestpro client: error: encode output: %v\n", err)
	}
}

func (f *JSONFormatter) FormatError(err error) {
	json.NewEncoder(f.Writer).Encode(JSONErrorResponse{
		SchemaVersion: SchemaVersion,
		Error:         true,
		Code:          errorCode(err),
		Message:       err.Error(),
	})
}

func (f *NDJSONFormatter) line(kind string, data interface{}) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.err != nil {
		return
	}
	f.err = json.NewEncoder(f.Writer).Encode(jsonEnvelope{SchemaVersion: SchemaVersion, Type: kind, Data: data})
}

func (f *NDJSONFormatter) FormatProgress(p types.Progress) { f.line("progress", p) }

func (f *NDJSONFormatter) FormatComplete(result *types.EnhancedResult) { f.line("result", result) }

func (f *NDJSONFormatter) FormatCheck(result *sdk.CheckResult) { f.line("check", result) }

func (f *NDJSONFormatter) FormatHistory(entries []sdk.HistoryEntry) { f.line("history", entries) }

func (f *NDJSONFormatter) FormatError(err error) {
	f.line("error", JSONErrorResponse{
		SchemaVersion: SchemaVersion,
		Error:         true,
		Code:          errorCode(err),
		Message:       err.Error(),
	})
}

// Err reports the first write failure, if any.
func (f *NDJSONFormatter) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

func (f *PlainFormatter) FormatProgress(p types.Progress) {
	if f.verbose {
		fmt.Fprintf(f.errOut, "progress=%d stage=%s\n", p.Percent, p.Stage)
	}
}

func (f *PlainFormatter) FormatComplete(r *types.EnhancedResult) {
	tr := r.TestResult
	ll := r.LoadedLatency
	fmt.Fprintf(f.writer, "test_id=%s\n", tr.ID)
	fmt.Fprintf(f.writer, "server_id=%s\n", tr.ServerID)
	fmt.Fprintf(f.writer, "download_mbps=%.2f\n", tr.DownloadMbps)
	fmt.Fprintf(f.writer, "upload_mbps=%.2f\n", tr.UploadMbps)
	fmt.Fprintf(f.writer, "upload_simulated=%t\n", r.UploadSimulated)
	fmt.Fprintf(f.writer, "latency_ms=%.3f\n", tr.LatencyMs)
	fmt.Fprintf(f.writer, "jitter_ms=%.3f\n", tr.JitterMs)
	fmt.Fprintf(f.writer, "download_latency_ms=%.3f\n", ll.Download.AverageMs)
	fmt.Fprintf(f.writer, "upload_latency_ms=%.3f\n", ll.Upload.AverageMs)
	fmt.Fprintf(f.writer, "bufferbloat_grade=%s\n", ll.BufferbloatGrade)
	fmt.Fprintf(f.writer, "idle_rpm=%.0f\n", ll.IdleRPM)
	fmt.Fprintf(f.writer, "download_rpm=%.0f\n", ll.DownloadRPM)
	fmt.Fprintf(f.writer, "upload_rpm=%.0f\n", ll.UploadRPM)
	fmt.Fprintf(f.writer, "gaming_score=%.0f\n", r.AIM.Gaming.Score)
	fmt.Fprintf(f.writer, "streaming_score=%.0f\n", r.AIM.Streaming.Score)
	fmt.Fprintf(f.writer, "video_conferencing_score=%.0f\n", r.AIM.VideoConferencing.Score)
	fmt.Fprintf(f.writer, "browsing_score=%.0f\n", r.AIM.GeneralBrowsing.Score)
	fmt.Fprintf(f.writer, "overall_score=%.0f\n", r.AIM.OverallScore)
	fmt.Fprintf(f.writer, "overall_grade=%s\n", r.AIM.OverallGrade)
	fmt.Fprintf(f.writer, "duration_ms=%d\n", tr.TestDurationMs)
}

func (f *PlainFormatter) FormatCheck(r *sdk.CheckResult) {
	fmt.Fprintf(f.writer, "status=%s\n", r.Status)
	fmt.Fprintf(f.writer, "download_mbps=%.2f\n", r.DownloadMbps)
	fmt.Fprintf(f.writer, "upload_mbps=%.2f\n", r.UploadMbps)
	fmt.Fprintf(f.writer, "latency_ms=%.3f\n", r.LatencyMs)
	fmt.Fprintf(f.writer, "jitter_ms=%.3f\n", r.JitterMs)
	fmt.Fprintf(f.writer, "overall_score=%.0f\n", r.Scores.OverallScore)
	fmt.Fprintf(f.writer, "duration_ms=%d\n", r.DurationMs)
}

func (f *PlainFormatter) FormatHistory(entries []sdk.HistoryEntry) {
	for _, e := range entries {
		fmt.Fprintf(f.writer, "id=%s timestamp=%s download_mbps=%.2f upload_mbps=%.2f latency_ms=%.3f bufferbloat_grade=%s overall_score=%.0f\n",
			e.ID, e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.DownloadMbps, e.UploadMbps,
			e.LatencyMs, e.BufferbloatGrade, e.OverallScore)
	}
}

func (f *PlainFormatter) FormatError(err error) {
	fmt.Fprintf(f.errOut, "speedtestpro client: error: %v\n", err)
}

func (f *InteractiveFormatter) color(code, s string) string {
	if f.noColor {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func (f *InteractiveFormatter) FormatProgress(p types.Progress) {
	if f.noProgress {
		return
	}
	const barWidth = 30
	filled := int(p.Percent) * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	switch {
	case p.Percent < 50:
		bar = f.color("33", bar)
	case p.Percent < 90:
		bar = f.color("36", bar)
	default:
		bar = f.color("32", bar)
	}

	detail := ""
	if p.SpeedMbps != nil {
		detail = fmt.Sprintf(" %.1f Mbps", *p.SpeedMbps)
	} else if p.LatencyMs != nil {
		detail = fmt.Sprintf(" %.1f ms", *p.LatencyMs)
	}
	fmt.Fprintf(f.writer, "\r%-13s [%s] %3d%%%-14s", p.Stage, bar, p.Percent, detail)
	if p.Stage == types.ProgressComplete {
		fmt.Fprintln(f.writer)
	}
}

func (f *InteractiveFormatter) FormatComplete(r *types.EnhancedResult) {
	tr := r.TestResult
	ll := r.LoadedLatency

	fmt.Fprintln(f.writer, "\nResults:")
	upload := fmt.Sprintf("%.1f Mbps", tr.UploadMbps)
	if r.UploadSimulated {
		upload += " (estimated)"
	}
	fmt.Fprintf(f.writer, " %s %.1f Mbps\n", f.color("36", "Download:"), tr.DownloadMbps)
	fmt.Fprintf(f.writer, " %s %s\n", f.color("36", "Upload:  "), upload)
	fmt.Fprintf(f.writer, " %s %.1f ms idle, %.1f ms download, %.1f ms upload\n",
		f.color("33", "Latency: "), ll.Idle.AverageMs, ll.Download.AverageMs, ll.Upload.AverageMs)
	fmt.Fprintf(f.writer, " %s %.1f ms\n", f.color("35", "Jitter:  "), tr.JitterMs)
	fmt.Fprintf(f.writer, " %s %.0f idle, %.0f download, %.0f upload\n",
		f.color("37", "RPM:     "), ll.IdleRPM, ll.DownloadRPM, ll.UploadRPM)

	gradeColor := "32"
	switch ll.BufferbloatGrade {
	case types.GradeC, types.GradeD:
		gradeColor = "33"
	case types.GradeF:
		gradeColor = "31"
	}
	fmt.Fprintf(f.writer, "\n %s %s (%s)\n", f.color("1", "Bufferbloat grade:"),
		f.color(gradeColor, ll.BufferbloatGrade.String()), ll.BufferbloatGrade.Description())

	fmt.Fprintln(f.writer, "\nUse cases:")
	for _, uc := range []struct {
		name  string
		score types.UseCaseScore
	}{
		{"Gaming", r.AIM.Gaming},
		{"Streaming", r.AIM.Streaming},
		{"Video calls", r.AIM.VideoConferencing},
		{"Browsing", r.AIM.GeneralBrowsing},
	} {
		fmt.Fprintf(f.writer, "  %-12s %3.0f  %s\n", uc.name, uc.score.Score, uc.score.Grade)
		if f.verbose {
			for _, rec := range uc.score.Recommendations {
				fmt.Fprintf(f.writer, "               - %s\n", rec)
			}
		}
	}
	fmt.Fprintf(f.writer, "  %-12s %3.0f  %s\n", "Overall", r.AIM.OverallScore, r.AIM.OverallGrade)

	if recs := ll.Recommendations(); len(recs) > 0 {
		fmt.Fprintln(f.writer)
		for _, rec := range recs {
			fmt.Fprintf(f.writer, " %s\n", rec)
		}
	}
	fmt.Fprintf(f.writer, "\nTest ID: %s\n", tr.ID)
}

func (f *InteractiveFormatter) FormatCheck(r *sdk.CheckResult) {
	fmt.Fprintln(f.writer, "Quick check:")
	fmt.Fprintf(f.writer, " %s %.1f Mbps\n", f.color("36", "Download:"), r.DownloadMbps)
	fmt.Fprintf(f.writer, " %s %.1f Mbps\n", f.color("36", "Upload:  "), r.UploadMbps)
	fmt.Fprintf(f.writer, " %s %.1f ms (jitter %.1f ms)\n", f.color("33", "Latency: "), r.LatencyMs, r.JitterMs)
	fmt.Fprintf(f.writer, " %s %.0f (%s)\n", f.color("1", "Score:   "), r.Scores.OverallScore, r.Scores.OverallGrade)
}

func (f *InteractiveFormatter) FormatHistory(entries []sdk.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(f.writer, "No stored results.")
		return
	}
	fmt.Fprintf(f.writer, "%-36s  %-20s %10s %10s %8s %5s %5s\n",
		"ID", "TIME", "DOWN Mbps", "UP Mbps", "LAT ms", "BB", "SCORE")
	for _, e := range entries {
		fmt.Fprintf(f.writer, "%-36s  %-20s %10.1f %10.1f %8.1f %5s %5.0f\n",
			e.ID, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.DownloadMbps, e.UploadMbps,
			e.LatencyMs, e.BufferbloatGrade, e.OverallScore)
	}
}

func (f *InteractiveFormatter) FormatError(err error) {
	fmt.Fprintf(f.errOut, "speedtestpro client: error: %v\n", err)
}
