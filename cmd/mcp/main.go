// Package mcp implements the `speedtestpro mcp` subcommand: an MCP (Model
// Context Protocol) server over stdio. Agents spawn the process and call the
// connection-quality tools directly.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/amarcoder01/customsp/pkg/client"
	"github.com/amarcoder01/customsp/pkg/types"
)

const defaultServerURL = "http://localhost:8080"

// Run starts the MCP stdio server. Blocks until stdin closes or signal received.
func Run(args []string, version string) int {
	fs := flag.NewFlagSet("speedtestpro mcp", flag.ContinueOnError)
	serverURL := fs.String("server-url", defaultServerURL, "Server used when a tool call names none")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "speedtestpro mcp: unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return 2
	}

	s := server.NewMCPServer(
		"speedtestpro",
		version,
		server.WithToolCapabilities(true),
	)

	ts := toolServer{defaultURL: strings.TrimRight(*serverURL, "/")}
	handlers := map[string]server.ToolHandlerFunc{
		"run_quality_test": ts.handleQualityTest,
		"quick_check":      ts.handleQuickCheck,
		"get_result":       ts.handleGetResult,
		"test_history":     ts.handleTestHistory,
	}
	for _, tool := range ToolDefinitions() {
		s.AddTool(tool, handlers[tool.Name])
	}

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "speedtestpro mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func commonArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("server_url",
			mcp.Description("Speed test server URL (default: the --server-url the MCP server was started with)"),
		),
		mcp.WithString("api_key",
			mcp.Description("Optional API key sent as a bearer token"),
		),
	}
}

// ToolDefinitions lists every tool the server exposes.
func ToolDefinitions() []mcp.Tool {
	quality := append([]mcp.ToolOption{
		mcp.WithDescription("Full connection-quality test (~15 seconds with the default duration). Measures idle latency, download and upload throughput while probing latency under load, then returns the bufferbloat grade (A+ to F), responsiveness (RPM) and scores for gaming, streaming, video calls and browsing."),
		mcp.WithNumber("duration",
			mcp.Description("Seconds per transfer direction, 1-30 (default: server setting)"),
		),
	}, commonArgs()...)

	check := append([]mcp.ToolOption{
		mcp.WithDescription("Quick check (~5 seconds) over plain HTTP: latency, jitter, rough download and upload speed and use-case scores. Does not measure latency under load."),
	}, commonArgs()...)

	result := append([]mcp.ToolOption{
		mcp.WithDescription("Fetch a stored quality test result by its test ID."),
		mcp.WithString("test_id",
			mcp.Required(),
			mcp.Description("Test ID returned by run_quality_test"),
		),
	}, commonArgs()...)

	history := append([]mcp.ToolOption{
		mcp.WithDescription("List recent stored quality test results, newest first, with bufferbloat grade and overall score."),
		mcp.WithNumber("limit",
			mcp.Description("Number of results, 1-100 (default: 10)"),
		),
	}, commonArgs()...)

	return []mcp.Tool{
		mcp.NewTool("run_quality_test", quality...),
		mcp.NewTool("quick_check", check...),
		mcp.NewTool("get_result", result...),
		mcp.NewTool("test_history", history...),
	}
}

func clientFromRequest(serverURL string, req mcp.CallToolRequest) *client.Client {
	if key := strings.TrimSpace(req.GetString("api_key", "")); key != "" {
		return client.New(serverURL, client.WithAPIKey(key))
	}
	return client.New(serverURL)
}

// toolServer holds the defaults shared by every tool handler.
type toolServer struct {
	defaultURL string
}

func (ts toolServer) serverURL(req mcp.CallToolRequest) string {
	if u := strings.TrimSpace(req.GetString("server_url", "")); u != "" {
		return strings.TrimRight(u, "/")
	}
	if ts.defaultURL != "" {
		return ts.defaultURL
	}
	return defaultServerURL
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// qualityReport pairs a result with a short plain-language reading of it.
type qualityReport struct {
	Summary         string                `json:"summary"`
	Recommendations []string              `json:"recommendations,omitempty"`
	Result          *types.EnhancedResult `json:"result"`
}

func newQualityReport(r *types.EnhancedResult) qualityReport {
	ll := r.LoadedLatency
	summary := fmt.Sprintf("Download %.1f Mbps, upload %.1f Mbps, idle latency %.1f ms. Bufferbloat grade %s (%s). Overall %s (%.0f/100).",
		r.TestResult.DownloadMbps, r.TestResult.UploadMbps, ll.Idle.AverageMs,
		ll.BufferbloatGrade, ll.BufferbloatGrade.Description(),
		r.AIM.OverallGrade, r.AIM.OverallScore)
	if r.UploadSimulated {
		summary += " Upload was estimated, not measured."
	}
	return qualityReport{Summary: summary, Recommendations: ll.Recommendations(), Result: r}
}

func (ts toolServer) handleQualityTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	duration := req.GetInt("duration", 0)
	if duration < 0 {
		duration = 0
	}
	if duration > 30 {
		duration = 30
	}

	// Idle sampling plus two transfer phases; a zero duration lets the
	// server pick, which is bounded by its own 30s cap.
	budget := 30
	if duration > 0 {
		budget = duration
	}
	testCtx, cancel := context.WithTimeout(ctx, time.Duration(2*budget+30)*time.Second)
	defer cancel()

	c := clientFromRequest(ts.serverURL(req), req)
	result, err := c.Run(testCtx, client.RunOptions{Duration: time.Duration(duration) * time.Second})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Quality test failed: %v", err)), nil
	}
	return jsonResult(newQualityReport(result)), nil
}

func (ts toolServer) handleQuickCheck(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	c := clientFromRequest(ts.serverURL(req), req)
	result, err := c.Check(checkCtx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Quick check failed: %v", err)), nil
	}
	return jsonResult(result), nil
}

func (ts toolServer) handleGetResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := strings.TrimSpace(req.GetString("test_id", ""))
	if id == "" {
		return mcp.NewToolResultError("test_id is required"), nil
	}

	getCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c := clientFromRequest(ts.serverURL(req), req)
	result, err := c.Result(getCtx, id)
	if errors.Is(err, client.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("No stored result with test ID %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Fetching result failed: %v", err)), nil
	}
	return jsonResult(newQualityReport(result)), nil
}

func (ts toolServer) handleTestHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	histCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c := clientFromRequest(ts.serverURL(req), req)
	entries, err := c.History(histCtx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Fetching history failed: %v", err)), nil
	}
	return jsonResult(map[string]interface{}{"results": entries, "count": len(entries)}), nil
}
