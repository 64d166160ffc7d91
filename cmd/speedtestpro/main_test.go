package main

import "testing"

func TestRunDispatch(t *testing.T) {
	oldServer, oldClient, oldMCP := runServer, runClient, runMCP
	t.Cleanup(func() {
		runServer, runClient, runMCP = oldServer, oldClient, oldMCP
	})

	var got struct {
		target string
		args   []string
	}
	stub := func(target string, code int) func([]string, string) int {
		return func(args []string, _ string) int {
			got.target = target
			got.args = append([]string(nil), args...)
			return code
		}
	}
	runServer = stub("server", 11)
	runClient = stub("client", 12)
	runMCP = stub("mcp", 14)

	tests := []struct {
		name       string
		args       []string
		wantTarget string
		wantArgs   []string
		wantExit   int
	}{
		{name: "default server", args: nil, wantTarget: "server", wantExit: 11},
		{name: "server subcommand", args: []string{"server", "--x"}, wantTarget: "server", wantArgs: []string{"--x"}, wantExit: 11},
		{name: "bare flags go to server", args: []string{"--port", "9000"}, wantTarget: "server", wantArgs: []string{"--port", "9000"}, wantExit: 11},
		{name: "client subcommand", args: []string{"client", "--y"}, wantTarget: "client", wantArgs: []string{"--y"}, wantExit: 12},
		{name: "mcp subcommand", args: []string{"mcp", "--server-url", "http://h"}, wantTarget: "mcp", wantArgs: []string{"--server-url", "http://h"}, wantExit: 14},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got.target = ""
			got.args = nil
			code := run(tc.args, "test")
			if code != tc.wantExit {
				t.Fatalf("exit code = %d, want %d", code, tc.wantExit)
			}
			if got.target != tc.wantTarget {
				t.Fatalf("target = %q, want %q", got.target, tc.wantTarget)
			}
			if len(got.args) != len(tc.wantArgs) {
				t.Fatalf("args = %v, want %v", got.args, tc.wantArgs)
			}
			for i := range got.args {
				if got.args[i] != tc.wantArgs[i] {
					t.Fatalf("args = %v, want %v", got.args, tc.wantArgs)
				}
			}
		})
	}
}

func TestRunHelpVersionAndUnknown(t *testing.T) {
	if code := run([]string{"help"}, "test"); code != 0 {
		t.Fatalf("help exit code = %d, want 0", code)
	}
	if code := run([]string{"--help"}, "test"); code != 0 {
		t.Fatalf("--help exit code = %d, want 0", code)
	}
	if code := run([]string{"version"}, "test"); code != 0 {
		t.Fatalf("version exit code = %d, want 0", code)
	}
	if code := run([]string{"unknown-cmd"}, "test"); code != 2 {
		t.Fatalf("unknown exit code = %d, want 2", code)
	}
	if code := run([]string{"--unknown-flag"}, "test"); code != 2 {
		t.Fatalf("unknown top-level flag exit code = %d, want 2", code)
	}
}
