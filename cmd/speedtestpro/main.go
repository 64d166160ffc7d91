package main

import (
	"fmt"
	"os"
	"strings"

	client "github.com/amarcoder01/customsp/cmd/client"
	mcpcmd "github.com/amarcoder01/customsp/cmd/mcp"
	server "github.com/amarcoder01/customsp/cmd/server"
)

var version = "dev"

var (
	runServer = server.Run
	runClient = client.Run
	runMCP    = mcpcmd.Run
)

func main() {
	os.Exit(run(os.Args[1:], version))
}

func run(args []string, version string) int {
	if len(args) == 0 {
		return runServer(nil, version)
	}

	switch args[0] {
	case "server":
		return runServer(args[1:], version)
	case "client":
		return runClient(args[1:], version)
	case "mcp":
		return runMCP(args[1:], version)
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "version", "--version":
		fmt.Printf("speedtestpro %s\n", version)
		return 0
	default:
		if strings.HasPrefix(args[0], "-") {
			return runServer(args, version)
		}
		fmt.Fprintf(os.Stderr, "speedtestpro: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: speedtestpro <command> [args]

Commands:
  server    Run the test server (default when no command provided)
  client    Run a connection-quality test from the command line
  mcp       Run as MCP server (stdio transport, for AI agents)
  version   Print version

Examples:
  speedtestpro server --port 8080 --sampler tcp
  speedtestpro client -t 10 https://speed.example.com
  speedtestpro client --check --json
  speedtestpro mcp --server-url https://speed.example.com
`)
}
