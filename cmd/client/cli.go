package client

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amarcoder01/customsp/internal/protocol"
	sdk "github.com/amarcoder01/customsp/pkg/client"
)

func parseFlags(args []string, version string) (*Config, map[string]bool, int, error) {
	config := &Config{}
	flagsSet := make(map[string]bool)

	flagSet := flag.NewFlagSet("speedtestpro client", flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&config.Format, "format", "", "Socket format: json, msgpack")
	flagSet.StringVar(&config.Format, "f", "", "Socket format: json, msgpack (short)")
	flagSet.IntVar(&config.Duration, "duration", 0, "Seconds per transfer direction (1-30, 0 = server default)")
	flagSet.IntVar(&config.Duration, "t", 0, "Seconds per transfer direction (short)")
	flagSet.BoolVar(&config.Check, "check", false, "Quick HTTP check instead of a full quality test")
	flagSet.IntVar(&config.History, "history", 0, "List the N most recent results")
	flagSet.StringVar(&config.ResultID, "result", "", "Show a stored result by test ID")
	flagSet.BoolVar(&config.JSON, "json", false, "Output results as JSON")
	flagSet.BoolVar(&config.NDJSON, "ndjson", false, "Streaming newline-delimited JSON output")
	flagSet.BoolVar(&config.Plain, "plain", false, "Plain text output")
	flagSet.BoolVar(&config.Verbose, "verbose", false, "Verbose output")
	flagSet.BoolVar(&config.Verbose, "v", false, "Verbose output (short)")
	flagSet.BoolVar(&config.Quiet, "quiet", false, "Quiet mode (errors only)")
	flagSet.BoolVar(&config.Quiet, "q", false, "Quiet mode (errors only) (short)")
	flagSet.BoolVar(&config.NoColor, "no-color", false, "Disable color output")
	flagSet.BoolVar(&config.NoProgress, "no-progress", false, "Disable progress indicators")
	flagSet.StringVar(&config.Server, "server", "", "Server alias or URL")
	flagSet.StringVar(&config.Server, "S", "", "Server alias or URL (short)")
	flagSet.StringVar(&config.ServerURL, "server-url", "", "Server URL (override)")
	flagSet.StringVar(&config.APIKey, "api-key", "", "API key for authentication")
	flagSet.IntVar(&config.Timeout, "timeout", 0, "Overall timeout in seconds")
	flagSet.BoolVar(&config.Auto, "auto", false, "Auto-select fastest server")
	flagSet.BoolVar(&config.Auto, "a", false, "Auto-select fastest server (short)")

	versionFlag := flagSet.Bool("version", false, "Print version")
	help := flagSet.Bool("help", false, "Show help")
	flagSet.BoolVar(help, "h", false, "Show help (short)")
	servers := flagSet.Bool("servers", false, "List configured servers")

	if err := flagSet.Parse(args); err != nil {
		return nil, nil, exitUsage, err
	}

	short := map[string]string{
		"f": "format", "t": "duration", "S": "server",
		"v": "verbose", "q": "quiet", "h": "help", "a": "auto",
	}
	flagSet.Visit(func(f *flag.Flag) {
		flagsSet[f.Name] = true
		if long, ok := short[f.Name]; ok {
			flagsSet[long] = true
		}
	})

	switch {
	case *servers:
		listServers()
		return nil, nil, exitSuccess, nil
	case *versionFlag:
		fmt.Printf("speedtestpro %s\n", version)
		return nil, nil, exitSuccess, nil
	case *help:
		printUsage()
		return nil, nil, exitSuccess, nil
	}

	rest := flagSet.Args()
	if len(rest) > 1 {
		return nil, nil, exitUsage, fmt.Errorf("unexpected arguments: %s", strings.Join(rest[1:], " "))
	}
	if len(rest) == 1 {
		server := rest[0]
		if strings.HasPrefix(server, "http://") || strings.HasPrefix(server, "https://") {
			if err := validateServerURL(server); err != nil {
				return nil, nil, exitUsage, err
			}
			config.ServerURL = server
			flagsSet["server-url"] = true
		} else {
			config.Server = server
			flagsSet["server"] = true
		}
	}

	return config, flagsSet, 0, nil
}

func listServers() {
	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "speedtestpro client: warning: %v\n", err)
	}

	fmt.Println("Configured Servers:")
	fmt.Println()

	if configFile == nil || len(configFile.Servers) == 0 {
		fmt.Println("  No servers configured.")
		fmt.Println()
		fmt.Println("Add servers to ~/.config/speedtestpro/config.yaml:")
		fmt.Println()
		fmt.Println("  servers:")
		fmt.Println("    nyc:")
		fmt.Println("      url: https://speedtest-nyc.example.com")
		fmt.Println("      name: \"New York\"")
		fmt.Println()
		return
	}

	fmt.Printf("  %-12s %-20s %s\n", "ALIAS", "NAME", "URL")
	fmt.Printf("  %-12s %-20s %s\n", "-----", "----", "---")
	aliases := make([]string, 0, len(configFile.Servers))
	for alias := range configFile.Servers {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		server := configFile.Servers[alias]
		defaultMark := ""
		if alias == configFile.DefaultServer {
			defaultMark = " *"
		}
		name := server.Name
		if name == "" {
			name = alias
		}
		fmt.Printf("  %-12s %-20s %s%s\n", alias, name, server.URL, defaultMark)
	}
	fmt.Println()
	fmt.Println("  * = default server")
}

type ServerLatency struct {
	Alias   string
	URL     string
	Name    string
	Latency time.Duration
	Error   error
}

// selectFastestServer probes every configured server's health endpoint in
// parallel and picks the quickest healthy one.
func selectFastestServer(ctx context.Context, configFile *ConfigFile, verbose bool) (*ServerLatency, error) {
	if configFile == nil || len(configFile.Servers) == 0 {
		return nil, errors.New("no servers configured for auto-selection")
	}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	results := make(chan ServerLatency, len(configFile.Servers))
	var wg sync.WaitGroup
	for alias, server := range configFile.Servers {
		wg.Add(1)
		go func(alias string, server ServerConfig) {
			defer wg.Done()
			start := time.Now()
			_, err := sdk.New(server.URL, sdk.WithAPIKey(server.APIKey)).Health(probeCtx)
			results <- ServerLatency{
				Alias:   alias,
				URL:     server.URL,
				Name:    server.Name,
				Latency: time.Since(start),
				Error:   err,
			}
		}(alias, server)
	}
	wg.Wait()
	close(results)

	var fastest *ServerLatency
	var all []ServerLatency
	for r := range results {
		all = append(all, r)
		if r.Error == nil && (fastest == nil || r.Latency < fastest.Latency) {
			r := r
			fastest = &r
		}
	}

	if verbose {
		sort.Slice(all, func(i, j int) bool { return all[i].Alias < all[j].Alias })
		fmt.Println("Server latencies:")
		for _, r := range all {
			status := fmt.Sprintf("%dms", r.Latency.Milliseconds())
			if r.Error != nil {
				status = "error"
			}
			marker := "  "
			if fastest != nil && r.Alias == fastest.Alias {
				marker = "> "
			}
			fmt.Printf("%s%-12s %-20s %s\n", marker, r.Alias, r.Name, status)
		}
		fmt.Println()
	}

	if fastest == nil {
		return nil, errors.New("all servers unreachable")
	}
	return fastest, nil
}

func validateConfig(config *Config) error {
	if _, err := protocol.ForFormat(config.Format); err != nil {
		return fmt.Errorf("%w\n\nUse: speedtestpro client -f msgpack\nSee: speedtestpro client --help", err)
	}
	if config.Duration < 0 || config.Duration > maxDuration {
		return fmt.Errorf("invalid duration: %d\n\n"+
			"Duration must be between 1 and %d seconds, or 0 for the server default.\n"+
			"Use: speedtestpro client -t 10\n"+
			"See: speedtestpro client --help", config.Duration, maxDuration)
	}
	if config.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", config.Timeout)
	}
	if config.History < 0 {
		return fmt.Errorf("invalid history limit: %d (must be positive)", config.History)
	}
	if config.JSON && config.NDJSON {
		return errors.New("--json and --ndjson are mutually exclusive")
	}
	return validateServerURL(config.ServerURL)
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: speedtestpro client [flags] [server]

Run a connection-quality test: idle latency, download and upload under
load, bufferbloat grade and use-case scores.

Server Selection:
  speedtestpro client <alias>         Use server alias from config
  speedtestpro client <url>           Use server URL directly
  speedtestpro client -S <alias>      Select server by alias
  speedtestpro client -a, --auto      Auto-select fastest server
  speedtestpro client --servers       List configured servers

Flags:
  -h, --help              Show help
  --version               Print version
  -f, --format string     Socket format: json, msgpack (default: json)
  -t, --duration int      Seconds per transfer direction, 1-30 (default: server)
  --check                 Quick HTTP check (~5 seconds)
  --history int           List the N most recent stored results
  --result string         Show a stored result by test ID
  --json                  Output results as JSON
  --ndjson                Streaming newline-delimited JSON (progress + result)
  --plain                 Plain key=value output
  -v, --verbose           Verbose output
  -q, --quiet             Quiet mode (errors only)
  --no-color              Disable color output
  --no-progress           Disable progress indicators
  --timeout int           Overall timeout in seconds (default: 60)
  --api-key string        API key for authentication
  --server-url string     Override server URL

Configuration file: ~/.config/speedtestpro/config.yaml

Environment:
  SPEEDTESTPRO_SERVER_URL, SPEEDTESTPRO_API_KEY, SPEEDTESTPRO_FORMAT,
  SPEEDTESTPRO_DURATION, SPEEDTESTPRO_TIMEOUT
  NO_COLOR                Disable colors (standard convention)

Examples:
  speedtestpro client
  speedtestpro client -t 10 --json https://speed.example.com
  speedtestpro client --history 10
`)
}
