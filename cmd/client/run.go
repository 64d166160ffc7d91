package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	sdk "github.com/amarcoder01/customsp/pkg/client"
)

// Run executes the client command and returns a process exit code.
func Run(args []string, version string) int {
	return run(args, version, os.Stdout, os.Stderr)
}

func run(args []string, version string, stdout, stderr io.Writer) int {
	configFile, err := loadConfigFile()
	if err != nil {
		fmt.Fprintf(stderr, "speedtestpro client: warning: failed to load config file: %v\n", err)
	}

	flagConfig, flagsSet, code, err := parseFlags(args, version)
	if err != nil {
		fmt.Fprintf(stderr, "speedtestpro client: error: %v\n", err)
		return code
	}
	if flagConfig == nil {
		return code
	}

	config := mergeConfig(flagConfig, configFile, flagsSet)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.Timeout)*time.Second)
	defer cancel()

	if config.Auto {
		fastest, err := selectFastestServer(ctx, configFile, config.Verbose)
		if err != nil {
			fmt.Fprintf(stderr, "speedtestpro client: error: %v\n", err)
			return exitFailure
		}
		config.ServerURL = fastest.URL
		if config.APIKey == "" {
			config.APIKey = configFile.Servers[fastest.Alias].APIKey
		}
		if !config.Quiet && !config.JSON && !config.NDJSON {
			name := fastest.Name
			if name == "" {
				name = fastest.Alias
			}
			fmt.Fprintf(stdout, "Auto-selected: %s (%dms)\n\n", name, fastest.Latency.Milliseconds())
		}
	}

	if err := validateConfig(config); err != nil {
		fmt.Fprintf(stderr, "speedtestpro client: error: %v\n", err)
		return exitUsage
	}

	if !config.JSON && !config.NDJSON && !config.Plain && !isTerminal(stdout) {
		config.Plain = true
	}
	formatter := createFormatter(config, stdout, stderr)

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			interrupted.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := execute(ctx, config, formatter); err != nil {
		if interrupted.Load() {
			fmt.Fprintln(stderr, "speedtestpro client: interrupted")
			return exitInterrupt
		}
		formatter.FormatError(err)
		return exitFailure
	}
	if nd, ok := formatter.(*NDJSONFormatter); ok && nd.Err() != nil {
		fmt.Fprintf(stderr, "speedtestpro client: error: write output: %v\n", nd.Err())
		return exitFailure
	}
	return exitSuccess
}

// execute runs the mode selected by config: a stored result lookup,
// history listing, quick check or a full quality test.
func execute(ctx context.Context, config *Config, formatter OutputFormatter) error {
	c := sdk.New(config.ServerURL, sdk.WithAPIKey(config.APIKey))

	switch {
	case config.ResultID != "":
		result, err := c.Result(ctx, config.ResultID)
		if err != nil {
			return err
		}
		formatter.FormatComplete(result)
		return nil

	case config.History > 0:
		entries, err := c.History(ctx, config.History)
		if err != nil {
			return err
		}
		formatter.FormatHistory(entries)
		return nil

	case config.Check:
		result, err := c.Check(ctx)
		if err != nil {
			return err
		}
		formatter.FormatCheck(result)
		return nil
	}

	result, err := c.Run(ctx, sdk.RunOptions{
		Format:     config.Format,
		Duration:   time.Duration(config.Duration) * time.Second,
		OnProgress: formatter.FormatProgress,
	})
	if err != nil {
		return fmt.Errorf("quality test failed: %w\n\n"+
			"Troubleshooting:\n"+
			"  - Check server is running: curl %s/api/health\n"+
			"  - Verify server URL: speedtestpro client --server-url %s", err, config.ServerURL, config.ServerURL)
	}
	formatter.FormatComplete(result)
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
