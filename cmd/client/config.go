package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/amarcoder01/customsp/internal/protocol"
)

type ServerConfig struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key,omitempty"`
}

type ConfigFile struct {
	DefaultServer string                  `yaml:"default_server,omitempty"`
	Servers       map[string]ServerConfig `yaml:"servers,omitempty"`

	ServerURL  string `yaml:"server_url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Format     string `yaml:"format,omitempty"`
	Duration   int    `yaml:"duration,omitempty"`
	Timeout    int    `yaml:"timeout,omitempty"`
	JSON       bool   `yaml:"json,omitempty"`
	Plain      bool   `yaml:"plain,omitempty"`
	Verbose    bool   `yaml:"verbose,omitempty"`
	Quiet      bool   `yaml:"quiet,omitempty"`
	NoColor    bool   `yaml:"no_color,omitempty"`
	NoProgress bool   `yaml:"no_progress,omitempty"`
}

func getConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "speedtestpro", "config.yaml")
}

func loadConfigFile() (*ConfigFile, error) {
	configPath := getConfigPath()
	if configPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := validateConfigFile(&config); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &config, nil
}

func resolveServerURL(configFile *ConfigFile, serverAlias string) (string, string) {
	if configFile == nil {
		return "", ""
	}
	if serverAlias == "" {
		serverAlias = configFile.DefaultServer
	}
	if server, ok := configFile.Servers[serverAlias]; ok && serverAlias != "" {
		return server.URL, server.APIKey
	}
	return configFile.ServerURL, configFile.APIKey
}

// mergeConfig layers defaults, the config file, SPEEDTESTPRO_* variables
// and explicitly set flags, in that order.
func mergeConfig(flagConfig *Config, configFile *ConfigFile, flagsSet map[string]bool) *Config {
	result := &Config{
		ServerURL: defaultServerURL,
		Format:    defaultFormat,
		Timeout:   defaultTimeout,
	}

	if configFile != nil {
		serverURL, apiKey := resolveServerURL(configFile, flagConfig.Server)
		if serverURL != "" {
			result.ServerURL = serverURL
		}
		if apiKey != "" {
			result.APIKey = apiKey
		}
		if configFile.Format != "" {
			result.Format = configFile.Format
		}
		if configFile.Duration > 0 {
			result.Duration = configFile.Duration
		}
		if configFile.Timeout > 0 {
			result.Timeout = configFile.Timeout
		}
		result.JSON = configFile.JSON
		result.Plain = configFile.Plain
		result.Verbose = configFile.Verbose
		result.Quiet = configFile.Quiet
		result.NoColor = configFile.NoColor
		result.NoProgress = configFile.NoProgress
	}

	if val := os.Getenv("SPEEDTESTPRO_SERVER_URL"); val != "" {
		result.ServerURL = val
	}
	if val := os.Getenv("SPEEDTESTPRO_API_KEY"); val != "" {
		result.APIKey = val
	}
	if val := os.Getenv("SPEEDTESTPRO_FORMAT"); val != "" {
		result.Format = val
	}
	for _, env := range []struct {
		name string
		dst  *int
	}{
		{"SPEEDTESTPRO_DURATION", &result.Duration},
		{"SPEEDTESTPRO_TIMEOUT", &result.Timeout},
	} {
		val := os.Getenv(env.name)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			fmt.Fprintf(os.Stderr, "speedtestpro client: warning: invalid %s value '%s' (must be integer), ignoring\n", env.name, val)
			continue
		}
		*env.dst = n
	}
	if os.Getenv("NO_COLOR") != "" {
		result.NoColor = true
	}

	if flagsSet["server"] && flagConfig.Server != "" {
		result.ServerURL = flagConfig.Server
		if configFile != nil {
			if server, ok := configFile.Servers[flagConfig.Server]; ok {
				result.ServerURL = server.URL
				if server.APIKey != "" {
					result.APIKey = server.APIKey
				}
			}
		}
	}
	if flagsSet["server-url"] && flagConfig.ServerURL != "" {
		result.ServerURL = flagConfig.ServerURL
	}
	if flagsSet["format"] && flagConfig.Format != "" {
		result.Format = flagConfig.Format
	}
	if flagsSet["duration"] {
		result.Duration = flagConfig.Duration
	}
	if flagsSet["timeout"] && flagConfig.Timeout > 0 {
		result.Timeout = flagConfig.Timeout
	}
	if flagsSet["api-key"] && flagConfig.APIKey != "" {
		result.APIKey = flagConfig.APIKey
	}
	for _, b := range []struct {
		name     string
		dst, src *bool
	}{
		{"json", &result.JSON, &flagConfig.JSON},
		{"ndjson", &result.NDJSON, &flagConfig.NDJSON},
		{"plain", &result.Plain, &flagConfig.Plain},
		{"verbose", &result.Verbose, &flagConfig.Verbose},
		{"quiet", &result.Quiet, &flagConfig.Quiet},
		{"no-color", &result.NoColor, &flagConfig.NoColor},
		{"no-progress", &result.NoProgress, &flagConfig.NoProgress},
		{"auto", &result.Auto, &flagConfig.Auto},
		{"check", &result.Check, &flagConfig.Check},
	} {
		if flagsSet[b.name] {
			*b.dst = *b.src
		}
	}
	result.History = flagConfig.History
	result.ResultID = flagConfig.ResultID
	return result
}

func validateConfigFile(config *ConfigFile) error {
	if config.Format != "" {
		if _, err := protocol.ForFormat(config.Format); err != nil {
			return err
		}
	}
	if config.Duration < 0 || config.Duration > maxDuration {
		return fmt.Errorf("invalid duration: %d (must be 1-%d seconds)", config.Duration, maxDuration)
	}
	if config.Timeout < 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", config.Timeout)
	}
	if config.ServerURL != "" {
		if err := validateServerURL(config.ServerURL); err != nil {
			return err
		}
	}
	for alias, server := range config.Servers {
		if err := validateServerURL(server.URL); err != nil {
			return fmt.Errorf("server %s: %w", alias, err)
		}
	}
	return nil
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid server URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid server URL %q: missing host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("invalid server URL %q: query and fragment are not allowed", raw)
	}
	return nil
}
