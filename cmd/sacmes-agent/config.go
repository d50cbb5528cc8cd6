// ABOUTME: Agent settings loaded from TOML with environment variable expansion
// ABOUTME: A missing file is not an error; flags and defaults fill the gaps

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds sacmes-agent settings.
type Config struct {
	Gateway GatewayConfig `toml:"gateway"`
	Watch   WatchConfig   `toml:"watch"`
	Client  ClientConfig  `toml:"client"`
	Logging LoggingConfig `toml:"logging"`
}

type GatewayConfig struct {
	URL    string `toml:"url"`
	Secret string `toml:"secret"`
}

type WatchConfig struct {
	Dir          string        `toml:"dir"`
	PollInterval time.Duration `toml:"poll_interval"`
	SendDelay    time.Duration `toml:"send_delay"`
}

type ClientConfig struct {
	CompressThreshold int           `toml:"compress_threshold"`
	ReconnectAttempts int           `toml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `toml:"reconnect_delay"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// defaultConfigPath returns $XDG_CONFIG_HOME/sacmes/client.toml.
func defaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "client.toml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "sacmes", "client.toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// loadConfig reads path. A missing file yields the zero Config.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to connect.
func (c *Config) Validate() error {
	if c.Gateway.URL == "" {
		return errors.New("gateway url is required (--gateway, SACMES_GATEWAY_URL, or [gateway] url)")
	}
	if c.Gateway.Secret == "" {
		return errors.New("agent secret is required (SACMES_AGENT_SECRET or [gateway] secret)")
	}
	if c.Watch.Dir != "" {
		info, err := os.Stat(c.Watch.Dir)
		if err != nil {
			return fmt.Errorf("watch dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("watch dir %s is not a directory", c.Watch.Dir)
		}
	}
	return nil
}
