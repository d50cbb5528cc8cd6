// ABOUTME: Configuration loading and parsing for sacmes-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "SACMES_CONFIG"

// Config represents the complete sacmes-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Broker    BrokerConfig    `yaml:"broker"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// AgentSecret signs and verifies agent bearer tokens.
	AgentSecret string `yaml:"agent_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"` // Serve HTTPS on :443 with tailnet certs instead of HTTP on :80
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`

	// InstanceID names this gateway in persisted bindings. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatTimeout     time.Duration `yaml:"-"`
	ReconnectGracePeriod time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw    string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw     string `yaml:"heartbeat_timeout"`
	ReconnectGracePeriodRaw string `yaml:"reconnect_grace_period"`
}

// MirrorConfig holds persistent mirror configuration
type MirrorConfig struct {
	Hash      string        `yaml:"hash"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"-"`
	RemoteTTL time.Duration `yaml:"-"`
	// RecordTTL is how long a binding record blocks other instances without
	// being refreshed by its owner.
	RecordTTL time.Duration `yaml:"-"`

	TimeoutRaw   string `yaml:"timeout"`
	RemoteTTLRaw string `yaml:"remote_ttl"`
	RecordTTLRaw string `yaml:"record_ttl"`
}

// BrokerConfig holds fan-out configuration
type BrokerConfig struct {
	DedupeTTL        time.Duration `yaml:"-"`
	DedupeMaxEntries int           `yaml:"dedupe_max_entries"`
	SendBuffer       int           `yaml:"send_buffer"`

	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config location: $SACMES_CONFIG, else
// $XDG_CONFIG_HOME/sacmes/gateway.yaml, else ~/.config/sacmes/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "sacmes", "gateway.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sacmes", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME}.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Defaults for fields left empty in the file.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultMirrorHash        = "sacmes:agents"
	DefaultMirrorTimeout     = 2 * time.Second
	DefaultRemoteTTL         = 30 * time.Second
	DefaultRecordTTL         = 90 * time.Second
	DefaultMirrorQueueSize   = 1024
	DefaultDedupeMaxEntries  = 10_000
	DefaultSendBuffer        = 256
)

func (c *Config) applyDefaults() {
	if c.Server.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Server.InstanceID = host
		}
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Mirror.Hash == "" {
		c.Mirror.Hash = DefaultMirrorHash
	}
	if c.Mirror.Timeout == 0 {
		c.Mirror.Timeout = DefaultMirrorTimeout
	}
	if c.Mirror.RemoteTTL == 0 {
		c.Mirror.RemoteTTL = DefaultRemoteTTL
	}
	if c.Mirror.RecordTTL == 0 {
		c.Mirror.RecordTTL = DefaultRecordTTL
	}
	if c.Mirror.QueueSize == 0 {
		c.Mirror.QueueSize = DefaultMirrorQueueSize
	}
	if c.Broker.DedupeMaxEntries == 0 {
		c.Broker.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if c.Broker.SendBuffer == 0 {
		c.Broker.SendBuffer = DefaultSendBuffer
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return errors.New("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is required (or enable tailscale)")
		}
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.AgentSecret == "" {
		return errors.New("auth.agent_secret is required")
	}

	if c.Agents.ReconnectGracePeriod < 0 {
		return errors.New("agents.reconnect_grace_period must not be negative")
	}

	if c.Agents.HeartbeatTimeout > 0 && c.Agents.HeartbeatInterval >= c.Agents.HeartbeatTimeout {
		return fmt.Errorf("agents.heartbeat_interval (%s) must be shorter than agents.heartbeat_timeout (%s)",
			c.Agents.HeartbeatInterval, c.Agents.HeartbeatTimeout)
	}

	if c.Mirror.RecordTTL < 0 {
		return errors.New("mirror.record_ttl must not be negative")
	}

	if c.Mirror.QueueSize < 0 || c.Broker.SendBuffer < 0 || c.Broker.DedupeMaxEntries < 0 {
		return errors.New("queue and buffer sizes must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"reconnect_grace_period", cfg.Agents.ReconnectGracePeriodRaw, &cfg.Agents.ReconnectGracePeriod},
		{"mirror.timeout", cfg.Mirror.TimeoutRaw, &cfg.Mirror.Timeout},
		{"mirror.remote_ttl", cfg.Mirror.RemoteTTLRaw, &cfg.Mirror.RemoteTTL},
		{"mirror.record_ttl", cfg.Mirror.RecordTTLRaw, &cfg.Mirror.RecordTTL},
		{"broker.dedupe_ttl", cfg.Broker.DedupeTTLRaw, &cfg.Broker.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
