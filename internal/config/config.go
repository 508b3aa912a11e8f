package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Homee           HomeeConfig       `yaml:"homee"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Ledger          LedgerConfig      `yaml:"ledger"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	EventBus        EventBusConfig    `yaml:"eventbus"`
	Script          string            `yaml:"script"`           // Optional Lua automation script
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HomeeConfig contains homee connection settings
type HomeeConfig struct {
	Host     string `yaml:"host"` // IP/hostname in the local network or the 12 character homee id
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Device   string `yaml:"device"`

	Reconnect         *bool    `yaml:"reconnect"`          // Reconnect after the socket closed (default: true)
	ReconnectInterval Duration `yaml:"reconnect_interval"` // Base delay, multiplied by the attempt number (default: 5s)
	MaxRetries        int      `yaml:"max_retries"`        // 0 = unlimited

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout"`
	CommandsPerSecond float64  `yaml:"commands_per_second"`

	// Optional overrides of the addresses derived from host, e.g. behind a proxy
	BaseURL      string `yaml:"base_url"`
	WebSocketURL string `yaml:"websocket_url"`
}

// ReconnectEnabled returns the reconnect flag with default
func (c *HomeeConfig) ReconnectEnabled() bool {
	return c.Reconnect == nil || *c.Reconnect
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 1, keeps event order)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 256)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 256
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variables and applying defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./homeed.sqlite"
	}

	// Homee defaults
	if cfg.Homee.Device == "" {
		cfg.Homee.Device = "homeeApi"
	}
	if cfg.Homee.ReconnectInterval == 0 {
		cfg.Homee.ReconnectInterval = Duration(5 * time.Second)
	}
	if cfg.Homee.HeartbeatInterval == 0 {
		cfg.Homee.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Homee.RequestTimeout == 0 {
		cfg.Homee.RequestTimeout = Duration(2500 * time.Millisecond)
	}
	if cfg.Homee.HandshakeTimeout == 0 {
		cfg.Homee.HandshakeTimeout = Duration(5 * time.Second)
	}
	if cfg.Homee.CommandsPerSecond == 0 {
		cfg.Homee.CommandsPerSecond = 10
	}
	// MaxRetries defaults to 0 (unlimited), no need to set

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Homee.Host == "" && (c.Homee.BaseURL == "" || c.Homee.WebSocketURL == "") {
		return fmt.Errorf("homee.host is required")
	}
	if c.Homee.User == "" {
		return fmt.Errorf("homee.user is required")
	}
	if c.Homee.MaxRetries < 0 {
		return fmt.Errorf("homee.max_retries must not be negative")
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
