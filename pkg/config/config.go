// Package config loads and validates the broker configuration from a YAML
// file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MinTokenLength is the minimum length for the shared secret token.
const MinTokenLength = 32

// Default configuration values exported for documentation and validation.
const (
	DefaultListen           = "127.0.0.1:4690"
	DefaultLogLevel         = "info"
	DefaultKeepAliveSeconds = 10
)

// Config is the complete broker configuration.
type Config struct {
	// Listen is the HTTP bind address serving /ws, /healthz and /metrics.
	Listen string `yaml:"listen"`

	// SharedSecret authenticates every inbound envelope. Connections
	// presenting any other token are closed without a reply.
	SharedSecret string `yaml:"shared_secret"`

	// AutoRun lets click and type proceed without approval, except clicks
	// whose target matches the dangerous-action vocabulary.
	AutoRun bool `yaml:"auto_run"`

	// DangerWords overrides the built-in dangerous-action vocabulary.
	DangerWords []string `yaml:"danger_words"`

	// Loopback executes tool requests against the embedded actuator
	// instead of a connected extension.
	Loopback bool `yaml:"loopback"`

	// KeepAliveSeconds is the filler progress interval while a turn is in
	// flight.
	KeepAliveSeconds int `yaml:"keep_alive_seconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Listen:           DefaultListen,
		KeepAliveSeconds: DefaultKeepAliveSeconds,
		LogLevel:         DefaultLogLevel,
	}
}

// Load reads the configuration file at path, if present, and applies
// environment overrides. A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus environment only.
		case err != nil:
			return cfg, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PAGEPILOT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PAGEPILOT_SHARED_SECRET"); v != "" {
		cfg.SharedSecret = v
	}
	if v := os.Getenv("PAGEPILOT_AUTO_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoRun = b
		}
	}
	if v := os.Getenv("PAGEPILOT_LOOPBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Loopback = b
		}
	}
	if v := os.Getenv("PAGEPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate enforces the invariants the rest of the process assumes.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if len(c.SharedSecret) < MinTokenLength {
		return fmt.Errorf("shared_secret must be at least %d characters", MinTokenLength)
	}
	if c.KeepAliveSeconds <= 0 {
		return fmt.Errorf("keep_alive_seconds must be positive")
	}
	return nil
}

// KeepAlive returns the filler progress interval as a duration.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}
