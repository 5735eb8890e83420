// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shellfleet/shellfleet/internal/validator"
)

// Config holds all agent configuration.
type Config struct {
	// Connection
	ServerURL   string // coordinator WebSocket URL (ws:// or wss://)
	Token       string // agent authentication token
	ValidateTLS bool   // verify the coordinator certificate on wss://

	// Liveness
	ReconnectInitial time.Duration // first reconnect delay
	ReconnectCap     time.Duration // reconnect delay ceiling
	PingInterval     time.Duration // keep-alive interval

	// Policy (identical shape to the server side)
	MaxLength           int
	AllowListEnabled    bool
	AllowList           []string
	AllowShellOperators bool
	MaxTimeoutSeconds   int
	DenyPatterns        []string

	// Result handling
	MaxOutputBytes int

	// Observability
	LogLevel       string
	LogFile        string // empty = stderr only
	LogRotateBytes int
	LogBackups     int
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ValidateTLS:         true,
		ReconnectInitial:    time.Second,
		ReconnectCap:        60 * time.Second,
		PingInterval:        30 * time.Second,
		MaxLength:           1000,
		AllowShellOperators: true,
		MaxTimeoutSeconds:   300,
		MaxOutputBytes:      1 << 20,
		LogLevel:            "info",
		LogRotateBytes:      10 << 20,
		LogBackups:          3,
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.ServerURL = os.Getenv("SHELLFLEET_AGENT_URL")
	if cfg.ServerURL == "" {
		return nil, errors.New("SHELLFLEET_AGENT_URL is required")
	}
	cfg.Token = os.Getenv("SHELLFLEET_AGENT_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("SHELLFLEET_AGENT_TOKEN is required")
	}

	// Optional
	cfg.ValidateTLS = parseBool("SHELLFLEET_AGENT_VALIDATE_TLS", cfg.ValidateTLS)
	cfg.ReconnectInitial = parseDuration("SHELLFLEET_AGENT_RECONNECT_INITIAL", cfg.ReconnectInitial)
	cfg.ReconnectCap = parseDuration("SHELLFLEET_AGENT_RECONNECT_CAP", cfg.ReconnectCap)
	cfg.PingInterval = parseDuration("SHELLFLEET_AGENT_PING_INTERVAL", cfg.PingInterval)

	cfg.MaxLength = parseInt("SHELLFLEET_AGENT_MAX_LENGTH", cfg.MaxLength)
	cfg.AllowListEnabled = parseBool("SHELLFLEET_AGENT_ALLOW_LIST_ENABLED", cfg.AllowListEnabled)
	cfg.AllowList = parseList(os.Getenv("SHELLFLEET_AGENT_ALLOW_LIST"))
	cfg.AllowShellOperators = parseBool("SHELLFLEET_AGENT_ALLOW_SHELL_OPERATORS", cfg.AllowShellOperators)
	cfg.MaxTimeoutSeconds = parseInt("SHELLFLEET_AGENT_MAX_TIMEOUT", cfg.MaxTimeoutSeconds)
	cfg.DenyPatterns = parseList(os.Getenv("SHELLFLEET_AGENT_DENY_PATTERNS"))
	cfg.MaxOutputBytes = parseInt("SHELLFLEET_AGENT_MAX_OUTPUT_BYTES", cfg.MaxOutputBytes)

	cfg.LogLevel = getEnv("SHELLFLEET_AGENT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = os.Getenv("SHELLFLEET_AGENT_LOG_FILE")
	cfg.LogRotateBytes = parseInt("SHELLFLEET_AGENT_LOG_ROTATE_BYTES", cfg.LogRotateBytes)
	cfg.LogBackups = parseInt("SHELLFLEET_AGENT_LOG_BACKUPS", cfg.LogBackups)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return errors.New("server URL must start with ws:// or wss://")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.PingInterval < time.Second {
		return errors.New("ping interval must be at least 1 second")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectCap < c.ReconnectInitial {
		return errors.New("reconnect delays must be positive and capped above the initial delay")
	}
	return nil
}

// Policy builds the local validator policy. The agent re-validates every
// received command against it before executing.
func (c *Config) Policy() (*validator.Policy, error) {
	return validator.NewPolicy(c.MaxLength, c.AllowListEnabled, c.AllowList,
		c.AllowShellOperators, c.MaxTimeoutSeconds, c.DenyPatterns)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
