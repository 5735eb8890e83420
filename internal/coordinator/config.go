// Package coordinator implements the central server: agent sessions, the
// per-agent queue engine, and the REST surface.
package coordinator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shellfleet/shellfleet/internal/validator"
)

// Config holds coordinator configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	TLSCert    string
	TLSKey     string

	// Store
	StorePath            string
	HistoryRetentionDays int

	// Agent authentication. Tokens maps token → agent_id; TokenSecret, when
	// set, derives agent ids for unlisted tokens via a keyed hash.
	Tokens      map[string]string
	TokenSecret string

	// Queueing
	MaxQueueSize int
	MaxInFlight  int

	// Liveness
	PingInterval time.Duration
	Grace        time.Duration

	// Result handling
	MaxOutputBytes int

	// Policy (identical shape on the agent side)
	MaxLength           int
	AllowListEnabled    bool
	AllowList           []string
	AllowShellOperators bool
	MaxTimeoutSeconds   int
	DenyPatterns        []string

	// Observability
	LogLevel string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:           getEnv("SHELLFLEET_LISTEN", ":8000"),
		TLSCert:              os.Getenv("SHELLFLEET_TLS_CERT"),
		TLSKey:               os.Getenv("SHELLFLEET_TLS_KEY"),
		StorePath:            getEnv("SHELLFLEET_DB_PATH", "shellfleet.db"),
		HistoryRetentionDays: parseInt("SHELLFLEET_RETENTION_DAYS", 30),
		Tokens:               parseTokens(os.Getenv("SHELLFLEET_TOKENS")),
		TokenSecret:          os.Getenv("SHELLFLEET_TOKEN_SECRET"),
		MaxQueueSize:         parseInt("SHELLFLEET_MAX_QUEUE_SIZE", 100),
		MaxInFlight:          parseInt("SHELLFLEET_MAX_IN_FLIGHT", 8),
		PingInterval:         parseDuration("SHELLFLEET_PING_INTERVAL", 30*time.Second),
		Grace:                parseDuration("SHELLFLEET_GRACE", 5*time.Second),
		MaxOutputBytes:       parseInt("SHELLFLEET_MAX_OUTPUT_BYTES", 1<<20),
		MaxLength:            parseInt("SHELLFLEET_MAX_LENGTH", 1000),
		AllowListEnabled:     parseBool("SHELLFLEET_ALLOW_LIST_ENABLED", false),
		AllowList:            parseList(os.Getenv("SHELLFLEET_ALLOW_LIST")),
		AllowShellOperators:  parseBool("SHELLFLEET_ALLOW_SHELL_OPERATORS", true),
		MaxTimeoutSeconds:    parseInt("SHELLFLEET_MAX_TIMEOUT", 300),
		DenyPatterns:         parseList(os.Getenv("SHELLFLEET_DENY_PATTERNS")),
		LogLevel:             getEnv("SHELLFLEET_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Tokens) == 0 && c.TokenSecret == "" {
		errs = append(errs, "SHELLFLEET_TOKENS or SHELLFLEET_TOKEN_SECRET is required")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, "SHELLFLEET_TLS_CERT and SHELLFLEET_TLS_KEY must be set together")
	}
	if c.Grace < time.Second {
		errs = append(errs, "SHELLFLEET_GRACE must be at least 1s")
	}
	if c.PingInterval < time.Second {
		errs = append(errs, "SHELLFLEET_PING_INTERVAL must be at least 1s")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Policy builds the validator policy from the configured fields.
func (c *Config) Policy() (*validator.Policy, error) {
	return validator.NewPolicy(c.MaxLength, c.AllowListEnabled, c.AllowList,
		c.AllowShellOperators, c.MaxTimeoutSeconds, c.DenyPatterns)
}

// AgentIDForToken maps an authenticating token to its agent identity. The
// explicit token map wins; unlisted tokens fall back to a keyed hash of the
// token when a secret is configured. Distinct unlisted tokens derive distinct
// ids; the explicit map is used as configured and may give several tokens the
// same agent id.
func (c *Config) AgentIDForToken(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if id, ok := c.Tokens[token]; ok {
		return id, true
	}
	if c.TokenSecret != "" {
		mac := hmac.New(sha256.New, []byte(c.TokenSecret))
		mac.Write([]byte(token))
		return hex.EncodeToString(mac.Sum(nil))[:16], true
	}
	return "", false
}

// KnownAgentIDs returns the agent ids named by the token map, so they can be
// seeded into the store at startup and targeted before their first connect.
func (c *Config) KnownAgentIDs() []string {
	seen := make(map[string]struct{}, len(c.Tokens))
	ids := make([]string, 0, len(c.Tokens))
	for _, id := range c.Tokens {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// parseTokens parses "token:agent_id" pairs separated by commas.
func parseTokens(v string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, agentID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || agentID == "" {
			continue
		}
		tokens[token] = agentID
	}
	return tokens
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
