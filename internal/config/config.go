// Package config loads the relay core's runtime configuration once, at
// startup, from environment variables. There is no file-based config and no
// CLI flag parsing: operator changes require a restart, matching the "no
// global mutable config at runtime" design note in spec.md §9.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every setting the relay core itself reads. Collaborator-owned
// settings (scheduler ranking weights, OAuth client IDs, ingress auth) live
// with their owners, not here.
type Config struct {
	// Demo HTTP front end (cmd/relaycore)
	Host string
	Port int

	// KV backend selection: memory | sqlite | redis
	KVBackend     string
	KVSQLitePath  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Claude API
	ClaudeAPIURL     string
	ClaudeAPIVersion string
	ClaudeBetaHeader string
	SystemPrompt     string

	// Proxy defaults
	ProxyUseIPv4 bool

	// Overload handling: minutes an account is marked overloaded after a
	// 529; zero disables the mark entirely (spec §4.6).
	OverloadHandlingEnabledMinutes int

	// Cache-control budget enforced by the preparer.
	MaxCacheControls int

	// Request
	RequestTimeout time.Duration

	// Pricing table location (JSON on disk, keyed by full model name).
	PricingTablePath string

	// Optional request-dump archival, gated by log level.
	LogLevel       string
	DumpRequests   bool
	DumpDir        string
	DumpEncryptKey string // if set, dumps are encrypted at rest (see internal/dump)
}

// Load reads configuration from the environment, applying the module's
// documented defaults.
func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		KVBackend:     envOr("KV_BACKEND", "memory"),
		KVSQLitePath:  envOr("KV_SQLITE_PATH", "./relaycore_kv.db"),
		RedisAddr:     envOr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		ClaudeAPIURL:     envOr("CLAUDE_API_URL", "https://api.anthropic.com/v1/messages"),
		ClaudeAPIVersion: envOr("CLAUDE_API_VERSION", "2023-06-01"),
		ClaudeBetaHeader: envOr("CLAUDE_BETA_HEADER", "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"),
		SystemPrompt:     os.Getenv("RELAY_SYSTEM_PROMPT"),

		ProxyUseIPv4: envBool("PROXY_USE_IPV4", true),

		OverloadHandlingEnabledMinutes: envInt("OVERLOAD_HANDLING_MINUTES", 5),
		MaxCacheControls:               envInt("MAX_CACHE_CONTROLS", 4),

		RequestTimeout: envDurationSeconds("REQUEST_TIMEOUT_SECONDS", 30),

		PricingTablePath: envOr("PRICING_TABLE_PATH", "./model_pricing.json"),

		LogLevel:       envOr("LOG_LEVEL", "info"),
		DumpRequests:   envBool("DUMP_REQUESTS", false),
		DumpDir:        envOr("DUMP_DIR", "./logs/dumps"),
		DumpEncryptKey: os.Getenv("DUMP_ENCRYPT_KEY"),
	}
}

// Validate fails fast on settings that would make the relay unusable.
func (c *Config) Validate() error {
	if c.ClaudeAPIURL == "" {
		return errMissing("CLAUDE_API_URL")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallbackSeconds int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(fallbackSeconds) * time.Second
}
