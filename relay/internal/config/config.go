package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application-level settings.
type Config struct {
	// Server
	ServerAddr string // HTTP API and agent WebSocket
	MCPAddr    string // MCP streamable HTTP endpoint, empty disables it

	// Task
	TaskWaitTimeout time.Duration // deadline for one draw task

	// Redis result cache (disabled when RedisAddr is empty)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// Task log. "sqlite:<path>" selects the embedded driver; anything else is
	// a PostgreSQL DSN. Empty disables the log.
	DatabaseDSN string

	// Controller Authentication
	APIKeyHash string // bcrypt hash of the accepted bearer key, empty disables auth

	// Agent Authentication
	AgentVerifyKey string // ED25519 public key (Base64 encoded), empty accepts any agent

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ServerAddr:      envOr("SERVER_ADDR", ":8080"),
		MCPAddr:         envOr("MCP_ADDR", ":8000"),
		TaskWaitTimeout: envDurationOr("TASK_WAIT_TIMEOUT", 90*time.Second),
		RedisAddr:       envOr("REDIS_ADDR", ""),
		RedisPassword:   envOr("REDIS_PASSWORD", ""),
		RedisDB:         envIntOr("REDIS_DB", 0),
		CacheTTL:        envDurationOr("CACHE_TTL", 24*time.Hour),
		DatabaseDSN:     envOr("DATABASE_DSN", ""),
		APIKeyHash:      envOr("API_KEY_HASH", ""),
		AgentVerifyKey:  envOr("AGENT_VERIFY_KEY", ""),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
	}
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
