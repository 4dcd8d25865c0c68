package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SERVER_ADDR", "MCP_ADDR", "TASK_WAIT_TIMEOUT", "REDIS_ADDR", "CACHE_TTL", "DATABASE_DSN", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, ":8000", cfg.MCPAddr)
	assert.Equal(t, 90*time.Second, cfg.TaskWaitTimeout)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.DatabaseDSN)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("TASK_WAIT_TIMEOUT", "5s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DATABASE_DSN", "sqlite:relay.db")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.ServerAddr)
	assert.Equal(t, 5*time.Second, cfg.TaskWaitTimeout)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, "sqlite:relay.db", cfg.DatabaseDSN)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TASK_WAIT_TIMEOUT", "soon")
	t.Setenv("REDIS_DB", "x")

	cfg := Load()
	assert.Equal(t, 90*time.Second, cfg.TaskWaitTimeout)
	assert.Equal(t, 0, cfg.RedisDB)
}
