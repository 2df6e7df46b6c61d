package config_test

import (
	"testing"

	"github.com/mindburn-labs/substrate/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL",
		"MAX_EVENTS_PER_RUN", "MAX_BYTES_PER_RUN",
		"SSE_HEARTBEAT_SECONDS", "SSE_MAX_REPLAY",
		"ALLOW_REMOTE_MCP", "NOTIFY_TOOL_ERRORS_ONLY_CODES",
	} {
		t.Setenv(k, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Contains(t, cfg.DatabaseURL, "localhost")
	assert.Equal(t, int64(10000), cfg.MaxEventsPerRun)
	assert.Equal(t, int64(64<<20), cfg.MaxBytesPerRun)
	assert.Equal(t, 15, cfg.SSEHeartbeatSeconds)
	assert.Equal(t, 500, cfg.SSEMaxReplay)
	assert.False(t, cfg.AllowRemoteMCP)
	assert.Nil(t, cfg.NotifyToolErrorsOnlyCodes)
	assert.True(t, cfg.NotifyToolErrors)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("MAX_EVENTS_PER_RUN", "42")
	t.Setenv("SSE_MAX_DURATION_SECONDS", "60")
	t.Setenv("ALLOW_REMOTE_MCP", "true")
	t.Setenv("NOTIFY_TOOL_ERRORS_ONLY_CODES", "TIMEOUT, MCP_ERROR")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, int64(42), cfg.MaxEventsPerRun)
	assert.Equal(t, 60, cfg.SSEMaxDurationSeconds)
	assert.True(t, cfg.AllowRemoteMCP)
	assert.Equal(t, []string{"TIMEOUT", "MCP_ERROR"}, cfg.NotifyToolErrorsOnlyCodes)
}

func TestSSEHeartbeat_ConvertsToDuration(t *testing.T) {
	cfg := config.Load()
	cfg.SSEHeartbeatSeconds = 15
	assert.Equal(t, 15*1e9, float64(cfg.SSEHeartbeat()))
}
