package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-sourced configuration surface for the
// run substrate: quota ceilings, SSE tunables, notification throttles,
// session TTLs, artifact limits, and operational network/storage roots.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string

	MaxEventsPerRun int64
	MaxBytesPerRun  int64

	SSEHeartbeatSeconds     int
	SSEPollIntervalSeconds  int
	SSEMaxReplay            int
	SSEMaxDurationSeconds   int
	SSEIdleTimeoutSeconds   int
	SSEMaxConcurrentPerUser int

	NotifyToolErrors             bool
	NotifyToolErrorsOnlyCodes    []string
	NotifyToolErrorsOnlyBindings []string
	NotifyToolErrorsMaxPerRun    int

	SessionTTLSeconds           int
	SessionSlidingEnabled       bool
	SessionSlidingWindowSeconds int

	ArtifactMaxBytes int64
	ArtifactPartSize int64

	AllowRemoteMCP bool
	WorkspaceRoot  string
	RegistryRoot   string
}

// Load reads Config from the environment, falling back to safe
// development defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://substrate@localhost:5433/substrate?sslmode=disable"),

		MaxEventsPerRun: getEnvInt64("MAX_EVENTS_PER_RUN", 10000),
		MaxBytesPerRun:  getEnvInt64("MAX_BYTES_PER_RUN", 64<<20),

		SSEHeartbeatSeconds:     getEnvInt("SSE_HEARTBEAT_SECONDS", 15),
		SSEPollIntervalSeconds:  getEnvInt("SSE_POLL_INTERVAL_SECONDS", 1),
		SSEMaxReplay:            getEnvInt("SSE_MAX_REPLAY", 500),
		SSEMaxDurationSeconds:   getEnvInt("SSE_MAX_DURATION_SECONDS", 3600),
		SSEIdleTimeoutSeconds:   getEnvInt("SSE_IDLE_TIMEOUT_SECONDS", 300),
		SSEMaxConcurrentPerUser: getEnvInt("SSE_MAX_CONCURRENT_PER_USER", 4),

		NotifyToolErrors:             getEnvBool("NOTIFY_TOOL_ERRORS", true),
		NotifyToolErrorsOnlyCodes:    getEnvList("NOTIFY_TOOL_ERRORS_ONLY_CODES"),
		NotifyToolErrorsOnlyBindings: getEnvList("NOTIFY_TOOL_ERRORS_ONLY_BINDINGS"),
		NotifyToolErrorsMaxPerRun:    getEnvInt("NOTIFY_TOOL_ERRORS_MAX_PER_RUN", 20),

		SessionTTLSeconds:           getEnvInt("SESSION_TTL_SECONDS", 86400),
		SessionSlidingEnabled:       getEnvBool("SESSION_SLIDING_ENABLED", true),
		SessionSlidingWindowSeconds: getEnvInt("SESSION_SLIDING_WINDOW_SECONDS", 3600),

		ArtifactMaxBytes: getEnvInt64("ARTIFACT_MAX_BYTES", 256<<20),
		ArtifactPartSize: getEnvInt64("ARTIFACT_PART_SIZE", 8<<20),

		AllowRemoteMCP: getEnvBool("ALLOW_REMOTE_MCP", false),
		WorkspaceRoot:  getEnv("WORKSPACE_ROOT", "/var/lib/substrate/workspaces"),
		RegistryRoot:   getEnv("REGISTRY_ROOT", "/var/lib/substrate/registry"),
	}
}

func (c *Config) SSEHeartbeat() time.Duration {
	return time.Duration(c.SSEHeartbeatSeconds) * time.Second
}
func (c *Config) SSEPollInterval() time.Duration {
	return time.Duration(c.SSEPollIntervalSeconds) * time.Second
}
func (c *Config) SSEMaxDuration() time.Duration {
	return time.Duration(c.SSEMaxDurationSeconds) * time.Second
}
func (c *Config) SSEIdleTimeout() time.Duration {
	return time.Duration(c.SSEIdleTimeoutSeconds) * time.Second
}
func (c *Config) SessionTTL() time.Duration { return time.Duration(c.SessionTTLSeconds) * time.Second }

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvList parses a comma-separated environment variable, returning nil
// (no filter applied) when unset.
func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
