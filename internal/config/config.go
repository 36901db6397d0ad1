// Package config parses the sidecar's ASYNC_* environment variables into a
// queue.Config, grounded on the pack's plain os.Getenv-plus-slog.Warn idiom
// rather than an env-parsing library, since the teacher's own env surface
// (internal/env) uses exactly this shape for its handful of settings.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/bwl/asyncrelay/internal/queue"
)

// Env is the sidecar's full environment-derived configuration.
type Env struct {
	Queue               queue.Config
	UpstreamBaseURL     string
	UpstreamAPIKey      string
	ReplayReportsDir    string
	ListenAddr          string
	UpstreamHealthRetry bool
}

// Load reads the ASYNC_* (plus sidecar wiring) environment variables,
// applying the documented defaults and floors.
func Load() Env {
	cfg := queue.DefaultConfig()

	cfg.MaxInFlight = int(getIntEnv("ASYNC_MAX_IN_FLIGHT", int64(cfg.MaxInFlight), 1))
	cfg.MaxQueueDepth = int(getIntEnv("ASYNC_QUEUE_MAX_DEPTH", int64(cfg.MaxQueueDepth), 1))
	cfg.Retry.MaxAttempts = int(getIntEnv("ASYNC_RETRY_MAX_ATTEMPTS", int64(cfg.Retry.MaxAttempts), 1))
	cfg.Retry.BaseDelayMs = getIntEnv("ASYNC_RETRY_BASE_MS", cfg.Retry.BaseDelayMs, 0)
	cfg.Retry.MaxDelayMs = getIntEnv("ASYNC_RETRY_MAX_DELAY_MS", cfg.Retry.MaxDelayMs, 100)
	cfg.Cooldown.AuthRequiredMs = time.Duration(getIntEnv("ASYNC_AUTH_COOLDOWN_MS", cfg.Cooldown.AuthRequiredMs.Milliseconds(), 1000)) * time.Millisecond
	cfg.Cooldown.ChallengeMs = time.Duration(getIntEnv("ASYNC_CHALLENGE_COOLDOWN_MS", cfg.Cooldown.ChallengeMs.Milliseconds(), 1000)) * time.Millisecond
	cfg.Cooldown.RateLimitedMs = time.Duration(getIntEnv("ASYNC_RATE_COOLDOWN_MS", cfg.Cooldown.RateLimitedMs.Milliseconds(), 1000)) * time.Millisecond
	cfg.Cooldown.DegradedMs = time.Duration(getIntEnv("ASYNC_DEGRADED_COOLDOWN_MS", cfg.Cooldown.DegradedMs.Milliseconds(), 1000)) * time.Millisecond
	cfg.Normalize()

	return Env{
		Queue:               cfg,
		UpstreamBaseURL:     getStringEnv("ASYNC_UPSTREAM_BASE_URL", "http://localhost:8081"),
		UpstreamAPIKey:      os.Getenv("ASYNC_UPSTREAM_API_KEY"),
		ReplayReportsDir:    getStringEnv("ASYNC_REPLAY_REPORTS_DIR", "replay-reports"),
		ListenAddr:          getStringEnv("ASYNC_LISTEN_ADDR", ":8080"),
		UpstreamHealthRetry: os.Getenv("ASYNC_UPSTREAM_HEALTH_RETRY") != "",
	}
}

func getStringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def, floor int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", raw, "default", def)
		return def
	}
	if v < floor {
		slog.Warn("env var below floor, using default", "key", key, "value", v, "floor", floor, "default", def)
		return def
	}
	return v
}
