package queue

import "time"

const (
	minAuthCooldown      = time.Second
	minChallengeCooldown = time.Second
	minRateCooldown      = time.Second
	minDegradedCooldown  = time.Second

	dispatchRescheduleFloor = 50 * time.Millisecond
)

// RetryPolicy controls attempt limits and backoff timing.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelayMs  int64
	MaxDelayMs   int64
}

// CooldownConfig controls how long each signal kind suppresses dispatch.
type CooldownConfig struct {
	AuthRequiredMs time.Duration
	ChallengeMs    time.Duration
	RateLimitedMs  time.Duration
	DegradedMs     time.Duration
}

// Config is the queue manager's full configuration, with floors applied by
// Normalize (which New calls) rather than left to the caller.
type Config struct {
	MaxInFlight   int
	MaxQueueDepth int
	Retry         RetryPolicy
	Cooldown      CooldownConfig
}

// DefaultConfig mirrors the documented environment-variable defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:   1,
		MaxQueueDepth: 120,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			BaseDelayMs: 1500,
			MaxDelayMs:  45000,
		},
		Cooldown: CooldownConfig{
			AuthRequiredMs: 300 * time.Second,
			ChallengeMs:    90 * time.Second,
			RateLimitedMs:  45 * time.Second,
			DegradedMs:     15 * time.Second,
		},
	}
}

// Normalize applies the documented floors in place.
func (c *Config) Normalize() {
	if c.MaxInFlight < 1 {
		c.MaxInFlight = 1
	}
	if c.MaxQueueDepth < 1 {
		c.MaxQueueDepth = 1
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = 1
	}
	if c.Retry.BaseDelayMs < 0 {
		c.Retry.BaseDelayMs = 0
	}
	if c.Retry.MaxDelayMs < 100 {
		c.Retry.MaxDelayMs = 100
	}
	if c.Cooldown.AuthRequiredMs < minAuthCooldown {
		c.Cooldown.AuthRequiredMs = minAuthCooldown
	}
	if c.Cooldown.ChallengeMs < minChallengeCooldown {
		c.Cooldown.ChallengeMs = minChallengeCooldown
	}
	if c.Cooldown.RateLimitedMs < minRateCooldown {
		c.Cooldown.RateLimitedMs = minRateCooldown
	}
	if c.Cooldown.DegradedMs < minDegradedCooldown {
		c.Cooldown.DegradedMs = minDegradedCooldown
	}
}
