package queue

import (
	"sync"
	"time"

	"github.com/bwl/asyncrelay/internal/classify"
	"github.com/bwl/asyncrelay/internal/state"
)

// signalBoard is the mutex-guarded holder of the four monotonic "until"
// deadlines. A dedicated type (rather than plain fields on Manager) keeps
// the gate computation and the per-code update rule in one place.
type signalBoard struct {
	mu      sync.Mutex
	signals state.Signals
}

// apply updates the deadline associated with code, if any. Codes without a
// cooldown mapping are a no-op.
func (b *signalBoard) apply(code classify.Code, now time.Time, cfg CooldownConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch code {
	case classify.CodeUpstreamLogin:
		b.signals.AuthRequiredUntil = maxI64(b.signals.AuthRequiredUntil, now.Add(cfg.AuthRequiredMs).UnixMilli())
	case classify.CodeUpstreamChallenge:
		b.signals.ChallengeUntil = maxI64(b.signals.ChallengeUntil, now.Add(cfg.ChallengeMs).UnixMilli())
	case classify.CodeUpstreamRateLimit:
		b.signals.RateLimitedUntil = maxI64(b.signals.RateLimitedUntil, now.Add(cfg.RateLimitedMs).UnixMilli())
	case classify.CodeUpstreamUnavailable:
		b.signals.DegradedUntil = maxI64(b.signals.DegradedUntil, now.Add(cfg.DegradedMs).UnixMilli())
	}
}

// gate returns the maximum of the four deadlines, in unix ms.
func (b *signalBoard) gate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maxI64(maxI64(b.signals.AuthRequiredUntil, b.signals.ChallengeUntil), maxI64(b.signals.RateLimitedUntil, b.signals.DegradedUntil))
}

// snapshot returns a copy of the current signal deadlines.
func (b *signalBoard) snapshot() state.Signals {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
