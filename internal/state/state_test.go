package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveReadyWhenNoSignals(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 1000, ConnectivityOK: true})
	assert.Equal(t, StateReady, r.State)
	assert.Empty(t, r.Reasons)
}

func TestResolveAuthRequiredPrecedesDegraded(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{
		NowMs:          1000,
		ConnectivityOK: false,
		Signals:        Signals{AuthRequiredUntil: 11000},
	})
	assert.Equal(t, StateAuthRequired, r.State)
	assert.Equal(t, []string{ReasonAuthRequiredSignal}, r.Reasons)
}

func TestResolveChallengePrecedesRateLimited(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{
		NowMs:   1000,
		Signals: Signals{ChallengeUntil: 5000, RateLimitedUntil: 5000},
	})
	assert.Equal(t, StateChallenge, r.State)
}

func TestResolveRateLimitedPrecedesDegraded(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{
		NowMs:          1000,
		ConnectivityOK: false,
		Signals:        Signals{RateLimitedUntil: 5000},
	})
	assert.Equal(t, StateRateLimited, r.State)
}

func TestResolveDegradedFromConnectivity(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 1000, ConnectivityOK: false})
	assert.Equal(t, StateDegraded, r.State)
	assert.Equal(t, []string{ReasonConnectivityFailed}, r.Reasons)
}

func TestResolveDegradedFromCooldown(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 1000, ConnectivityOK: true, Signals: Signals{DegradedUntil: 5000}})
	assert.Equal(t, StateDegraded, r.State)
	assert.Equal(t, []string{ReasonDegradedCooldown}, r.Reasons)
}

func TestResolveDegradedBothReasons(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 1000, ConnectivityOK: false, Signals: Signals{DegradedUntil: 5000}})
	assert.Equal(t, StateDegraded, r.State)
	assert.Equal(t, []string{ReasonConnectivityFailed, ReasonDegradedCooldown}, r.Reasons)
}

func TestResolveEchoesQueueDepthAndErrorRate(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 1, QueueDepth: 7, ErrorRate: 0.25, ConnectivityOK: true})
	assert.Equal(t, 7, r.QueueDepth)
	assert.Equal(t, 0.25, r.ErrorRate)
}

func TestResolveExpiredSignalsIgnored(t *testing.T) {
	t.Parallel()
	r := Resolve(Input{NowMs: 6000, ConnectivityOK: true, Signals: Signals{AuthRequiredUntil: 5000, ChallengeUntil: 5000}})
	assert.Equal(t, StateReady, r.State)
}
