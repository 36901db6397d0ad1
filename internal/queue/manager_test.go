package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwl/asyncrelay/internal/classify"
	"github.com/bwl/asyncrelay/internal/metrics"
	"github.com/bwl/asyncrelay/internal/upstream"
)

// fakeClient is a scriptable upstream.Client for deterministic tests.
type fakeClient struct {
	mu    sync.Mutex
	calls int32

	// handler decides the outcome for each call, by call index (0-based).
	handler func(callIndex int, payload json.RawMessage) (*upstream.Result, error)
}

func (f *fakeClient) ChatCompletions(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*upstream.Result, error) {
	idx := int(atomic.AddInt32(&f.calls, 1)) - 1
	if f.handler != nil {
		return f.handler(idx, payload)
	}
	return &upstream.Result{AssistantText: "ok"}, nil
}

func (f *fakeClient) Health(ctx context.Context) (*upstream.HealthResult, error) {
	return &upstream.HealthResult{OK: true}, nil
}

func validPayload(model string) json.RawMessage {
	return json.RawMessage(`{"model":"` + model + `","messages":[{"role":"user","content":"hi"}]}`)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition did not become true within %s", timeout)
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	t.Parallel()
	m := New(DefaultConfig(), &fakeClient{}, metrics.New(0))
	_, err := m.Submit(SubmitRequest{Payload: []byte(`{"model":"x"}`)})
	require.NotNil(t, err)
	assert.Equal(t, classify.CodeInvalidRequest, err.Code)
}

func TestSubmitBackpressure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	cfg.MaxQueueDepth = 1

	block := make(chan struct{})
	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		<-block
		return &upstream.Result{AssistantText: "ok"}, nil
	}}
	m := New(cfg, client, metrics.New(0))

	_, err := m.Submit(SubmitRequest{Payload: validPayload("m1"), Priority: "interactive"})
	require.Nil(t, err)

	waitUntil(t, time.Second, func() bool {
		s, _ := m.Status(firstJobID(m))
		return s == StatusRunning
	})

	_, err2 := m.Submit(SubmitRequest{Payload: validPayload("m2")})
	require.NotNil(t, err2)
	assert.Equal(t, classify.CodeQueueBackpressure, err2.Code)

	close(block)
}

func firstJobID(m *Manager) string {
	var id string
	m.jobs.Each(func(k string, v *job) {
		if id == "" {
			id = k
		}
	})
	return id
}

func TestSubmitCompletesSuccessfully(t *testing.T) {
	t.Parallel()

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		return &upstream.Result{AssistantText: "hello world", ModelPath: "claude-3"}, nil
	}}
	m := New(DefaultConfig(), client, metrics.New(0))

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("claude-3")})
	require.Nil(t, err)

	waitUntil(t, time.Second, func() bool {
		_, ok := m.Result(sub.JobID)
		return ok
	})

	env, ok := m.Result(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, string(StatusCompleted), env.Status)
	assert.Equal(t, "hello world", env.Result.AssistantText)
}

func TestInteractivePrecedesBatchUnderSingleInFlight(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxInFlight = 1

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		if idx == 0 {
			<-release
		}
		mu.Lock()
		model := ""
		if v, err := parseModel(payload); err == nil {
			model = v
		}
		order = append(order, model)
		mu.Unlock()
		return &upstream.Result{AssistantText: "ok"}, nil
	}}

	m := New(cfg, client, metrics.New(0))

	_, err := m.Submit(SubmitRequest{Payload: validPayload("blocker"), Priority: "interactive"})
	require.Nil(t, err)

	waitUntil(t, time.Second, func() bool {
		s, _ := m.Status(firstJobID(m))
		return s == StatusRunning
	})

	_, err = m.Submit(SubmitRequest{Payload: validPayload("batch-job"), Priority: "batch"})
	require.Nil(t, err)
	_, err = m.Submit(SubmitRequest{Payload: validPayload("interactive-job"), Priority: "interactive"})
	require.Nil(t, err)

	close(release)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "interactive-job", order[1])
	assert.Equal(t, "batch-job", order[2])
}

func parseModel(payload json.RawMessage) (string, error) {
	var v struct {
		Model string `json:"model"`
	}
	err := json.Unmarshal(payload, &v)
	return v.Model, err
}

func TestRetryThenSucceed(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelayMs = 1

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		if idx == 0 {
			return nil, &classify.UpstreamError{Name: "RequestTimeoutError", Message: "context deadline exceeded"}
		}
		return &upstream.Result{AssistantText: "recovered"}, nil
	}}
	m := New(cfg, client, metrics.New(0))

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := m.Result(sub.JobID)
		return ok
	})

	env, _ := m.Result(sub.JobID)
	assert.Equal(t, string(StatusCompleted), env.Status)
}

func TestCancelDuringBackoffWindowIsNotResurrected(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelayMs = 200

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		return nil, &classify.UpstreamError{StatusCode: 503, Message: "unavailable"}
	}}
	m := New(cfg, client, metrics.New(0))

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)

	waitUntil(t, time.Second, func() bool {
		s, _ := m.Status(sub.JobID)
		return s == StatusRetrying
	})

	res := m.Cancel(sub.JobID)
	assert.True(t, res.Cancelled)
	assert.Equal(t, StatusCancelled, res.Status)

	env, ok := m.Result(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, string(StatusCancelled), env.Status)

	// Let the armed backoff timer fire. It must see cancelRequested and bail
	// instead of resurrecting the job and overwriting the cached envelope.
	time.Sleep(time.Duration(cfg.Retry.BaseDelayMs*2) * time.Millisecond)

	env, ok = m.Result(sub.JobID)
	require.True(t, ok)
	assert.Equal(t, string(StatusCancelled), env.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls))

	_, stillActive := m.jobs.Get(sub.JobID)
	assert.False(t, stillActive, "finalized job must not remain in the active job map")
}

func TestFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseDelayMs = 1

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		return nil, &classify.UpstreamError{StatusCode: 503, Message: "down"}
	}}
	m := New(cfg, client, metrics.New(0))

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)

	waitUntil(t, 2*time.Second, func() bool {
		_, ok := m.Result(sub.JobID)
		return ok
	})

	env, _ := m.Result(sub.JobID)
	assert.Equal(t, string(StatusFailed), env.Status)
	assert.Equal(t, classify.CodeUpstreamUnavailable, env.Error.Code)
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MaxInFlight = 1

	block := make(chan struct{})
	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		<-block
		return &upstream.Result{AssistantText: "ok"}, nil
	}}
	m := New(cfg, client, metrics.New(0))

	_, err := m.Submit(SubmitRequest{Payload: validPayload("running")})
	require.Nil(t, err)
	waitUntil(t, time.Second, func() bool {
		s, _ := m.Status(firstJobID(m))
		return s == StatusRunning
	})

	sub2, err := m.Submit(SubmitRequest{Payload: validPayload("queued")})
	require.Nil(t, err)

	res := m.Cancel(sub2.JobID)
	assert.True(t, res.Cancelled)
	assert.False(t, res.Running)
	assert.Equal(t, StatusCancelled, res.Status)

	close(block)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	m := New(DefaultConfig(), &fakeClient{}, metrics.New(0))
	res := m.Cancel("job-does-not-exist")
	assert.False(t, res.Cancelled)
	assert.Equal(t, classify.CodeJobNotFound, res.Code)
}

func TestCancelRunningJobIsIdempotent(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		<-block
		return &upstream.Result{AssistantText: "ok"}, nil
	}}
	m := New(DefaultConfig(), client, metrics.New(0))

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)
	waitUntil(t, time.Second, func() bool {
		s, _ := m.Status(sub.JobID)
		return s == StatusRunning
	})

	r1 := m.Cancel(sub.JobID)
	r2 := m.Cancel(sub.JobID)
	assert.True(t, r1.Running)
	assert.True(t, r2.Running)
	assert.Equal(t, Status("cancel_requested"), r1.Status)

	close(block)
}

func TestRunInlineTimesOutWithoutCancellingJob(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		<-block
		return &upstream.Result{AssistantText: "late"}, nil
	}}
	m := New(DefaultConfig(), client, metrics.New(0))

	_, apiErr := m.RunInline(context.Background(), SubmitRequest{Payload: validPayload("x")}, 20*time.Millisecond)
	require.NotNil(t, apiErr)
	assert.Equal(t, classify.CodeUpstreamTimeout, apiErr.Code)

	id := firstJobID(m)
	s, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, s)

	close(block)
}

func TestSnapshotReflectsDepth(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		<-block
		return &upstream.Result{}, nil
	}}
	cfg := DefaultConfig()
	cfg.MaxInFlight = 1
	m := New(cfg, client, metrics.New(0))

	_, _ = m.Submit(SubmitRequest{Payload: validPayload("a"), Priority: "interactive"})
	waitUntil(t, time.Second, func() bool { return m.Snapshot().Running == 1 })

	_, _ = m.Submit(SubmitRequest{Payload: validPayload("b"), Priority: "batch"})

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.Running)
	assert.Equal(t, 1, snap.Depth.Total)
	assert.Equal(t, 1, snap.Depth.ByPriority.Batch)

	close(block)
}

func TestSnapshotRecordsLastError(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Retry.MaxAttempts = 1

	client := &fakeClient{handler: func(idx int, payload json.RawMessage) (*upstream.Result, error) {
		return nil, &classify.UpstreamError{StatusCode: 401, Message: "missing credentials"}
	}}
	m := New(cfg, client, metrics.New(0))

	_, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)

	waitUntil(t, time.Second, func() bool { return m.Snapshot().LastError != "" })
	assert.Contains(t, m.Snapshot().LastError, "UPSTREAM_LOGIN_REQUIRED")
}

func TestSubscribeReceivesJobFinal(t *testing.T) {
	t.Parallel()

	m := New(DefaultConfig(), &fakeClient{}, metrics.New(0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := m.Subscribe(ctx)

	sub, err := m.Submit(SubmitRequest{Payload: validPayload("x")})
	require.Nil(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, sub.JobID, ev.Payload.JobID)
		assert.Equal(t, string(StatusCompleted), ev.Payload.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job.final event")
	}
}
