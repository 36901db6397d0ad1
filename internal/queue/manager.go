// Package queue implements the scheduler core: priority lanes, admission
// control, dispatch, retry timers, cooldown gating, and cancel semantics.
// Grounded on the worker-pool/retry idiom of internal/volley/scheduler.go,
// narrowed from a parallel worker pool to a cooperative dispatcher: one
// mutex guards the lanes and the running set, while the job map and the
// result cache are concurrent maps with their own locking and the signal
// board carries its own mutex.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/bwl/asyncrelay/internal/classify"
	"github.com/bwl/asyncrelay/internal/csync"
	"github.com/bwl/asyncrelay/internal/envelope"
	"github.com/bwl/asyncrelay/internal/metrics"
	"github.com/bwl/asyncrelay/internal/pubsub"
	"github.com/bwl/asyncrelay/internal/relayerrors"
	"github.com/bwl/asyncrelay/internal/state"
	"github.com/bwl/asyncrelay/internal/upstream"
)

// jobFinalEvent names the single terminal broadcast emitted per job, per the
// event-emission design note: one event after finalize, never a blocking send.
const jobFinalEvent pubsub.EventType = "job.final"

// SubmitRequest is the caller-supplied job submission.
type SubmitRequest struct {
	Payload     json.RawMessage
	Priority    string
	RequestMeta RequestMeta
}

// SubmitResult is submit's fixed-shape return value.
type SubmitResult struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
	Links  Links  `json:"links"`
}

// Links is the set of follow-up URLs a caller can poll.
type Links struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Cancel string `json:"cancel"`
}

// CancelResult is cancel's fixed-shape return value.
type CancelResult struct {
	Cancelled bool        `json:"cancelled"`
	Running   bool        `json:"running"`
	Status    Status      `json:"status,omitempty"`
	JobID     string      `json:"job_id,omitempty"`
	Code      classify.Code `json:"code,omitempty"`
}

// QueueSnapshot is the fixed-shape queue depth/signal projection.
type QueueSnapshot struct {
	MaxInFlight   int           `json:"max_in_flight"`
	MaxQueueDepth int           `json:"max_queue_depth"`
	Running       int           `json:"running"`
	Depth         DepthSnapshot `json:"depth"`
	Signals       state.Signals `json:"signals"`
	LastError     string        `json:"last_error,omitempty"`
}

// DepthSnapshot is the queue-depth breakdown by priority.
type DepthSnapshot struct {
	Total       int `json:"total"`
	ByPriority  ByPriority `json:"by_priority"`
}

// ByPriority breaks a depth count down by lane.
type ByPriority struct {
	Interactive int `json:"interactive"`
	Retry       int `json:"retry"`
	Batch       int `json:"batch"`
}

// Manager is the queue manager: the scheduler core. Mutations to the lanes
// and the running set are serialized behind mu; the job map, the result
// cache, and the signal board are guarded by their own locks.
type Manager struct {
	mu sync.Mutex

	cfg    Config
	client upstream.Client
	store  *metrics.Store

	lanes   lanes
	running map[string]*job
	signals signalBoard

	// sem caps concurrent in-flight jobs at cfg.MaxInFlight. Grounded on the
	// teacher's internal/agent/model_semaphore.go per-model weighted
	// semaphore, narrowed here to a single module-wide budget rather than a
	// generational per-model map since the queue has exactly one budget.
	sem *semaphore.Weighted

	jobs        *csync.Map[string, *job]
	resultCache *csync.Map[string, *envelope.JobEnvelope]

	// events broadcasts one job.final per finalized job. Grounded on
	// internal/pubsub/broker.go, adapted from its generic resource-lifecycle
	// broker to a single-event-type terminal broadcast over JobEnvelope.
	events *pubsub.Broker[*envelope.JobEnvelope]

	// lastError holds the most recent classified-error message, readable
	// from Snapshot without taking mu. Grounded on internal/csync/strings.go.
	lastError *csync.String

	seq int64

	draining   bool
	drainTimer *time.Timer

	clock func() time.Time
}

// New constructs a Manager. cfg is normalized (floors applied) before use.
func New(cfg Config, client upstream.Client, store *metrics.Store) *Manager {
	cfg.Normalize()
	return &Manager{
		cfg:         cfg,
		client:      client,
		store:       store,
		running:     make(map[string]*job),
		sem:         semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		jobs:        csync.NewMap[string, *job](),
		resultCache: csync.NewMap[string, *envelope.JobEnvelope](),
		events:      pubsub.NewBroker[*envelope.JobEnvelope](),
		lastError:   csync.NewString(),
		clock:       time.Now,
	}
}

func (m *Manager) now() time.Time { return m.clock() }

// Submit admits a new job. It never performs the upstream call
// synchronously — it schedules a drain tick and returns immediately.
func (m *Manager) Submit(req SubmitRequest) (*SubmitResult, *classify.APIError) {
	if err := validatePayload(req.Payload); err != nil {
		return nil, err
	}

	m.mu.Lock()

	total, _, _, _ := m.lanes.depth()
	if len(m.running)+total >= m.cfg.MaxQueueDepth {
		m.mu.Unlock()
		return nil, classify.BuildAPIError(classify.CodeQueueBackpressure, 429, "queue is at capacity", true)
	}

	priority := normalizePriority(req.Priority)
	id := m.nextJobID()

	j := &job{
		id:          id,
		payload:     req.Payload,
		model:       gjson.GetBytes(req.Payload, "model").String(),
		priority:    priority,
		status:      StatusQueued,
		queuedAt:    m.now(),
		requestMeta: req.RequestMeta,
	}

	m.lanes.push(priority, j)
	m.jobs.Set(id, j)
	m.mu.Unlock()

	if req.RequestMeta.Aggressive {
		m.store.RecordAggressiveTriggered(req.RequestMeta.FallbackReason)
	}

	m.scheduleDrain(0)

	return &SubmitResult{
		JobID:  id,
		Status: StatusQueued,
		Links: Links{
			Status: "/api/async/status/" + id,
			Result: "/api/async/result/" + id,
			Cancel: "/api/async/cancel/" + id,
		},
	}, nil
}

func (m *Manager) nextJobID() string {
	seq := atomic.AddInt64(&m.seq, 1)
	return fmt.Sprintf("job-%d-%d", m.now().UnixMilli(), seq)
}

func validatePayload(payload json.RawMessage) *classify.APIError {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return classify.BuildAPIError(classify.CodeInvalidRequest, 400, "payload must be a valid JSON object", false)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return classify.BuildAPIError(classify.CodeInvalidRequest, 400, "payload must be a non-null object", false)
	}
	if !root.Get("model").Exists() {
		return classify.BuildAPIError(classify.CodeInvalidRequest, 400, "payload must contain a model identifier", false)
	}
	messages := root.Get("messages")
	if !messages.Exists() || !messages.IsArray() {
		return classify.BuildAPIError(classify.CodeInvalidRequest, 400, "payload must contain a messages sequence", false)
	}
	return nil
}

// scheduleDrain coalesces drain ticks: at most one is scheduled at a time.
func (m *Manager) scheduleDrain(delay time.Duration) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	if delay <= 0 {
		go m.drain()
		return
	}
	m.drainTimer = time.AfterFunc(delay, m.drain)
}

// drain is one dispatch tick: honor the cooldown gate, then start as many
// jobs as the in-flight budget allows, in interactive > retry > batch order.
func (m *Manager) drain() {
	m.mu.Lock()
	m.draining = false

	gate := m.signals.gate()
	nowMs := m.now().UnixMilli()
	if gate > nowMs {
		m.mu.Unlock()
		wait := time.Duration(gate-nowMs) * time.Millisecond
		if wait < dispatchRescheduleFloor {
			wait = dispatchRescheduleFloor
		}
		m.scheduleDrain(wait)
		return
	}

	var toStart []*job
	for m.sem.TryAcquire(1) {
		j := m.lanes.popNext()
		if j == nil {
			m.sem.Release(1)
			break
		}
		j.mu.Lock()
		terminal := j.status.terminal()
		j.mu.Unlock()
		if terminal {
			m.sem.Release(1)
			continue
		}

		j.mu.Lock()
		j.status = StatusRunning
		j.startedAt = m.now()
		j.attempts++
		j.abortHandle = &abortHandle{}
		j.mu.Unlock()

		m.running[j.id] = j
		toStart = append(toStart, j)
	}
	m.mu.Unlock()

	for _, j := range toStart {
		go m.runJob(j)
	}
}

// runJob performs the upstream call for a running job and routes the
// outcome to completion or failure handling.
func (m *Manager) runJob(j *job) {
	j.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	j.abortHandle.cancel = cancel
	payload := j.payload
	j.mu.Unlock()
	defer cancel()

	res, err := m.client.ChatCompletions(ctx, payload, 0)
	if err != nil {
		m.handleFailure(j, err)
		return
	}
	m.handleSuccess(j, res)
}

func (m *Manager) handleSuccess(j *job, res *upstream.Result) {
	m.mu.Lock()
	completedAt := m.now()
	j.mu.Lock()
	j.status = StatusCompleted
	j.completedAt = completedAt
	queueWaitMs := float64(j.startedAt.Sub(j.queuedAt).Milliseconds())
	modelMs := float64(completedAt.Sub(j.startedAt).Milliseconds())
	totalMs := float64(completedAt.Sub(j.queuedAt).Milliseconds())
	attempts := j.attempts
	reqMeta := j.requestMeta
	model := j.model
	id := j.id
	priority := j.priority
	j.mu.Unlock()

	env := envelope.Build(envelope.Input{
		JobID:  id,
		Status: string(StatusCompleted),
		RequestMeta: envelope.RequestMeta{
			Model:            model,
			Priority:         string(priority),
			Aggressive:       envelope.Aggressive{Enabled: reqMeta.Aggressive, FallbackReason: reqMeta.FallbackReason, ConfidenceBefore: reqMeta.ConfidenceBefore},
			DomAnchor:        reqMeta.DomAnchor,
			ScreenshotRegion: reqMeta.ScreenshotRegion,
		},
		RawResponse: res.Raw,
		Formatted: &envelope.Formatted{
			AssistantText: res.AssistantText,
			ParsedJSON:    res.ParsedJSON,
			RenderMode:    res.RenderMode,
			RenderedHTML:  res.RenderedHTML,
			ModelPath:     res.ModelPath,
		},
		Timings: envelope.Timings{
			QueuedAt:    j.queuedAt.Format(time.RFC3339Nano),
			StartedAt:   j.startedAt.Format(time.RFC3339Nano),
			CompletedAt: completedAt.Format(time.RFC3339Nano),
		},
		Latency:  envelope.Latency{QueueWaitMs: queueWaitMs, ModelMs: modelMs, TotalMs: totalMs},
		Attempts: attempts,
	})

	j.envelope = env
	delete(m.running, id)
	m.sem.Release(1)
	m.resultCache.Set(id, env)
	m.mu.Unlock()

	m.jobs.Del(id)

	m.store.RecordCompleted(model, queueWaitMs, modelMs, totalMs)
	if diag := env.Result; diag != nil && diag.Diagnostics.Aggressive.ConfidenceDelta != nil && *diag.Diagnostics.Aggressive.ConfidenceDelta > 0 {
		m.store.RecordAggressiveImproved(reqMeta.FallbackReason)
	}

	j.fanout(env)
	m.events.Publish(jobFinalEvent, env)
	m.scheduleDrain(0)
}

func (m *Manager) handleFailure(j *job, upErr error) {
	apiErr := classify.Classify(upErr)
	m.lastError.Store(string(apiErr.Code) + ": " + apiErr.Message)

	m.signals.apply(apiErr.Code, m.now(), m.cfg.Cooldown)

	j.mu.Lock()
	cancelRequested := j.cancelRequested
	attempts := j.attempts
	id := j.id
	model := j.model
	reqMeta := j.requestMeta
	queuedAt := j.queuedAt
	startedAt := j.startedAt
	j.mu.Unlock()

	now := m.now()
	queueWaitMs := float64(startedAt.Sub(queuedAt).Milliseconds())
	totalMs := float64(now.Sub(queuedAt).Milliseconds())

	switch {
	case cancelRequested:
		m.finalizeTerminal(j, StatusCancelled, classify.BuildAPIError(classify.CodeJobCancelled, 409, "job was cancelled", false), queueWaitMs, totalMs, model, reqMeta)

	case apiErr.Retryable && attempts < m.cfg.Retry.MaxAttempts:
		j.mu.Lock()
		j.status = StatusRetrying
		j.mu.Unlock()

		m.mu.Lock()
		delete(m.running, id)
		m.sem.Release(1)
		m.mu.Unlock()

		delay := backoffDelay(m.cfg.Retry, attempts)
		time.AfterFunc(delay, func() { m.requeueForRetry(j) })

	default:
		m.finalizeTerminal(j, StatusFailed, apiErr, queueWaitMs, totalMs, model, reqMeta)
	}

	slog.Debug("job attempt failed", "job_id", id, "code", apiErr.Code, "attempts", attempts)
}

func backoffDelay(policy RetryPolicy, attempts int) time.Duration {
	ms := policy.BaseDelayMs
	for i := 1; i < attempts; i++ {
		ms *= 2
	}
	if ms > policy.MaxDelayMs {
		ms = policy.MaxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}

// requeueForRetry fires from the backoff timer armed in handleFailure. It
// must re-check cancellation under the lock: Cancel may have already
// finalized the job (synthesizing a cancelled envelope) while this job sat
// in the backoff window, in which case resurrecting it here would silently
// overwrite that terminal envelope once it completes again.
func (m *Manager) requeueForRetry(j *job) {
	m.mu.Lock()
	j.mu.Lock()
	if j.cancelRequested || j.status.terminal() {
		j.mu.Unlock()
		m.mu.Unlock()
		return
	}
	j.status = StatusQueued
	j.mu.Unlock()

	m.lanes.push(PriorityRetry, j)
	m.mu.Unlock()

	m.scheduleDrain(0)
}

func (m *Manager) finalizeTerminal(j *job, status Status, apiErr *classify.APIError, queueWaitMs, totalMs float64, model string, reqMeta RequestMeta) {
	m.mu.Lock()
	completedAt := m.now()
	j.mu.Lock()
	j.status = status
	j.completedAt = completedAt
	attempts := j.attempts
	id := j.id
	priority := j.priority
	queuedAt := j.queuedAt
	startedAt := j.startedAt
	j.mu.Unlock()

	env := envelope.Build(envelope.Input{
		JobID:  id,
		Status: string(status),
		RequestMeta: envelope.RequestMeta{
			Model:      model,
			Priority:   string(priority),
			Aggressive: envelope.Aggressive{Enabled: reqMeta.Aggressive, FallbackReason: reqMeta.FallbackReason, ConfidenceBefore: reqMeta.ConfidenceBefore},
		},
		Error: apiErr,
		Timings: envelope.Timings{
			QueuedAt:    queuedAt.Format(time.RFC3339Nano),
			StartedAt:   startedAt.Format(time.RFC3339Nano),
			CompletedAt: completedAt.Format(time.RFC3339Nano),
		},
		Attempts: attempts,
	})

	j.envelope = env
	delete(m.running, id)
	m.sem.Release(1)
	m.resultCache.Set(id, env)
	m.mu.Unlock()

	m.jobs.Del(id)

	if status == StatusFailed {
		m.store.RecordFailed(model, queueWaitMs, totalMs, apiErr.Code)
	}

	j.fanout(env)
	m.events.Publish(jobFinalEvent, env)
	m.scheduleDrain(0)
}

// Cancel implements the four cancel outcomes documented in the spec. The
// queued/retrying branch holds m.mu across the whole status check, lane
// removal, and cancelRequested write (the same m.mu-then-j.mu order
// requeueForRetry uses) so a racing backoff timer can never resurrect a job
// Cancel has already finalized, and vice versa.
func (m *Manager) Cancel(jobID string) *CancelResult {
	j, ok := m.jobs.Get(jobID)
	if !ok {
		return &CancelResult{Cancelled: false, Code: classify.CodeJobNotFound}
	}

	m.mu.Lock()
	j.mu.Lock()
	status := j.status

	switch {
	case status.terminal():
		j.mu.Unlock()
		m.mu.Unlock()
		return &CancelResult{Cancelled: false, Code: "ALREADY_FINAL"}

	case status == StatusRunning:
		alreadyRequested := j.cancelRequested
		j.cancelRequested = true
		handle := j.abortHandle
		j.mu.Unlock()
		m.mu.Unlock()

		if !alreadyRequested {
			handle.trigger()
		}
		return &CancelResult{Cancelled: true, Running: true, Status: "cancel_requested", JobID: jobID}
	}

	// Queued or retrying: mark cancelRequested so a pending backoff timer's
	// requeueForRetry sees it and bails instead of resurrecting the job,
	// remove it from its lane (a no-op if it's mid-backoff, not queued),
	// and synthesize a cancelled envelope immediately.
	j.cancelRequested = true
	j.status = StatusCancelled
	j.completedAt = m.now()
	model := j.model
	reqMeta := j.requestMeta
	priority := j.priority
	queuedAt := j.queuedAt
	id := j.id
	j.mu.Unlock()

	m.lanes.remove(j)
	m.mu.Unlock()

	m.jobs.Del(id)

	env := envelope.Build(envelope.Input{
		JobID:  jobID,
		Status: string(StatusCancelled),
		RequestMeta: envelope.RequestMeta{
			Model:      model,
			Priority:   string(priority),
			Aggressive: envelope.Aggressive{Enabled: reqMeta.Aggressive, FallbackReason: reqMeta.FallbackReason},
		},
		Error:   classify.BuildAPIError(classify.CodeJobCancelled, 409, "job was cancelled", false),
		Timings: envelope.Timings{QueuedAt: queuedAt.Format(time.RFC3339Nano)},
	})

	j.envelope = env
	m.resultCache.Set(jobID, env)
	j.fanout(env)
	m.events.Publish(jobFinalEvent, env)

	return &CancelResult{Cancelled: true, Running: false, Status: StatusCancelled, JobID: jobID}
}

// Status returns a job's current status snapshot, or false if unknown.
func (m *Manager) Status(jobID string) (Status, bool) {
	j, ok := m.jobs.Get(jobID)
	if !ok {
		return "", false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, true
}

// Result returns the cached terminal envelope for jobID, if finalized.
func (m *Manager) Result(jobID string) (*envelope.JobEnvelope, bool) {
	return m.resultCache.Get(jobID)
}

// RunInline submits req and blocks until the job reaches a terminal state
// or timeout elapses, whichever comes first. A waiter timeout does not
// cancel the underlying job — it remains in the queue.
func (m *Manager) RunInline(ctx context.Context, req SubmitRequest, timeout time.Duration) (*envelope.JobEnvelope, *classify.APIError) {
	sub, apiErr := m.Submit(req)
	if apiErr != nil {
		return nil, apiErr
	}

	j, ok := m.jobs.Get(sub.JobID)
	if !ok {
		return nil, classify.BuildAPIError(classify.CodeInternal, 500, "job vanished after submission", false)
	}

	w := j.addWaiter()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-w.ch:
		return env, nil
	case <-timer.C:
		return nil, classify.BuildAPIError(classify.CodeUpstreamTimeout, 504, "inline run timed out waiting for job completion", true)
	case <-ctx.Done():
		return nil, classify.BuildAPIError(classify.CodeUpstreamTimeout, 504, "inline run context cancelled", true)
	}
}

// Snapshot returns the current queue depth and signal state.
func (m *Manager) Snapshot() QueueSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	total, interactive, retry, batch := m.lanes.depth()
	return QueueSnapshot{
		MaxInFlight:   m.cfg.MaxInFlight,
		MaxQueueDepth: m.cfg.MaxQueueDepth,
		Running:       len(m.running),
		Depth: DepthSnapshot{
			Total: total,
			ByPriority: ByPriority{
				Interactive: interactive,
				Retry:       retry,
				Batch:       batch,
			},
		},
		Signals:   m.signals.snapshot(),
		LastError: m.lastError.String(),
	}
}

// Signals returns the current signal deadlines, for the state resolver.
func (m *Manager) Signals() state.Signals {
	return m.signals.snapshot()
}

// Subscribe returns a channel of job.final events. The channel is closed
// when ctx is done; subscribers that fall behind have events dropped for
// them rather than blocking the publisher (DropEvents backpressure).
func (m *Manager) Subscribe(ctx context.Context) <-chan pubsub.Event[*envelope.JobEnvelope] {
	return m.events.Subscribe(ctx)
}

// ErrJobVanished is the typed state error for a job missing from the job
// map right after submission. No code path returns it: RunInline reports
// that case as an INTERNAL_ERROR APIError.
var ErrJobVanished = relayerrors.State("job vanished from job map after submission")
