package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/bwl/asyncrelay/internal/envelope"
)

// Priority is one of the three admission lanes.
type Priority string

const (
	PriorityInteractive Priority = "interactive"
	PriorityRetry        Priority = "retry"
	PriorityBatch        Priority = "batch"
)

// normalizePriority coerces an unknown priority string to batch.
func normalizePriority(p string) Priority {
	switch Priority(p) {
	case PriorityInteractive, PriorityRetry, PriorityBatch:
		return Priority(p)
	default:
		return PriorityBatch
	}
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RequestMeta is the caller-supplied metadata carried alongside the payload.
type RequestMeta struct {
	Aggressive       bool
	FallbackReason   string
	ConfidenceBefore *float64
	DomAnchor        string
	ScreenshotRegion string
	ReasoningNote    string
}

// abortHandle is a cooperative cancellation token for an in-flight upstream
// call, grounded on the context.WithCancel pattern the scheduler idiom uses
// for drain-on-cancel, narrowed here to a single job rather than a pool.
type abortHandle struct {
	cancel func()
}

func (a *abortHandle) trigger() {
	if a != nil && a.cancel != nil {
		a.cancel()
	}
}

// waiter is a one-shot notifier for an inline-run caller.
type waiter struct {
	ch chan *envelope.JobEnvelope
}

// job is the queue manager's internal job record.
type job struct {
	mu sync.Mutex

	id       string
	payload  json.RawMessage
	model    string
	priority Priority
	status   Status
	attempts int

	queuedAt    time.Time
	startedAt   time.Time
	completedAt time.Time

	cancelRequested bool
	requestMeta     RequestMeta

	waiters     []*waiter
	abortHandle *abortHandle

	envelope *envelope.JobEnvelope
}

func (j *job) addWaiter() *waiter {
	j.mu.Lock()
	defer j.mu.Unlock()
	w := &waiter{ch: make(chan *envelope.JobEnvelope, 1)}
	j.waiters = append(j.waiters, w)
	return w
}

// fanout delivers env to every registered waiter, in registration order, and
// clears the waiter list.
func (j *job) fanout(env *envelope.JobEnvelope) {
	j.mu.Lock()
	ws := j.waiters
	j.waiters = nil
	j.mu.Unlock()

	for _, w := range ws {
		w.ch <- env
	}
}
