// Package metrics implements the async control plane's metrics store:
// bounded latency reservoirs, per-model success/failure counters, a
// per-error-kind histogram, and aggressive-fallback win-rate tracking.
// Grounded on the thread-safe generic collections idiom (internal/csync)
// and the teacher's habit of exposing a single mutex-guarded struct with
// a JSON-serializable Snapshot method rather than a metrics SDK.
package metrics

import (
	"sync"

	"github.com/bwl/asyncrelay/internal/classify"
)

const defaultReservoirCap = 500

// ModelStats is the success/failure counter pair for a single model.
type ModelStats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// AggressiveStats tracks how often an aggressive fallback was triggered and
// how often it actually improved the outcome over the baseline attempt.
type AggressiveStats struct {
	Triggered int64 `json:"triggered"`
	Improved  int64 `json:"improved"`
}

// WinRate is Improved/Triggered, or 0 when nothing has been triggered yet.
func (a AggressiveStats) WinRate() float64 {
	if a.Triggered == 0 {
		return 0
	}
	return roundTo(float64(a.Improved)/float64(a.Triggered), 3)
}

// Snapshot is the JSON-serializable projection returned by Store.Snapshot.
type Snapshot struct {
	QueueWaitMs   Summary                       `json:"queue_wait_ms"`
	ModelMs       Summary                       `json:"model_ms"`
	TotalMs       Summary                       `json:"total_ms"`
	Models        map[string]ModelStats         `json:"models"`
	ErrorKinds    map[classify.Code]int64       `json:"error_kinds"`
	Aggressive    map[string]AggressiveStats    `json:"aggressive"`
	Completed     int64                         `json:"completed"`
	Failed        int64                         `json:"failed"`
	ErrorRate     float64                       `json:"error_rate"`
}

// Store is the mutex-guarded metrics accumulator shared by the queue
// manager and the HTTP surface's metrics endpoint.
type Store struct {
	mu sync.Mutex

	queueWait *reservoir
	modelMs   *reservoir
	totalMs   *reservoir

	models     map[string]*ModelStats
	errorKinds map[classify.Code]int64
	aggressive map[string]*AggressiveStats

	completed int64
	failed    int64
}

// New constructs a Store whose reservoirs hold at most capacity samples
// each (floored to 50 regardless of the requested value).
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultReservoirCap
	}
	return &Store{
		queueWait:  newReservoir(capacity),
		modelMs:    newReservoir(capacity),
		totalMs:    newReservoir(capacity),
		models:     make(map[string]*ModelStats),
		errorKinds: make(map[classify.Code]int64),
		aggressive: make(map[string]*AggressiveStats),
	}
}

// RecordCompleted records a successful job's timing and bumps the model's
// success counter.
func (s *Store) RecordCompleted(model string, queueWaitMs, modelMs, totalMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueWait.add(queueWaitMs)
	s.modelMs.add(modelMs)
	s.totalMs.add(totalMs)
	s.modelStats(model).Succeeded++
	s.completed++
}

// RecordFailed records a failed job's timing, its model's failure counter,
// and its classified error kind.
func (s *Store) RecordFailed(model string, queueWaitMs, totalMs float64, code classify.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queueWait.add(queueWaitMs)
	s.totalMs.add(totalMs)
	s.modelStats(model).Failed++
	s.errorKinds[code]++
	s.failed++
}

// RecordAggressiveTriggered bumps the triggered counter for reason.
func (s *Store) RecordAggressiveTriggered(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggressiveStats(reason).Triggered++
}

// RecordAggressiveImproved bumps the improved counter for reason.
func (s *Store) RecordAggressiveImproved(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggressiveStats(reason).Improved++
}

func (s *Store) modelStats(model string) *ModelStats {
	st, ok := s.models[model]
	if !ok {
		st = &ModelStats{}
		s.models[model] = st
	}
	return st
}

func (s *Store) aggressiveStats(reason string) *AggressiveStats {
	st, ok := s.aggressive[reason]
	if !ok {
		st = &AggressiveStats{}
		s.aggressive[reason] = st
	}
	return st
}

// ErrorRate is failed/(failed+completed), or 0 when no job has finished.
func (s *Store) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRateLocked()
}

func (s *Store) errorRateLocked() float64 {
	total := s.completed + s.failed
	if total == 0 {
		return 0
	}
	return roundTo(float64(s.failed)/float64(total), 3)
}

// Snapshot returns a point-in-time, independently mutable copy of the
// store's state for serialization.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	models := make(map[string]ModelStats, len(s.models))
	for k, v := range s.models {
		models[k] = *v
	}

	errorKinds := make(map[classify.Code]int64, len(s.errorKinds))
	for k, v := range s.errorKinds {
		errorKinds[k] = v
	}

	aggressive := make(map[string]AggressiveStats, len(s.aggressive))
	for k, v := range s.aggressive {
		aggressive[k] = *v
	}

	return Snapshot{
		QueueWaitMs: s.queueWait.summary(),
		ModelMs:     s.modelMs.summary(),
		TotalMs:     s.totalMs.summary(),
		Models:      models,
		ErrorKinds:  errorKinds,
		Aggressive:  aggressive,
		Completed:   s.completed,
		Failed:      s.failed,
		ErrorRate:   s.errorRateLocked(),
	}
}

// AggressiveWinRate returns the WinRate for a single reason, 0 if unseen.
func (s *Store) AggressiveWinRate(reason string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.aggressive[reason]
	if !ok {
		return 0
	}
	return st.WinRate()
}
