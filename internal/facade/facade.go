// Package facade composes the upstream client, the queue manager, the
// metrics store, and the state resolver into the single control-plane
// entry point the HTTP surface talks to. Grounded on the teacher's app.go
// composition-root idiom: one struct wiring together independently testable
// subsystems, exposing thin methods with no business logic of their own.
package facade

import (
	"context"
	"time"

	"github.com/bwl/asyncrelay/internal/classify"
	"github.com/bwl/asyncrelay/internal/csync"
	"github.com/bwl/asyncrelay/internal/envelope"
	"github.com/bwl/asyncrelay/internal/metrics"
	"github.com/bwl/asyncrelay/internal/pubsub"
	"github.com/bwl/asyncrelay/internal/queue"
	"github.com/bwl/asyncrelay/internal/replay"
	"github.com/bwl/asyncrelay/internal/state"
	"github.com/bwl/asyncrelay/internal/upstream"
)

const healthProbeTimeout = 3 * time.Second

// MetricsReport is the fixed-shape response for get_metrics.
type MetricsReport struct {
	Queue              queue.QueueSnapshot `json:"queue"`
	Metrics            metrics.Snapshot    `json:"metrics"`
	ReplayDriftAlerts  []replay.Alert      `json:"replay_drift_alerts"`
}

// AggressiveReport is the fixed-shape response for the aggressive report
// endpoint.
type AggressiveReport struct {
	Triggered       int64                          `json:"triggered"`
	Improved        int64                          `json:"improved"`
	WinRate         float64                        `json:"win_rate"`
	ByFallbackReason map[string]metrics.AggressiveStats `json:"by_fallback_reason"`
}

// Facade is the control plane's single entry point.
type Facade struct {
	client  upstream.Client
	queue   *queue.Manager
	store   *metrics.Store
	replay  *replay.Harness

	// driftAlerts is written by RunReplay and read by GetMetrics from
	// independent HTTP goroutines; csync.Map guards it the same way the
	// queue manager guards its job map.
	driftAlerts *csync.Map[string, []replay.Alert]
}

// New constructs a Facade.
func New(client upstream.Client, qm *queue.Manager, store *metrics.Store, harness *replay.Harness) *Facade {
	return &Facade{client: client, queue: qm, store: store, replay: harness, driftAlerts: csync.NewMap[string, []replay.Alert]()}
}

// Submit admits a new job through the queue manager.
func (f *Facade) Submit(req queue.SubmitRequest) (*queue.SubmitResult, *classify.APIError) {
	return f.queue.Submit(req)
}

// Status returns a job's lifecycle status.
func (f *Facade) Status(jobID string) (queue.Status, bool) {
	return f.queue.Status(jobID)
}

// Result returns the cached terminal envelope for jobID.
func (f *Facade) Result(jobID string) (*envelope.JobEnvelope, bool) {
	return f.queue.Result(jobID)
}

// Cancel cancels a job.
func (f *Facade) Cancel(jobID string) *queue.CancelResult {
	return f.queue.Cancel(jobID)
}

// QueueSnapshot returns the current queue depth and signal state.
func (f *Facade) QueueSnapshot() queue.QueueSnapshot {
	return f.queue.Snapshot()
}

// GetReviewPayload derives the review projection of a cached envelope, nil
// if the envelope isn't in the result cache.
func (f *Facade) GetReviewPayload(jobID string) *envelope.ReviewPayload {
	env, ok := f.queue.Result(jobID)
	if !ok {
		return nil
	}
	return envelope.ToReviewPayload(env)
}

// GetState performs a liveness probe against the upstream health endpoint,
// then resolves the operational state.
func (f *Facade) GetState(ctx context.Context) state.Result {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	connectivityOK := true
	if _, err := f.client.Health(ctx); err != nil {
		connectivityOK = false
	}

	snap := f.queue.Snapshot()

	return state.Resolve(state.Input{
		NowMs:          time.Now().UnixMilli(),
		ConnectivityOK: connectivityOK,
		Signals:        snap.Signals,
		QueueDepth:     snap.Depth.Total,
		ErrorRate:      f.store.ErrorRate(),
	})
}

// GetMetrics aggregates queue depth, the metrics snapshot, and any replay
// drift alerts collected so far.
func (f *Facade) GetMetrics() MetricsReport {
	var alerts []replay.Alert
	f.driftAlerts.Each(func(_ string, as []replay.Alert) {
		alerts = append(alerts, as...)
	})

	return MetricsReport{
		Queue:             f.queue.Snapshot(),
		Metrics:           f.store.Snapshot(),
		ReplayDriftAlerts: alerts,
	}
}

// GetAggressiveReport returns the aggressive-mode win-rate breakdown.
func (f *Facade) GetAggressiveReport() AggressiveReport {
	snap := f.store.Snapshot()

	var triggered, improved int64
	for _, st := range snap.Aggressive {
		triggered += st.Triggered
		improved += st.Improved
	}

	var winRate float64
	if triggered > 0 {
		winRate = float64(improved) / float64(triggered)
	}

	return AggressiveReport{
		Triggered:        triggered,
		Improved:         improved,
		WinRate:          winRate,
		ByFallbackReason: snap.Aggressive,
	}
}

// RunReplay delegates to the replay harness and records the report's drift
// alerts (possibly none) under its replay name, replacing those of the
// previous run of that name, for later retrieval via GetMetrics.
func (f *Facade) RunReplay(ctx context.Context, req replay.Request) (*replay.Report, error) {
	report, err := f.replay.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	f.driftAlerts.Set(report.ReplayName, report.Alerts)
	return report, nil
}

// LoadReplayReport loads a previously persisted replay report by ID.
func (f *Facade) LoadReplayReport(replayID string) (*replay.Report, bool) {
	return f.replay.LoadReport(replayID)
}

// Subscribe returns a stream of job.final broadcast events.
func (f *Facade) Subscribe(ctx context.Context) <-chan pubsub.Event[*envelope.JobEnvelope] {
	return f.queue.Subscribe(ctx)
}
