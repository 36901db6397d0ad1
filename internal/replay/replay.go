// Package replay implements the baseline-vs-candidate model comparison
// harness: running paired inline jobs per case, scoring parsed_json fields
// against expectations, and persisting reports with drift-alert detection.
// Grounded on the teacher's habit of writing small stateless evaluators
// that normalize heterogeneous JSON before comparing it (compare the
// opaque-JSON-bag handling in internal/llm/provider), adapted here for
// model-output scoring instead of tool-call argument parsing.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bwl/asyncrelay/internal/envelope"
	"github.com/bwl/asyncrelay/internal/queue"
)

// Case is one replay test case.
type Case struct {
	ID       string         `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Expected map[string]any `json:"expected"`
}

// Request is a full replay run's input.
type Request struct {
	ReplayName     string `json:"replay_name"`
	BaselineModel  string `json:"baselineModel"`
	CandidateModel string `json:"candidateModel"`
	Cases          []Case `json:"cases"`
}

// CaseResult is one case's scored outcome.
type CaseResult struct {
	ID               string  `json:"id"`
	BaselineAccuracy float64 `json:"baseline_accuracy"`
	CandidateAccuracy float64 `json:"candidate_accuracy"`
}

// Alert is a drift alert entry.
type Alert struct {
	Type  string `json:"type"`
	Level string `json:"level"`
	Delta float64 `json:"delta"`
}

// Report is the persisted, returned shape of one replay run.
type Report struct {
	ReplayID         string       `json:"replay_id"`
	ReplayName       string       `json:"replay_name"`
	BaselineModel    string       `json:"baseline_model"`
	CandidateModel   string       `json:"candidate_model"`
	Cases            []CaseResult `json:"cases"`
	BaselineAccuracy float64      `json:"baseline_accuracy"`
	CandidateAccuracy float64     `json:"candidate_accuracy"`
	AccuracyDelta    float64      `json:"accuracy_delta"`
	Alerts           []Alert      `json:"alerts"`
	CreatedAtMs      int64        `json:"created_at_ms"`
}

const inlineTimeout = 900 * time.Second

var safeNamePattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Harness runs replay cases against a queue manager and persists reports.
type Harness struct {
	manager     *queue.Manager
	reportsDir  string
	nowFn       func() time.Time
	seq         int64
}

// New constructs a Harness. reportsDir may be empty to disable persistence.
func New(manager *queue.Manager, reportsDir string) *Harness {
	return &Harness{manager: manager, reportsDir: reportsDir, nowFn: time.Now}
}

// Run executes req's cases, aggregates accuracy, and persists the report
// (including drift-alert detection) when a reports directory is configured.
func (h *Harness) Run(ctx context.Context, req Request) (*Report, error) {
	now := h.nowFn()
	h.seq++
	replayID := fmt.Sprintf("replay-%d", now.UnixMilli())

	report := &Report{
		ReplayID:       replayID,
		ReplayName:     req.ReplayName,
		BaselineModel:  req.BaselineModel,
		CandidateModel: req.CandidateModel,
		CreatedAtMs:    now.UnixMilli(),
	}

	var baselineSum, candidateSum float64

	for _, c := range req.Cases {
		baselineEnv, err := h.runCase(ctx, c.Payload, req.BaselineModel)
		if err != nil {
			return nil, err
		}
		candidateEnv, err := h.runCase(ctx, c.Payload, req.CandidateModel)
		if err != nil {
			return nil, err
		}

		baselineAcc := scoreCase(baselineEnv, c.Expected)
		candidateAcc := scoreCase(candidateEnv, c.Expected)

		report.Cases = append(report.Cases, CaseResult{ID: c.ID, BaselineAccuracy: baselineAcc, CandidateAccuracy: candidateAcc})
		baselineSum += baselineAcc
		candidateSum += candidateAcc
	}

	n := float64(len(req.Cases))
	if n > 0 {
		report.BaselineAccuracy = baselineSum / n
		report.CandidateAccuracy = candidateSum / n
	}
	report.AccuracyDelta = report.CandidateAccuracy - report.BaselineAccuracy

	if h.reportsDir != "" {
		h.detectDrift(report)
		if err := h.persist(report); err != nil {
			return nil, err
		}
	}

	return report, nil
}

func (h *Harness) runCase(ctx context.Context, payload json.RawMessage, model string) (*envelope.JobEnvelope, error) {
	substituted, err := sjson.SetBytes(payload, "model", model)
	if err != nil {
		return nil, err
	}

	env, apiErr := h.manager.RunInline(ctx, queue.SubmitRequest{
		Payload:  substituted,
		Priority: "batch",
	}, inlineTimeout)
	if apiErr != nil {
		return nil, fmt.Errorf("replay inline run failed: %s", apiErr.Message)
	}
	return env, nil
}

// scoreCase compares env's parsed_json against expected, field by field,
// using normalized equality. Returns matched/total, 0 when expected is
// empty.
func scoreCase(env *envelope.JobEnvelope, expected map[string]any) float64 {
	if len(expected) == 0 {
		return 0
	}
	if env.Result == nil || len(env.Result.ParsedJSON) == 0 {
		return 0
	}

	matched := 0
	for key, want := range expected {
		got := gjson.GetBytes(env.Result.ParsedJSON, key)
		if fieldsMatch(got, want) {
			matched++
		}
	}
	return float64(matched) / float64(len(expected))
}

func fieldsMatch(got gjson.Result, want any) bool {
	if !got.Exists() {
		return false
	}

	switch w := want.(type) {
	case string:
		return strings.EqualFold(strings.TrimSpace(got.String()), strings.TrimSpace(w))
	case bool:
		return got.Type == gjson.True && w || got.Type == gjson.False && !w
	case float64:
		return numbersEqual(got, w)
	case nil:
		return got.Type == gjson.Null
	default:
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		return jsonTextEqual(got.Raw, string(wantJSON))
	}
}

func numbersEqual(got gjson.Result, want float64) bool {
	gotNum, err := strconv.ParseFloat(strings.TrimSpace(got.Raw), 64)
	if err != nil {
		if got.Type == gjson.Number {
			gotNum = got.Float()
		} else {
			return false
		}
	}
	return math.Abs(gotNum-want) < 1e-9
}

func jsonTextEqual(a, b string) bool {
	var av, bv any
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	aCanon, _ := json.Marshal(av)
	bCanon, _ := json.Marshal(bv)
	return string(aCanon) == string(bCanon)
}

// safeName replaces any run of characters outside [A-Za-z0-9._-] with _.
func safeName(name string) string {
	if name == "" {
		name = "unnamed"
	}
	return safeNamePattern.ReplaceAllString(name, "_")
}

// detectDrift loads the prior latest-<name>.json report, if any, and
// appends an accuracy_drop alert when candidate accuracy fell by 0.05 or
// more versus the previous run.
func (h *Harness) detectDrift(report *Report) {
	latestPath := filepath.Join(h.reportsDir, "latest-"+safeName(report.ReplayName)+".json")

	data, err := os.ReadFile(latestPath)
	if err != nil {
		return
	}

	var prior Report
	if err := json.Unmarshal(data, &prior); err != nil {
		return
	}
	if math.IsNaN(prior.CandidateAccuracy) || math.IsInf(prior.CandidateAccuracy, 0) {
		return
	}

	delta := report.CandidateAccuracy - prior.CandidateAccuracy
	if delta <= -0.05 {
		report.Alerts = append(report.Alerts, Alert{Type: "accuracy_drop", Level: "warn", Delta: delta})
	}
}

func (h *Harness) persist(report *Report) error {
	if err := os.MkdirAll(h.reportsDir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	idPath := filepath.Join(h.reportsDir, report.ReplayID+".json")
	if err := os.WriteFile(idPath, data, 0o644); err != nil {
		return err
	}

	latestPath := filepath.Join(h.reportsDir, "latest-"+safeName(report.ReplayName)+".json")
	return os.WriteFile(latestPath, data, 0o644)
}

// LoadReport reads a persisted report by replay ID.
func (h *Harness) LoadReport(replayID string) (*Report, bool) {
	if h.reportsDir == "" {
		return nil, false
	}
	data, err := os.ReadFile(filepath.Join(h.reportsDir, replayID+".json"))
	if err != nil {
		return nil, false
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, false
	}
	return &report, true
}
