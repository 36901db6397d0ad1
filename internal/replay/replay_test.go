package replay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwl/asyncrelay/internal/metrics"
	"github.com/bwl/asyncrelay/internal/queue"
	"github.com/bwl/asyncrelay/internal/upstream"
)

type scriptedClient struct {
	byModel map[string]string // model -> parsed_json literal
	calls   int
}

func (c *scriptedClient) ChatCompletions(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*upstream.Result, error) {
	var v struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(payload, &v)
	c.calls++
	parsed := c.byModel[v.Model]
	return &upstream.Result{AssistantText: "x", ParsedJSON: json.RawMessage(parsed), ModelPath: v.Model}, nil
}

func (c *scriptedClient) Health(ctx context.Context) (*upstream.HealthResult, error) {
	return &upstream.HealthResult{OK: true}, nil
}

func TestScoreCaseExactMatch(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{byModel: map[string]string{
		"baseline":  `{"label":"cat","confidence":0.9}`,
		"candidate": `{"label":"Cat ","confidence":0.9}`,
	}}
	m := queue.New(queue.DefaultConfig(), client, metrics.New(0))
	h := New(m, "")

	report, err := h.Run(context.Background(), Request{
		ReplayName:     "t1",
		BaselineModel:  "baseline",
		CandidateModel: "candidate",
		Cases: []Case{
			{ID: "c1", Payload: json.RawMessage(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`), Expected: map[string]any{"label": "cat"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.BaselineAccuracy)
	assert.Equal(t, 1.0, report.CandidateAccuracy)
	assert.InDelta(t, 0.0, report.AccuracyDelta, 1e-9)
}

func TestScoreCaseZeroFieldsWhenNoExpected(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{byModel: map[string]string{"b": `{}`, "c": `{}`}}
	m := queue.New(queue.DefaultConfig(), client, metrics.New(0))
	h := New(m, "")

	report, err := h.Run(context.Background(), Request{
		BaselineModel: "b", CandidateModel: "c",
		Cases: []Case{{ID: "c1", Payload: json.RawMessage(`{"model":"x","messages":[]}`), Expected: map[string]any{}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, report.BaselineAccuracy)
}

func TestScoreCaseBooleanFieldMustMatchValue(t *testing.T) {
	t.Parallel()

	client := &scriptedClient{byModel: map[string]string{
		"baseline":  `{"ok":true}`,
		"candidate": `{"ok":false}`,
	}}
	m := queue.New(queue.DefaultConfig(), client, metrics.New(0))
	h := New(m, "")

	report, err := h.Run(context.Background(), Request{
		ReplayName:     "t-bool",
		BaselineModel:  "baseline",
		CandidateModel: "candidate",
		Cases: []Case{
			{ID: "c1", Payload: json.RawMessage(`{"model":"x","messages":[{"role":"user","content":"hi"}]}`), Expected: map[string]any{"ok": true}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, report.BaselineAccuracy)
	assert.Equal(t, 0.0, report.CandidateAccuracy)
}

func TestPersistAndDriftAlert(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	client := &scriptedClient{byModel: map[string]string{
		"b": `{"label":"cat"}`,
		"c": `{"label":"cat"}`,
	}}
	m := queue.New(queue.DefaultConfig(), client, metrics.New(0))
	h := New(m, dir)

	req := Request{
		ReplayName:     "nightly run!",
		BaselineModel:  "b",
		CandidateModel: "c",
		Cases:          []Case{{ID: "c1", Payload: json.RawMessage(`{"model":"x","messages":[]}`), Expected: map[string]any{"label": "cat"}}},
	}

	first, err := h.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, first.Alerts)
	assert.Equal(t, 1.0, first.CandidateAccuracy)

	latestPath := filepath.Join(dir, "latest-nightly_run_.json")
	_, statErr := os.Stat(latestPath)
	require.NoError(t, statErr)

	client.byModel["c"] = `{"label":"dog"}`

	second, err := h.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 0.0, second.CandidateAccuracy)
	require.Len(t, second.Alerts, 1)
	assert.Equal(t, "accuracy_drop", second.Alerts[0].Type)
}

func TestSafeNameReplacesUnsafeChars(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a_b_c", safeName("a/b c"))
	assert.Equal(t, "unnamed", safeName(""))
}
