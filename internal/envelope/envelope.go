// Package envelope builds the fixed-shape JobEnvelope and its ReviewPayload
// projection from a finished (or failed) job's raw upstream result, request
// metadata, and timings. Grounded on the opaque-JSON-bag handling idiom used
// throughout the pack (github.com/tidwall/gjson/sjson) rather than typed
// structs, since assistant responses carry arbitrary model-defined shapes.
package envelope

import (
	"encoding/json"
	"math"

	"github.com/tidwall/gjson"

	"github.com/bwl/asyncrelay/internal/classify"
)

const maxSnippetLen = 240

// Aggressive carries the aggressive-fallback flags from the request.
type Aggressive struct {
	Enabled           bool
	FallbackReason    string
	ConfidenceBefore  *float64
}

// RequestMeta is the subset of request metadata the envelope needs.
type RequestMeta struct {
	Model            string
	Priority         string
	Aggressive       Aggressive
	DomAnchor        string
	ScreenshotRegion string
}

// Formatted is the upstream-derived result shape, already formatted by the
// upstream client before the envelope builder sees it.
type Formatted struct {
	AssistantText string
	ParsedJSON    json.RawMessage
	RenderMode    string
	RenderedHTML  string
	ModelPath     string
}

// Timings are the three lifecycle timestamps, RFC3339 formatted by the
// caller; started_at/completed_at may be empty for still-queued jobs.
type Timings struct {
	QueuedAt    string
	StartedAt   string
	CompletedAt string
}

// Latency is the three derived duration measurements, in milliseconds.
type Latency struct {
	QueueWaitMs float64
	ModelMs     float64
	TotalMs     float64
}

// Input is everything the builder needs to produce one JobEnvelope.
type Input struct {
	JobID       string
	Status      string
	RequestMeta RequestMeta
	RawResponse json.RawMessage
	Formatted   *Formatted
	Error       *classify.APIError
	Timings     Timings
	Latency     Latency
	Attempts    int
}

// Evidence is one normalized evidence entry.
type Evidence struct {
	SnippetID       string `json:"snippet_id"`
	Quote           string `json:"quote"`
	DomAnchor       string `json:"dom_anchor"`
	ScreenshotRegion string `json:"screenshot_region"`
	ModelPath       string `json:"model_path"`
	ReasoningNote   string `json:"reasoning_note"`
}

// AggressiveDiagnostics is the diagnostics-level aggressive projection,
// carrying the confidence trajectory in addition to the flags.
type AggressiveDiagnostics struct {
	Enabled          bool     `json:"enabled"`
	FallbackReason   string   `json:"fallback_reason,omitempty"`
	ConfidenceBefore *float64 `json:"confidence_before"`
	ConfidenceAfter  *float64 `json:"confidence_after"`
	ConfidenceDelta  *float64 `json:"confidence_delta"`
}

// Diagnostics is result.diagnostics.
type Diagnostics struct {
	Attempts   int                   `json:"attempts"`
	ModelPath  string                `json:"model_path"`
	Latency    Latency               `json:"latency"`
	Aggressive AggressiveDiagnostics `json:"aggressive"`
}

// Result is the envelope's result block.
type Result struct {
	AssistantText string          `json:"assistant_text"`
	ParsedJSON    json.RawMessage `json:"parsed_json"`
	RenderMode    string          `json:"render_mode"`
	RenderedHTML  string          `json:"rendered_html"`
	RawResponse   json.RawMessage `json:"raw_response"`
	Evidence      []Evidence      `json:"evidence"`
	Diagnostics   Diagnostics     `json:"diagnostics"`
}

// RequestBlock is the envelope's request block.
type RequestBlock struct {
	Model      string         `json:"model"`
	Priority   string         `json:"priority"`
	Aggressive AggressiveFlag `json:"aggressive"`
}

// AggressiveFlag is the request-level aggressive projection (flags only).
type AggressiveFlag struct {
	Enabled        bool   `json:"enabled"`
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// JobEnvelope is the fixed-shape envelope returned to every caller.
type JobEnvelope struct {
	JobID   string            `json:"job_id"`
	Status  string            `json:"status"`
	Request RequestBlock      `json:"request"`
	Result  *Result           `json:"result"`
	Error   *classify.APIError `json:"error"`
	Timings Timings           `json:"timings"`
}

// Build produces the fixed-shape JobEnvelope from in.
func Build(in Input) *JobEnvelope {
	env := &JobEnvelope{
		JobID:  in.JobID,
		Status: in.Status,
		Request: RequestBlock{
			Model:    in.RequestMeta.Model,
			Priority: in.RequestMeta.Priority,
			Aggressive: AggressiveFlag{
				Enabled:        in.RequestMeta.Aggressive.Enabled,
				FallbackReason: in.RequestMeta.Aggressive.FallbackReason,
			},
		},
		Error:   in.Error,
		Timings: in.Timings,
	}

	if in.Formatted == nil {
		return env
	}

	confidenceAfter := deriveConfidenceAfter(in.Formatted)
	confidenceDelta := deriveConfidenceDelta(in.RequestMeta.Aggressive.ConfidenceBefore, confidenceAfter)

	env.Result = &Result{
		AssistantText: in.Formatted.AssistantText,
		ParsedJSON:    in.Formatted.ParsedJSON,
		RenderMode:    in.Formatted.RenderMode,
		RenderedHTML:  in.Formatted.RenderedHTML,
		RawResponse:   in.RawResponse,
		Evidence:      buildEvidence(in),
		Diagnostics: Diagnostics{
			Attempts:  in.Attempts,
			ModelPath: in.Formatted.ModelPath,
			Latency:   in.Latency,
			Aggressive: AggressiveDiagnostics{
				Enabled:          in.RequestMeta.Aggressive.Enabled,
				FallbackReason:   in.RequestMeta.Aggressive.FallbackReason,
				ConfidenceBefore: in.RequestMeta.Aggressive.ConfidenceBefore,
				ConfidenceAfter:  confidenceAfter,
				ConfidenceDelta:  confidenceDelta,
			},
		},
	}

	return env
}

// deriveConfidenceAfter implements the confidence derivation rule:
// parsed_json.confidence if finite, else parsed_json.meta.confidence if
// finite, else 0.7 when assistant_text is non-empty, else nil.
func deriveConfidenceAfter(f *Formatted) *float64 {
	if len(f.ParsedJSON) > 0 {
		if v := gjson.GetBytes(f.ParsedJSON, "confidence"); v.Exists() && isFiniteNumber(v) {
			n := v.Float()
			return &n
		}
		if v := gjson.GetBytes(f.ParsedJSON, "meta.confidence"); v.Exists() && isFiniteNumber(v) {
			n := v.Float()
			return &n
		}
	}
	if f.AssistantText != "" {
		n := 0.7
		return &n
	}
	return nil
}

func isFiniteNumber(v gjson.Result) bool {
	if v.Type != gjson.Number {
		return false
	}
	f := v.Float()
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// deriveConfidenceDelta is after-before, rounded to 6 decimals, when both
// are finite; nil otherwise.
func deriveConfidenceDelta(before, after *float64) *float64 {
	if before == nil || after == nil {
		return nil
	}
	d := roundTo(*after-*before, 6)
	return &d
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for range places {
		mult *= 10
	}
	sign := 1.0
	if v < 0 {
		sign = -1
	}
	return float64(int64(v*mult+sign*0.5)) / mult
}

// buildEvidence normalizes parsed_json.evidence when present and non-empty,
// otherwise synthesizes a single placeholder entry from the assistant text.
func buildEvidence(in Input) []Evidence {
	f := in.Formatted
	if f != nil && len(f.ParsedJSON) > 0 {
		arr := gjson.GetBytes(f.ParsedJSON, "evidence")
		if arr.IsArray() && len(arr.Array()) > 0 {
			out := make([]Evidence, 0, len(arr.Array()))
			for _, e := range arr.Array() {
				out = append(out, Evidence{
					SnippetID:        e.Get("snippet_id").String(),
					Quote:            e.Get("quote").String(),
					DomAnchor:        e.Get("dom_anchor").String(),
					ScreenshotRegion: e.Get("screenshot_region").String(),
					ModelPath:        e.Get("model_path").String(),
					ReasoningNote:    e.Get("reasoning_note").String(),
				})
			}
			return out
		}
	}

	assistantText := ""
	modelPath := ""
	if f != nil {
		assistantText = f.AssistantText
		modelPath = f.ModelPath
	}

	return []Evidence{{
		Quote:            truncate(assistantText, maxSnippetLen),
		DomAnchor:        in.RequestMeta.DomAnchor,
		ScreenshotRegion: in.RequestMeta.ScreenshotRegion,
		ModelPath:        modelPath,
		ReasoningNote:    in.RequestMeta.Aggressive.FallbackReason,
	}}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ReviewPayload is the derived review-facing projection of a JobEnvelope.
type ReviewPayload struct {
	JobID         string          `json:"job_id"`
	Status        string          `json:"status"`
	Before        ConfidenceOnly  `json:"before"`
	After         AfterBlock      `json:"after"`
	EvidenceLinks []Evidence      `json:"evidence_links"`
	Rationale     string          `json:"rationale"`
	ParsedJSON    json.RawMessage `json:"parsed_json"`
	AssistantText string          `json:"assistant_text"`
}

// ConfidenceOnly carries just a confidence value.
type ConfidenceOnly struct {
	Confidence *float64 `json:"confidence"`
}

// AfterBlock carries the post-run confidence and the model actually used.
type AfterBlock struct {
	Confidence *float64 `json:"confidence"`
	ModelPath  string   `json:"model_path"`
}

const defaultRationale = "No fallback reason provided."

// ToReviewPayload derives the ReviewPayload projection of env.
func ToReviewPayload(env *JobEnvelope) *ReviewPayload {
	rp := &ReviewPayload{
		JobID:  env.JobID,
		Status: env.Status,
		Before: ConfidenceOnly{},
		Rationale: defaultRationale,
	}

	if env.Result == nil {
		return rp
	}

	diag := env.Result.Diagnostics
	rp.Before.Confidence = diag.Aggressive.ConfidenceBefore
	rp.After = AfterBlock{Confidence: diag.Aggressive.ConfidenceAfter, ModelPath: diag.ModelPath}
	rp.EvidenceLinks = env.Result.Evidence
	rp.ParsedJSON = env.Result.ParsedJSON
	rp.AssistantText = env.Result.AssistantText

	if diag.Aggressive.FallbackReason != "" {
		rp.Rationale = diag.Aggressive.FallbackReason
	}

	return rp
}
