// Package httpapi is the HTTP surface (C8): it translates each request to a
// facade call and the result to JSON. Grounded on the teacher's stdlib-only
// net/http.NewServeMux usage (internal/oauth/openai/server.go) — the pack
// never reaches for a router framework, so neither does this surface.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bwl/asyncrelay/internal/classify"
	"github.com/bwl/asyncrelay/internal/facade"
	"github.com/bwl/asyncrelay/internal/queue"
	"github.com/bwl/asyncrelay/internal/replay"
)

// requestIDHeader carries the per-request correlation ID, both inbound
// (honored if the caller already set one) and outbound on every response.
// Grounded on the teacher's "x-request-id" header idiom
// (internal/oauth/copilot/oauth.go, internal/agent/copilot_transport.go).
const requestIDHeader = "X-Request-Id"

// Server wraps a facade with the documented HTTP surface.
type Server struct {
	facade *facade.Facade
	mux    *http.ServeMux
}

// NewServer builds the routed handler for f.
func NewServer(f *facade.Facade) *Server {
	s := &Server{facade: f, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler. Every request is tagged with a
// correlation ID (caller-supplied or freshly minted) that's echoed on the
// response and threaded through the access log line.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	slog.Debug("http request", "request_id", reqID, "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/async/submit", s.handleSubmit)
	s.mux.HandleFunc("GET /api/async/status/{jobId}", s.handleStatus)
	s.mux.HandleFunc("GET /api/async/result/{jobId}", s.handleResult)
	s.mux.HandleFunc("POST /api/async/cancel/{jobId}", s.handleCancel)
	s.mux.HandleFunc("GET /api/async/queue", s.handleQueue)
	s.mux.HandleFunc("GET /api/async/state", s.handleState)
	s.mux.HandleFunc("GET /api/async/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /api/async/aggressive/report", s.handleAggressiveReport)
	s.mux.HandleFunc("GET /api/async/review/{jobId}", s.handleReview)
	s.mux.HandleFunc("POST /api/replay/run", s.handleReplayRun)
	s.mux.HandleFunc("GET /api/replay/report/{replayId}", s.handleReplayReport)
	s.mux.HandleFunc("GET /api/async/events", s.handleEvents)
}

type submitBody struct {
	Payload    json.RawMessage `json:"payload"`
	Priority   string          `json:"priority"`
	Aggressive *struct {
		Enabled          bool     `json:"enabled"`
		FallbackReason   string   `json:"fallbackReason"`
		ConfidenceBefore *float64 `json:"confidenceBefore"`
	} `json:"aggressive"`
	DomAnchor        string `json:"domAnchor"`
	ScreenshotRegion string `json:"screenshotRegion"`
	ReasoningNote    string `json:"reasoningNote"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, classify.BuildAPIError(classify.CodeInvalidRequest, 400, "malformed JSON body", false))
		return
	}

	req := queue.SubmitRequest{
		Payload:  body.Payload,
		Priority: body.Priority,
		RequestMeta: queue.RequestMeta{
			DomAnchor:        body.DomAnchor,
			ScreenshotRegion: body.ScreenshotRegion,
			ReasoningNote:    body.ReasoningNote,
		},
	}
	if body.Aggressive != nil {
		req.RequestMeta.Aggressive = body.Aggressive.Enabled
		req.RequestMeta.FallbackReason = body.Aggressive.FallbackReason
		req.RequestMeta.ConfidenceBefore = body.Aggressive.ConfidenceBefore
	}

	sub, apiErr := s.facade.Submit(req)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	status, ok := s.facade.Status(jobID)
	if !ok {
		writeError(w, classify.BuildAPIError(classify.CodeJobNotFound, 404, "job not found", false))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": status})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	env, ok := s.facade.Result(jobID)
	if ok {
		writeJSON(w, http.StatusOK, env)
		return
	}

	status, ok := s.facade.Status(jobID)
	if !ok {
		writeError(w, classify.BuildAPIError(classify.CodeJobNotFound, 404, "job not found", false))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "status": status})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	res := s.facade.Cancel(jobID)
	if !res.Cancelled && res.Code == classify.CodeJobNotFound {
		writeError(w, classify.BuildAPIError(classify.CodeJobNotFound, 404, "job not found", false))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      res.Cancelled,
		"job_id":  jobID,
		"status":  res.Status,
		"running": res.Running,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.QueueSnapshot())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	res := s.facade.GetState(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.GetMetrics())
}

func (s *Server) handleAggressiveReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"aggressive": s.facade.GetAggressiveReport()})
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	rp := s.facade.GetReviewPayload(jobID)
	if rp == nil {
		writeError(w, classify.BuildAPIError(classify.CodeJobNotFound, 404, "job not found in result cache", false))
		return
	}
	writeJSON(w, http.StatusOK, rp)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	var req replay.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, classify.BuildAPIError(classify.CodeInvalidRequest, 400, "malformed JSON body", false))
		return
	}
	if req.BaselineModel == "" || req.CandidateModel == "" || len(req.Cases) == 0 {
		writeError(w, classify.BuildAPIError(classify.CodeInvalidRequest, 400, "baselineModel, candidateModel, and cases are required", false))
		return
	}

	report, err := s.facade.RunReplay(r.Context(), req)
	if err != nil {
		slog.Error("replay run failed", "error", err)
		writeError(w, classify.BuildAPIError(classify.CodeInternal, 500, "replay run failed", false))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEvents streams one job.final event per finalized job as
// server-sent events, for callers that want a push feed instead of polling
// status/result.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, classify.BuildAPIError(classify.CodeInternal, 500, "streaming unsupported", false))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := s.facade.Subscribe(r.Context())
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			body, err := json.Marshal(ev.Payload)
			if err != nil {
				slog.Error("failed to encode event payload", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, body)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleReplayReport(w http.ResponseWriter, r *http.Request) {
	replayID := r.PathValue("replayId")
	report, ok := s.facade.LoadReplayReport(replayID)
	if !ok {
		writeError(w, classify.BuildAPIError(classify.CodeJobNotFound, 404, "replay report not found", false))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, apiErr *classify.APIError) {
	writeJSON(w, apiErr.Status, map[string]any{"error": apiErr})
}
