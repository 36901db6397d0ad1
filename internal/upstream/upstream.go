// Package upstream defines the chat-completion client interface the queue
// manager consumes, plus an HTTP-backed implementation. Grounded on the
// anthropic provider client's request/response handling
// (internal/llm/provider/anthropic.go) and the retry transport in
// internal/log/retry.go, but deliberately NOT layered with that transport's
// automatic retry: the queue manager owns retry/backoff/cooldown decisions
// and needs to observe the raw failure on every attempt.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/bwl/asyncrelay/internal/classify"
)

// Result is the raw upstream response, already split into the fields the
// envelope builder needs.
type Result struct {
	AssistantText string
	ParsedJSON    json.RawMessage
	RenderMode    string
	RenderedHTML  string
	ModelPath     string
	Raw           json.RawMessage
}

// HealthResult is the upstream health probe's response.
type HealthResult struct {
	OK      bool
	Details json.RawMessage
}

// Client is the interface the queue manager and facade consume. Errors
// returned from ChatCompletions and Health should be (or wrap) a
// *classify.UpstreamError so the classifier can map them precisely.
type Client interface {
	ChatCompletions(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*Result, error)
	Health(ctx context.Context) (*HealthResult, error)
}

// HTTPClient is an HTTP-backed Client implementation.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	// HealthClient, if set, is used for Health instead of HTTPClient. Unlike
	// chat completions, a health probe isn't part of the queue manager's
	// classify/backoff/cooldown loop, so it's safe to let a transport retry
	// transient failures underneath it instead of surfacing every blip as a
	// down signal. See log.NewHTTPClientWithRetry.
	HealthClient *http.Client
}

// NewHTTPClient constructs an HTTPClient with a sane default transport.
func NewHTTPClient(baseURL, apiKey string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{BaseURL: baseURL, APIKey: apiKey, HTTPClient: httpClient}
}

// ChatCompletions forwards payload to the upstream chat-completion endpoint.
func (c *HTTPClient) ChatCompletions(ctx context.Context, payload json.RawMessage, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &classify.UpstreamError{Name: "RequestBuildError", Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &classify.UpstreamError{Name: "ReadResponseError", Message: err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &classify.UpstreamError{
			StatusCode: resp.StatusCode,
			Message:    extractErrorMessage(body),
		}
	}

	return parseChatResponse(body)
}

// Health probes the upstream health endpoint, via HealthClient when set.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, &classify.UpstreamError{Name: "RequestBuildError", Message: err.Error()}
	}

	client := c.HTTPClient
	if c.HealthClient != nil {
		client = c.HealthClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return nil, &classify.UpstreamError{StatusCode: resp.StatusCode, Message: extractErrorMessage(body)}
	}

	return &HealthResult{OK: true, Details: body}, nil
}

func classifyTransportError(err error) error {
	return &classify.UpstreamError{Name: "TransportError", Message: fmt.Sprintf("upstream request failed: %s", err.Error())}
}

// extractErrorMessage pulls error.message out of an upstream error body,
// falling back to the raw body text.
func extractErrorMessage(body []byte) string {
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if len(body) == 0 {
		return ""
	}
	return string(body)
}

// parseChatResponse extracts the assistant text and any embedded JSON block
// from a chat-completion response body, treated as an opaque JSON bag.
func parseChatResponse(body json.RawMessage) (*Result, error) {
	text := gjson.GetBytes(body, "choices.0.message.content")
	modelPath := gjson.GetBytes(body, "model")

	res := &Result{
		AssistantText: text.String(),
		ModelPath:     modelPath.String(),
		Raw:           body,
	}

	if parsed := extractEmbeddedJSON(text.String()); parsed != nil {
		res.ParsedJSON = parsed
	}

	return res, nil
}

// extractEmbeddedJSON returns, raw, the first brace-balanced span of the
// assistant text that parses as JSON, for downstream gjson navigation by the
// envelope builder. Code fences are not recognized; an object inside a
// fenced block is found by the same brace scan.
func extractEmbeddedJSON(text string) json.RawMessage {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate)
					}
					start = -1
				}
			}
		}
	}
	return nil
}
