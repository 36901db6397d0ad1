// Package classify maps upstream chat-completion errors onto the stable
// error taxonomy the queue manager uses to decide retry and cooldown
// behavior, grounded on the status/message dispatch the upstream chat
// provider client uses to decide whether to retry a call.
package classify

import (
	"errors"
	"net/http"
	"strings"
)

// Code is a stable, user-facing error code.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeJobNotFound         Code = "JOB_NOT_FOUND"
	CodeJobCancelled        Code = "JOB_CANCELLED"
	CodeQueueBackpressure   Code = "QUEUE_BACKPRESSURE"
	CodeQueueCooldownActive Code = "QUEUE_COOLDOWN_ACTIVE"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamLogin       Code = "UPSTREAM_LOGIN_REQUIRED"
	CodeUpstreamRateLimit   Code = "UPSTREAM_RATE_LIMITED"
	CodeUpstreamChallenge   Code = "UPSTREAM_CHALLENGE"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamBadResponse Code = "UPSTREAM_BAD_RESPONSE"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// APIError is the classifier's public, fixed-shape output.
type APIError struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// UpstreamError is the shape an upstream chat client is expected to surface
// for transport/API failures. StatusCode and ErrCode are optional hints;
// when absent the classifier falls back to message-pattern matching.
type UpstreamError struct {
	Name       string
	ErrCode    string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Name
}

var challengeMarkers = []string{"just a moment", "challenge", "verify you are human"}

// Classify maps an arbitrary error from the upstream client into the public
// error taxonomy. Evaluation order matters: the first matching rule wins.
func Classify(err error) *APIError {
	if err == nil {
		return nil
	}

	name, code, status, msg := extract(err)
	lowerMsg := strings.ToLower(msg)
	lowerName := strings.ToLower(name)

	switch {
	case strings.Contains(lowerName, "timeout") || strings.Contains(lowerMsg, "timeout"):
		return &APIError{Code: CodeUpstreamTimeout, Message: orDefault(msg, "upstream request timed out"), Status: http.StatusGatewayTimeout, Retryable: true}

	case status == http.StatusUnauthorized || code == "LOGIN_REQUIRED":
		return &APIError{Code: CodeUpstreamLogin, Message: orDefault(msg, "upstream login required"), Status: http.StatusUnauthorized, Retryable: false}

	case status == http.StatusTooManyRequests || strings.Contains(lowerMsg, "rate limit"):
		return &APIError{Code: CodeUpstreamRateLimit, Message: orDefault(msg, "upstream rate limited"), Status: http.StatusTooManyRequests, Retryable: true}

	case containsAny(lowerMsg, challengeMarkers):
		return &APIError{Code: CodeUpstreamChallenge, Message: orDefault(msg, "upstream challenge encountered"), Status: http.StatusServiceUnavailable, Retryable: true}

	case status >= 500 && status <= 599:
		return &APIError{Code: CodeUpstreamUnavailable, Message: orDefault(msg, "upstream unavailable"), Status: http.StatusServiceUnavailable, Retryable: true}

	case status >= 400 && status <= 499:
		return &APIError{Code: CodeUpstreamBadResponse, Message: orDefault(msg, "upstream rejected the request"), Status: http.StatusFailedDependency, Retryable: false}

	default:
		return &APIError{Code: CodeInternal, Message: orDefault(msg, "internal error"), Status: http.StatusInternalServerError, Retryable: false}
	}
}

// extract pulls out the name/code/status/message fields the classifier
// dispatches on, regardless of whether the error is an *UpstreamError or an
// arbitrary error value.
func extract(err error) (name, code string, status int, msg string) {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Name, up.ErrCode, up.StatusCode, up.Message
	}
	return "", "", 0, err.Error()
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// BuildAPIError wraps an admission-level code (raised by the queue manager,
// never by Classify) into the same public shape, so the HTTP surface treats
// every error uniformly.
func BuildAPIError(code Code, status int, message string, retryable bool) *APIError {
	return &APIError{Code: code, Message: message, Status: status, Retryable: retryable}
}
