package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwl/asyncrelay/internal/classify"
)

func TestChatCompletionsSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"claude-3","choices":[{"message":{"content":"hello {\"confidence\":0.8} world"}}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "key", nil)
	res, err := c.ChatCompletions(context.Background(), []byte(`{"model":"claude-3"}`), 0)
	require.NoError(t, err)
	assert.Equal(t, "claude-3", res.ModelPath)
	assert.Contains(t, res.AssistantText, "hello")
	require.NotNil(t, res.ParsedJSON)
	assert.JSONEq(t, `{"confidence":0.8}`, string(res.ParsedJSON))
}

func TestChatCompletionsErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil)
	_, err := c.ChatCompletions(context.Background(), []byte(`{}`), 0)
	require.Error(t, err)

	var upErr *classify.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, http.StatusTooManyRequests, upErr.StatusCode)
	assert.Equal(t, "slow down", upErr.Message)
}

func TestHealthSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil)
	res, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestHealthUsesHealthClientWhenSet(t *testing.T) {
	t.Parallel()

	var hitPrimary, hitHealth bool
	c := NewHTTPClient("http://upstream.invalid", "", &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hitPrimary = true
		return nil, assert.AnError
	})})
	c.HealthClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hitHealth = true
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: make(http.Header)}, nil
	})}

	_, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, hitHealth)
	assert.False(t, hitPrimary)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestChatCompletionsRespectsTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil)
	_, err := c.ChatCompletions(context.Background(), []byte(`{}`), 1*time.Millisecond)
	require.Error(t, err)
}

func TestExtractEmbeddedJSONNoJSON(t *testing.T) {
	t.Parallel()
	assert.Nil(t, extractEmbeddedJSON("just plain text"))
}

func TestExtractEmbeddedJSONNestedBraces(t *testing.T) {
	t.Parallel()
	raw := extractEmbeddedJSON(`prefix {"a":{"b":1}} suffix`)
	require.NotNil(t, raw)
	assert.JSONEq(t, `{"a":{"b":1}}`, string(json.RawMessage(raw)))
}
