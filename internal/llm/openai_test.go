package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripFunc lets a test script the HTTP exchange without a listener.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func newTestClient(t *testing.T, rt roundTripFunc) *OpenAIClient {
	t.Helper()
	c, err := NewOpenAIWithHTTPClient(OpenAIConfig{
		BaseURL: "http://llm.test",
		APIKey:  "sk-test",
		Model:   "test-model",
	}, &http.Client{Transport: rt})
	require.NoError(t, err)
	return c
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestOpenAIComplete(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "http://llm.test/v1/chat/completions", r.URL.String())
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &captured))
		return jsonResponse(200, `{"choices":[{"message":{"content":"{\"entries\":[]}"}}],"usage":{"completion_tokens":7}}`), nil
	})

	resp, err := c.Complete(context.Background(), Request{System: "你是提取助手", Prompt: "第1章内容"})
	require.NoError(t, err)
	assert.Equal(t, `{"entries":[]}`, resp.Text)
	assert.Equal(t, 7, resp.OutputTokens)

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
}

func TestOpenAIRateLimit(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(429, `{"error":{"message":"rate limited"}}`), nil
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindRateLimit, api.Kind)
	assert.Equal(t, 429, api.StatusCode)
	assert.Contains(t, api.ResponseSnippet, "rate limited")
	assert.True(t, api.Retryable())
}

func TestOpenAIServerError(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(500, `oops`), nil
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindHTTPError, api.Kind)
}

func TestOpenAIBadJSON(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `not json at all`), nil
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindJSONParse, api.Kind)
	assert.False(t, api.Retryable())
}

func TestOpenAIEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"choices":[]}`), nil
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindEmptyResponse, api.Kind)
	assert.True(t, api.Retryable())
}

func TestOpenAIBlankContent(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"choices":[{"message":{"content":"   "}}]}`), nil
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindEmptyResponse, api.Kind)
}

func TestOpenAICancelledContext(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Complete(ctx, Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindAborted, api.Kind)
}

func TestOpenAINetworkError(t *testing.T) {
	c := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	_, err := c.Complete(context.Background(), Request{Prompt: "x"})

	var api *APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, KindNetwork, api.Kind)
	assert.True(t, api.Retryable())
}

func TestNewOpenAIValidation(t *testing.T) {
	_, err := NewOpenAI(OpenAIConfig{Model: "m"})
	assert.Error(t, err)
	_, err = NewOpenAI(OpenAIConfig{BaseURL: "http://x"})
	assert.Error(t, err)

	c, err := NewOpenAI(OpenAIConfig{BaseURL: "http://x/", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "openai-compatible", c.Provider())
}
