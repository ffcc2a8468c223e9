package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 120 * time.Second

const snippetLimit = 500

// OpenAIConfig configures the OpenAI-compatible adapter. Any endpoint that
// speaks the /v1/chat/completions wire shape works.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Path        string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	path       string
	timeout    time.Duration
	temp       float64
	maxTokens  int
	httpClient *http.Client
}

// NewOpenAI builds the adapter. BaseURL and Model are required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("llm: base url required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm: model required")
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "/v1/chat/completions"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      cfg.Model,
		path:       path,
		timeout:    timeout,
		temp:       cfg.Temperature,
		maxTokens:  cfg.MaxTokens,
		httpClient: &http.Client{Transport: tr},
	}, nil
}

// NewOpenAIWithHTTPClient is intended for tests; it avoids network access
// by using a custom RoundTripper.
func NewOpenAIWithHTTPClient(cfg OpenAIConfig, httpClient *http.Client) (*OpenAIClient, error) {
	c, err := NewOpenAI(cfg)
	if err != nil {
		return nil, err
	}
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c, nil
}

func (c *OpenAIClient) Provider() string { return "openai-compatible" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: c.temp,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, Provider: c.Provider(), Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, Provider: c.Provider(), Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, c.transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Kind:            kindForStatus(resp.StatusCode),
			Provider:        c.Provider(),
			StatusCode:      resp.StatusCode,
			ResponseSnippet: snippet(raw),
			Cause:           fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &APIError{
			Kind:            KindJSONParse,
			Provider:        c.Provider(),
			StatusCode:      resp.StatusCode,
			ResponseSnippet: snippet(raw),
			Cause:           err,
		}
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, &APIError{
			Kind:            KindEmptyResponse,
			Provider:        c.Provider(),
			StatusCode:      resp.StatusCode,
			ResponseSnippet: snippet(raw),
			Cause:           errors.New("no completion content"),
		}
	}

	return &Response{
		Text:         parsed.Choices[0].Message.Content,
		OutputTokens: parsed.Usage.CompletionTokens,
		Raw:          raw,
	}, nil
}

// transportError distinguishes caller aborts and deadline expiry from
// genuine network failures.
func (c *OpenAIClient) transportError(ctx context.Context, err error) *APIError {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		return &APIError{Kind: KindAborted, Provider: c.Provider(), Cause: err}
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		return &APIError{Kind: KindTimeout, Provider: c.Provider(), Cause: err}
	default:
		return &APIError{Kind: KindNetwork, Provider: c.Provider(), Cause: err}
	}
}

func snippet(raw []byte) string {
	s := string(raw)
	if len(s) > snippetLimit {
		s = s[:snippetLimit]
	}
	return s
}
