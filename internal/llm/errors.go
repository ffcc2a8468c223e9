package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies an API failure for retry decisions.
type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindRateLimit     ErrorKind = "rate_limit"
	KindJSONParse     ErrorKind = "json_parse"
	KindEmptyResponse ErrorKind = "empty_response"
	KindHTTPError     ErrorKind = "http_error"
	KindAborted       ErrorKind = "aborted"
	KindNetwork       ErrorKind = "network"
	KindUnknown       ErrorKind = "unknown"
)

// APIError is the error surfaced to the orchestrator for every failed call.
type APIError struct {
	Kind            ErrorKind
	Provider        string
	StatusCode      int
	ResponseSnippet string
	Cause           error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("llm: %s error", e.Kind)
	if e.Provider != "" {
		msg += " (" + e.Provider + ")"
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt could plausibly succeed.
// Parse failures and aborts never retry; everything transient does.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindNetwork, KindEmptyResponse, KindHTTPError:
		return true
	default:
		return false
	}
}

// Classify wraps an arbitrary error into an APIError. Already-classified
// errors pass through; context cancellation maps to aborted, deadline to
// timeout, then message heuristics apply.
func Classify(err error, provider string) *APIError {
	if err == nil {
		return nil
	}
	var api *APIError
	if errors.As(err, &api) {
		return api
	}
	if errors.Is(err, context.Canceled) {
		return &APIError{Kind: KindAborted, Provider: provider, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Provider: provider, Cause: err}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(msg, "超时"):
		return &APIError{Kind: KindTimeout, Provider: provider, Cause: err}
	case strings.Contains(lower, "rate limit") || strings.Contains(msg, "限流"):
		return &APIError{Kind: KindRateLimit, Provider: provider, Cause: err}
	case lower == "aborted":
		return &APIError{Kind: KindAborted, Provider: provider, Cause: err}
	}
	return &APIError{Kind: KindUnknown, Provider: provider, Cause: err}
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 408 || status == 504:
		return KindTimeout
	default:
		return KindHTTPError
	}
}
