// Package llm defines the provider-agnostic completion client used by the
// extraction pipeline, with an OpenAI-compatible HTTP implementation and a
// scripted mock for tests.
package llm

import "context"

// Request is one completion call. Attempt is 1-based and carried for
// logging only.
type Request struct {
	System  string
	Prompt  string
	Attempt int
}

// Response is the provider-normalized result.
type Response struct {
	Text         string
	OutputTokens int
	Raw          []byte
}

// Client executes completion requests. Implementations must honor ctx
// cancellation promptly and return *APIError for every failure.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
}
