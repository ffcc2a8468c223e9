package llm

import (
	"context"
	"sync"
)

// MockResult scripts one Complete call of the mock client.
type MockResult struct {
	Text  string
	Err   error
	Delay func(ctx context.Context) error
}

// Mock is a scripted Client for tests and offline runs. Results are
// consumed in order; when the script runs out the last result repeats.
type Mock struct {
	mu      sync.Mutex
	results []MockResult
	calls   []Request
}

// NewMock builds a mock that replays the given results.
func NewMock(results ...MockResult) *Mock {
	return &Mock{results: results}
}

func (m *Mock) Provider() string { return "mock" }

func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	var res MockResult
	if len(m.results) > 0 {
		res = m.results[0]
		if len(m.results) > 1 {
			m.results = m.results[1:]
		}
	}
	m.mu.Unlock()

	if res.Delay != nil {
		if err := res.Delay(ctx); err != nil {
			return nil, Classify(err, m.Provider())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, Classify(err, m.Provider())
	}
	if res.Err != nil {
		return nil, Classify(res.Err, m.Provider())
	}
	return &Response{Text: res.Text}, nil
}

// Calls returns a copy of every request seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request{}, m.calls...)
}
