package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/extract"
	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

// switchControl is a test Control backed by atomics.
type switchControl struct {
	stopped atomic.Bool
	paused  atomic.Bool
}

func (c *switchControl) Stopped() bool { return c.stopped.Load() }
func (c *switchControl) Paused() bool  { return c.paused.Load() }

func makeChunks(n int) []*chunk.Chunk {
	out := make([]*chunk.Chunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &chunk.Chunk{
			ID:      fmt.Sprintf("wb-chunk-%d", i+1),
			Index:   i,
			Title:   fmt.Sprintf("第%d章", i+1),
			Content: fmt.Sprintf("章节%d的内容", i+1),
		})
	}
	return out
}

func jsonAdapter(exec func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)) Adapter {
	return Adapter{
		BuildPrompt:  func(c *chunk.Chunk) string { return "提取：" + c.Content },
		Execute:      exec,
		ParseEntries: extract.Parse,
	}
}

func entriesJSON(name string) string {
	return fmt.Sprintf(`{"entries":[{"category":"角色","name":"%s","content":"出场"}]}`, name)
}

func TestRunAllSucceed(t *testing.T) {
	chunks := makeChunks(4)
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		return &ExecuteResult{ResponseText: entriesJSON(req.Chunk.Title)}, nil
	})

	var progress []Progress
	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{
		OnProgress: func(p Progress) { progress = append(progress, p) },
	}, Options{})

	assert.True(t, sum.Completed)
	assert.False(t, sum.Stopped)
	assert.Equal(t, 4, sum.Succeeded)
	assert.Zero(t, sum.Failed)
	require.Len(t, sum.Results, 4)

	for _, c := range chunks {
		assert.True(t, c.Processed)
		assert.False(t, c.Failed)
	}
	// entries got stamped with their chunk id
	for _, r := range sum.Results {
		require.Len(t, r.Entries, 1)
		assert.Equal(t, []string{r.Chunk.ID}, r.Entries[0].SourceChunkIDs)
	}

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.Zero(t, last.Remaining)
}

func TestRunSkipsProcessedChunks(t *testing.T) {
	chunks := makeChunks(3)
	chunks[1].Processed = true

	var calls int32
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		atomic.AddInt32(&calls, 1)
		return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
	})
	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{}, Options{})

	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, sum.Completed)
}

func TestRunRetriesThenFails(t *testing.T) {
	chunks := makeChunks(1)
	var attempts int32
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("rate limit")
	})

	var errorAttempts []int
	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{
		OnChunkError: func(c *chunk.Chunk, attempt int, err *llm.APIError) {
			errorAttempts = append(errorAttempts, attempt)
			assert.Equal(t, llm.KindRateLimit, err.Kind)
		},
	}, Options{MaxRetries: 2, RetryBackoff: time.Millisecond})

	// MaxRetries 2 means three attempts total
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, []int{1, 2, 3}, errorAttempts)

	assert.Equal(t, 1, sum.Failed)
	assert.True(t, sum.Completed)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, 3, sum.Failures[0].Attempts)
	assert.True(t, chunks[0].Failed)
	assert.NotEmpty(t, chunks[0].ErrorMessage)
}

func TestRunRecoversOnRetry(t *testing.T) {
	chunks := makeChunks(1)
	var attempts int32
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, errors.New("timeout")
		}
		return &ExecuteResult{ResponseText: entriesJSON("林舟")}, nil
	})

	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{},
		Options{MaxRetries: 3, RetryBackoff: time.Millisecond})

	assert.Equal(t, 1, sum.Succeeded)
	require.Len(t, sum.Results, 1)
	assert.Equal(t, 3, sum.Results[0].Attempts)
	assert.True(t, chunks[0].Processed)
	assert.False(t, chunks[0].Failed)
}

func TestRunBlankResponseIsEmptyResponseError(t *testing.T) {
	chunks := makeChunks(1)
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		return &ExecuteResult{ResponseText: "   "}, nil
	})

	var kinds []llm.ErrorKind
	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{
		OnChunkError: func(c *chunk.Chunk, attempt int, err *llm.APIError) {
			kinds = append(kinds, err.Kind)
		},
	}, Options{})

	assert.Equal(t, 1, sum.Failed)
	require.NotEmpty(t, kinds)
	assert.Equal(t, llm.KindEmptyResponse, kinds[0])
}

func TestRunConcurrencyBound(t *testing.T) {
	const limit = 3
	chunks := makeChunks(12)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
		return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
	})

	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{},
		Options{ParallelEnabled: true, ParallelConcurrency: limit})

	assert.Equal(t, 12, sum.Succeeded)
	assert.LessOrEqual(t, peak, limit)
	assert.Greater(t, peak, 1)
}

func TestRunBatchMode(t *testing.T) {
	chunks := makeChunks(5)
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		time.Sleep(5 * time.Millisecond)
		return &ExecuteResult{ResponseText: entriesJSON(req.Chunk.Title)}, nil
	})

	sum := Run(context.Background(), chunks, adapter, &switchControl{}, Hooks{},
		Options{ParallelEnabled: true, ParallelConcurrency: 2, ParallelMode: ModeBatch})

	assert.True(t, sum.Completed)
	assert.Equal(t, 5, sum.Succeeded)
}

func TestRunStopAbortsInFlightAndPending(t *testing.T) {
	chunks := makeChunks(6)
	control := &switchControl{}

	started := make(chan struct{}, len(chunks))
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
		}
	})

	done := make(chan *Summary, 1)
	go func() {
		done <- Run(context.Background(), chunks, adapter, control, Hooks{},
			Options{ParallelEnabled: true, ParallelConcurrency: 2})
	}()

	<-started
	control.stopped.Store(true)

	select {
	case sum := <-done:
		assert.True(t, sum.Stopped)
		assert.False(t, sum.Completed)
		assert.Zero(t, sum.Succeeded)
		assert.Zero(t, sum.Failed)
		// never-launched chunks land in the skipped bucket, so every
		// chunk reaches a terminal outcome
		assert.Equal(t, sum.Total, sum.Succeeded+sum.Failed+sum.Skipped)
		assert.Equal(t, 6, sum.Skipped)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not wind down after stop")
	}
}

func TestRunBatchStopSkipsRemaining(t *testing.T) {
	chunks := makeChunks(6)
	control := &switchControl{}

	started := make(chan struct{}, len(chunks))
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
		}
	})

	done := make(chan *Summary, 1)
	go func() {
		done <- Run(context.Background(), chunks, adapter, control, Hooks{},
			Options{ParallelEnabled: true, ParallelConcurrency: 2, ParallelMode: ModeBatch})
	}()

	<-started
	control.stopped.Store(true)

	select {
	case sum := <-done:
		assert.True(t, sum.Stopped)
		assert.Equal(t, sum.Total, sum.Succeeded+sum.Failed+sum.Skipped)
	case <-time.After(3 * time.Second):
		t.Fatal("batch run did not wind down after stop")
	}
}

func TestRunPauseBlocksNewLaunches(t *testing.T) {
	chunks := makeChunks(3)
	control := &switchControl{}
	control.paused.Store(true)

	var calls int32
	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		atomic.AddInt32(&calls, 1)
		return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
	})

	done := make(chan *Summary, 1)
	go func() {
		done <- Run(context.Background(), chunks, adapter, control, Hooks{}, Options{})
	}()

	// nothing launches while paused
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&calls))

	control.paused.Store(false)
	select {
	case sum := <-done:
		assert.Equal(t, 3, sum.Succeeded)
		assert.True(t, sum.Completed)
	case <-time.After(3 * time.Second):
		t.Fatal("run did not resume")
	}
}

func TestRunCancelledContextSkips(t *testing.T) {
	chunks := makeChunks(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := jsonAdapter(func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
		return &ExecuteResult{ResponseText: entriesJSON("x")}, nil
	})
	sum := Run(ctx, chunks, adapter, &switchControl{}, Hooks{}, Options{})
	assert.Zero(t, sum.Succeeded)
	assert.False(t, sum.Completed)
}

func TestOptionsConcurrency(t *testing.T) {
	assert.Equal(t, 1, Options{}.Concurrency())
	assert.Equal(t, 1, Options{ParallelEnabled: true}.Concurrency())
	assert.Equal(t, 4, Options{ParallelEnabled: true, ParallelConcurrency: 4}.Concurrency())
	assert.Equal(t, 1, Options{ParallelConcurrency: 8}.Concurrency())
}

func TestBackoff(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, backoff(base, 1))
	assert.Equal(t, 2*time.Second, backoff(base, 2))
	assert.Equal(t, 4*time.Second, backoff(base, 3))
	// caps at ten seconds
	assert.Equal(t, 10*time.Second, backoff(base, 5))
	assert.Equal(t, 10*time.Second, backoff(base, 60))
	assert.Equal(t, time.Duration(0), backoff(0, 3))
}
