// Package pipeline drives chunks through prompt → API call → parse under
// a concurrency limit, with pause/resume, stop, and per-chunk retry with
// exponential backoff. It is agnostic to which LLM provider the adapter
// talks to.
package pipeline

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kittclouds/lorekit/internal/extract"
	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/logger"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
	"github.com/kittclouds/lorekit/pkg/semaphore"
)

// ErrStopped is the abort reason used when a run is stopped externally.
var ErrStopped = errors.New("pipeline: stopped")

// Mode selects how concurrent chunk tasks are scheduled.
type Mode string

const (
	// ModeIndependent launches pending chunks through a rolling window:
	// up to concurrency tasks in flight, a new one starting whenever a
	// semaphore slot frees up.
	ModeIndependent Mode = "independent"
	// ModeBatch slices pending chunks into fixed groups of concurrency
	// and awaits each group fully before the next starts.
	ModeBatch Mode = "batch"
)

const (
	watchdogTick  = 120 * time.Millisecond
	pausePollTick = 50 * time.Millisecond
	maxBackoff    = 10 * time.Second
)

// Options configures one run.
type Options struct {
	ParallelEnabled     bool
	ParallelConcurrency int
	ParallelMode        Mode
	MaxRetries          int
	RetryBackoff        time.Duration
	Logger              *logger.Logger
}

// Concurrency returns the effective limit: 1 when parallel mode is off.
func (o Options) Concurrency() int {
	if !o.ParallelEnabled {
		return 1
	}
	if o.ParallelConcurrency < 1 {
		return 1
	}
	return o.ParallelConcurrency
}

// ExecuteRequest is one API attempt handed to the adapter.
type ExecuteRequest struct {
	Chunk   *chunk.Chunk
	Prompt  string
	Attempt int
}

// ExecuteResult is the adapter's raw outcome.
type ExecuteResult struct {
	ResponseText string
	OutputTokens int
	Raw          []byte
}

// Adapter supplies the three caller-owned functions the orchestrator
// drives. ParseEntries may be nil when the caller only wants raw text.
type Adapter struct {
	BuildPrompt  func(c *chunk.Chunk) string
	Execute      func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	ParseEntries func(responseText string, c *chunk.Chunk) []*worldbook.Entry
}

// Control exposes the caller's stop and pause switches. Stopped and
// Paused are polled at every cooperative point.
type Control interface {
	Stopped() bool
	Paused() bool
}

// ChunkResult is one successful chunk.
type ChunkResult struct {
	Chunk        *chunk.Chunk
	Entries      []*worldbook.Entry
	ResponseText string
	OutputTokens int
	Attempts     int
	Elapsed      time.Duration
}

// ChunkFailure is one exhausted chunk.
type ChunkFailure struct {
	Chunk    *chunk.Chunk
	Err      *llm.APIError
	Attempts int
}

// Progress is a monotonic snapshot emitted after every state transition.
type Progress struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Running   int
	Remaining int
	Percent   float64
}

// Summary is the completion report. Completed means the run finished on
// its own with every chunk reaching a terminal outcome.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Completed bool
	Stopped   bool
	Results   []*ChunkResult
	Failures  []*ChunkFailure
}

// Hooks are optional caller callbacks. Nil fields are skipped.
type Hooks struct {
	OnStart        func(total int)
	OnChunkStart   func(c *chunk.Chunk, attempt int)
	OnChunkSuccess func(res *ChunkResult)
	OnChunkError   func(c *chunk.Chunk, attempt int, err *llm.APIError)
	OnProgress     func(p Progress)
	OnComplete     func(s *Summary)
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// runState tracks terminal buckets. Every chunk transitions through
// exactly one, so progress totals are never double-counted.
type runState struct {
	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	skipped   int
	running   int

	results  []*ChunkResult
	failures []*ChunkFailure

	active map[int64]context.CancelFunc
	nextID int64
}

func (s *runState) trackAttempt(cancel context.CancelFunc) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.active[s.nextID] = cancel
	return s.nextID
}

func (s *runState) untrackAttempt(id int64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

func (s *runState) abortActive() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, c := range s.active {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (s *runState) snapshot() Progress {
	done := s.succeeded + s.failed + s.skipped
	remaining := s.total - done - s.running
	if remaining < 0 {
		remaining = 0
	}
	percent := 100.0
	if s.total > 0 {
		percent = math.Round(float64(done)/float64(s.total)*1000) / 10
	}
	return Progress{
		Total:     s.total,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Skipped:   s.skipped,
		Running:   s.running,
		Remaining: remaining,
		Percent:   percent,
	}
}

// Run processes every pending chunk (not yet processed, or failed) and
// returns the completion summary. Already-successful chunks are skipped
// over entirely, so re-entrant calls on a partially completed queue are
// safe.
func Run(ctx context.Context, chunks []*chunk.Chunk, adapter Adapter, control Control, hooks Hooks, opts Options) *Summary {
	log := opts.Logger

	pending := make([]*chunk.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Pending() {
			pending = append(pending, c)
		}
	}

	state := &runState{
		total:  len(pending),
		active: map[int64]context.CancelFunc{},
	}

	if hooks.OnStart != nil {
		hooks.OnStart(state.total)
	}
	emitProgress(state, hooks)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	concurrency := opts.Concurrency()
	sem := semaphore.New(concurrency)

	// The watchdog turns an external stop into a prompt wind-down:
	// queued semaphore waiters reject and in-flight attempts cancel
	// within one polling interval.
	watchdogDone := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(watchdogTick)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if control.Stopped() {
					sem.Abort(ErrStopped)
					state.abortActive()
					return
				}
			}
		}
	}()

	r := &runner{
		adapter: adapter,
		control: control,
		hooks:   hooks,
		opts:    opts,
		state:   state,
		sem:     sem,
		log:     log,
	}

	switch opts.ParallelMode {
	case ModeBatch:
		r.runBatched(runCtx, pending, concurrency)
	default:
		r.runIndependent(runCtx, pending)
	}

	cancelRun()
	<-watchdogDone

	stopped := control.Stopped()
	state.mu.Lock()
	summary := &Summary{
		Total:     state.total,
		Succeeded: state.succeeded,
		Failed:    state.failed,
		Skipped:   state.skipped,
		Stopped:   stopped,
		Completed: !stopped && state.succeeded+state.failed >= state.total,
		Results:   state.results,
		Failures:  state.failures,
	}
	state.mu.Unlock()

	if log != nil {
		log.Info("pipeline run finished",
			"total", summary.Total,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"skipped", summary.Skipped,
			"stopped", summary.Stopped)
	}
	if hooks.OnComplete != nil {
		hooks.OnComplete(summary)
	}
	return summary
}

type runner struct {
	adapter Adapter
	control Control
	hooks   Hooks
	opts    Options
	state   *runState
	sem     *semaphore.Semaphore
	log     *logger.Logger
}

// runIndependent walks the queue launching one task per pending chunk,
// each behind a semaphore slot. The walk pauses cooperatively before
// every launch and aborts once a stop is observed.
func (r *runner) runIndependent(ctx context.Context, pending []*chunk.Chunk) {
	var wg sync.WaitGroup
	launched := 0
	for _, c := range pending {
		if !r.waitRunnable(ctx) {
			break
		}
		if err := r.sem.Acquire(ctx); err != nil {
			break
		}
		launched++
		wg.Add(1)
		go func(c *chunk.Chunk) {
			defer wg.Done()
			defer r.sem.Release()
			r.process(ctx, c)
		}(c)
	}
	r.skipUndispatched(len(pending) - launched)
	wg.Wait()
}

// skipUndispatched moves chunks the launch walk never dispatched into
// the skipped bucket, so a stopped run still accounts for every pending
// chunk and succeeded+failed+skipped reaches total.
func (r *runner) skipUndispatched(n int) {
	if n <= 0 {
		return
	}
	r.state.mu.Lock()
	r.state.skipped += n
	r.state.mu.Unlock()
	emitProgress(r.state, r.hooks)
}

// runBatched awaits each fixed-size group fully before the next starts.
func (r *runner) runBatched(ctx context.Context, pending []*chunk.Chunk, size int) {
	for start := 0; start < len(pending); start += size {
		if r.control.Stopped() {
			r.skipUndispatched(len(pending) - start)
			return
		}
		end := start + size
		if end > len(pending) {
			end = len(pending)
		}
		var wg sync.WaitGroup
		launched := 0
		for _, c := range pending[start:end] {
			if !r.waitRunnable(ctx) {
				break
			}
			if err := r.sem.Acquire(ctx); err != nil {
				break
			}
			launched++
			wg.Add(1)
			go func(c *chunk.Chunk) {
				defer wg.Done()
				defer r.sem.Release()
				r.process(ctx, c)
			}(c)
		}
		r.skipUndispatched(end - start - launched)
		wg.Wait()
	}
}

// waitRunnable blocks while paused. Returns false when a stop arrives or
// the context dies; pausing never cancels work already in flight.
func (r *runner) waitRunnable(ctx context.Context) bool {
	for {
		if r.control.Stopped() || ctx.Err() != nil {
			return false
		}
		if !r.control.Paused() {
			return true
		}
		if err := sleepWithCtx(ctx, pausePollTick); err != nil {
			return false
		}
	}
}

// process runs one chunk to a terminal outcome and records it.
func (r *runner) process(ctx context.Context, c *chunk.Chunk) {
	r.state.mu.Lock()
	r.state.running++
	c.Processing = true
	r.state.mu.Unlock()
	emitProgress(r.state, r.hooks)

	res, failure, out := r.processWithRetry(ctx, c)

	r.state.mu.Lock()
	r.state.running--
	c.Processing = false
	switch out {
	case outcomeSucceeded:
		c.Processed = true
		c.Failed = false
		c.ErrorMessage = ""
		r.state.succeeded++
		r.state.results = append(r.state.results, res)
	case outcomeFailed:
		c.Failed = true
		c.ErrorMessage = failure.Err.Error()
		r.state.failed++
		r.state.failures = append(r.state.failures, failure)
	case outcomeSkipped:
		r.state.skipped++
	}
	r.state.mu.Unlock()
	emitProgress(r.state, r.hooks)

	if out == outcomeSucceeded && r.hooks.OnChunkSuccess != nil {
		r.hooks.OnChunkSuccess(res)
	}
}

// processWithRetry runs up to MaxRetries+1 attempts. A stop observed at
// any cooperative point, or an abort caused by one, terminates the chunk
// as skipped without consuming a retry.
func (r *runner) processWithRetry(ctx context.Context, c *chunk.Chunk) (*ChunkResult, *ChunkFailure, outcome) {
	attempts := r.opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	start := time.Now()

	var lastRes *ChunkResult
	var lastErr *llm.APIError
	for attempt := 1; attempt <= attempts; attempt++ {
		if !r.waitRunnable(ctx) {
			return nil, nil, outcomeSkipped
		}
		if r.hooks.OnChunkStart != nil {
			r.hooks.OnChunkStart(c, attempt)
		}

		apiErr := func() *llm.APIError {
			attemptCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			id := r.state.trackAttempt(cancel)
			defer r.state.untrackAttempt(id)

			prompt := r.adapter.BuildPrompt(c)
			res, err := r.adapter.Execute(attemptCtx, ExecuteRequest{Chunk: c, Prompt: prompt, Attempt: attempt})
			if err != nil {
				return llm.Classify(err, "")
			}
			if strings.TrimSpace(res.ResponseText) == "" {
				return &llm.APIError{Kind: llm.KindEmptyResponse, Cause: errors.New("blank response text")}
			}

			var entries []*worldbook.Entry
			if r.adapter.ParseEntries != nil {
				entries = r.adapter.ParseEntries(res.ResponseText, c)
			}
			extract.StampSourceChunk(entries, c.ID)

			tokens := res.OutputTokens
			if tokens <= 0 {
				tokens = chunk.EstimateTokens(res.ResponseText)
			}
			lastRes = &ChunkResult{
				Chunk:        c,
				Entries:      entries,
				ResponseText: res.ResponseText,
				OutputTokens: tokens,
				Attempts:     attempt,
				Elapsed:      time.Since(start),
			}
			return nil
		}()

		if apiErr == nil {
			return lastRes, nil, outcomeSucceeded
		}

		c.RetryCount = attempt
		lastErr = apiErr
		if r.hooks.OnChunkError != nil {
			r.hooks.OnChunkError(c, attempt, apiErr)
		}
		if r.log != nil {
			r.log.Warn("chunk attempt failed",
				"chunk", c.ID, "attempt", attempt, "kind", string(apiErr.Kind))
		}

		// An abort triggered by an external stop means skip, not fail.
		if apiErr.Kind == llm.KindAborted && (r.control.Stopped() || ctx.Err() != nil) {
			return nil, nil, outcomeSkipped
		}
		if attempt < attempts && !r.control.Stopped() {
			if err := sleepWithCtx(ctx, backoff(r.opts.RetryBackoff, attempt)); err != nil {
				return nil, nil, outcomeSkipped
			}
			continue
		}
		break
	}

	return nil, &ChunkFailure{Chunk: c, Err: lastErr, Attempts: attempts}, outcomeFailed
}

// backoff grows exponentially with the attempt just failed, capped at
// maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

func emitProgress(state *runState, hooks Hooks) {
	if hooks.OnProgress == nil {
		return
	}
	state.mu.Lock()
	p := state.snapshot()
	state.mu.Unlock()
	hooks.OnProgress(p)
}

func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
