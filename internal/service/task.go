package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kittclouds/lorekit/internal/extract"
	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/pipeline"
	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

// control adapts the service's pause/stop flags to the pipeline.
type control struct{ s *Service }

func (c control) Stopped() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.stopped
}

func (c control) Paused() bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.paused
}

// adapter builds the prompt/execute/parse triple for the current config.
func (s *Service) adapter() pipeline.Adapter {
	return pipeline.Adapter{
		BuildPrompt: func(c *chunk.Chunk) string {
			p := strings.ReplaceAll(s.cfg.PromptTemplate, "{CHUNK_TITLE}", c.Title)
			return strings.ReplaceAll(p, "{CHUNK_CONTENT}", c.Content)
		},
		Execute: func(ctx context.Context, req pipeline.ExecuteRequest) (*pipeline.ExecuteResult, error) {
			resp, err := s.client.Complete(ctx, llm.Request{
				System:  s.cfg.SystemPrompt,
				Prompt:  req.Prompt,
				Attempt: req.Attempt,
			})
			if err != nil {
				return nil, err
			}
			return &pipeline.ExecuteResult{
				ResponseText: resp.Text,
				OutputTokens: resp.OutputTokens,
				Raw:          resp.Raw,
			}, nil
		},
		ParseEntries: extract.Parse,
	}
}

func (s *Service) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		ParallelEnabled:     s.cfg.ParallelEnabled,
		ParallelConcurrency: s.cfg.ParallelConcurrency,
		ParallelMode:        s.cfg.ParallelMode,
		MaxRetries:          s.cfg.MaxRetries,
		RetryBackoff:        s.cfg.RetryBackoff,
		Logger:              s.log,
	}
}

// Start runs the pipeline over the pending queue. It returns immediately;
// Wait blocks until the run finishes. Calling Start while a run is active
// is an error.
func (s *Service) Start(ctx context.Context, hooks pipeline.Hooks) error {
	s.mu.Lock()
	if s.runDone != nil {
		s.mu.Unlock()
		return fmt.Errorf("service: task already running")
	}
	if len(s.chunks) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("service: no chunks prepared")
	}
	s.stopped = false
	s.paused = false
	s.status = store.StatusProcessing
	s.runID = s.IDGen()
	runID := s.runID
	done := make(chan struct{})
	s.runDone = done
	chunks := s.chunks
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("task started", "run", runID, "chunks", len(chunks))
	}

	wrapped := s.wrapHooks(hooks)
	go func() {
		defer close(done)
		summary := pipeline.Run(ctx, chunks, s.adapter(), control{s}, wrapped, s.pipelineOptions())

		s.mu.Lock()
		switch {
		case summary.Stopped:
			s.status = store.StatusIdle
		case summary.Failed > 0:
			s.status = store.StatusError
		default:
			s.status = store.StatusCompleted
		}
		s.runDone = nil
		s.mu.Unlock()

		s.flushMerges()
		if err := s.persistState(); err != nil && s.log != nil {
			s.log.Error("persist final state", "run", runID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until the active run, if any, finishes.
func (s *Service) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// wrapHooks chains the service's own bookkeeping in front of the
// caller's callbacks. Each successful chunk enqueues a serialized
// history merge; the caller's hook fires afterwards.
func (s *Service) wrapHooks(hooks pipeline.Hooks) pipeline.Hooks {
	callerSuccess := hooks.OnChunkSuccess
	hooks.OnChunkSuccess = func(res *pipeline.ChunkResult) {
		s.enqueueMerge(res)
		if callerSuccess != nil {
			callerSuccess(res)
		}
	}
	return hooks
}

// Pause blocks new chunk launches. Attempts already in flight keep
// running; only resume or stop changes that.
func (s *Service) Pause() {
	s.mu.Lock()
	if s.status == store.StatusProcessing {
		s.paused = true
		s.status = store.StatusPaused
	}
	s.mu.Unlock()
}

// Resume lets waiting chunks proceed.
func (s *Service) Resume() {
	s.mu.Lock()
	if s.paused {
		s.paused = false
		s.status = store.StatusProcessing
	}
	s.mu.Unlock()
}

// Stop aborts the run: queued chunks are skipped and in-flight attempts
// cancel within one watchdog interval.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.paused = false
	s.mu.Unlock()
}

// Reset stops any run, clears the queue, the tree, and the persisted
// snapshot.
func (s *Service) Reset() error {
	s.Stop()
	s.Wait()
	s.flushMerges()

	s.mu.Lock()
	s.chunks = nil
	s.tree = make(worldbook.Tree)
	s.status = store.StatusIdle
	s.stopped = false
	s.paused = false
	s.fileName = ""
	s.fileHash = ""
	s.mu.Unlock()

	return s.store.ClearState()
}

// RetryFailedChunk re-runs one failed chunk by id through the reroll
// machinery and merges its entries.
func (s *Service) RetryFailedChunk(ctx context.Context, chunkID string) error {
	s.mu.Lock()
	var target *chunk.Chunk
	for _, c := range s.chunks {
		if c.ID == chunkID {
			target = c
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return fmt.Errorf("service: chunk %s not found", chunkID)
	}
	if !target.Failed {
		return fmt.Errorf("service: chunk %s is not failed", chunkID)
	}

	res, err := pipeline.RerollChunk(ctx, target, s.adapter(), s.pipelineOptions())
	if err != nil {
		return err
	}

	s.mu.Lock()
	target.Processed = true
	target.Failed = false
	target.ErrorMessage = ""
	s.mu.Unlock()

	res.Chunk = target
	s.enqueueMerge(res)
	s.flushMerges()
	return s.persistState()
}

// RetryAllFailedChunks re-runs every failed chunk through the normal
// pipeline path; pending selection picks exactly the failed ones.
func (s *Service) RetryAllFailedChunks(ctx context.Context, hooks pipeline.Hooks) error {
	s.mu.Lock()
	anyFailed := false
	for _, c := range s.chunks {
		if c.Failed {
			anyFailed = true
			break
		}
	}
	s.mu.Unlock()

	if !anyFailed {
		return nil
	}
	return s.Start(ctx, hooks)
}
