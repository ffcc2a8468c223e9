package pipeline

import (
	"context"
	"fmt"

	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

// freeControl never pauses or stops; rerolls run outside the main
// pipeline's control surface and rely on ctx for cancellation.
type freeControl struct{}

func (freeControl) Stopped() bool { return false }
func (freeControl) Paused() bool  { return false }

// RerollChunk re-executes a single chunk through the same API and parse
// machinery regardless of its processed flag. The chunk passed in is not
// mutated; the returned result references a working copy.
func RerollChunk(ctx context.Context, c *chunk.Chunk, adapter Adapter, opts Options) (*ChunkResult, error) {
	work := *c
	work.Processed = false
	work.Failed = false
	work.Processing = false
	work.RetryCount = 0
	work.ErrorMessage = ""

	summary := Run(ctx, []*chunk.Chunk{&work}, adapter, freeControl{}, Hooks{}, opts)
	if len(summary.Results) == 1 {
		return summary.Results[0], nil
	}
	if len(summary.Failures) == 1 {
		return nil, summary.Failures[0].Err
	}
	return nil, fmt.Errorf("pipeline: reroll of %s produced no outcome", c.ID)
}

// RerollEntry re-executes one chunk and plucks the named entry from the
// parse result. Entries other than the target are discarded; a response
// that no longer mentions the target is an error, not a silent miss.
func RerollEntry(ctx context.Context, c *chunk.Chunk, category, name string, adapter Adapter, opts Options) (*worldbook.EntryData, *ChunkResult, error) {
	res, err := RerollChunk(ctx, c, adapter, opts)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range res.Entries {
		if e.Name != name {
			continue
		}
		cat := e.Category
		if cat == "" {
			cat = worldbook.CategoryUncategorized
		}
		if cat != category {
			continue
		}
		data := &worldbook.EntryData{Content: e.Content}
		if e.Keywords != nil {
			data.Keywords = append([]string{}, e.Keywords...)
		}
		return data, res, nil
	}
	return nil, res, fmt.Errorf("pipeline: reroll of %s returned no entry %s/%s", c.ID, category, name)
}

// RerollBatch re-executes a set of chunks, clearing their processed flags
// first so the pending selection picks every one of them.
func RerollBatch(ctx context.Context, chunks []*chunk.Chunk, adapter Adapter, control Control, hooks Hooks, opts Options) *Summary {
	work := make([]*chunk.Chunk, len(chunks))
	for i, c := range chunks {
		clone := *c
		clone.Processed = false
		clone.Failed = false
		clone.Processing = false
		clone.RetryCount = 0
		clone.ErrorMessage = ""
		work[i] = &clone
	}
	if control == nil {
		control = freeControl{}
	}
	return Run(ctx, work, adapter, control, hooks, opts)
}
