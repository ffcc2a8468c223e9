package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kittclouds/lorekit/internal/pipeline"
	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

func (s *Service) findChunk(chunkID string) *chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if c.ID == chunkID {
			return c
		}
	}
	return nil
}

// RerollChunk re-runs one chunk outside the main pipeline and appends
// the outcome to the chunk-roll log. The live tree is not touched; the
// caller decides whether to merge the result.
func (s *Service) RerollChunk(ctx context.Context, chunkID string) (*pipeline.ChunkResult, error) {
	c := s.findChunk(chunkID)
	if c == nil {
		return nil, fmt.Errorf("service: chunk %s not found", chunkID)
	}

	res, err := pipeline.RerollChunk(ctx, c, s.adapter(), s.pipelineOptions())
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendChunkRoll(&store.ChunkRollResult{
		ChunkIndex:   c.Index,
		ChunkID:      c.ID,
		ResponseText: res.ResponseText,
		Entries:      res.Entries,
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// RerollEntry re-extracts one named entry from its first source chunk
// and appends the outcome to the entry-roll log.
func (s *Service) RerollEntry(ctx context.Context, category, name string) (*worldbook.EntryData, error) {
	s.mu.Lock()
	d := s.tree.Get(category, name)
	s.mu.Unlock()
	if d == nil {
		return nil, fmt.Errorf("service: entry %s/%s not found", category, name)
	}

	src := s.sourceChunkFor(category, name)
	if src == nil {
		return nil, fmt.Errorf("service: entry %s/%s has no source chunk", category, name)
	}

	data, _, err := pipeline.RerollEntry(ctx, src, category, name, s.adapter(), s.pipelineOptions())
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendEntryRoll(&store.EntryRollResult{
		Category:  category,
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		return nil, err
	}
	return data, nil
}

// sourceChunkFor finds the first chunk whose parse produced the entry,
// by scanning the history log's change records.
func (s *Service) sourceChunkFor(category, name string) *chunk.Chunk {
	records, err := s.store.GetAllHistory()
	if err != nil {
		return nil
	}
	for _, rec := range records {
		for _, change := range rec.ChangedEntries {
			if change.Category == category && change.EntryName == name {
				s.mu.Lock()
				defer s.mu.Unlock()
				for _, c := range s.chunks {
					if c.Index == rec.MemoryIndex {
						return c
					}
				}
				return nil
			}
		}
	}
	return nil
}

// ChunkRolls returns the roll log for one chunk index.
func (s *Service) ChunkRolls(chunkIndex int) ([]*store.ChunkRollResult, error) {
	return s.store.GetChunkRolls(chunkIndex)
}

// EntryRolls returns the roll log for one named entry.
func (s *Service) EntryRolls(category, name string) ([]*store.EntryRollResult, error) {
	return s.store.GetEntryRolls(category, name)
}

// ClearRolls empties both roll logs.
func (s *Service) ClearRolls() error {
	if err := s.store.ClearChunkRolls(); err != nil {
		return err
	}
	return s.store.ClearEntryRolls()
}

// ApplyEntryRoll replaces the named entry's data with a rolled result.
func (s *Service) ApplyEntryRoll(category, name string, data *worldbook.EntryData) error {
	if data == nil || data.Empty() {
		return fmt.Errorf("service: rolled entry %s/%s is empty", category, name)
	}
	s.mu.Lock()
	s.tree.Set(category, name, data.Clone())
	s.mu.Unlock()
	return s.persistState()
}
