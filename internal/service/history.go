package service

import (
	"time"

	"github.com/kittclouds/lorekit/internal/merge"
	"github.com/kittclouds/lorekit/internal/pipeline"
	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/lexicon"
)

// mergeJob is one unit of the serialized history-merge queue. A nil res
// with a non-nil flush acts as a drain barrier.
type mergeJob struct {
	res   *pipeline.ChunkResult
	flush chan struct{}
}

// mergeLoop is the queue's single consumer. Chunks may complete
// concurrently, but their merges apply one at a time in enqueue order,
// so every merge observes the latest prior merged state.
func (s *Service) mergeLoop() {
	defer close(s.mergeDone)
	for job := range s.mergeCh {
		if job.flush != nil {
			close(job.flush)
			continue
		}
		s.applyMerge(job.res)
	}
}

func (s *Service) enqueueMerge(res *pipeline.ChunkResult) {
	s.mergeCh <- mergeJob{res: res}
}

// flushMerges blocks until every queued merge has been applied.
func (s *Service) flushMerges() {
	done := make(chan struct{})
	s.mergeCh <- mergeJob{flush: done}
	<-done
}

func (s *Service) applyMerge(res *pipeline.ChunkResult) {
	for _, e := range res.Entries {
		if len(e.Keywords) == 0 && e.Content != "" {
			e.Keywords = lexicon.AutoKeywords(e.Name, e.Content)
		}
	}
	incoming := worldbook.EntriesToTree(res.Entries)
	if incoming.CountEntries() == 0 {
		return
	}

	s.mu.Lock()
	current := s.tree
	fileHash := s.fileHash
	volume := s.cfg.VolumeIndex
	s.mu.Unlock()

	record := func(prev, next worldbook.Tree, changes []merge.Change) error {
		_, err := s.store.SaveHistory(&store.HistoryRecord{
			Timestamp:         time.Now().UnixMilli(),
			MemoryIndex:       res.Chunk.Index,
			MemoryTitle:       res.Chunk.Title,
			PreviousWorldbook: prev,
			NewWorldbook:      next,
			ChangedEntries:    changes,
			FileHash:          fileHash,
			VolumeIndex:       volume,
		})
		return err
	}

	merged, _, err := merge.WithHistory(current, incoming, true, record)
	if err != nil && s.log != nil {
		s.log.Error("persist merge history", "chunk", res.Chunk.ID, "error", err)
	}

	s.mu.Lock()
	s.tree = merged
	s.mu.Unlock()
}

// History returns every merge record in id order.
func (s *Service) History() ([]*store.HistoryRecord, error) {
	return s.store.GetAllHistory()
}

// RollbackToHistory truncates the history log at the target record and
// rewinds the live tree to the state before that merge.
func (s *Service) RollbackToHistory(id int64) (*store.HistoryRecord, error) {
	rec, err := s.store.RollbackToHistory(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tree = rec.PreviousWorldbook.Clone()
	if s.tree == nil {
		s.tree = make(worldbook.Tree)
	}
	s.mu.Unlock()

	if err := s.persistState(); err != nil {
		return nil, err
	}
	return rec, nil
}

// CleanDuplicateHistory drops all but the newest record per title.
func (s *Service) CleanDuplicateHistory() (int, error) {
	return s.store.CleanDuplicateHistory()
}
