// Package service is the composition root: it owns the chunk queue, the
// live worldbook tree, and the persistence backend, and exposes the task
// lifecycle (prepare/start/pause/resume/stop/reset) plus history,
// retry, and similarity operations on top of the lower layers.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/logger"
	"github.com/kittclouds/lorekit/internal/pipeline"
	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
	"github.com/kittclouds/lorekit/pkg/segment"
)

// DefaultExtractionPrompt drives worldbook extraction for one chunk. The
// {CHUNK_TITLE} and {CHUNK_CONTENT} placeholders receive the chunk.
const DefaultExtractionPrompt = `你是一个世界书整理助手。阅读以下小说片段，提取其中的设定信息。
输出 JSON，顶层键为分类（如 角色、地点、组织、物品），每个分类下以条目名为键，
条目包含 关键词（字符串数组）和 内容（字符串）。只输出 JSON。

片段标题: {CHUNK_TITLE}

{CHUNK_CONTENT}`

// Config is the service configuration. Zero values select defaults.
type Config struct {
	ChunkSize      int
	MinChunkSize   int
	SegmentPattern string
	UseCustom      bool

	ParallelEnabled     bool
	ParallelConcurrency int
	ParallelMode        pipeline.Mode
	MaxRetries          int
	RetryBackoff        time.Duration

	SystemPrompt   string
	PromptTemplate string

	VolumeIndex int
}

// Service ties the extraction pipeline to storage and the merge history.
type Service struct {
	cfg    Config
	client llm.Client
	store  store.Storer
	log    *logger.Logger

	// IDGen mints run identifiers; tests inject a deterministic one.
	IDGen func() string

	mu        sync.Mutex
	chunks    []*chunk.Chunk
	tree      worldbook.Tree
	status    string
	paused    bool
	stopped   bool
	runID     string
	runDone   chan struct{}
	fileName  string
	fileHash  string

	mergeCh   chan mergeJob
	mergeDone chan struct{}

	sim *similarity
}

// New builds a Service. A nil store falls back to the in-memory backend;
// a nil logger stays silent.
func New(client llm.Client, st store.Storer, log *logger.Logger, cfg Config) *Service {
	if st == nil {
		st = store.NewMemStore()
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = DefaultExtractionPrompt
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	s := &Service{
		cfg:       cfg,
		client:    client,
		store:     st,
		log:       log,
		IDGen:     uuid.NewString,
		tree:      make(worldbook.Tree),
		status:    store.StatusIdle,
		mergeCh:   make(chan mergeJob, 64),
		mergeDone: make(chan struct{}),
	}
	go s.mergeLoop()
	return s
}

// Close drains the history-merge queue and releases the backend.
func (s *Service) Close() error {
	close(s.mergeCh)
	<-s.mergeDone
	return s.store.Close()
}

// Status returns the current task status.
func (s *Service) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Chunks returns the current queue. Callers must treat it as read-only.
func (s *Service) Chunks() []*chunk.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*chunk.Chunk{}, s.chunks...)
}

// Worldbook returns a deep copy of the merged tree.
func (s *Service) Worldbook() worldbook.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Clone()
}

// Prepare segments and chunks the source text, replacing any existing
// queue. If the text's hash matches a previously persisted task, the
// saved queue and worldbook are restored instead so a crashed run
// resumes where it left off.
func (s *Service) Prepare(fileName, text string) ([]*chunk.Chunk, error) {
	hash := hashText(text)

	if state, err := s.store.LoadState(); err == nil && state != nil &&
		state.FileHash == hash && len(state.Chunks) > 0 {
		s.mu.Lock()
		s.chunks = state.Chunks
		s.tree = state.Worldbook
		if s.tree == nil {
			s.tree = make(worldbook.Tree)
		}
		s.status = store.StatusIdle
		s.fileName = state.FileName
		s.fileHash = hash
		out := append([]*chunk.Chunk{}, s.chunks...)
		s.mu.Unlock()
		if s.log != nil {
			s.log.Info("restored saved task", "file", fileName, "chunks", len(out))
		}
		return out, nil
	}

	segments := segment.Split(text, segment.Options{
		Pattern:   s.cfg.SegmentPattern,
		UseCustom: s.cfg.UseCustom,
	})
	chunks := chunk.Build(segments, chunk.Options{
		ChunkSize:    s.cfg.ChunkSize,
		MinChunkSize: s.cfg.MinChunkSize,
	})

	s.mu.Lock()
	s.chunks = chunks
	s.tree = make(worldbook.Tree)
	s.status = store.StatusIdle
	s.stopped = false
	s.paused = false
	s.fileName = fileName
	s.fileHash = hash
	s.mu.Unlock()

	if err := s.store.SaveFileHash(hash); err != nil {
		return nil, err
	}
	if err := s.persistState(); err != nil {
		return nil, err
	}
	return append([]*chunk.Chunk{}, chunks...), nil
}

// MergeChunks folds the chunk at index i+1 into the one at i and
// renumbers the queue. The merged chunk becomes pending again. Not
// allowed while a run is active.
func (s *Service) MergeChunks(i int) ([]*chunk.Chunk, error) {
	s.mu.Lock()
	if s.runDone != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("service: cannot merge chunks while a task is running")
	}
	merged, err := chunk.MergeAdjacent(s.chunks, i)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.chunks = merged
	out := append([]*chunk.Chunk{}, merged...)
	s.mu.Unlock()

	if err := s.persistState(); err != nil {
		return nil, err
	}
	return out, nil
}

// persistState snapshots the task for crash recovery.
func (s *Service) persistState() error {
	s.mu.Lock()
	processed, failed := 0, 0
	for _, c := range s.chunks {
		if c.Processed {
			processed++
		}
		if c.Failed {
			failed++
		}
	}
	state := &store.TaskState{
		Status:         s.status,
		FileName:       s.fileName,
		FileHash:       s.fileHash,
		Chunks:         s.chunks,
		ProcessedCount: processed,
		FailedCount:    failed,
		Worldbook:      s.tree.Clone(),
		VolumeIndex:    s.cfg.VolumeIndex,
		UpdatedAt:      time.Now().UnixMilli(),
	}
	s.mu.Unlock()
	return s.store.SaveState(state)
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
