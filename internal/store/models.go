// Package store persists extraction task state, merge history, and roll
// results behind a backend-agnostic Storer interface. MemStore is the
// fallback/test backend; SQLiteStore is the durable one.
package store

import (
	"strings"

	"github.com/kittclouds/lorekit/internal/merge"
	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

// Task status values.
const (
	StatusIdle       = "idle"
	StatusProcessing = "processing"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

// TaskState is the live recovery snapshot. Exactly one row exists; every
// save overwrites it.
type TaskState struct {
	Status         string             `json:"status"`
	FileName       string             `json:"fileName,omitempty"`
	FileHash       string             `json:"fileHash,omitempty"`
	Chunks         []*chunk.Chunk     `json:"chunks,omitempty"`
	CurrentIndex   int                `json:"currentIndex"`
	ProcessedCount int                `json:"processedCount"`
	FailedCount    int                `json:"failedCount"`
	Worldbook      worldbook.Tree     `json:"worldbook,omitempty"`
	Entries        []*worldbook.Entry `json:"entries,omitempty"`
	VolumeIndex    int                `json:"volumeIndex"`
	UpdatedAt      int64              `json:"updatedAt"`
}

// HistoryRecord captures one merge: before/after trees plus the diff.
type HistoryRecord struct {
	ID                int64          `json:"id"`
	Timestamp         int64          `json:"timestamp"`
	MemoryIndex       int            `json:"memoryIndex"`
	MemoryTitle       string         `json:"memoryTitle"`
	PreviousWorldbook worldbook.Tree `json:"previousWorldbook"`
	NewWorldbook      worldbook.Tree `json:"newWorldbook"`
	ChangedEntries    []merge.Change `json:"changedEntries,omitempty"`
	FileHash          string         `json:"fileHash,omitempty"`
	VolumeIndex       int            `json:"volumeIndex"`
}

// ChunkRollResult is one reroll outcome for a chunk, kept as an
// append-only log.
type ChunkRollResult struct {
	ID           int64              `json:"id"`
	ChunkIndex   int                `json:"chunkIndex"`
	ChunkID      string             `json:"chunkId"`
	ResponseText string             `json:"responseText,omitempty"`
	Entries      []*worldbook.Entry `json:"entries,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

// EntryRollResult is one reroll outcome for a named entry.
type EntryRollResult struct {
	ID        int64                `json:"id"`
	Category  string               `json:"category"`
	Name      string               `json:"name"`
	Data      *worldbook.EntryData `json:"data,omitempty"`
	Timestamp int64                `json:"timestamp"`
}

// historyTitleAllowList names titles exempt from the one-record-per-title
// dedup rule. Optimization passes legitimately produce many records under
// the same title.
var historyTitleAllowList = map[string]bool{
	"记忆-优化": true,
}

// HistoryTitleAllowListed reports whether a title may repeat in history.
func HistoryTitleAllowListed(title string) bool {
	return historyTitleAllowList[title]
}

// Storer is the persistence contract. Implementations are safe for
// concurrent use.
type Storer interface {
	// Live recovery snapshot
	SaveState(state *TaskState) error
	LoadState() (*TaskState, error)
	ClearState() error

	// Merge history
	SaveHistory(rec *HistoryRecord) (int64, error)
	GetAllHistory() ([]*HistoryRecord, error)
	GetHistoryByID(id int64) (*HistoryRecord, error)
	RollbackToHistory(id int64) (*HistoryRecord, error)
	CleanDuplicateHistory() (int, error)

	// Simple meta
	SaveFileHash(hash string) error
	GetFileHash() (string, error)
	SaveCustomCategories(categories []string) error
	GetCustomCategories() ([]string, error)

	// Roll-result logs
	AppendChunkRoll(rec *ChunkRollResult) error
	GetChunkRolls(chunkIndex int) ([]*ChunkRollResult, error)
	ClearChunkRolls() error
	AppendEntryRoll(rec *EntryRollResult) error
	GetEntryRolls(category, name string) ([]*EntryRollResult, error)
	ClearEntryRolls() error

	// Lifecycle
	Close() error
}

// normalizeState coerces a possibly corrupted snapshot into a safe one:
// negative counters clamp to 0 and unknown statuses fall back to idle.
// Runs on both save and load so bad external state never crashes
// restoration.
func normalizeState(state *TaskState) *TaskState {
	if state == nil {
		return nil
	}
	out := *state
	switch strings.TrimSpace(out.Status) {
	case StatusIdle, StatusProcessing, StatusPaused, StatusCompleted, StatusError:
	default:
		out.Status = StatusIdle
	}
	if out.CurrentIndex < 0 {
		out.CurrentIndex = 0
	}
	if out.ProcessedCount < 0 {
		out.ProcessedCount = 0
	}
	if out.FailedCount < 0 {
		out.FailedCount = 0
	}
	if out.VolumeIndex < 0 {
		out.VolumeIndex = 0
	}
	return &out
}
