package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemStore is the in-memory Storer. It is the fallback backend when no
// database is configured and the default backend in tests.
type MemStore struct {
	mu sync.RWMutex

	state      *TaskState
	history    []*HistoryRecord
	nextHistID int64

	meta map[string]string

	chunkRolls []*ChunkRollResult
	entryRolls []*EntryRollResult
	nextRollID int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nextHistID: 1,
		nextRollID: 1,
		meta:       make(map[string]string),
	}
}

// deepClone round-trips through JSON so stored values never share memory
// with caller-held ones.
func deepClone[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("store: clone: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("store: clone: %w", err)
	}
	return out, nil
}

func (m *MemStore) SaveState(state *TaskState) error {
	clone, err := deepClone(normalizeState(state))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = clone
	m.mu.Unlock()
	return nil
}

func (m *MemStore) LoadState() (*TaskState, error) {
	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()
	if state == nil {
		return nil, nil
	}
	clone, err := deepClone(state)
	if err != nil {
		return nil, err
	}
	return normalizeState(clone), nil
}

func (m *MemStore) ClearState() error {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
	return nil
}

func (m *MemStore) SaveHistory(rec *HistoryRecord) (int64, error) {
	clone, err := deepClone(rec)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !HistoryTitleAllowListed(clone.MemoryTitle) {
		kept := m.history[:0]
		for _, h := range m.history {
			if h.MemoryTitle != clone.MemoryTitle {
				kept = append(kept, h)
			}
		}
		m.history = kept
	}

	clone.ID = m.nextHistID
	m.nextHistID++
	if clone.Timestamp == 0 {
		clone.Timestamp = time.Now().UnixMilli()
	}
	m.history = append(m.history, clone)
	return clone.ID, nil
}

func (m *MemStore) GetAllHistory() ([]*HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*HistoryRecord, 0, len(m.history))
	for _, h := range m.history {
		clone, err := deepClone(h)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (m *MemStore) GetHistoryByID(id int64) (*HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.history {
		if h.ID == id {
			return deepClone(h)
		}
	}
	return nil, fmt.Errorf("store: history %d not found", id)
}

// RollbackToHistory truncates the log: every record with id >= the target
// is deleted and the target returned. Applying the target's worldbook
// content is the caller's job.
func (m *MemStore) RollbackToHistory(id int64) (*HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *HistoryRecord
	kept := make([]*HistoryRecord, 0, len(m.history))
	for _, h := range m.history {
		if h.ID == id {
			target = h
		}
		if h.ID < id {
			kept = append(kept, h)
		}
	}
	if target == nil {
		return nil, fmt.Errorf("store: history %d not found", id)
	}
	clone, err := deepClone(target)
	if err != nil {
		return nil, err
	}
	m.history = kept
	return clone, nil
}

// CleanDuplicateHistory keeps the newest record per title and deletes the
// rest, returning how many were removed.
func (m *MemStore) CleanDuplicateHistory() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	newest := make(map[string]int64, len(m.history))
	for _, h := range m.history {
		if h.ID > newest[h.MemoryTitle] {
			newest[h.MemoryTitle] = h.ID
		}
	}
	removed := 0
	kept := m.history[:0]
	for _, h := range m.history {
		if h.ID == newest[h.MemoryTitle] {
			kept = append(kept, h)
		} else {
			removed++
		}
	}
	m.history = kept
	return removed, nil
}

const (
	metaFileHash         = "fileHash"
	metaCustomCategories = "customCategories"
)

func (m *MemStore) SaveFileHash(hash string) error {
	m.mu.Lock()
	m.meta[metaFileHash] = hash
	m.mu.Unlock()
	return nil
}

func (m *MemStore) GetFileHash() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta[metaFileHash], nil
}

func (m *MemStore) SaveCustomCategories(categories []string) error {
	data, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("store: encode categories: %w", err)
	}
	m.mu.Lock()
	m.meta[metaCustomCategories] = string(data)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) GetCustomCategories() ([]string, error) {
	m.mu.RLock()
	raw := m.meta[metaCustomCategories]
	m.mu.RUnlock()
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode categories: %w", err)
	}
	return out, nil
}

func (m *MemStore) AppendChunkRoll(rec *ChunkRollResult) error {
	clone, err := deepClone(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	clone.ID = m.nextRollID
	m.nextRollID++
	if clone.Timestamp == 0 {
		clone.Timestamp = time.Now().UnixMilli()
	}
	m.chunkRolls = append(m.chunkRolls, clone)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) GetChunkRolls(chunkIndex int) ([]*ChunkRollResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*ChunkRollResult{}
	for _, r := range m.chunkRolls {
		if r.ChunkIndex != chunkIndex {
			continue
		}
		clone, err := deepClone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (m *MemStore) ClearChunkRolls() error {
	m.mu.Lock()
	m.chunkRolls = nil
	m.mu.Unlock()
	return nil
}

func (m *MemStore) AppendEntryRoll(rec *EntryRollResult) error {
	clone, err := deepClone(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	clone.ID = m.nextRollID
	m.nextRollID++
	if clone.Timestamp == 0 {
		clone.Timestamp = time.Now().UnixMilli()
	}
	m.entryRolls = append(m.entryRolls, clone)
	m.mu.Unlock()
	return nil
}

func (m *MemStore) GetEntryRolls(category, name string) ([]*EntryRollResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*EntryRollResult{}
	for _, r := range m.entryRolls {
		if r.Category != category || r.Name != name {
			continue
		}
		clone, err := deepClone(r)
		if err != nil {
			return nil, err
		}
		out = append(out, clone)
	}
	return out, nil
}

func (m *MemStore) ClearEntryRolls() error {
	m.mu.Lock()
	m.entryRolls = nil
	m.mu.Unlock()
	return nil
}

func (m *MemStore) Close() error { return nil }
