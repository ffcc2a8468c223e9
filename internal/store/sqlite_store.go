package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// DefaultVectorDim matches the feature-hash dimension used for entry
// similarity vectors.
const DefaultVectorDim = 128

// SQLiteStore is the durable Storer. Thread-safe for concurrent pipeline
// callbacks.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	vecDim int
}

const schema = `
-- Live recovery snapshot: a single overwritten row
CREATE TABLE IF NOT EXISTS task_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Merge history (append-only, truncated on rollback)
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    memory_index INTEGER NOT NULL,
    memory_title TEXT NOT NULL,
    previous_worldbook TEXT NOT NULL,
    new_worldbook TEXT NOT NULL,
    changed_entries TEXT,
    file_hash TEXT,
    volume_index INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_history_title ON history(memory_title);

-- Simple key/value meta (file hash, custom categories)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Per-chunk reroll results (append-only log)
CREATE TABLE IF NOT EXISTS chunk_rolls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chunk_index INTEGER NOT NULL,
    chunk_id TEXT NOT NULL,
    response_text TEXT,
    entries TEXT,
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunk_rolls_index ON chunk_rolls(chunk_index);

-- Per-entry reroll results (append-only log)
CREATE TABLE IF NOT EXISTS entry_rolls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    data TEXT,
    timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entry_rolls_key ON entry_rolls(category, name);

-- rowid mapping for the vec0 similarity table
CREATE TABLE IF NOT EXISTS entry_vec_map (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    category TEXT NOT NULL,
    name TEXT NOT NULL,
    UNIQUE(category, name)
);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	vecSchema := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS entry_vec USING vec0(embedding float[%d])`,
		DefaultVectorDim)
	if _, err := db.Exec(vecSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create vector table: %w", err)
	}

	return &SQLiteStore{db: db, vecDim: DefaultVectorDim}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Task state snapshot
// =============================================================================

const stateKey = "currentState"

func (s *SQLiteStore) SaveState(state *TaskState) error {
	data, err := json.Marshal(normalizeState(state))
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO task_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, stateKey, string(data), time.Now().UnixMilli())
	return err
}

func (s *SQLiteStore) LoadState() (*TaskState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow(`SELECT value FROM task_state WHERE key = ?`, stateKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state TaskState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("store: decode state: %w", err)
	}
	return normalizeState(&state), nil
}

func (s *SQLiteStore) ClearState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM task_state WHERE key = ?`, stateKey)
	return err
}

// =============================================================================
// Merge history
// =============================================================================

func (s *SQLiteStore) SaveHistory(rec *HistoryRecord) (int64, error) {
	prev, err := json.Marshal(rec.PreviousWorldbook)
	if err != nil {
		return 0, fmt.Errorf("store: encode history: %w", err)
	}
	next, err := json.Marshal(rec.NewWorldbook)
	if err != nil {
		return 0, fmt.Errorf("store: encode history: %w", err)
	}
	changed, err := json.Marshal(rec.ChangedEntries)
	if err != nil {
		return 0, fmt.Errorf("store: encode history: %w", err)
	}
	ts := rec.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if !HistoryTitleAllowListed(rec.MemoryTitle) {
		if _, err := tx.Exec(`DELETE FROM history WHERE memory_title = ?`, rec.MemoryTitle); err != nil {
			return 0, err
		}
	}

	res, err := tx.Exec(`
		INSERT INTO history (timestamp, memory_index, memory_title, previous_worldbook,
			new_worldbook, changed_entries, file_hash, volume_index)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ts, rec.MemoryIndex, rec.MemoryTitle, string(prev), string(next),
		string(changed), rec.FileHash, rec.VolumeIndex)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

const historyColumns = `id, timestamp, memory_index, memory_title,
	previous_worldbook, new_worldbook, changed_entries, file_hash, volume_index`

func scanHistory(scan func(dest ...any) error) (*HistoryRecord, error) {
	var rec HistoryRecord
	var prev, next, changed string
	var fileHash sql.NullString
	if err := scan(&rec.ID, &rec.Timestamp, &rec.MemoryIndex, &rec.MemoryTitle,
		&prev, &next, &changed, &fileHash, &rec.VolumeIndex); err != nil {
		return nil, err
	}
	rec.FileHash = fileHash.String
	if err := json.Unmarshal([]byte(prev), &rec.PreviousWorldbook); err != nil {
		return nil, fmt.Errorf("store: decode history %d: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(next), &rec.NewWorldbook); err != nil {
		return nil, fmt.Errorf("store: decode history %d: %w", rec.ID, err)
	}
	if changed != "" && changed != "null" {
		if err := json.Unmarshal([]byte(changed), &rec.ChangedEntries); err != nil {
			return nil, fmt.Errorf("store: decode history %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) GetAllHistory() ([]*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + historyColumns + ` FROM history ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*HistoryRecord{}
	for rows.Next() {
		rec, err := scanHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetHistoryByID(id int64) (*HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+historyColumns+` FROM history WHERE id = ?`, id)
	rec, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: history %d not found", id)
	}
	return rec, err
}

// RollbackToHistory deletes every record with id >= target and returns
// the target. The caller applies the record's worldbook content.
func (s *SQLiteStore) RollbackToHistory(id int64) (*HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+historyColumns+` FROM history WHERE id = ?`, id)
	rec, err := scanHistory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: history %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM history WHERE id >= ?`, id); err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

// CleanDuplicateHistory keeps the newest record per title.
func (s *SQLiteStore) CleanDuplicateHistory() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		DELETE FROM history WHERE id NOT IN (
			SELECT MAX(id) FROM history GROUP BY memory_title
		)
	`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// Meta key/value
// =============================================================================

func (s *SQLiteStore) setMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLiteStore) getMeta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteStore) SaveFileHash(hash string) error {
	return s.setMeta(metaFileHash, hash)
}

func (s *SQLiteStore) GetFileHash() (string, error) {
	return s.getMeta(metaFileHash)
}

func (s *SQLiteStore) SaveCustomCategories(categories []string) error {
	data, err := json.Marshal(categories)
	if err != nil {
		return fmt.Errorf("store: encode categories: %w", err)
	}
	return s.setMeta(metaCustomCategories, string(data))
}

func (s *SQLiteStore) GetCustomCategories() ([]string, error) {
	raw, err := s.getMeta(metaCustomCategories)
	if err != nil || raw == "" {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("store: decode categories: %w", err)
	}
	return out, nil
}

// =============================================================================
// Roll-result logs
// =============================================================================

func (s *SQLiteStore) AppendChunkRoll(rec *ChunkRollResult) error {
	entries, err := json.Marshal(rec.Entries)
	if err != nil {
		return fmt.Errorf("store: encode chunk roll: %w", err)
	}
	ts := rec.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO chunk_rolls (chunk_index, chunk_id, response_text, entries, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ChunkIndex, rec.ChunkID, rec.ResponseText, string(entries), ts)
	return err
}

func (s *SQLiteStore) GetChunkRolls(chunkIndex int) ([]*ChunkRollResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, chunk_index, chunk_id, response_text, entries, timestamp
		FROM chunk_rolls WHERE chunk_index = ? ORDER BY id
	`, chunkIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*ChunkRollResult{}
	for rows.Next() {
		var rec ChunkRollResult
		var entries string
		if err := rows.Scan(&rec.ID, &rec.ChunkIndex, &rec.ChunkID,
			&rec.ResponseText, &entries, &rec.Timestamp); err != nil {
			return nil, err
		}
		if entries != "" && entries != "null" {
			if err := json.Unmarshal([]byte(entries), &rec.Entries); err != nil {
				return nil, fmt.Errorf("store: decode chunk roll %d: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearChunkRolls() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM chunk_rolls`)
	return err
}

func (s *SQLiteStore) AppendEntryRoll(rec *EntryRollResult) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("store: encode entry roll: %w", err)
	}
	ts := rec.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO entry_rolls (category, name, data, timestamp)
		VALUES (?, ?, ?, ?)
	`, rec.Category, rec.Name, string(data), ts)
	return err
}

func (s *SQLiteStore) GetEntryRolls(category, name string) ([]*EntryRollResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, category, name, data, timestamp
		FROM entry_rolls WHERE category = ? AND name = ? ORDER BY id
	`, category, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*EntryRollResult{}
	for rows.Next() {
		var rec EntryRollResult
		var data string
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Name, &data, &rec.Timestamp); err != nil {
			return nil, err
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &rec.Data); err != nil {
				return nil, fmt.Errorf("store: decode entry roll %d: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ClearEntryRolls() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM entry_rolls`)
	return err
}

// =============================================================================
// Entry vectors (sqlite-vec)
// =============================================================================

// VectorMatch is one nearest-neighbor result from the vec0 table.
type VectorMatch struct {
	Category string
	Name     string
	Distance float64
}

// SaveEntryVector upserts an entry's similarity vector. The vector must
// have DefaultVectorDim elements.
func (s *SQLiteStore) SaveEntryVector(category, name string, vec []float32) error {
	if len(vec) != s.vecDim {
		return fmt.Errorf("store: vector dim %d, want %d", len(vec), s.vecDim)
	}
	encoded := encodeVector(vec)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO entry_vec_map (category, name) VALUES (?, ?)
		ON CONFLICT(category, name) DO NOTHING
	`, category, name); err != nil {
		return err
	}
	var rowid int64
	if err := tx.QueryRow(`SELECT id FROM entry_vec_map WHERE category = ? AND name = ?`,
		category, name).Scan(&rowid); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO entry_vec (rowid, embedding) VALUES (?, ?)`,
		rowid, encoded); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteEntryVector removes an entry's vector, if present.
func (s *SQLiteStore) DeleteEntryVector(category, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rowid int64
	err := s.db.QueryRow(`SELECT id FROM entry_vec_map WHERE category = ? AND name = ?`,
		category, name).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid); err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM entry_vec_map WHERE id = ?`, rowid)
	return err
}

// SimilarEntries returns the k nearest entries to the query vector.
func (s *SQLiteStore) SimilarEntries(vec []float32, k int) ([]VectorMatch, error) {
	if k <= 0 {
		k = 5
	}
	encoded := encodeVector(vec)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT m.category, m.name, v.distance
		FROM entry_vec v
		JOIN entry_vec_map m ON m.id = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?
		ORDER BY v.distance
	`, encoded, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []VectorMatch{}
	for rows.Next() {
		var match VectorMatch
		if err := rows.Scan(&match.Category, &match.Name, &match.Distance); err != nil {
			return nil, err
		}
		out = append(out, match)
	}
	return out, rows.Err()
}

// encodeVector renders a vector in the JSON text form sqlite-vec accepts.
func encodeVector(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
