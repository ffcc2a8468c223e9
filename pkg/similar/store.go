package similar

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/fogfish/hnsw/vector"
	"github.com/hack-pad/hackpadfs"
	kvector "github.com/kshard/vector"
)

// Store manages the HNSW index, the id-to-key mapping, and persistence.
type Store struct {
	mu sync.RWMutex

	index *hnsw.HNSW[vector.VF32]
	fs    hackpadfs.FS
	path  string

	keys     []string
	keyIndex map[string]uint32
}

// snapshot is the gob wire form of a saved index.
type snapshot struct {
	Nodes hnsw.Nodes[vector.VF32]
	Keys  []string
}

// NewStore creates a similarity store backed by the given filesystem.
// If a valid index exists at path it is loaded, otherwise a fresh one
// is initialized.
func NewStore(fs hackpadfs.FS, path string) (*Store, error) {
	s := &Store{
		fs:       fs,
		path:     path,
		keyIndex: make(map[string]uint32),
	}
	if err := s.Load(); err != nil {
		s.index = hnsw.New[vector.VF32](vector.SurfaceVF32(kvector.Cosine()))
		s.keys = nil
		s.keyIndex = make(map[string]uint32)
	}
	return s, nil
}

// Add indexes a key's vector. Re-adding a key inserts a fresh node; the
// mapping keeps pointing at the latest one.
func (s *Store) Add(key string, vec []float32) error {
	if len(vec) != Dim {
		return fmt.Errorf("similar: vector dimension mismatch: expected %d, got %d", Dim, len(vec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, known := s.keyIndex[key]
	if !known {
		id = uint32(len(s.keys))
		s.keys = append(s.keys, key)
		s.keyIndex[key] = id
	}
	s.index.Insert(vector.VF32{Key: id, Vec: vec})
	return nil
}

// Similar returns up to k keys nearest to the query vector. The key the
// query was built from, if indexed, is typically the first result.
func (s *Store) Similar(vec []float32, k int) ([]string, error) {
	if len(vec) != Dim {
		return nil, fmt.Errorf("similar: vector dimension mismatch: expected %d, got %d", Dim, len(vec))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index.Size() == 0 {
		return nil, nil
	}

	ef := k * 2
	if ef < 100 {
		ef = 100
	}
	results := s.index.Search(vector.VF32{Vec: vec}, k, ef)

	out := make([]string, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		if int(r.Key) >= len(s.keys) {
			continue
		}
		key := s.keys[r.Key]
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out, nil
}

// Size reports how many distinct keys are indexed.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Save persists the index and key mapping.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.index == nil {
		return nil
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(snapshot{Nodes: s.index.Nodes(), Keys: s.keys}); err != nil {
		return fmt.Errorf("similar: encode index: %w", err)
	}
	if err := hackpadfs.WriteFullFile(s.fs, s.path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("similar: write index file: %w", err)
	}
	return nil
}

// Load reads the index and key mapping from the filesystem.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := hackpadfs.ReadFile(s.fs, s.path)
	if err != nil {
		return err
	}

	var snap snapshot
	dec := gob.NewDecoder(bytes.NewReader(content))
	if err := dec.Decode(&snap); err != nil {
		return fmt.Errorf("similar: decode index: %w", err)
	}

	s.index = hnsw.FromNodes[vector.VF32](vector.SurfaceVF32(kvector.Cosine()), snap.Nodes)
	s.keys = snap.Keys
	s.keyIndex = make(map[string]uint32, len(snap.Keys))
	for i, k := range snap.Keys {
		s.keyIndex[k] = uint32(i)
	}
	return nil
}
