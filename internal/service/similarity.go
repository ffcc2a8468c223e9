package service

import (
	"strings"

	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/lexicon"
	"github.com/kittclouds/lorekit/pkg/similar"
)

// similarity bundles the in-memory HNSW index with the optional durable
// vector mirror in SQLite.
type similarity struct {
	index *similar.Store
	vecDB *store.SQLiteStore
}

// keySep joins category and name into one index key. Unit separator
// never appears in entry names.
const keySep = "\x1f"

// EnableSimilarity initializes the similarity index, persisted at path on
// the given filesystem. A nil filesystem keeps the index memory-only.
func (s *Service) EnableSimilarity(fs hackpadfs.FS, path string) error {
	if fs == nil {
		memFS, err := mem.NewFS()
		if err != nil {
			return err
		}
		fs = memFS
	}
	idx, err := similar.NewStore(fs, path)
	if err != nil {
		return err
	}
	vecDB, _ := s.store.(*store.SQLiteStore)
	s.mu.Lock()
	s.sim = &similarity{index: idx, vecDB: vecDB}
	s.mu.Unlock()
	return nil
}

// RebuildSimilarity reindexes every entry of the live tree. When the
// backend is SQLite the vectors are mirrored into its vec0 table too.
func (s *Service) RebuildSimilarity() error {
	s.mu.Lock()
	sim := s.sim
	tree := s.tree.Clone()
	s.mu.Unlock()
	if sim == nil {
		return nil
	}

	for _, cat := range tree.Categories() {
		for _, name := range tree.EntryNames(cat) {
			d := tree.Get(cat, name)
			vec := similar.VectorizeEntry(name, d.Keywords)
			if err := sim.index.Add(cat+keySep+name, vec); err != nil {
				return err
			}
			if sim.vecDB != nil {
				if err := sim.vecDB.SaveEntryVector(cat, name, vec); err != nil {
					return err
				}
			}
		}
	}
	return sim.index.Save()
}

// AliasCandidate is one suggested alias/duplicate pair member.
type AliasCandidate struct {
	Category string
	Name     string
}

// SuggestAliases returns up to k entries whose surface forms sit nearest
// to the given entry, excluding the entry itself. Candidates are alias
// or near-duplicate suspects for the caller to resolve via MergeAliases.
func (s *Service) SuggestAliases(category, name string, k int) ([]AliasCandidate, error) {
	s.mu.Lock()
	sim := s.sim
	d := s.tree.Get(category, name)
	s.mu.Unlock()
	if sim == nil || d == nil {
		return nil, nil
	}

	vec := similar.VectorizeEntry(name, d.Keywords)
	keys, err := sim.index.Similar(vec, k+1)
	if err != nil {
		return nil, err
	}

	self := category + keySep + name
	out := make([]AliasCandidate, 0, k)
	for _, key := range keys {
		if key == self || len(out) >= k {
			continue
		}
		cat, entryName, ok := strings.Cut(key, keySep)
		if !ok {
			continue
		}
		out = append(out, AliasCandidate{Category: cat, Name: entryName})
	}
	return out, nil
}

// BuildLexicon compiles the keyword activation index from the live tree.
func (s *Service) BuildLexicon() *lexicon.Index {
	s.mu.Lock()
	tree := s.tree.Clone()
	s.mu.Unlock()

	terms := make([]lexicon.Term, 0, tree.CountEntries())
	for _, cat := range tree.Categories() {
		for _, name := range tree.EntryNames(cat) {
			d := tree.Get(cat, name)
			terms = append(terms, lexicon.Term{
				Category: cat,
				Name:     name,
				Keywords: d.Keywords,
			})
		}
	}
	return lexicon.Compile(terms)
}

// Activations scans a passage against the live tree's keywords and
// reports which entries it triggers.
func (s *Service) Activations(text string) []lexicon.Activation {
	return s.BuildLexicon().Activate(text)
}
