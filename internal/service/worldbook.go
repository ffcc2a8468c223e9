package service

import (
	"context"
	"time"

	"github.com/kittclouds/lorekit/internal/merge"
	"github.com/kittclouds/lorekit/internal/worldbook"
)

// ExportWorldbook serializes the live tree into the versioned envelope.
func (s *Service) ExportWorldbook() ([]byte, error) {
	return worldbook.Export(s.Worldbook(), time.Now())
}

// ImportWorldbook decodes a worldbook file (native envelope or
// SillyTavern lorebook) and reconciles it into the live tree per mode.
func (s *Service) ImportWorldbook(ctx context.Context, data []byte, mode merge.Mode) (*merge.Result, error) {
	imported, err := worldbook.Import(data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	current := s.tree
	s.mu.Unlock()

	res, err := merge.Merge(ctx, current, imported.Tree, merge.Options{
		Mode:   mode,
		Client: s.client,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tree = res.Worldbook
	s.mu.Unlock()

	if err := s.persistState(); err != nil {
		return nil, err
	}
	return res, nil
}

// MergeAliases folds alias entries into their canonical entries.
func (s *Service) MergeAliases(groups []merge.AliasGroup, opts merge.AliasOptions) (*merge.AliasResult, error) {
	s.mu.Lock()
	current := s.tree
	s.mu.Unlock()

	res := merge.MergeAliases(current, groups, opts)

	s.mu.Lock()
	s.tree = res.Worldbook
	s.mu.Unlock()

	if err := s.persistState(); err != nil {
		return nil, err
	}
	return res, nil
}

// ConsolidateCategories moves every entry of one category into another.
func (s *Service) ConsolidateCategories(source, target string, opts merge.ConsolidateOptions) (*merge.ConsolidateResult, error) {
	s.mu.Lock()
	current := s.tree
	s.mu.Unlock()

	res := merge.ConsolidateCategories(current, source, target, opts)

	s.mu.Lock()
	s.tree = res.Worldbook
	s.mu.Unlock()

	if err := s.persistState(); err != nil {
		return nil, err
	}
	return res, nil
}

// CustomCategories returns the caller-curated category list.
func (s *Service) CustomCategories() ([]string, error) {
	return s.store.GetCustomCategories()
}

// SaveCustomCategories stores the caller-curated category list.
func (s *Service) SaveCustomCategories(categories []string) error {
	return s.store.SaveCustomCategories(categories)
}
