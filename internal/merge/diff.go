package merge

import (
	"github.com/kittclouds/lorekit/internal/worldbook"
)

// ChangeType tags one entry-level difference between two trees.
type ChangeType string

const (
	ChangeAdd    ChangeType = "add"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// Change is one entry-level difference.
type Change struct {
	Type      ChangeType           `json:"type"`
	Category  string               `json:"category"`
	EntryName string               `json:"entryName"`
	OldValue  *worldbook.EntryData `json:"oldValue,omitempty"`
	NewValue  *worldbook.EntryData `json:"newValue,omitempty"`
}

// FindChangedEntries diffs two trees by structural comparison, in
// deterministic category/name order.
func FindChangedEntries(prev, next worldbook.Tree) []Change {
	var changes []Change

	for _, cat := range next.Categories() {
		for _, name := range next.EntryNames(cat) {
			nextData := next.Get(cat, name)
			prevData := prev.Get(cat, name)
			switch {
			case prevData == nil:
				changes = append(changes, Change{Type: ChangeAdd, Category: cat, EntryName: name, NewValue: nextData.Clone()})
			case !prevData.Equal(nextData):
				changes = append(changes, Change{Type: ChangeModify, Category: cat, EntryName: name, OldValue: prevData.Clone(), NewValue: nextData.Clone()})
			}
		}
	}
	for _, cat := range prev.Categories() {
		for _, name := range prev.EntryNames(cat) {
			if next.Get(cat, name) == nil {
				changes = append(changes, Change{Type: ChangeDelete, Category: cat, EntryName: name, OldValue: prev.Get(cat, name).Clone()})
			}
		}
	}
	return changes
}

// HistoryFunc persists one merge's diff. Implementations receive the
// pre-merge tree, the post-merge tree, and the computed changes.
type HistoryFunc func(prev, next worldbook.Tree, changes []Change) error

// WithHistory runs an incremental or deep merge, diffs the result, and
// persists the diff through record when changes exist and record is
// non-nil. The merged tree and changes return either way; a persistence
// failure surfaces as the error with the merge result intact.
func WithHistory(existing, incoming worldbook.Tree, incremental bool, record HistoryFunc) (worldbook.Tree, []Change, error) {
	var merged worldbook.Tree
	if incremental {
		merged = Incremental(existing, incoming)
	} else {
		merged = Deep(existing, incoming)
	}

	changes := FindChangedEntries(existing, merged)
	if len(changes) == 0 || record == nil {
		return merged, changes, nil
	}
	if err := record(existing.Clone(), merged.Clone(), changes); err != nil {
		return merged, changes, err
	}
	return merged, changes, nil
}
