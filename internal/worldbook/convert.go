package worldbook

// EntriesToTree folds a flat entry list into the category/name tree used
// for merging. Later entries with the same (category, name) overwrite
// earlier ones; empty categories map to the uncategorized bucket.
func EntriesToTree(entries []*Entry) Tree {
	tree := make(Tree)
	for _, e := range entries {
		if e == nil || e.Name == "" {
			continue
		}
		cat := e.Category
		if cat == "" {
			cat = CategoryUncategorized
		}
		d := &EntryData{Content: e.Content}
		if e.Keywords != nil {
			d.Keywords = append([]string{}, e.Keywords...)
		}
		tree.Set(cat, e.Name, d)
	}
	return tree
}

// TreeToEntries flattens a tree back into entries in deterministic
// category/name order. IDs are minted by idFor so callers can preserve
// existing identities; pass nil to mint "{category}-{name}" style ids.
func TreeToEntries(tree Tree, idFor func(category, name string) string) []*Entry {
	if idFor == nil {
		idFor = func(category, name string) string {
			return category + "-" + name
		}
	}
	out := make([]*Entry, 0, tree.CountEntries())
	for _, cat := range tree.Categories() {
		for _, name := range tree.EntryNames(cat) {
			d := tree.Get(cat, name)
			e := &Entry{
				ID:       idFor(cat, name),
				Category: cat,
				Name:     name,
				Content:  d.Content,
			}
			if d.Keywords != nil {
				e.Keywords = append([]string{}, d.Keywords...)
			}
			out = append(out, e)
		}
	}
	return out
}
