package merge

import (
	"github.com/kittclouds/lorekit/internal/worldbook"
)

// AliasGroup names one canonical entry and the alias entries folding into
// it within the same category.
type AliasGroup struct {
	Category      string
	CanonicalName string
	Aliases       []string
}

// AliasOptions configures MergeAliases.
type AliasOptions struct {
	Mode        Mode // ModeAppend, ModeReplace, or ModeKeep
	KeepAliases bool
}

// AliasResult counts what an alias merge did.
type AliasResult struct {
	Worldbook worldbook.Tree
	Merged    int
	Missing   int
}

// MergeAliases folds each alias entry into its canonical entry: the alias
// name joins the keyword set, keywords union, and content merges per
// mode. Alias entries are removed afterwards unless KeepAliases is set.
// Aliases with no matching entry are counted, not errors.
func MergeAliases(tree worldbook.Tree, groups []AliasGroup, opts AliasOptions) *AliasResult {
	res := &AliasResult{Worldbook: tree.Clone()}
	if res.Worldbook == nil {
		res.Worldbook = make(worldbook.Tree)
	}

	for _, g := range groups {
		canonical := res.Worldbook.Get(g.Category, g.CanonicalName)
		for _, alias := range g.Aliases {
			aliasData := res.Worldbook.Get(g.Category, alias)
			if aliasData == nil {
				res.Missing++
				continue
			}
			folded := aliasData.Clone()
			folded.Keywords = unionKeywords(folded.Keywords, []string{alias})

			switch {
			case canonical == nil:
				canonical = folded
			default:
				switch opts.Mode {
				case ModeReplace:
					folded.Keywords = unionKeywords(folded.Keywords, canonical.Keywords)
					canonical = folded
				case ModeKeep:
					canonical = canonical.Clone()
					canonical.Keywords = unionKeywords(canonical.Keywords, folded.Keywords)
				default:
					canonical = combine(canonical, folded)
				}
			}
			res.Worldbook.Set(g.Category, g.CanonicalName, canonical)
			if !opts.KeepAliases {
				res.Worldbook.Delete(g.Category, alias)
			}
			res.Merged++
		}
	}
	return res
}

// ConsolidateOptions configures ConsolidateCategories.
type ConsolidateOptions struct {
	Mode         Mode // replace, rename, append; anything else overwrites
	DeleteSource bool
}

// ConsolidateResult counts what a category consolidation did.
type ConsolidateResult struct {
	Worldbook worldbook.Tree
	Moved     int
	Conflicts int
}

// ConsolidateCategories moves every entry of source into target. Name
// collisions resolve like duplicate resolution; unknown modes overwrite.
func ConsolidateCategories(tree worldbook.Tree, source, target string, opts ConsolidateOptions) *ConsolidateResult {
	res := &ConsolidateResult{Worldbook: tree.Clone()}
	if res.Worldbook == nil {
		res.Worldbook = make(worldbook.Tree)
	}
	if source == target {
		return res
	}

	for _, name := range res.Worldbook.EntryNames(source) {
		moving := res.Worldbook.Get(source, name)
		existing := res.Worldbook.Get(target, name)
		if existing == nil {
			res.Worldbook.Set(target, name, moving)
			res.Worldbook.Delete(source, name)
			res.Moved++
			continue
		}

		res.Conflicts++
		switch opts.Mode {
		case ModeReplace:
			res.Worldbook.Set(target, name, moving)
		case ModeRename:
			res.Worldbook.Set(target, uniqueName(res.Worldbook, target, name), moving)
		case ModeAppend:
			res.Worldbook.Set(target, name, combine(existing, moving))
		default:
			res.Worldbook.Set(target, name, moving)
		}
		res.Worldbook.Delete(source, name)
		res.Moved++
	}

	if opts.DeleteSource && len(res.Worldbook[source]) == 0 {
		delete(res.Worldbook, source)
	}
	return res
}
