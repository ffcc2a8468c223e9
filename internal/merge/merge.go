// Package merge combines worldbook trees: naive deep merge, idempotent
// incremental merge for pipeline output, duplicate-aware import merge
// with an optional AI resolution mode, alias folding, and category
// consolidation.
package merge

import (
	"strings"

	"github.com/kittclouds/lorekit/internal/worldbook"
)

// ContentSeparator joins appended content blocks.
const ContentSeparator = "\n\n---\n\n"

// fingerprintLen is how many leading runes identify already-merged content.
const fingerprintLen = 50

// Deep merges src into a copy of dst. Entries from src overwrite same-name
// entries in dst wholesale; no content-aware rules apply.
func Deep(dst, src worldbook.Tree) worldbook.Tree {
	out := dst.Clone()
	if out == nil {
		out = make(worldbook.Tree)
	}
	for cat, entries := range src {
		for name, d := range entries {
			out.Set(cat, name, d.Clone())
		}
	}
	return out
}

// Incremental merges src into a copy of dst entry by entry. Existing
// entries union keywords and append content behind a separator; the
// append is skipped when the incoming content's leading fingerprint is
// already a substring of the existing content, which makes reprocessing
// the same chunk a no-op.
func Incremental(dst, src worldbook.Tree) worldbook.Tree {
	out := dst.Clone()
	if out == nil {
		out = make(worldbook.Tree)
	}
	for cat, entries := range src {
		for name, incoming := range entries {
			existing := out.Get(cat, name)
			if existing == nil {
				out.Set(cat, name, incoming.Clone())
				continue
			}
			out.Set(cat, name, combine(existing, incoming))
		}
	}
	return out
}

// combine is the shared content-merge rule: keyword union plus separator
// append unless the incoming content is already present.
func combine(existing, incoming *worldbook.EntryData) *worldbook.EntryData {
	out := existing.Clone()
	out.Keywords = unionKeywords(out.Keywords, incoming.Keywords)

	inc := strings.TrimSpace(incoming.Content)
	if inc == "" {
		return out
	}
	if out.Content == "" {
		out.Content = inc
		return out
	}
	if strings.Contains(out.Content, fingerprint(inc)) {
		return out
	}
	out.Content = out.Content + ContentSeparator + inc
	return out
}

func fingerprint(content string) string {
	runes := []rune(content)
	if len(runes) > fingerprintLen {
		runes = runes[:fingerprintLen]
	}
	return string(runes)
}

func unionKeywords(dst, src []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, k := range dst {
		seen[k] = true
	}
	for _, k := range src {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		dst = append(dst, k)
	}
	return dst
}
