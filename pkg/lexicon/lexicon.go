// Package lexicon provides a runtime keyword index using Aho-Corasick.
// A single AC automaton serves as both keyword lookup AND text scanner,
// answering "which entries does this passage activate" in one pass.
package lexicon

import (
	"strings"
	"unicode"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// ============================================================================
// String Utilities (inline, no separate package)
// ============================================================================

// NormalizeRaw cleans and lowercases text for matching. CJK runes pass
// through untouched; Latin punctuation collapses to single spaces.
func NormalizeRaw(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	for _, ch := range s {
		c := unicode.ToLower(ch)

		// Curly apostrophe -> straight
		if c == '’' {
			out.WriteRune('\'')
			continue
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '\'' {
			out.WriteRune(c)
		} else {
			out.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(out.String()), " ")
}

// StopWords to filter when suggesting keywords from content.
var StopWords = map[string]bool{
	"the": true, "of": true, "and": true, "a": true, "an": true,
	"to": true, "in": true, "on": true, "for": true, "at": true, "by": true,
	"is": true, "it": true, "as": true, "be": true, "was": true,
	"are": true, "been": true, "with": true, "from": true, "into": true,
	"that": true, "this": true, "has": true, "have": true, "had": true,
	"his": true, "her": true, "its": true, "their": true,
	"的": true, "了": true, "和": true, "是": true, "在": true,
	"我": true, "他": true, "她": true, "它": true, "们": true,
	"这": true, "那": true, "就": true, "也": true, "都": true,
}

// TokenizeNorm splits and normalizes, filtering stop words.
func TokenizeNorm(text string) []string {
	normalized := NormalizeRaw(text)
	words := strings.Fields(normalized)

	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) > 0 && !StopWords[w] {
			result = append(result, w)
		}
	}
	return result
}

// ============================================================================
// Term Types
// ============================================================================

// Term is one entry registered for activation: its identity plus every
// surface form that should trigger it.
type Term struct {
	Category string
	Name     string
	Keywords []string
}

// termKey identifies one registered entry.
type termKey struct {
	category string
	name     string
}

// Activation is one entry triggered by a scan, with the keywords that
// fired it.
type Activation struct {
	Category string
	Name     string
	Matched  []string
}

// ============================================================================
// Index - Dual-Purpose Aho-Corasick
// ============================================================================

// Index maps keyword patterns to the entries they activate.
type Index struct {
	ac ahocorasick.AhoCorasick

	// Pattern index -> entry keys (multiple entries may share a keyword)
	patternToKeys [][]termKey

	// Normalized pattern -> pattern index
	patternIndex map[string]int

	// All patterns in order (for AC builder)
	patterns []string
}

// Compile builds an Index from registered terms. An entry's name always
// counts as a surface form alongside its keywords.
func Compile(terms []Term) *Index {
	idx := &Index{
		patternToKeys: [][]termKey{},
		patternIndex:  make(map[string]int),
		patterns:      []string{},
	}

	for _, t := range terms {
		key := termKey{category: t.Category, name: t.Name}
		surfaces := append([]string{t.Name}, t.Keywords...)
		for _, surface := range surfaces {
			pattern := NormalizeRaw(surface)
			if pattern == "" {
				continue
			}
			if i, exists := idx.patternIndex[pattern]; exists {
				idx.patternToKeys[i] = appendUniqueKey(idx.patternToKeys[i], key)
			} else {
				i := len(idx.patterns)
				idx.patterns = append(idx.patterns, pattern)
				idx.patternIndex[pattern] = i
				idx.patternToKeys = append(idx.patternToKeys, []termKey{key})
			}
		}
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: true,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	idx.ac = builder.Build(idx.patterns)

	return idx
}

// Contains checks whether a surface form is a registered keyword.
func (x *Index) Contains(surface string) bool {
	_, exists := x.patternIndex[NormalizeRaw(surface)]
	return exists
}

// Match represents one keyword hit in scanned text.
type Match struct {
	Start       int    // Byte offset start
	End         int    // Byte offset end
	MatchedText string // Original text slice
	PatternIdx  int    // Index into patterns slice
}

// Scan finds all keyword mentions in text (O(n) via AC).
func (x *Index) Scan(text string) []Match {
	normalized := strings.ToLower(text)

	matches := x.ac.FindAll(normalized)
	result := make([]Match, 0, len(matches))

	for _, m := range matches {
		result = append(result, Match{
			Start:       m.Start(),
			End:         m.End(),
			MatchedText: text[m.Start():m.End()],
			PatternIdx:  m.Pattern(),
		})
	}

	return result
}

// Activate scans text and folds the hits into per-entry activations.
// Each activation lists the distinct keywords that fired it.
func (x *Index) Activate(text string) []Activation {
	hits := make(map[termKey][]string)
	var order []termKey

	for _, m := range x.Scan(text) {
		pattern := x.patterns[m.PatternIdx]
		for _, key := range x.patternToKeys[m.PatternIdx] {
			if _, seen := hits[key]; !seen {
				order = append(order, key)
			}
			hits[key] = appendUnique(hits[key], pattern)
		}
	}

	out := make([]Activation, 0, len(order))
	for _, key := range order {
		out = append(out, Activation{
			Category: key.category,
			Name:     key.name,
			Matched:  hits[key],
		})
	}
	return out
}

// ============================================================================
// Keyword Suggestion
// ============================================================================

// SuggestKeywords proposes surface forms for an entry name: the name
// itself, plus first/last tokens of multi-word Latin names.
func SuggestKeywords(name string) []string {
	out := []string{name}
	tokens := TokenizeNorm(name)
	if len(tokens) <= 1 {
		return out
	}

	first := tokens[0]
	last := tokens[len(tokens)-1]
	if len(last) >= 3 {
		out = appendUnique(out, last)
	}
	if len(first) >= 4 && first != last {
		out = appendUnique(out, first)
	}
	return out
}

// AutoKeywords fills missing keywords for an entry from its name plus
// salient content tokens. CJK content tokens are skipped: without word
// segmentation they are arbitrary phrase runs, not surface forms, so
// CJK entries keep only their name-derived keywords.
func AutoKeywords(name, content string) []string {
	out := SuggestKeywords(name)
	const maxContentKeywords = 5
	added := 0
	for _, tok := range TokenizeNorm(content) {
		if added >= maxContentKeywords {
			break
		}
		if len([]rune(tok)) < 3 || hasCJK(tok) {
			continue
		}
		before := len(out)
		out = appendUnique(out, tok)
		if len(out) > before {
			added++
		}
	}
	return out
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

func appendUnique(slice []string, item string) []string {
	for _, s := range slice {
		if s == item {
			return slice
		}
	}
	return append(slice, item)
}

func appendUniqueKey(slice []termKey, item termKey) []termKey {
	for _, k := range slice {
		if k == item {
			return slice
		}
	}
	return append(slice, item)
}
