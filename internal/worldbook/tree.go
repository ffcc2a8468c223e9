package worldbook

import (
	"encoding/json"
	"sort"
)

// Canonical tree field names. The wire format is Chinese-keyed; English
// aliases are accepted on input for tolerance of model drift.
const (
	FieldKeywords = "关键词"
	FieldContent  = "内容"
)

// EntryData is one leaf of the structured tree: keywords, content, and any
// passthrough fields the model emitted that we preserve verbatim.
type EntryData struct {
	Keywords []string
	Content  string
	Extra    map[string]json.RawMessage
}

// Tree is the canonical merge representation: category → entry name → data.
type Tree map[string]map[string]*EntryData

// MarshalJSON writes the canonical Chinese-keyed form plus passthrough
// fields.
func (d *EntryData) MarshalJSON() ([]byte, error) {
	obj := make(map[string]json.RawMessage, len(d.Extra)+2)
	for k, v := range d.Extra {
		obj[k] = v
	}
	kw, err := json.Marshal(d.keywordsOrEmpty())
	if err != nil {
		return nil, err
	}
	obj[FieldKeywords] = kw
	content, err := json.Marshal(d.Content)
	if err != nil {
		return nil, err
	}
	obj[FieldContent] = content
	return json.Marshal(obj)
}

func (d *EntryData) keywordsOrEmpty() []string {
	if d.Keywords == nil {
		return []string{}
	}
	return d.Keywords
}

// UnmarshalJSON accepts English and Chinese field names interchangeably,
// preferring the longer content when both appear.
func (d *EntryData) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*d = *EntryDataFromObject(obj)
	return nil
}

var (
	keywordAliases = []string{FieldKeywords, "keywords", "keyword", "key", "keys"}
	contentAliases = []string{FieldContent, "content", "description", "desc"}
)

// EntryDataFromObject normalizes a decoded JSON object into EntryData:
// keyword/content aliases are folded into the canonical fields, everything
// else passes through untouched.
func EntryDataFromObject(obj map[string]json.RawMessage) *EntryData {
	d := &EntryData{}
	consumed := make(map[string]bool, 4)

	for _, k := range keywordAliases {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		consumed[k] = true
		d.Keywords = mergeKeywords(d.Keywords, decodeStringList(raw))
	}
	for _, k := range contentAliases {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		consumed[k] = true
		if s := decodeString(raw); len(s) > len(d.Content) {
			d.Content = s
		}
	}
	for k, v := range obj {
		if consumed[k] {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[k] = v
	}
	return d
}

// decodeStringList accepts a JSON array of strings, a single string
// (split is not attempted; one keyword), or anything else (ignored).
func decodeStringList(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func mergeKeywords(dst, src []string) []string {
	for _, k := range src {
		if k == "" {
			continue
		}
		dup := false
		for _, have := range dst {
			if have == k {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, k)
		}
	}
	return dst
}

// Empty reports whether the entry carries neither content nor keywords.
// Such candidates are filtered during parsing, not treated as errors.
func (d *EntryData) Empty() bool {
	return d.Content == "" && len(d.Keywords) == 0
}

// Clone deep-copies the data.
func (d *EntryData) Clone() *EntryData {
	out := &EntryData{Content: d.Content}
	if d.Keywords != nil {
		out.Keywords = append([]string{}, d.Keywords...)
	}
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage{}, v...)
		}
	}
	return out
}

// Equal compares by canonical JSON form.
func (d *EntryData) Equal(other *EntryData) bool {
	if d == nil || other == nil {
		return d == other
	}
	a, errA := json.Marshal(d)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

// Clone deep-copies the whole tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for cat, entries := range t {
		m := make(map[string]*EntryData, len(entries))
		for name, d := range entries {
			m[name] = d.Clone()
		}
		out[cat] = m
	}
	return out
}

// Get returns the entry at (category, name), or nil.
func (t Tree) Get(category, name string) *EntryData {
	if entries, ok := t[category]; ok {
		return entries[name]
	}
	return nil
}

// Set places an entry, creating the category as needed.
func (t Tree) Set(category, name string, d *EntryData) {
	entries, ok := t[category]
	if !ok {
		entries = make(map[string]*EntryData)
		t[category] = entries
	}
	entries[name] = d
}

// Delete removes an entry; the category stays even if emptied.
func (t Tree) Delete(category, name string) {
	if entries, ok := t[category]; ok {
		delete(entries, name)
	}
}

// CountEntries returns the total number of entries across categories.
func (t Tree) CountEntries() int {
	n := 0
	for _, entries := range t {
		n += len(entries)
	}
	return n
}

// Categories returns the category names in sorted order.
func (t Tree) Categories() []string {
	out := make([]string, 0, len(t))
	for cat := range t {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

// EntryNames returns the sorted entry names of one category.
func (t Tree) EntryNames(category string) []string {
	entries := t[category]
	out := make([]string, 0, len(entries))
	for name := range entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
