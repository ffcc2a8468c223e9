// Package extract turns free-form model output into worldbook entries.
// Model replies drift between fenced JSON, bare JSON, and prose, so the
// parser tries progressively looser candidates and always produces at
// least one entry for a non-empty response.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kittclouds/lorekit/internal/worldbook"
	"github.com/kittclouds/lorekit/pkg/chunk"
)

var fencedRE = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// PayloadShape tags what a parsed JSON payload looks like.
type PayloadShape int

const (
	ShapeUnrecognized PayloadShape = iota
	ShapeEntryLike
	ShapeCategoryMap
	ShapeArrayOfEntries
)

// Parse extracts entries from raw model text. Candidates are tried in
// order: fenced code block, outermost {...} span, outermost [...] span,
// raw trimmed text. If none parses as JSON, the whole response becomes a
// single uncategorized entry named after the chunk so a successful API
// call is never discarded over format drift.
func Parse(responseText string, c *chunk.Chunk) []*worldbook.Entry {
	trimmed := strings.TrimSpace(responseText)
	if trimmed == "" {
		return nil
	}

	for _, candidate := range candidates(trimmed) {
		var payload json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
			continue
		}
		entries := normalize(payload, c)
		if entries != nil {
			return entries
		}
	}

	return []*worldbook.Entry{fallbackEntry(trimmed, c)}
}

func candidates(text string) []string {
	out := make([]string, 0, 4)
	if m := fencedRE.FindStringSubmatch(text); m != nil {
		if inner := strings.TrimSpace(m[1]); inner != "" {
			out = append(out, inner)
		}
	}
	if span := outerSpan(text, '{', '}'); span != "" {
		out = append(out, span)
	}
	if span := outerSpan(text, '[', ']'); span != "" {
		out = append(out, span)
	}
	return append(out, text)
}

func outerSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func fallbackEntry(text string, c *chunk.Chunk) *worldbook.Entry {
	name := worldbook.CategoryUncategorized
	if c != nil && c.Title != "" {
		name = c.Title
	}
	return &worldbook.Entry{
		Category: worldbook.CategoryUncategorized,
		Name:     name,
		Content:  text,
	}
}

// ClassifyPayload tags a decoded JSON value by structure.
func ClassifyPayload(payload json.RawMessage) PayloadShape {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		return ShapeArrayOfEntries
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ShapeUnrecognized
	}
	if looksLikeEntry(obj) {
		return ShapeEntryLike
	}
	if len(obj) > 0 {
		return ShapeCategoryMap
	}
	return ShapeUnrecognized
}

var entryMarkerFields = []string{
	"keywords", "keyword", "key", "keys", "关键词",
	"content", "内容", "description", "desc",
	"name", "名称", "名字",
}

func looksLikeEntry(obj map[string]json.RawMessage) bool {
	for _, f := range entryMarkerFields {
		if _, ok := obj[f]; ok {
			return true
		}
	}
	return false
}

// normalize maps any accepted payload shape to a flat entry list, or nil
// when the payload is structurally unusable.
func normalize(payload json.RawMessage, c *chunk.Chunk) []*worldbook.Entry {
	switch ClassifyPayload(payload) {
	case ShapeArrayOfEntries:
		var items []json.RawMessage
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil
		}
		return entriesFromList(items, worldbook.CategoryUncategorized, c)
	case ShapeEntryLike, ShapeCategoryMap:
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(payload, &obj); err != nil {
			return nil
		}
		if raw, ok := obj["entries"]; ok {
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				return entriesFromList(items, worldbook.CategoryUncategorized, c)
			}
		}
		if looksLikeEntry(obj) {
			e := entryFromObject(obj, worldbook.CategoryUncategorized, "", c)
			if e == nil {
				return []*worldbook.Entry{}
			}
			return []*worldbook.Entry{e}
		}
		return entriesFromCategoryMap(obj, c)
	default:
		return nil
	}
}

func entriesFromCategoryMap(obj map[string]json.RawMessage, c *chunk.Chunk) []*worldbook.Entry {
	out := []*worldbook.Entry{}
	for category, raw := range obj {
		trimmed := strings.TrimSpace(string(raw))
		switch {
		case strings.HasPrefix(trimmed, "["):
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err == nil {
				out = append(out, entriesFromList(items, category, c)...)
			}
		case strings.HasPrefix(trimmed, "{"):
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(raw, &inner); err != nil {
				continue
			}
			if looksLikeEntry(inner) {
				if e := entryFromObject(inner, category, "", c); e != nil {
					out = append(out, e)
				}
				continue
			}
			// name → entry map
			for name, entryRaw := range inner {
				var fields map[string]json.RawMessage
				if err := json.Unmarshal(entryRaw, &fields); err != nil {
					continue
				}
				if e := entryFromObject(fields, category, name, c); e != nil {
					out = append(out, e)
				}
			}
		}
	}
	return out
}

func entriesFromList(items []json.RawMessage, defaultCategory string, c *chunk.Chunk) []*worldbook.Entry {
	out := []*worldbook.Entry{}
	for _, raw := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			continue
		}
		if e := entryFromObject(obj, defaultCategory, "", c); e != nil {
			out = append(out, e)
		}
	}
	return out
}

var nameAliases = []string{"name", "名称", "名字"}
var categoryAliases = []string{"category", "分类", "类别"}

// entryFromObject builds one entry from a decoded object, honoring EN and
// CN field aliases. Entries with neither content nor keywords are dropped.
func entryFromObject(obj map[string]json.RawMessage, category, name string, c *chunk.Chunk) *worldbook.Entry {
	data := worldbook.EntryDataFromObject(obj)
	if data.Empty() {
		return nil
	}
	for _, alias := range nameAliases {
		if raw, ok := obj[alias]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				name = s
				break
			}
		}
	}
	for _, alias := range categoryAliases {
		if raw, ok := obj[alias]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				category = s
				break
			}
		}
	}
	if name == "" {
		if c != nil && c.Title != "" {
			name = c.Title
		} else {
			name = worldbook.CategoryUncategorized
		}
	}
	if category == "" {
		category = worldbook.CategoryUncategorized
	}
	e := &worldbook.Entry{
		Category: category,
		Name:     name,
		Content:  data.Content,
	}
	if data.Keywords != nil {
		e.Keywords = append([]string{}, data.Keywords...)
	}
	return e
}

// StampSourceChunk assigns source tracking and fallback ids after a chunk
// parse: every entry records the chunk id, and entries without an id get
// "{chunkID}-entry-{n}".
func StampSourceChunk(entries []*worldbook.Entry, chunkID string) {
	for i, e := range entries {
		e.AddSourceChunk(chunkID)
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s-entry-%d", chunkID, i)
		}
	}
}
