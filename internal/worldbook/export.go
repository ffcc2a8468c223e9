package worldbook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Export envelope constants.
const (
	ExportType    = "worldbook"
	ExportVersion = 1
)

// Envelope is the interchange file shape.
type Envelope struct {
	Type       string    `json:"type"`
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exportedAt"`
	Worldbook  Tree      `json:"worldbook"`
}

// Export serializes a tree into the versioned envelope.
func Export(tree Tree, now time.Time) ([]byte, error) {
	env := Envelope{
		Type:       ExportType,
		Version:    ExportVersion,
		ExportedAt: now.UTC(),
		Worldbook:  tree,
	}
	return json.MarshalIndent(env, "", "  ")
}

// ImportResult carries the decoded tree plus names that collided within
// the same import (same category, repeated name).
type ImportResult struct {
	Tree               Tree
	InternalDuplicates []string
}

// Import decodes a worldbook file. Accepted shapes, tried in order:
//   - the versioned envelope with a "worldbook" or "payload" key
//   - a SillyTavern lorebook ("entries" object or array)
//   - a bare category tree
func Import(data []byte) (*ImportResult, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("worldbook: import: %w", err)
	}

	if raw, ok := probe["worldbook"]; ok {
		return importTree(raw)
	}
	if raw, ok := probe["payload"]; ok {
		return importTree(raw)
	}
	if raw, ok := probe["entries"]; ok {
		return importSillyTavern(raw)
	}
	// Lenient fallback: the whole body is the payload.
	return importTree(data)
}

func importTree(raw json.RawMessage) (*ImportResult, error) {
	var tree Tree
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("worldbook: import payload: %w", err)
	}
	if tree == nil {
		tree = make(Tree)
	}
	return &ImportResult{Tree: tree}, nil
}

// sillyTavernEntry mirrors the flat third-party record. The comment field
// encodes "{category} - {name}".
type sillyTavernEntry struct {
	Comment  string   `json:"comment"`
	Key      []string `json:"key"`
	Content  string   `json:"content"`
	Position *int     `json:"position,omitempty"`
	Depth    *int     `json:"depth,omitempty"`
	Order    *int     `json:"order,omitempty"`
	Disable  *bool    `json:"disable,omitempty"`
}

func importSillyTavern(raw json.RawMessage) (*ImportResult, error) {
	var list []sillyTavernEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		// SillyTavern also ships entries as an index-keyed object.
		var byIndex map[string]sillyTavernEntry
		if err2 := json.Unmarshal(raw, &byIndex); err2 != nil {
			return nil, fmt.Errorf("worldbook: import entries: %w", err)
		}
		list = make([]sillyTavernEntry, 0, len(byIndex))
		for _, e := range byIndex {
			list = append(list, e)
		}
	}

	res := &ImportResult{Tree: make(Tree)}
	for _, ste := range list {
		category, name := splitComment(ste.Comment)
		d := &EntryData{Content: ste.Content}
		if ste.Key != nil {
			d.Keywords = append([]string{}, ste.Key...)
		}
		addExtraInt(d, "position", ste.Position)
		addExtraInt(d, "depth", ste.Depth)
		addExtraInt(d, "order", ste.Order)
		if ste.Disable != nil {
			b, _ := json.Marshal(*ste.Disable)
			setExtra(d, "disable", b)
		}
		if res.Tree.Get(category, name) != nil {
			res.InternalDuplicates = append(res.InternalDuplicates, category+" - "+name)
		}
		res.Tree.Set(category, name, d)
	}
	return res, nil
}

func splitComment(comment string) (category, name string) {
	comment = strings.TrimSpace(comment)
	if before, after, ok := strings.Cut(comment, " - "); ok {
		category = strings.TrimSpace(before)
		name = strings.TrimSpace(after)
	} else {
		name = comment
	}
	if category == "" {
		category = CategoryUncategorized
	}
	if name == "" {
		name = CategoryUncategorized
	}
	return category, name
}

func addExtraInt(d *EntryData, key string, v *int) {
	if v == nil {
		return
	}
	b, _ := json.Marshal(*v)
	setExtra(d, key, b)
}

func setExtra(d *EntryData, key string, raw json.RawMessage) {
	if d.Extra == nil {
		d.Extra = make(map[string]json.RawMessage)
	}
	d.Extra[key] = raw
}
