// Package worldbook defines the structured knowledge-base data model: the
// flat Entry used by callers and the pipeline, the nested Tree used by the
// merge engine, and the conversions between them. The tree is keyed by
// human-readable category and entry names because the LLM only ever emits
// names, never stable ids.
package worldbook

// CategoryUncategorized receives entries whose response gave no category and
// the raw-text fallback entry when a response fails to parse.
const CategoryUncategorized = "未分类"

// Entry is one extracted structured fact. Identity for merge purposes is
// (Category, Name); ID is the stable handle handed to callers.
//
// SourceChunkIDs lists every chunk that contributed to the entry's current
// content.
type Entry struct {
	ID             string   `json:"id"`
	Category       string   `json:"category"`
	Name           string   `json:"name"`
	Keywords       []string `json:"keywords"`
	Content        string   `json:"content"`
	Position       *int     `json:"position,omitempty"`
	Depth          *int     `json:"depth,omitempty"`
	Order          *int     `json:"order,omitempty"`
	Disable        *bool    `json:"disable,omitempty"`
	SourceChunkIDs []string `json:"sourceChunkIds"`
}

// AddSourceChunk records a contributing chunk id, deduped.
func (e *Entry) AddSourceChunk(chunkID string) {
	for _, id := range e.SourceChunkIDs {
		if id == chunkID {
			return
		}
	}
	e.SourceChunkIDs = append(e.SourceChunkIDs, chunkID)
}
