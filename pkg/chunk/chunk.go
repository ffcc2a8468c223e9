// Package chunk turns chapter segments into size-bounded memory chunks, the
// unit of work the extraction pipeline sends to the LLM. Pure functions.
package chunk

import (
	"fmt"
	"strings"

	"github.com/kittclouds/lorekit/pkg/segment"
)

// SourceRef traces a chunk (or part of one) back to its chapter segment.
// Offsets are byte offsets into the segment's content.
type SourceRef struct {
	ChapterIndex int    `json:"chapterIndex"`
	ChapterTitle string `json:"chapterTitle"`
	StartOffset  int    `json:"startOffset"`
	EndOffset    int    `json:"endOffset"`
}

// Chunk is one bounded unit of source text submitted as one LLM request.
//
// Index is always the chunk's position in its current queue and ID is
// reassigned whenever the queue is structurally rebuilt ("wb-chunk-{n}",
// 1-based). The processing flags are mutated in place by the pipeline; ID
// stays stable across retries of the same chunk.
type Chunk struct {
	ID              string      `json:"id"`
	Index           int         `json:"index"`
	Title           string      `json:"title"`
	Content         string      `json:"content"`
	EstimatedTokens int         `json:"estimatedTokens"`
	Source          []SourceRef `json:"source"`

	Processed    bool   `json:"processed"`
	Failed       bool   `json:"failed"`
	Processing   bool   `json:"processing"`
	RetryCount   int    `json:"retryCount"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Pending reports whether the chunk still needs a pipeline pass. Chunks that
// succeeded stay skipped on re-entrant runs; failed ones are eligible again.
func (c *Chunk) Pending() bool {
	return !c.Processed || c.Failed
}

// Options controls chunk construction.
type Options struct {
	// ChunkSize is the content budget per chunk, in runes.
	ChunkSize int
	// MinChunkSize is the merge threshold for small tail chunks.
	// Zero means ChunkSize/4.
	MinChunkSize int
}

const (
	// backwardWindow is the fraction of a split window searched backward
	// for a paragraph or line break before cutting mid-paragraph.
	backwardWindow = 0.4

	defaultChunkSize = 3000
)

// Build converts ordered chapter segments into size-bounded chunks.
//
// Segments accumulate into a buffer that is flushed when the next segment
// would overflow the budget. A single segment over the budget is split on
// its own, preferring paragraph breaks near window edges. After building,
// chunks shorter than MinChunkSize are folded into their predecessor and the
// list is renumbered and re-id'd.
func Build(segs []segment.ChapterSegment, opts Options) []*Chunk {
	size := opts.ChunkSize
	if size <= 0 {
		size = defaultChunkSize
	}
	minSize := opts.MinChunkSize
	if minSize <= 0 {
		minSize = size / 4
	}

	b := builder{size: size}
	for _, seg := range segs {
		if len([]rune(seg.Content)) > size {
			b.flush()
			b.splitOversized(seg)
			continue
		}
		if b.wouldOverflow(seg.Content) {
			b.flush()
		}
		b.append(seg)
	}
	b.flush()

	merged := mergeSmallTails(b.chunks, minSize)
	Renumber(merged)
	return merged
}

// MergeAdjacent folds chunks[i+1] into chunks[i] (user-triggered merge of a
// chunk with its neighbor) and returns a renumbered queue. The merged chunk
// drops all processing state and becomes pending again.
func MergeAdjacent(chunks []*Chunk, i int) ([]*Chunk, error) {
	if i < 0 || i+1 >= len(chunks) {
		return nil, fmt.Errorf("chunk: no neighbor to merge at index %d", i)
	}
	a, b := chunks[i], chunks[i+1]
	merged := &Chunk{
		Title:   a.Title,
		Content: a.Content + "\n\n" + b.Content,
		Source:  append(append([]SourceRef{}, a.Source...), b.Source...),
	}
	merged.EstimatedTokens = EstimateTokens(merged.Content)

	out := make([]*Chunk, 0, len(chunks)-1)
	out = append(out, chunks[:i]...)
	out = append(out, merged)
	out = append(out, chunks[i+2:]...)
	Renumber(out)
	return out, nil
}

// Renumber reassigns Index and ID after any structural queue mutation.
func Renumber(chunks []*Chunk) {
	for i, c := range chunks {
		c.Index = i
		c.ID = fmt.Sprintf("wb-chunk-%d", i+1)
	}
}

type builder struct {
	size   int
	chunks []*Chunk

	buf     strings.Builder
	bufLen  int // runes
	sources []SourceRef
	title   string
}

// wouldOverflow accounts for the two-rune separator append inserts
// between segments, so a filled chunk never exceeds the size limit.
func (b *builder) wouldOverflow(content string) bool {
	if b.bufLen == 0 {
		return false
	}
	add := len([]rune(content))
	return b.bufLen+2+add > b.size
}

func (b *builder) append(seg segment.ChapterSegment) {
	if b.bufLen == 0 {
		b.title = seg.Title
	} else {
		b.buf.WriteString("\n\n")
		b.bufLen += 2
	}
	b.buf.WriteString(seg.Content)
	b.bufLen += len([]rune(seg.Content))
	b.sources = append(b.sources, SourceRef{
		ChapterIndex: seg.Index,
		ChapterTitle: seg.Title,
		StartOffset:  0,
		EndOffset:    len(seg.Content),
	})
}

func (b *builder) flush() {
	if b.bufLen == 0 {
		return
	}
	content := b.buf.String()
	b.chunks = append(b.chunks, &Chunk{
		Title:           b.title,
		Content:         content,
		EstimatedTokens: EstimateTokens(content),
		Source:          b.sources,
	})
	b.buf.Reset()
	b.bufLen = 0
	b.sources = nil
	b.title = ""
}

// splitOversized slices one over-budget segment into window-sized chunks,
// cutting at paragraph breaks (then line breaks) found in the trailing 40%
// of each window. Slice offsets into the segment stay byte-accurate even
// after trimming.
func (b *builder) splitOversized(seg segment.ChapterSegment) {
	runes := []rune(seg.Content)
	// rune index -> byte offset in seg.Content
	byteOf := make([]int, len(runes)+1)
	off := 0
	for i, r := range runes {
		byteOf[i] = off
		off += len(string(r))
	}
	byteOf[len(runes)] = off

	type slice struct{ start, end int } // rune offsets
	var slices []slice
	start := 0
	for start < len(runes) {
		end := start + b.size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = cutPoint(runes, start, end)
		}
		slices = append(slices, slice{start, end})
		start = end
	}

	for i, sl := range slices {
		raw := string(runes[sl.start:sl.end])
		const cutset = " \t\n"
		trimmed := strings.Trim(raw, cutset)
		if trimmed == "" {
			continue
		}
		lead := len(raw) - len(strings.TrimLeft(raw, cutset))
		tail := len(raw) - len(strings.TrimRight(raw, cutset)) // bytes trimmed

		title := seg.Title
		if len(slices) > 1 {
			title = fmt.Sprintf("%s (%d/%d)", seg.Title, i+1, len(slices))
		}
		b.chunks = append(b.chunks, &Chunk{
			Title:           title,
			Content:         trimmed,
			EstimatedTokens: EstimateTokens(trimmed),
			Source: []SourceRef{{
				ChapterIndex: seg.Index,
				ChapterTitle: seg.Title,
				StartOffset:  byteOf[sl.start] + lead,
				EndOffset:    byteOf[sl.end] - tail,
			}},
		})
	}
}

// cutPoint searches backward from the hard window edge for a paragraph break
// (preferred) or a line break within the trailing portion of the window and
// returns the rune offset to cut at. The break stays with the left slice.
func cutPoint(runes []rune, start, end int) int {
	window := end - start
	searchFrom := end - int(float64(window)*backwardWindow)
	if searchFrom < start {
		searchFrom = start
	}

	bestLine := -1
	for i := end - 1; i >= searchFrom; i-- {
		if runes[i] != '\n' {
			continue
		}
		if i > 0 && runes[i-1] == '\n' {
			return i + 1 // paragraph break
		}
		if bestLine < 0 {
			bestLine = i + 1
		}
	}
	if bestLine > start {
		return bestLine
	}
	return end
}

// mergeSmallTails folds any chunk shorter than minSize into its immediately
// preceding chunk, never the following one.
func mergeSmallTails(chunks []*Chunk, minSize int) []*Chunk {
	var out []*Chunk
	for _, c := range chunks {
		if len(out) > 0 && len([]rune(c.Content)) < minSize {
			prev := out[len(out)-1]
			prev.Content = prev.Content + "\n\n" + c.Content
			prev.EstimatedTokens = EstimateTokens(prev.Content)
			prev.Source = append(prev.Source, c.Source...)
			continue
		}
		out = append(out, c)
	}
	return out
}
