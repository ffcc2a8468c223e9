// Package segment splits raw narrative text into chapter-like segments by
// regex boundary detection. Pure functions, no I/O.
package segment

import (
	"regexp"
	"strings"
)

// DefaultPattern matches CJK chapter markers such as 第12章, 第三节, 第一百回.
const DefaultPattern = `第[0-9零一二三四五六七八九十百千万两]+[章节卷回部集幕]`

// PrefaceTitle names the implicit segment before the first detected chapter.
const PrefaceTitle = "序章"

var defaultRe = regexp.MustCompile(DefaultPattern)

// ChapterSegment is one chapter-like slice of the normalized source text.
// Offsets index into the normalized text passed to Split.
type ChapterSegment struct {
	Index       int    `json:"index"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

// Options controls boundary detection.
type Options struct {
	// Pattern is a custom boundary regex, used only when UseCustom is set.
	// An invalid pattern falls back to DefaultPattern; Split never fails.
	Pattern   string
	UseCustom bool

	// FallbackTitle is used when no boundary is found anywhere in the text.
	// Empty means "第1章".
	FallbackTitle string
}

// Normalize converts line endings to \n and trims surrounding whitespace.
// Split applies it internally; callers that need offsets into the exact text
// Split saw should normalize once and pass the result around.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// PatternValid reports whether a custom pattern compiles. Split itself never
// fails on a bad pattern; callers use this to surface a warning.
func PatternValid(pattern string) bool {
	_, err := regexp.Compile(pattern)
	return err == nil
}

// Split divides text into ordered chapter segments.
//
// Boundaries are the starts of the lines containing pattern matches, deduped.
// Text before the first boundary becomes a 序章 segment. With no boundaries
// at all the whole text is one segment under the fallback title. Empty
// segments are dropped and the survivors renumbered 0..n-1.
func Split(text string, opts Options) []ChapterSegment {
	text = Normalize(text)
	if text == "" {
		return nil
	}

	re := defaultRe
	if opts.UseCustom && opts.Pattern != "" {
		if custom, err := regexp.Compile(opts.Pattern); err == nil {
			re = custom
		}
	}

	boundaries := lineStarts(text, re.FindAllStringIndex(text, -1))

	if len(boundaries) == 0 {
		title := opts.FallbackTitle
		if title == "" {
			title = "第1章"
		}
		return []ChapterSegment{{
			Index:       0,
			Title:       title,
			Content:     text,
			StartOffset: 0,
			EndOffset:   len(text),
		}}
	}

	var segs []ChapterSegment
	if boundaries[0] > 0 {
		segs = appendSegment(segs, text, 0, boundaries[0], PrefaceTitle)
	}
	for i, start := range boundaries {
		end := len(text)
		if i+1 < len(boundaries) {
			end = boundaries[i+1]
		}
		segs = appendSegment(segs, text, start, end, "")
	}

	for i := range segs {
		segs[i].Index = i
	}
	return segs
}

// lineStarts maps match offsets to the start of their containing lines and
// removes duplicates (several matches on one line mark a single boundary).
func lineStarts(text string, matches [][]int) []int {
	var starts []int
	seen := make(map[int]bool, len(matches))
	for _, m := range matches {
		ls := strings.LastIndexByte(text[:m[0]], '\n') + 1
		if !seen[ls] {
			seen[ls] = true
			starts = append(starts, ls)
		}
	}
	return starts
}

// appendSegment adds text[start:end] unless it is whitespace-only. An empty
// title is derived from the segment's first line.
func appendSegment(segs []ChapterSegment, text string, start, end int, title string) []ChapterSegment {
	content := text[start:end]
	if strings.TrimSpace(content) == "" {
		return segs
	}
	if title == "" {
		title = firstLineTitle(content)
	}
	return append(segs, ChapterSegment{
		Title:       title,
		Content:     content,
		StartOffset: start,
		EndOffset:   end,
	})
}

const maxTitleRunes = 50

func firstLineTitle(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > maxTitleRunes {
		line = string(runes[:maxTitleRunes])
	}
	return line
}
