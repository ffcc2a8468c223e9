package segment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitChapters(t *testing.T) {
	text := "开场白\n\n第1章 启程\n林舟离开了村子。\n\n第2章 山路\n山路崎岖难行。"
	segs := Split(text, Options{})

	require.Len(t, segs, 3)
	assert.Equal(t, PrefaceTitle, segs[0].Title)
	assert.Equal(t, "第1章 启程", segs[1].Title)
	assert.Equal(t, "第2章 山路", segs[2].Title)

	for i, seg := range segs {
		assert.Equal(t, i, seg.Index)
		assert.Equal(t, seg.Content, text[seg.StartOffset:seg.EndOffset])
	}
}

func TestSplitNoBoundaries(t *testing.T) {
	segs := Split("没有任何章节标记的文本。", Options{})
	require.Len(t, segs, 1)
	assert.Equal(t, "第1章", segs[0].Title)
	assert.Equal(t, "没有任何章节标记的文本。", segs[0].Content)

	segs = Split("plain text", Options{FallbackTitle: "全文"})
	require.Len(t, segs, 1)
	assert.Equal(t, "全文", segs[0].Title)
}

func TestSplitEmpty(t *testing.T) {
	assert.Nil(t, Split("", Options{}))
	assert.Nil(t, Split("   \n\n  ", Options{}))
}

func TestSplitBoundaryAtLineStart(t *testing.T) {
	// The boundary is the start of the matching line, so text on the
	// same line before the marker stays with the chapter.
	text := "前言前言\n据说 第1章 从这里开始\n正文"
	segs := Split(text, Options{})

	require.Len(t, segs, 2)
	assert.Equal(t, PrefaceTitle, segs[0].Title)
	assert.True(t, strings.HasPrefix(segs[1].Content, "据说 第1章"))
}

func TestSplitCustomPattern(t *testing.T) {
	text := "Prologue\n\nChapter 1\none\n\nChapter 2\ntwo"
	segs := Split(text, Options{Pattern: `Chapter \d+`, UseCustom: true})

	require.Len(t, segs, 3)
	assert.Equal(t, "Chapter 1", segs[1].Title)
	assert.Equal(t, "Chapter 2", segs[2].Title)
}

func TestSplitInvalidCustomPatternFallsBack(t *testing.T) {
	assert.False(t, PatternValid(`第[`))

	text := "第1章\n正文"
	segs := Split(text, Options{Pattern: `第[`, UseCustom: true})
	require.Len(t, segs, 1)
	assert.Equal(t, "第1章", segs[0].Title)
}

func TestSplitChineseNumerals(t *testing.T) {
	text := "第一章 开端\n甲\n\n第一百二十三回 转折\n乙"
	segs := Split(text, Options{})
	require.Len(t, segs, 2)
	assert.Equal(t, "第一章 开端", segs[0].Title)
	assert.Equal(t, "第一百二十三回 转折", segs[1].Title)
}

func TestSplitIdempotent(t *testing.T) {
	text := "引子\n\n第1章\n甲甲甲\n\n第2章\n乙乙乙"
	first := Split(text, Options{})

	var parts []string
	for _, seg := range first {
		parts = append(parts, seg.Content)
	}
	second := Split(strings.Join(parts, ""), Options{})

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Title, second[i].Title)
		assert.Equal(t, strings.TrimSpace(first[i].Content), strings.TrimSpace(second[i].Content))
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a\nb\nc", Normalize("a\r\nb\rc"))
	assert.Equal(t, "x", Normalize("  x \n"))
}

func TestFirstLineTitleCap(t *testing.T) {
	long := strings.Repeat("第1章", 40) // matches the default pattern
	segs := Split(long, Options{})
	require.NotEmpty(t, segs)
	assert.LessOrEqual(t, len([]rune(segs[0].Title)), 50)
}
