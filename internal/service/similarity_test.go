package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/llm"
	"github.com/kittclouds/lorekit/internal/worldbook"
)

func seededService(t *testing.T) *Service {
	t.Helper()
	s := newTestService(t, llm.NewMock(), Config{})
	tree := make(worldbook.Tree)
	tree.Set("角色", "林舟", &worldbook.EntryData{Keywords: []string{"林舟", "林家少年"}, Content: "主角"})
	tree.Set("角色", "林小舟", &worldbook.EntryData{Keywords: []string{"林小舟", "林家少年"}, Content: "主角乳名条目"})
	tree.Set("地点", "青云山", &worldbook.EntryData{Keywords: []string{"青云山", "山门"}, Content: "宗门所在"})
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
	return s
}

func TestSuggestAliases(t *testing.T) {
	s := seededService(t)
	require.NoError(t, s.EnableSimilarity(nil, "similar.gob"))
	require.NoError(t, s.RebuildSimilarity())

	cands, err := s.SuggestAliases("角色", "林舟", 2)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	// nearest neighbors never include the query entry itself
	for _, c := range cands {
		assert.False(t, c.Category == "角色" && c.Name == "林舟")
	}
	assert.Equal(t, AliasCandidate{Category: "角色", Name: "林小舟"}, cands[0])
}

func TestSuggestAliasesWithoutIndex(t *testing.T) {
	s := seededService(t)

	// similarity never enabled
	cands, err := s.SuggestAliases("角色", "林舟", 3)
	require.NoError(t, err)
	assert.Nil(t, cands)

	// unknown entry
	require.NoError(t, s.EnableSimilarity(nil, "similar.gob"))
	cands, err = s.SuggestAliases("角色", "不存在", 3)
	require.NoError(t, err)
	assert.Nil(t, cands)
}

func TestBuildLexiconActivations(t *testing.T) {
	s := seededService(t)

	acts := s.Activations("林家少年一路行至青云山的山门。")
	require.Len(t, acts, 3)

	names := make([]string, 0, len(acts))
	for _, a := range acts {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"林舟", "林小舟", "青云山"}, names)
}

func TestActivationsNoHits(t *testing.T) {
	s := seededService(t)
	assert.Empty(t, s.Activations("毫不相关的一段话。"))
}
