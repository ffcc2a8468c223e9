package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/internal/worldbook"
)

func TestMergeAliases(t *testing.T) {
	src := make(worldbook.Tree)
	src.Set("角色", "林舟", &worldbook.EntryData{Keywords: []string{"林舟"}, Content: "主角"})
	src.Set("角色", "小舟", &worldbook.EntryData{Keywords: []string{"小舟"}, Content: "村里人的叫法"})

	res := MergeAliases(src, []AliasGroup{
		{Category: "角色", CanonicalName: "林舟", Aliases: []string{"小舟"}},
	}, AliasOptions{})

	assert.Equal(t, 1, res.Merged)
	assert.Equal(t, 0, res.Missing)

	canonical := res.Worldbook.Get("角色", "林舟")
	require.NotNil(t, canonical)
	assert.Contains(t, canonical.Keywords, "小舟")
	assert.Contains(t, canonical.Content, "村里人的叫法")
	// alias entry removed
	assert.Nil(t, res.Worldbook.Get("角色", "小舟"))
	// input tree untouched
	assert.NotNil(t, src.Get("角色", "小舟"))
}

func TestMergeAliasesKeepAliases(t *testing.T) {
	src := make(worldbook.Tree)
	src.Set("角色", "林舟", &worldbook.EntryData{Content: "主角"})
	src.Set("角色", "小舟", &worldbook.EntryData{Content: "别名条目"})

	res := MergeAliases(src, []AliasGroup{
		{Category: "角色", CanonicalName: "林舟", Aliases: []string{"小舟"}},
	}, AliasOptions{KeepAliases: true})

	assert.NotNil(t, res.Worldbook.Get("角色", "小舟"))
}

func TestMergeAliasesModeKeep(t *testing.T) {
	src := make(worldbook.Tree)
	src.Set("角色", "林舟", &worldbook.EntryData{Content: "权威设定"})
	src.Set("角色", "小舟", &worldbook.EntryData{Keywords: []string{"乳名"}, Content: "别名内容"})

	res := MergeAliases(src, []AliasGroup{
		{Category: "角色", CanonicalName: "林舟", Aliases: []string{"小舟"}},
	}, AliasOptions{Mode: ModeKeep})

	canonical := res.Worldbook.Get("角色", "林舟")
	assert.Equal(t, "权威设定", canonical.Content)
	assert.Contains(t, canonical.Keywords, "乳名")
	assert.Contains(t, canonical.Keywords, "小舟")
}

func TestMergeAliasesMissingAlias(t *testing.T) {
	src := make(worldbook.Tree)
	src.Set("角色", "林舟", &worldbook.EntryData{Content: "主角"})

	res := MergeAliases(src, []AliasGroup{
		{Category: "角色", CanonicalName: "林舟", Aliases: []string{"不存在"}},
	}, AliasOptions{})
	assert.Equal(t, 0, res.Merged)
	assert.Equal(t, 1, res.Missing)
}

func TestMergeAliasesCanonicalCreatedFromAlias(t *testing.T) {
	src := make(worldbook.Tree)
	src.Set("角色", "小舟", &worldbook.EntryData{Content: "别名条目"})

	res := MergeAliases(src, []AliasGroup{
		{Category: "角色", CanonicalName: "林舟", Aliases: []string{"小舟"}},
	}, AliasOptions{})

	canonical := res.Worldbook.Get("角色", "林舟")
	require.NotNil(t, canonical)
	assert.Contains(t, canonical.Keywords, "小舟")
}

func TestConsolidateCategories(t *testing.T) {
	src := tree(
		[3]string{"人物", "林舟", "旧分类里的主角"},
		[3]string{"人物", "云岚", "师姐"},
		[3]string{"角色", "林舟", "新分类里的主角"},
	)

	res := ConsolidateCategories(src, "人物", "角色", ConsolidateOptions{Mode: ModeAppend, DeleteSource: true})
	assert.Equal(t, 2, res.Moved)
	assert.Equal(t, 1, res.Conflicts)

	assert.NotContains(t, res.Worldbook.Categories(), "人物")
	assert.Equal(t, "新分类里的主角"+ContentSeparator+"旧分类里的主角",
		res.Worldbook.Get("角色", "林舟").Content)
	assert.Equal(t, "师姐", res.Worldbook.Get("角色", "云岚").Content)
}

func TestConsolidateCategoriesRename(t *testing.T) {
	src := tree(
		[3]string{"人物", "林舟", "来自旧分类"},
		[3]string{"角色", "林舟", "已有条目"},
	)
	res := ConsolidateCategories(src, "人物", "角色", ConsolidateOptions{Mode: ModeRename})
	assert.Equal(t, "已有条目", res.Worldbook.Get("角色", "林舟").Content)
	assert.Equal(t, "来自旧分类", res.Worldbook.Get("角色", "林舟_2").Content)
}

func TestConsolidateSameCategoryNoop(t *testing.T) {
	src := tree([3]string{"角色", "林舟", "主角"})
	res := ConsolidateCategories(src, "角色", "角色", ConsolidateOptions{})
	assert.Equal(t, 0, res.Moved)
	assert.Equal(t, "主角", res.Worldbook.Get("角色", "林舟").Content)
}
