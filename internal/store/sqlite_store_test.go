package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/lorekit/pkg/similar"
)

// =============================================================================
// Entry vector tests (sqlite-vec, SQLite backend only)
// =============================================================================

func newVecStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntryVectorSaveAndQuery(t *testing.T) {
	s := newVecStore(t)

	require.NoError(t, s.SaveEntryVector("角色", "林舟", similar.VectorizeEntry("林舟", []string{"少年"})))
	require.NoError(t, s.SaveEntryVector("角色", "林小舟", similar.VectorizeEntry("林小舟", []string{"少年"})))
	require.NoError(t, s.SaveEntryVector("地点", "北境荒原", similar.VectorizeEntry("北境荒原", nil)))

	matches, err := s.SimilarEntries(similar.VectorizeEntry("林舟", []string{"少年"}), 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// the query vector's own entry wins, with the near-identical name next
	assert.Equal(t, "林舟", matches[0].Name)
	assert.Equal(t, "角色", matches[0].Category)
	assert.InDelta(t, 0, matches[0].Distance, 1e-5)
	assert.Equal(t, "林小舟", matches[1].Name)
	assert.LessOrEqual(t, matches[0].Distance, matches[1].Distance)
}

func TestEntryVectorUpsert(t *testing.T) {
	s := newVecStore(t)

	require.NoError(t, s.SaveEntryVector("角色", "林舟", similar.Vectorize("旧向量")))
	require.NoError(t, s.SaveEntryVector("角色", "林舟", similar.Vectorize("新向量")))

	matches, err := s.SimilarEntries(similar.Vectorize("新向量"), 5)
	require.NoError(t, err)
	// re-saving replaced the row, it did not add a second one
	require.Len(t, matches, 1)
	assert.InDelta(t, 0, matches[0].Distance, 1e-5)
}

func TestEntryVectorDelete(t *testing.T) {
	s := newVecStore(t)

	vec := similar.Vectorize("林舟")
	require.NoError(t, s.SaveEntryVector("角色", "林舟", vec))
	require.NoError(t, s.DeleteEntryVector("角色", "林舟"))
	// deleting a missing entry is a no-op
	require.NoError(t, s.DeleteEntryVector("角色", "不存在"))

	matches, err := s.SimilarEntries(vec, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestEntryVectorDimCheck(t *testing.T) {
	s := newVecStore(t)
	err := s.SaveEntryVector("角色", "林舟", make([]float32, 3))
	assert.Error(t, err)
}

func TestSQLiteStoreFileDSN(t *testing.T) {
	path := t.TempDir() + "/lorekit.db"

	s, err := NewSQLiteStoreWithDSN(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveFileHash("deadbeef"))
	require.NoError(t, s.Close())

	// reopening the same file sees the persisted data
	s2, err := NewSQLiteStoreWithDSN(path)
	require.NoError(t, err)
	defer s2.Close()
	hash, err := s2.GetFileHash()
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", hash)
}
