package similar

import (
	"testing"

	"github.com/hack-pad/hackpadfs/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	fs, err := mem.NewFS()
	require.NoError(t, err)
	s, err := NewStore(fs, "index.gob")
	require.NoError(t, err)
	return s
}

func TestStoreAddAndSimilar(t *testing.T) {
	s := newMemStore(t)

	require.NoError(t, s.Add("角色\x1f林舟", VectorizeEntry("林舟", []string{"少年"})))
	require.NoError(t, s.Add("角色\x1f林小舟", VectorizeEntry("林小舟", []string{"少年"})))
	require.NoError(t, s.Add("地点\x1f北境荒原", VectorizeEntry("北境荒原", nil)))
	assert.Equal(t, 3, s.Size())

	got, err := s.Similar(VectorizeEntry("林舟", []string{"少年"}), 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	// the exact entry is the nearest neighbor of its own vector
	assert.Equal(t, "角色\x1f林舟", got[0])
}

func TestStoreSimilarEmpty(t *testing.T) {
	s := newMemStore(t)
	got, err := s.Similar(Vectorize("任意"), 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreDimensionMismatch(t *testing.T) {
	s := newMemStore(t)
	assert.Error(t, s.Add("k", make([]float32, Dim+1)))
	_, err := s.Similar(make([]float32, 3), 1)
	assert.Error(t, err)
}

func TestStoreReAddKeepsSingleKey(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.Add("角色\x1f林舟", Vectorize("林舟")))
	require.NoError(t, s.Add("角色\x1f林舟", Vectorize("林舟 少年")))
	assert.Equal(t, 1, s.Size())
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	fs, err := mem.NewFS()
	require.NoError(t, err)

	s, err := NewStore(fs, "index.gob")
	require.NoError(t, err)
	require.NoError(t, s.Add("角色\x1f林舟", VectorizeEntry("林舟", []string{"少年"})))
	require.NoError(t, s.Add("地点\x1f青云山", VectorizeEntry("青云山", nil)))
	require.NoError(t, s.Save())

	// a second store over the same fs picks the index up
	s2, err := NewStore(fs, "index.gob")
	require.NoError(t, err)
	assert.Equal(t, 2, s2.Size())

	got, err := s2.Similar(VectorizeEntry("青云山", nil), 1)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "地点\x1f青云山", got[0])
}

func TestStoreLoadMissingFileStartsFresh(t *testing.T) {
	s := newMemStore(t)
	assert.Equal(t, 0, s.Size())
	require.NoError(t, s.Add("k", Vectorize("某个词")))
}
