package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIndex() *Index {
	ix := New(DefaultParams())
	ix.Add("c1", "the Forcite module documentation covers setup and parameters")
	ix.Add("c2", "molecular dynamics simulation guide for beginners")
	ix.Add("c3", "cooking recipes for weeknight dinners")
	return ix
}

func TestSearchRanksTermMatchFirst(t *testing.T) {
	ix := sampleIndex()

	hits := ix.Search("Forcite documentation", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c1", hits[0].ChunkID)

	// Scores are descending.
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestSearchEmptyInputs(t *testing.T) {
	ix := sampleIndex()
	assert.Nil(t, ix.Search("", 10))
	assert.Nil(t, ix.Search("forcite", 0))
	assert.Nil(t, New(DefaultParams()).Search("anything", 10))
}

func TestTokenizeUnicode(t *testing.T) {
	tokens := Tokenize("Schrödinger's cat, naïve approach (v2.1)")
	assert.Equal(t, []string{"schrödinger", "s", "cat", "naïve", "approach", "v2", "1"}, tokens)
}

func TestReAddReplacesPostings(t *testing.T) {
	ix := New(DefaultParams())
	ix.Add("c1", "alpha beta")
	ix.Add("c1", "gamma delta")

	assert.Empty(t, ix.Search("alpha", 10))
	assert.NotEmpty(t, ix.Search("gamma", 10))
	assert.Equal(t, 1, ix.Size())
}

func TestRemove(t *testing.T) {
	ix := sampleIndex()
	ix.Remove("c1")
	ix.Remove("c1") // idempotent

	assert.Empty(t, ix.Search("Forcite", 10))
	assert.Equal(t, 2, ix.Size())
}

func TestSerializeReloadIdenticalRanking(t *testing.T) {
	ix := sampleIndex()
	before := ix.Search("molecular dynamics documentation", 10)

	path := filepath.Join(t.TempDir(), "owner.bm25")
	require.NoError(t, ix.SaveFile(path, "owner-1"))

	reloaded := New(DefaultParams())
	require.NoError(t, reloaded.LoadFile(path))

	after := reloaded.Search("molecular dynamics documentation", 10)
	assert.Equal(t, before, after)
}

func TestRebuild(t *testing.T) {
	ix := sampleIndex()
	err := ix.Rebuild(func(yield func(chunkID, content string) error) error {
		if err := yield("n1", "fresh content about gardens"); err != nil {
			return err
		}
		return yield("n2", "more fresh content about ponds")
	})
	require.NoError(t, err)

	assert.Empty(t, ix.Search("Forcite", 10))
	assert.NotEmpty(t, ix.Search("gardens", 10))
	assert.Equal(t, 2, ix.Size())
}

func TestManagerLazyLoadAndDrop(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, DefaultParams())
	require.NoError(t, err)

	ix := m.For("u1")
	ix.Add("c1", "persisted text about lighthouses")
	require.NoError(t, m.Save("u1"))

	// A fresh manager sees the snapshot.
	m2, err := NewManager(dir, DefaultParams())
	require.NoError(t, err)
	assert.NotEmpty(t, m2.For("u1").Search("lighthouses", 5))

	require.NoError(t, m2.Drop("u1"))
	require.NoError(t, m2.Drop("u1")) // idempotent
	assert.Empty(t, m2.For("u1").Search("lighthouses", 5))
}
