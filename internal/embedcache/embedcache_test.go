package embedcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashContent_Deterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, HashContent("hello"), HashContent("hello"))
	assert.NotEqual(t, HashContent("hello"), HashContent("world"))
}

func TestCache_PutAndGet(t *testing.T) {
	t.Parallel()

	c, err := New(4)
	require.NoError(t, err)

	key := HashContent("doc one")
	vec := []float32{1, 2, 3}
	c.Put(key, vec)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, vec, got)
	assert.Equal(t, 1, c.Len())
}

func TestCache_MissReturnsFalse(t *testing.T) {
	t.Parallel()
	c, err := New(4)
	require.NoError(t, err)

	_, ok := c.Get(HashContent("never inserted"))
	assert.False(t, ok)
}

func TestCache_EvictsExactLRU(t *testing.T) {
	t.Parallel()

	c, err := New(2)
	require.NoError(t, err)

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})

	// Touch "a" so "b" becomes least-recently-used.
	_, _ = c.Get("a")

	c.Put("c", []float32{3})

	_, aOK := c.Get("a")
	_, bOK := c.Get("b")
	_, cOK := c.Get("c")

	assert.True(t, aOK, "recently touched entry should survive eviction")
	assert.False(t, bOK, "least-recently-used entry should be evicted")
	assert.True(t, cOK)
	assert.Equal(t, 2, c.Len())
}

func TestCache_PutExistingKeyUpdatesWithoutGrowing(t *testing.T) {
	t.Parallel()

	c, err := New(2)
	require.NoError(t, err)

	c.Put("a", []float32{1})
	c.Put("a", []float32{9})

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, []float32{9}, got)
	assert.Equal(t, 1, c.Len())
}
