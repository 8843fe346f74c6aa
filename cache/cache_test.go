package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCache(t *testing.T, opts ...Option) *EmbeddingCache {
	t.Helper()
	c, err := New(opts...)
	require.NoError(t, err)
	return c
}

func TestGetPut(t *testing.T) {
	c := newCache(t)

	_, ok := c.Get(false, "hello world")
	assert.False(t, ok, "cold cache should miss")

	c.Put(false, "hello world", []float32{1, 2, 3})
	v, ok := c.Get(false, "hello world")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)
}

func TestQueryFlagSeparatesKeys(t *testing.T) {
	c := newCache(t)

	c.Put(false, "ocean", []float32{1})
	c.Put(true, "ocean", []float32{2})

	passage, ok := c.Get(false, "ocean")
	require.True(t, ok)
	query, ok2 := c.Get(true, "ocean")
	require.True(t, ok2)
	assert.NotEqual(t, passage, query)
}

func TestPrefixKeying(t *testing.T) {
	c := newCache(t, WithPrefixLen(5))

	c.Put(false, "abcdeXXX", []float32{1})

	// Same prefix, different tail: same key by construction.
	v, ok := c.Get(false, "abcdeYYY")
	require.True(t, ok)
	assert.Equal(t, []float32{1}, v)

	_, ok = c.Get(false, "abcdX")
	assert.False(t, ok)
}

func TestCapacityBound(t *testing.T) {
	const capacity = 8
	c := newCache(t, WithCapacity(capacity))

	for i := 0; i < capacity*3; i++ {
		c.Put(false, fmt.Sprintf("text-%d", i), []float32{float32(i)})
		assert.LessOrEqual(t, c.Len(), capacity, "cache exceeded capacity")
	}
	assert.Equal(t, capacity, c.Len())
}

func TestStrictLRUEviction(t *testing.T) {
	c := newCache(t, WithCapacity(3))

	c.Put(false, "a", []float32{1})
	c.Put(false, "b", []float32{2})
	c.Put(false, "c", []float32{3})

	// Touch "a" so "b" becomes the LRU victim.
	_, ok := c.Get(false, "a")
	require.True(t, ok)

	c.Put(false, "d", []float32{4})

	_, ok = c.Get(false, "b")
	assert.False(t, ok, "least recently used entry should have been evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(false, k)
		assert.True(t, ok, "entry %q should survive", k)
	}
}

func TestPutExistingPromotes(t *testing.T) {
	c := newCache(t, WithCapacity(2))

	c.Put(false, "a", []float32{1})
	c.Put(false, "b", []float32{2})
	c.Put(false, "a", []float32{10}) // update + promote
	c.Put(false, "c", []float32{3})  // evicts b

	v, ok := c.Get(false, "a")
	require.True(t, ok)
	assert.Equal(t, []float32{10}, v)
	_, ok = c.Get(false, "b")
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	c := newCache(t)
	c.Put(false, "a", []float32{1})
	c.Put(true, "b", []float32{2})

	c.Reset()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get(false, "a")
	assert.False(t, ok)
}

func TestRetagInvalidates(t *testing.T) {
	c := newCache(t)
	c.Retag("accelerated/all-MiniLM-L6-v2")
	c.Put(false, "a", []float32{1})

	// Same tag: nothing happens.
	c.Retag("accelerated/all-MiniLM-L6-v2")
	assert.Equal(t, 1, c.Len())

	// New model: stale vectors must go.
	c.Retag("cpu-fallback/lexical-384")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, "cpu-fallback/lexical-384", c.Version())
}

func TestStatsCounting(t *testing.T) {
	c := newCache(t)
	c.Put(false, "a", []float32{1})
	c.Get(false, "a")
	c.Get(false, "missing")
	c.Reset()

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.Resets)
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(WithCapacity(0))
	assert.Error(t, err)
	_, err = New(WithPrefixLen(-1))
	assert.Error(t, err)
}
