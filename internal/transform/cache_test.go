package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCache(t *testing.T) {
	t.Run("miss then hit", func(t *testing.T) {
		c := NewResultCache(nil)

		_, ok := c.Get(42)
		assert.False(t, ok)

		c.Set(42, []byte(`[{"a":1}]`))
		got, ok := c.Get(42)
		require.True(t, ok)
		assert.Equal(t, []byte(`[{"a":1}]`), got)

		stats := c.Stats()
		assert.Equal(t, 1, stats.Entries)
		assert.Equal(t, uint64(1), stats.Hits)
		assert.Equal(t, uint64(1), stats.Misses)
	})

	t.Run("entries expire after ttl", func(t *testing.T) {
		c := NewResultCache(&CacheConfig{TTL: 10 * time.Millisecond, MaxEntries: 4})

		c.Set(1, []byte("x"))
		time.Sleep(25 * time.Millisecond)

		_, ok := c.Get(1)
		assert.False(t, ok)
		assert.Equal(t, 0, c.Stats().Entries, "expired entry is removed on read")
	})

	t.Run("evicts entry closest to expiry when full", func(t *testing.T) {
		c := NewResultCache(&CacheConfig{TTL: time.Minute, MaxEntries: 2})

		c.Set(1, []byte("one"))
		time.Sleep(2 * time.Millisecond)
		c.Set(2, []byte("two"))
		time.Sleep(2 * time.Millisecond)
		c.Set(3, []byte("three"))

		_, ok := c.Get(1)
		assert.False(t, ok, "oldest entry evicted")
		_, ok = c.Get(2)
		assert.True(t, ok)
		_, ok = c.Get(3)
		assert.True(t, ok)
		assert.Equal(t, 2, c.Stats().Entries)
	})

	t.Run("overwrite keeps a single entry", func(t *testing.T) {
		c := NewResultCache(&CacheConfig{TTL: time.Minute, MaxEntries: 4})

		c.Set(7, []byte("a"))
		c.Set(7, []byte("b"))

		got, ok := c.Get(7)
		require.True(t, ok)
		assert.Equal(t, []byte("b"), got)
		assert.Equal(t, 1, c.Stats().Entries)
	})

	t.Run("purge drops everything", func(t *testing.T) {
		c := NewResultCache(&CacheConfig{TTL: time.Minute, MaxEntries: 4})

		c.Set(1, []byte("x"))
		c.Set(2, []byte("y"))
		c.Purge()

		assert.Equal(t, 0, c.Stats().Entries)
		_, ok := c.Get(1)
		assert.False(t, ok)
	})
}

func TestCacheKeyFor(t *testing.T) {
	a := cacheKeyFor([]byte(`[{"op":"sort"}]`), []byte(`[{"v":1}]`))
	b := cacheKeyFor([]byte(`[{"op":"sort"}]`), []byte(`[{"v":1}]`))
	assert.Equal(t, a, b, "same inputs hash to the same key")

	c := cacheKeyFor([]byte(`[{"op":"sort"}]`), []byte(`[{"v":2}]`))
	assert.NotEqual(t, a, c, "different rows change the key")

	d := cacheKeyFor([]byte(`[{"op":"filter"}]`), []byte(`[{"v":1}]`))
	assert.NotEqual(t, a, d, "different pipelines change the key")

	// The separator keeps boundary shifts from colliding.
	e := cacheKeyFor([]byte("ab"), []byte("c"))
	f := cacheKeyFor([]byte("a"), []byte("bc"))
	assert.NotEqual(t, e, f)
}
