package fscache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvfs-project/kvfs/internal/fscache"
)

func TestBlockCacheEvictsOldestOnceByteBudgetExceeded(t *testing.T) {
	c, err := fscache.NewBlockCache(10, 0)
	require.NoError(t, err)

	c.Put([]byte("h1"), make([]byte, 6))
	c.Put([]byte("h2"), make([]byte, 6))

	_, ok := c.Get([]byte("h1"))
	require.False(t, ok, "h1 should have been evicted once the 10-byte budget was exceeded")

	v, ok := c.Get([]byte("h2"))
	require.True(t, ok)
	require.Len(t, v, 6)
}

func TestAttrCacheRejectsStaleVersion(t *testing.T) {
	c, err := fscache.NewAttrCache(8)
	require.NoError(t, err)

	c.Put(5, fscache.AttrSnapshot{Version: 1})

	_, ok := c.Get(5, 1)
	require.True(t, ok)

	_, ok = c.Get(5, 2)
	require.False(t, ok, "a version bump must invalidate the cached snapshot")
}
