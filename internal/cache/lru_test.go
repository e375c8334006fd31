package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCollectionCacheEvictsOldest(t *testing.T) {
	c, err := NewLRUCollectionCache(2)
	require.NoError(t, err)

	c.Set("products", Entry{Raw: "p", Present: true, Revision: 1})
	c.Set("sales", Entry{Raw: "s", Present: true, Revision: 1})
	_, ok := c.Get("products")
	require.True(t, ok)

	c.Set("customers", Entry{Raw: "c", Present: true})

	_, ok = c.Get("sales")
	assert.False(t, ok, "least recently used entry should be evicted")
	got, ok := c.Get("products")
	assert.True(t, ok)
	assert.Equal(t, "p", got.Raw)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCollectionCacheInvalidate(t *testing.T) {
	c, err := NewLRUCollectionCache(0)
	require.NoError(t, err)

	c.Set("products", Entry{Raw: "p"})
	c.Invalidate("products")
	_, ok := c.Get("products")
	assert.False(t, ok)

	c.Set("a", Entry{})
	c.Set("b", Entry{})
	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNoopCollectionCacheNeverHits(t *testing.T) {
	var c CollectionCache = NoopCollectionCache{}
	c.Set("products", Entry{Raw: "p"})
	_, ok := c.Get("products")
	assert.False(t, ok)
}
