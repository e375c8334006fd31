package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultLRUSize = 64

// LRUCollectionCache bounds the number of cached collections. Backup records
// share the namespace with live collections, so an unbounded map would keep
// every snapshot ever read in memory.
type LRUCollectionCache struct {
	entries *lru.Cache[string, Entry]
}

func NewLRUCollectionCache(size int) (*LRUCollectionCache, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("create collection cache: %w", err)
	}
	return &LRUCollectionCache{entries: entries}, nil
}

func (c *LRUCollectionCache) Get(name string) (Entry, bool) {
	return c.entries.Get(name)
}

func (c *LRUCollectionCache) Set(name string, entry Entry) {
	c.entries.Add(name, entry)
}

func (c *LRUCollectionCache) Invalidate(name string) {
	c.entries.Remove(name)
}

func (c *LRUCollectionCache) Purge() {
	c.entries.Purge()
}

func (c *LRUCollectionCache) Len() int {
	return c.entries.Len()
}
