package dataset

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 16

var defaultCache = NewCache(defaultCacheSize)

// Cache keeps the most recent snapshot per source and parse settings.
type Cache struct {
	entries *lru.Cache[string, *Snapshot]
}

// NewCache creates a cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New[string, *Snapshot](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Cache{entries: entries}
}

func (c *Cache) Get(key string) (*Snapshot, bool) {
	return c.entries.Get(key)
}

func (c *Cache) Put(key string, snap *Snapshot) {
	c.entries.Add(key, snap)
}

func (c *Cache) Remove(key string) {
	c.entries.Remove(key)
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
