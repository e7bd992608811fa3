package kb

import "sync"

// SourceCache maps identity keys to the best-known metadata for a chunk.
// Entries are enriched monotonically and never deleted; concurrent sessions
// share one cache for the life of the client. The merge rule makes writers
// commutative, so a single lock per operation is all the coordination needed.
type SourceCache struct {
	mu      sync.Mutex
	entries map[SourceKey]Source
}

func NewSourceCache() *SourceCache {
	return &SourceCache{entries: make(map[SourceKey]Source)}
}

func (c *SourceCache) Get(key SourceKey) (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	return s, ok
}

// Put stores s under key, keeping any fields a previous entry knew that s
// does not. Newly known fields win; known fields are never blanked.
func (c *SourceCache) Put(key SourceKey, s Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[key]; ok {
		s = MergeSource(s, existing)
	}
	c.entries[key] = s
}

func (c *SourceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
