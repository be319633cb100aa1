package wal

import "sync"

// MetadataCache maps transaction ids to the position of their Start entry,
// letting diagnostics and recovery seek to a transaction without scanning a
// whole segment. The appender records each Start; checkpointing evicts ids
// that no replay can need anymore.
type MetadataCache struct {
	mu        sync.RWMutex
	positions map[uint64]LogPosition
}

// NewMetadataCache creates an empty cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{positions: make(map[uint64]LogPosition)}
}

// Put records the Start position of a transaction.
func (c *MetadataCache) Put(txID uint64, pos LogPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[txID] = pos
}

// Get returns the Start position of a transaction, if cached.
func (c *MetadataCache) Get(txID uint64) (LogPosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[txID]
	return pos, ok
}

// EvictUpTo drops all entries with id <= txID. Called after a checkpoint,
// since transactions at or below the checkpoint's last closed id are never
// replayed.
func (c *MetadataCache) EvictUpTo(txID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.positions {
		if id <= txID {
			delete(c.positions, id)
		}
	}
}

// Len returns the number of cached entries.
func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.positions)
}
