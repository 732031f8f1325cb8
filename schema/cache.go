package schema

import "sync"

// Cache is the process-wide snapshot cache keyed by keyspace.table.
// The transform path reads it on every event; the monitor swaps entries
// under a brief write lock when a new version is detected.
type Cache struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewCache() *Cache {
	return &Cache{snapshots: make(map[string]*Snapshot)}
}

// Get returns the cached snapshot for keyspace.table, or nil.
func (c *Cache) Get(keyspace, table string) *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshots[keyspace+"."+table]
}

// Swap replaces (or installs) the snapshot for its table.
func (c *Cache) Swap(snap *Snapshot) {
	c.mu.Lock()
	c.snapshots[snap.Key()] = snap
	c.mu.Unlock()
}

// Tables returns the keys currently cached.
func (c *Cache) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.snapshots))
	for k := range c.snapshots {
		keys = append(keys, k)
	}
	return keys
}
