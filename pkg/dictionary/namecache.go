package dictionary

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NameCache keeps recently decoded entity names. Names never change once an
// index is built, so entries are only ever evicted for space.
type NameCache struct {
	names      *lru.Cache[uint32, string]
	maxEntries int
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
}

// NewNameCache creates a cache holding up to maxEntries names. Zero disables it.
func NewNameCache(maxEntries int) *NameCache {
	nc := &NameCache{maxEntries: max(maxEntries, 0)}
	if maxEntries > 0 {
		// only fails for a non-positive size
		nc.names, _ = lru.NewWithEvict(maxEntries, func(uint32, string) {
			nc.evictions.Add(1)
		})
	}
	return nc
}

// Get returns the cached name of id.
func (nc *NameCache) Get(id uint32) (string, bool) {
	if nc.names == nil {
		return "", false
	}
	name, ok := nc.names.Get(id)
	if !ok {
		nc.misses.Add(1)
		return "", false
	}
	nc.hits.Add(1)
	return name, true
}

// Put stores name for id, evicting the least recently used entry when full.
func (nc *NameCache) Put(id uint32, name string) {
	if nc.names == nil {
		return
	}
	nc.names.Add(id, name)
}

// Stats reports cache occupancy and hit counts.
func (nc *NameCache) Stats() map[string]int {
	cached := 0
	if nc.names != nil {
		cached = nc.names.Len()
	}
	return map[string]int{
		"cachedNames":   cached,
		"maxNames":      nc.maxEntries,
		"nameHits":      int(nc.hits.Load()),
		"nameMisses":    int(nc.misses.Load()),
		"nameEvictions": int(nc.evictions.Load()),
	}
}
