// Package fhcache implements the C4 FH→path cache: a fixed-size table
// mapping (dev,ino) to a last-known path, revalidated by lstat on every
// lookup so a stale entry never masquerades as a hit. See spec.md §4.4.
package fhcache

import (
	"sync"
	"time"

	"github.com/unfs3go/unfsd/internal/host"
)

// Size is the number of slots, matching unfsd's default FH cache size.
const Size = 4096

type slot struct {
	used     bool
	dev      uint32
	ino      uint64
	path     string
	lastUsed time.Time
}

// Cache is the FH→path resolution cache. All methods are safe for
// concurrent use, though the dispatcher's single-threaded contract means
// that safety is normally just a courtesy to tests.
type Cache struct {
	mu    sync.Mutex
	slots [Size]slot

	// pinned holds the index of the slot most recently returned by Lookup,
	// which Insert must not evict: some callers (CREATE) still hold a
	// reference to that path string immediately afterward.
	pinned    int
	hasPinned bool

	hits, misses, invalidations uint64
}

// New builds an empty cache.
func New() *Cache {
	return &Cache{pinned: -1}
}

// Lookup finds the slot for (dev,ino), revalidates it with lstat, and
// returns its path and the revalidating stat on success. A stale or
// now-mismatched slot is invalidated and reported as a miss. The returned
// stat is the one the revalidating lstat just produced, so callers must
// publish it into the resolver's stat cache on a hit (spec.md §4.4: "match
// ⇒ ... publish stat cache"), the same as a hash-guided resolve does.
func (c *Cache) Lookup(dev uint32, ino uint64) (string, host.Stat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		s := &c.slots[i]
		if !s.used || s.dev != dev || s.ino != ino {
			continue
		}

		st, err := host.Lstat(s.path)
		if err != nil {
			s.used = false
			c.invalidations++
			c.misses++
			return "", host.Stat{}, false
		}
		if uint32(st.Dev) != dev || st.Ino != ino {
			s.used = false
			c.invalidations++
			c.misses++
			return "", host.Stat{}, false
		}

		s.lastUsed = host.Now()
		c.pinned = i
		c.hasPinned = true
		c.hits++
		return s.path, st, true
	}

	c.misses++
	return "", host.Stat{}, false
}

// Insert adds or replaces a cache entry for (dev,ino) → path. It prefers an
// empty slot, then the least-recently-used slot other than the pinned
// "last returned" slot.
func (c *Cache) Insert(dev uint32, ino uint64, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		if !c.slots[i].used {
			c.fill(i, dev, ino, path)
			return
		}
	}

	lruIdx := -1
	var lruTime time.Time
	for i := range c.slots {
		if c.hasPinned && i == c.pinned {
			continue
		}
		if lruIdx == -1 || c.slots[i].lastUsed.Before(lruTime) {
			lruIdx = i
			lruTime = c.slots[i].lastUsed
		}
	}
	if lruIdx == -1 {
		// every slot is pinned (Size==1 edge case); overwrite it anyway.
		lruIdx = 0
	}
	c.fill(lruIdx, dev, ino, path)
}

func (c *Cache) fill(i int, dev uint32, ino uint64, path string) {
	c.slots[i] = slot{used: true, dev: dev, ino: ino, path: path, lastUsed: host.Now()}
}

// Invalidate removes the entry for (dev,ino), if present.
func (c *Cache) Invalidate(dev uint32, ino uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i].used && c.slots[i].dev == dev && c.slots[i].ino == ino {
			c.slots[i].used = false
			c.invalidations++
			if c.hasPinned && c.pinned == i {
				c.hasPinned = false
			}
			return
		}
	}
}

// Stats reports cumulative hit/miss/invalidation counters for the
// SIGUSR1 cache-stats dump and the Prometheus exporter.
type Stats struct {
	Hits, Misses, Invalidations uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Invalidations: c.invalidations}
}
