package preset

import (
	"log"
	"sync"

	"github.com/maypok86/otter"
)

// cacheCapacity bounds the cache. In practice the live set equals the
// distinct preset ids referenced by active rules.
const cacheCapacity = 1024

// Loader resolves a preset id to a decoded preset. A nil preset with nil
// error means "loaded but invalid/missing" and is cached negatively.
type Loader func(presetID string) (*Preset, error)

// Cache memoizes preset lookups, including negative results. Entries are
// invalidated on preset-state change and pruned to the referenced set on
// rescan.
type Cache struct {
	loader Loader

	mu    sync.Mutex
	cache otter.Cache[string, *Preset]
}

// NewCache creates a cache over the given loader.
func NewCache(loader Loader) *Cache {
	cache, err := otter.MustBuilder[string, *Preset](cacheCapacity).
		Cost(func(_ string, _ *Preset) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("preset: failed to create cache: " + err.Error())
	}
	return &Cache{loader: loader, cache: cache}
}

// Get returns the preset for id, loading on first use. Returns nil for
// negative entries and for load errors (logged, not cached).
func (c *Cache) Get(presetID string) *Preset {
	if presetID == "" {
		return nil
	}
	if p, ok := c.cache.Get(presetID); ok {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the load lock; another caller may have won.
	if p, ok := c.cache.Get(presetID); ok {
		return p
	}
	p, err := c.loader(presetID)
	if err != nil {
		// Transient host error: do not cache, retry on next Get.
		log.Printf("[preset] load %q failed: %v", presetID, err)
		return nil
	}
	c.cache.Set(presetID, p)
	if p == nil {
		log.Printf("[preset] %q missing or invalid, cached negative entry", presetID)
	}
	return p
}

// Invalidate drops the entry for id so the next Get reloads it.
func (c *Cache) Invalidate(presetID string) {
	c.cache.Delete(presetID)
}

// Retain drops every entry whose id is not in keep.
func (c *Cache) Retain(keep map[string]struct{}) {
	var drop []string
	c.cache.Range(func(id string, _ *Preset) bool {
		if _, ok := keep[id]; !ok {
			drop = append(drop, id)
		}
		return true
	})
	for _, id := range drop {
		c.cache.Delete(id)
	}
}

// Size returns the number of cached entries (negative entries included).
func (c *Cache) Size() int {
	return c.cache.Size()
}

// Close releases the underlying cache resources.
func (c *Cache) Close() {
	c.cache.Close()
}
