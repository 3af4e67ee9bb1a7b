package payment

import (
	"github.com/maypok86/otter"
)

const activeCacheEntries = 100_000

// ActiveAdCache is the in-memory pre-filter of active advertisement GUIDs.
// Payment requests for GUIDs outside this set are dropped before touching
// storage, so the cheap path absorbs bogus claims from untrusted peers.
type ActiveAdCache struct {
	cache otter.Cache[string, struct{}]
}

func NewActiveAdCache() *ActiveAdCache {
	cache, err := otter.MustBuilder[string, struct{}](activeCacheEntries).
		Cost(func(_ string, _ struct{}) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("payment: failed to create active ad cache: " + err.Error())
	}
	return &ActiveAdCache{cache: cache}
}

// Seed loads the current active set, replacing nothing already present.
func (c *ActiveAdCache) Seed(guids []string) {
	for _, g := range guids {
		c.cache.Set(g, struct{}{})
	}
}

// MarkActive adds one GUID to the set.
func (c *ActiveAdCache) MarkActive(guid string) {
	c.cache.Set(guid, struct{}{})
}

// MarkInactive removes one GUID from the set.
func (c *ActiveAdCache) MarkInactive(guid string) {
	c.cache.Delete(guid)
}

// Has reports whether the GUID belongs to an active advertisement.
func (c *ActiveAdCache) Has(guid string) bool {
	return c.cache.Has(guid)
}

// Size returns the number of cached GUIDs.
func (c *ActiveAdCache) Size() int {
	return c.cache.Size()
}

// Close releases the underlying cache.
func (c *ActiveAdCache) Close() {
	c.cache.Close()
}
