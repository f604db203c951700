package evaluator

import (
	"encoding/binary"
	"math"

	gocache "github.com/patrickmn/go-cache"
)

// Cache stores successful outcomes keyed by the exact bits of their
// parameter vector. Entries never expire; a cache hit must be
// indistinguishable from a fresh run.
type Cache struct {
	store *gocache.Cache
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns the cached outcome for parameters, if any.
func (c *Cache) Get(parameters []float64) (Outcome, bool) {
	v, ok := c.store.Get(cacheKey(parameters))
	if !ok {
		return Outcome{}, false
	}
	return v.(Outcome), true
}

// Put stores a successful outcome. Failures are never cached.
func (c *Cache) Put(o Outcome) {
	if o.Failed() {
		return
	}
	c.store.Set(cacheKey(o.Parameters), o, gocache.NoExpiration)
}

// Len returns the number of cached outcomes.
func (c *Cache) Len() int {
	return c.store.ItemCount()
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.store.Flush()
}

// cacheKey encodes the IEEE-754 bits of every coordinate. Negative zero is
// folded onto zero since both compare equal.
func cacheKey(parameters []float64) string {
	buf := make([]byte, 8*len(parameters))
	for i, v := range parameters {
		if v == 0 {
			v = 0
		}
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return string(buf)
}
