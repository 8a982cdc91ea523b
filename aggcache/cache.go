// Package aggcache implements the aggregate-to-FCB cache of spec §4.6: a
// fixed-size, power-of-two-bucketed hash ring that lets the per-batch
// classify fast path skip the tree walk for packets whose aggregate
// annotation it has seen recently. Grounded on fastclick's CTXManager
// fast-path cache (elements/ctx/ctxmanager.cc) and its cespare/xxhash-style
// cheap integer mixing; the lookup key here is a raw uint32 aggregate
// rather than a byte slice, so the mix is the spec's own
// (agg ^ (agg >> 16)) & (size - 1) rather than a general hash function.
package aggcache

import (
	"sync"

	"github.com/flowcore/fct/ftree"
	"github.com/flowcore/fct/internal/metrics"
)

// entry is one ring slot: the aggregate it was populated for, the FCB it
// resolved to, and whether the slot currently holds anything.
type entry struct {
	agg   uint32
	fcb   *ftree.FCB
	valid bool
}

// Cache is a fixed cacheSize x ringSize grid of entries, both dimensions
// required to be powers of two (config.Keys.CacheSize / RingSize).
type Cache struct {
	mu       sync.Mutex
	buckets  [][]entry
	size     uint32 // cacheSize, power of two
	ring     int
	aggTrust bool
}

// New builds an empty cache with cacheSize buckets of ring entries each.
// aggTrust, when true, skips the reverse-match verification step (spec §9
// AGGTRUST mode; off by default).
func New(cacheSize, ring int, aggTrust bool) *Cache {
	c := &Cache{
		buckets:  make([][]entry, cacheSize),
		size:     uint32(cacheSize),
		ring:     ring,
		aggTrust: aggTrust,
	}
	for i := range c.buckets {
		c.buckets[i] = make([]entry, ring)
	}
	return c
}

// bucketFor applies the spec's mixing formula to select a bucket.
func (c *Cache) bucketFor(agg uint32) uint32 {
	return (agg ^ (agg >> 16)) & (c.size - 1)
}

// VerifyFunc reverse-checks whether fcb is still the correct classification
// result for a packet carrying agg, by walking back up fcb's tree ancestry
// (or by re-running the relevant levels). The caller (ctxmanager) owns this
// because only it knows how to re-derive a key from the live packet.
type VerifyFunc func(agg uint32, fcb *ftree.FCB) bool

// Get looks up agg, running verify unless AGGTRUST is enabled. A cache hit
// that fails verification is treated as a miss and the stale slot is
// cleared (§7 kind 5, "cache-collision").
func (c *Cache) Get(agg uint32, verify VerifyFunc) (*ftree.FCB, bool) {
	b := c.bucketFor(agg)
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.buckets[b]
	for i := range row {
		e := &row[i]
		if !e.valid || e.agg != agg {
			continue
		}
		if c.aggTrust || verify == nil || verify(agg, e.fcb) {
			metrics.CacheHits.Inc()
			return e.fcb, true
		}
		metrics.CacheCollisions.Inc()
		e.valid = false
		return nil, false
	}
	return nil, false
}

// Put installs fcb for agg, evicting the ring's oldest slot (FIFO by ring
// position, the simplest eviction consistent with spec §4.6's "ring" name)
// when the bucket is full.
func (c *Cache) Put(agg uint32, fcb *ftree.FCB) {
	b := c.bucketFor(agg)
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.buckets[b]
	for i := range row {
		if !row[i].valid {
			row[i] = entry{agg: agg, fcb: fcb, valid: true}
			return
		}
	}
	// Ring full: shift everything down one slot and insert at the end,
	// evicting index 0 (oldest).
	copy(row, row[1:])
	row[len(row)-1] = entry{agg: agg, fcb: fcb, valid: true}
}

// Remove clears any slot holding agg, used when its FCB is released (§4.6,
// "the cache entry must not outlive the FCB it names").
func (c *Cache) Remove(agg uint32) {
	b := c.bucketFor(agg)
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.buckets[b]
	for i := range row {
		if row[i].valid && row[i].agg == agg {
			row[i] = entry{}
		}
	}
}

// RemoveFCB clears every slot referencing fcb regardless of its aggregate,
// used when an FCB is released by timeout rather than by its own owning
// aggregate (a batch's aggregate isn't always known at release time).
func (c *Cache) RemoveFCB(fcb *ftree.FCB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range c.buckets {
		for i := range row {
			if row[i].valid && row[i].fcb == fcb {
				row[i] = entry{}
			}
		}
	}
}
