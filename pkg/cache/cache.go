// Package cache implements the unified process-wide value store (C8): a
// size-aware LRU shared across every request, holding only arena-independent
// values in its own long-lived arena (spec §4.8), with ref-counting so an
// entry a concurrent request is actively reading is never evicted out from
// under it.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

type entry struct {
	value     value.Value
	expiresAt time.Time
	size      int64
	refs      int32
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is the C8 store. Callers never see the cache's backing arena; Get and
// Set always copy across the boundary into the caller's own request arena
// (spec §4.5's cross-heap-reference rule would otherwise reject handing a
// cache-owned composite straight into a request binding).
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[string, *entry]
	group singleflight.Group

	arena      *heap.Arena
	totalBytes int64
	highWater  int64
	lowWater   int64
}

// New creates a Cache backed by its own permanent arena drawn from mgr.
// Eviction runs once totalBytes exceeds highWaterBytes, shrinking back to
// lowWaterBytes.
func New(mgr *heap.Manager, maxEntries int, highWaterBytes, lowWaterBytes int64) (*Cache, error) {
	c := &Cache{
		arena:     mgr.Create(),
		highWater: highWaterBytes,
		lowWater:  lowWaterBytes,
	}
	l, err := simplelru.NewLRU[string, *entry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *Cache) onEvict(_ string, e *entry) { c.totalBytes -= e.size }

// Get returns a deep copy of key's value owned by arena, or ok=false on a
// miss or an expired entry.
func (c *Cache) Get(key string, arena *heap.Arena) (result value.Value, ok bool) {
	c.mu.Lock()
	e, found := c.lru.Get(key)
	if !found || e.expired(time.Now()) {
		if found {
			c.lru.Remove(key)
		}
		c.mu.Unlock()
		return value.Value{}, false
	}
	e.refs++
	src := e.value
	c.mu.Unlock()

	result = copyInto(src, arena)

	c.mu.Lock()
	e.refs--
	c.mu.Unlock()
	return result, true
}

// Set stores a deep copy of v, owned by the cache's own arena, under key
// with the given time-to-live (zero means no expiry).
func (c *Cache) Set(key string, v value.Value, ttl time.Duration) {
	stored := copyInto(v, c.arena)
	size := estimateSize(stored)

	c.mu.Lock()
	defer c.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	c.lru.Add(key, &entry{value: stored, expiresAt: expires, size: size})
	c.totalBytes += size
	c.evictToLowWaterLocked()
}

// GetOrLoad coalesces concurrent misses for the same key into a single call
// to loader (spec §4.8's single-writer-per-key, many-readers guarantee),
// grounded on the same golang.org/x/sync/singleflight the pack uses for its
// own single-flight dependency-index queries.
func (c *Cache) GetOrLoad(key string, ttl time.Duration, arena *heap.Arena, loader func() (value.Value, error)) (value.Value, error) {
	if v, ok := c.Get(key, arena); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key, arena); ok {
			return v, nil
		}
		loaded, err := loader()
		if err != nil {
			return value.Value{}, err
		}
		c.Set(key, loaded, ttl)
		return loaded, nil
	})
	if err != nil {
		return value.Value{}, err
	}
	return copyInto(v.(value.Value), arena), nil
}

// evictToLowWaterLocked drops the oldest unreferenced entries until
// totalBytes is back under lowWater, skipping anything a concurrent Get is
// still copying out. Called with c.mu held.
func (c *Cache) evictToLowWaterLocked() {
	if c.totalBytes <= c.highWater {
		return
	}
	for _, key := range c.lru.Keys() {
		if c.totalBytes <= c.lowWater {
			return
		}
		e, ok := c.lru.Peek(key)
		if !ok || e.refs > 0 {
			continue
		}
		c.lru.Remove(key)
	}
}

// Len reports the number of live entries, for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes reports the cache's current accounted size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytes
}

func copyInto(v value.Value, arena *heap.Arena) value.Value {
	switch v.Kind() {
	case value.KindArray:
		src := v.Array()
		dst := arena.NewArray()
		dst.Elements = make([]value.Value, len(src.Elements))
		for i, e := range src.Elements {
			dst.Elements[i] = copyInto(e, arena)
		}
		return value.Arr(dst)
	case value.KindObject:
		src := v.Object()
		dst := arena.NewObject()
		for _, p := range src.Pairs {
			dst.Set(copyInto(p.Key, arena), copyInto(p.Value, arena))
		}
		return value.Obj(dst)
	default:
		return v
	}
}

// estimateSize approximates an entry's footprint for the watermark
// accounting; exactness doesn't matter, monotonicity with payload size does.
func estimateSize(v value.Value) int64 {
	switch v.Kind() {
	case value.KindString:
		return int64(len(v.Str())) + 16
	case value.KindArray:
		total := int64(24)
		for _, e := range v.Array().Elements {
			total += estimateSize(e)
		}
		return total
	case value.KindObject:
		total := int64(24)
		for _, p := range v.Object().Pairs {
			total += estimateSize(p.Key) + estimateSize(p.Value)
		}
		return total
	default:
		return 16
	}
}
