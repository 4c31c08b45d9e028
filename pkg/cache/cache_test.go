package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

func newCache(t *testing.T, maxEntries int, high, low int64) *Cache {
	mgr := heap.NewManager(1 << 20)
	c, err := New(mgr, maxEntries, high, low)
	require.NoError(t, err)
	return c
}

func TestSetThenGetRoundTripsAcrossArenas(t *testing.T) {
	c := newCache(t, 16, 1<<20, 1<<19)
	reqArena := heap.NewManager(1 << 20).Create()

	arr := reqArena.NewArray()
	arr.Elements = []value.Value{value.Int(1), value.Str("x")}
	c.Set("k", value.Arr(arr), time.Minute)

	got, ok := c.Get("k", reqArena)
	require.True(t, ok)
	require.Equal(t, value.KindArray, got.Kind())
	assert.Equal(t, int64(1), got.Array().Elements[0].Int())

	// the copy out must be owned by the caller's arena, not the cache's.
	assert.Equal(t, reqArena.ID(), got.Owner())
}

func TestGetMissAndExpiry(t *testing.T) {
	c := newCache(t, 16, 1<<20, 1<<19)
	arena := heap.NewManager(1 << 20).Create()

	_, ok := c.Get("missing", arena)
	assert.False(t, ok)

	c.Set("soon", value.Int(5), time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok = c.Get("soon", arena)
	assert.False(t, ok, "expired entries must not be served")
}

func TestEvictionSkipsReferencedEntry(t *testing.T) {
	// low/high watermarks small enough that adding a second large entry
	// would normally evict the first.
	c := newCache(t, 16, 40, 20)
	arena := heap.NewManager(1 << 20).Create()

	c.Set("first", value.Str("aaaaaaaaaaaaaaaaaaaaaaaa"), time.Minute)

	// Hold a read in flight by incrementing refs directly through Get's
	// locking path: simulate by grabbing the entry and bumping refs, since
	// there is no exported hook to pause mid-copy deterministically.
	c.mu.Lock()
	e, ok := c.lru.Get("first")
	require.True(t, ok)
	e.refs++
	c.mu.Unlock()

	c.Set("second", value.Str("bbbbbbbbbbbbbbbbbbbbbbbb"), time.Minute)

	_, stillThere := c.Get("first", arena)
	assert.True(t, stillThere, "a referenced entry must survive eviction")

	c.mu.Lock()
	e.refs--
	c.mu.Unlock()
}

func TestEvictionDropsUnreferencedOldestUnderWatermark(t *testing.T) {
	c := newCache(t, 16, 40, 10)
	arena := heap.NewManager(1 << 20).Create()

	c.Set("a", value.Str("aaaaaaaaaaaaaaaaaaaaaaaa"), time.Minute)
	c.Set("b", value.Str("bbbbbbbbbbbbbbbbbbbbbbbb"), time.Minute)

	_, ok := c.Get("a", arena)
	assert.False(t, ok, "the oldest unreferenced entry should have been evicted")
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	c := newCache(t, 16, 1<<20, 1<<19)
	arena := heap.NewManager(1 << 20).Create()

	var loads int32
	var mu sync.Mutex
	loader := func() (value.Value, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return value.Int(42), nil
	}

	var wg sync.WaitGroup
	results := make([]value.Value, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad("shared", time.Minute, arena, loader)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, int64(42), v.Int())
	}
	assert.Equal(t, int32(1), loads, "loader must run exactly once for a coalesced miss")
}
