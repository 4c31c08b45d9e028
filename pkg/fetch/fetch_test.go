package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/value"
)

type memCache struct {
	entries map[string]value.Value
}

func (m *memCache) Get(key string) (value.Value, bool) {
	v, ok := m.entries[key]
	return v, ok
}

func (m *memCache) Set(key string, v value.Value, _ time.Duration) {
	m.entries[key] = v
}

func newArena() *heap.Arena {
	return heap.NewManager(1 << 20).Create()
}

func TestDoDecodesJSONBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Alice","age":30,"tags":["a","b"]}`))
	}))
	defer ts.Close()

	c := New(nil)
	arena := newArena()
	result, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL}, arena)
	require.NoError(t, err)

	obj := result.Object()
	require.NotNil(t, obj)
	name, ok := obj.Get(value.Str("name"))
	require.True(t, ok)
	assert.Equal(t, "Alice", name.Str())
	age, ok := obj.Get(value.Str("age"))
	require.True(t, ok)
	assert.Equal(t, int64(30), age.Int())
}

func TestDoReturnsHttpErrorOn404(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(nil)
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL}, newArena())
	require.Error(t, err)
	var httpErr *HttpError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestDoServesCacheableGetFromCache(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte(`"cached"`))
	}))
	defer ts.Close()

	cache := &memCache{entries: map[string]value.Value{}}
	c := New(cache)
	arena := newArena()

	first, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL}, arena)
	require.NoError(t, err)
	second, err := c.Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL}, arena)
	require.NoError(t, err)

	assert.Equal(t, "cached", first.Str())
	assert.Equal(t, "cached", second.Str())
	assert.Equal(t, 1, calls, "the second GET must be served from cache, not the network")
}

func TestDecodeDistinguishesIntegerAndDecimal(t *testing.T) {
	arena := newArena()
	v, err := Decode([]byte(`{"whole":7,"fraction":1.5}`), arena)
	require.NoError(t, err)
	obj := v.Object()
	whole, _ := obj.Get(value.Str("whole"))
	fraction, _ := obj.Get(value.Str("fraction"))
	assert.Equal(t, value.KindInt, whole.Kind())
	assert.Equal(t, value.KindDecimal, fraction.Kind())
}
