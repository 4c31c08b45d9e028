package main

import (
	"os"
	"strconv"
	"time"

	"github.com/Hafthor/loaf/pkg/cache"
	"github.com/Hafthor/loaf/pkg/heap"
	"github.com/Hafthor/loaf/pkg/runtime"
)

const (
	defaultCacheBytes      = 64 << 20
	defaultArenaHighWater  = 16 << 20
	defaultWorkers         = 8
	defaultRequestDeadline = 30 * time.Second
)

// config collects the process-wide knobs spec §5/§6 leave to the
// environment rather than the document: cache sizing, worker pool width,
// and the per-request deadline.
type config struct {
	cacheBytes      int64
	workers         int
	requestDeadline time.Duration
}

func loadConfig() config {
	return config{
		cacheBytes:      envInt64("LOAF_CACHE_BYTES", defaultCacheBytes),
		workers:         envInt("LOAF_WORKERS", defaultWorkers),
		requestDeadline: envDuration("LOAF_REQUEST_DEADLINE", defaultRequestDeadline),
	}
}

func envInt64(name string, fallback int64) int64 {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

// newEngine builds the process-wide heap.Manager/cache.Cache/runtime.Engine
// trio every subcommand that actually runs a document needs, sized from
// cfg. LOAF_CACHE_BYTES only sizes the cache's byte budget; the arena
// manager's own collection high-water mark (a per-request GC trigger
// unrelated to the cache) stays at a fixed default, since the document
// format gives no signal for tuning it independently.
func newEngine(cfg config) (*runtime.Engine, error) {
	mgr := heap.NewManager(defaultArenaHighWater)
	c, err := cache.New(mgr, 4096, cfg.cacheBytes, cfg.cacheBytes/2)
	if err != nil {
		return nil, err
	}
	return runtime.NewEngine(mgr, c), nil
}
