package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// Cached wraps a Source with a tiny in-memory TTL cache keyed by the
// coordinate pair. Road distances barely change, so a long TTL is fine.
type Cached struct {
	src Source
	ttl time.Duration

	mu    sync.RWMutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, ttl: ttl, store: make(map[string]cacheEntry)}
}

func (c *Cached) RoadKm(ctx context.Context, from, to models.Coord) (float64, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.v, nil
	}

	v, err := c.src.RoadKm(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return v, nil
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
