// Package memory is the in-process cache backend, used by tests and
// single-node deployments without a Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/entitygraph/entitygraph/internal/clock"
	"github.com/entitygraph/entitygraph/pkg/cache"
	"github.com/entitygraph/entitygraph/pkg/entity"
)

// Config holds the per-cache TTLs.
type Config struct {
	// IDMapTTL expires ID map entries (default: 24h; mappings are
	// immutable, long TTLs are safe).
	IDMapTTL time.Duration

	// HeadTTL expires head entries (default: 30s; write-through keeps
	// them fresh, the TTL only bounds staleness after a missed update).
	HeadTTL time.Duration
}

type idEntry struct {
	internal  entity.InternalID
	expiresAt time.Time
}

type headEntry struct {
	entry     cache.HeadEntry
	expiresAt time.Time
}

// Cache is the in-memory cache.Cache implementation.
type Cache struct {
	mu    sync.RWMutex
	ids   map[entity.ExternalID]idEntry
	heads map[entity.ExternalID]headEntry

	idTTL   time.Duration
	headTTL time.Duration
	clock   clock.Clock
}

// New creates the cache. A nil clk uses the wall clock.
func New(cfg Config, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	idTTL := cfg.IDMapTTL
	if idTTL == 0 {
		idTTL = 24 * time.Hour
	}
	headTTL := cfg.HeadTTL
	if headTTL == 0 {
		headTTL = 30 * time.Second
	}
	return &Cache{
		ids:     make(map[entity.ExternalID]idEntry),
		heads:   make(map[entity.ExternalID]headEntry),
		idTTL:   idTTL,
		headTTL: headTTL,
		clock:   clk,
	}
}

var _ cache.Cache = (*Cache)(nil)

func (c *Cache) GetID(ctx context.Context, id entity.ExternalID) (entity.InternalID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.ids[id]
	if !ok || c.clock.Now().After(e.expiresAt) {
		return 0, false, nil
	}
	return e.internal, true, nil
}

func (c *Cache) PutID(ctx context.Context, id entity.ExternalID, internal entity.InternalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ids[id] = idEntry{internal: internal, expiresAt: c.clock.Now().Add(c.idTTL)}
	return nil
}

func (c *Cache) GetHead(ctx context.Context, id entity.ExternalID) (*cache.HeadEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.heads[id]
	if !ok || c.clock.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	cp := e.entry
	return &cp, true, nil
}

func (c *Cache) PutHead(ctx context.Context, id entity.ExternalID, e cache.HeadEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.heads[id] = headEntry{entry: e, expiresAt: c.clock.Now().Add(c.headTTL)}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, id entity.ExternalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.heads, id)
	return nil
}

func (c *Cache) Ping(ctx context.Context) error { return ctx.Err() }

func (c *Cache) Close() error { return nil }
