// Package redis is the shared cache backend for multi-node deployments.
//
// Key layout:
//
//	eg:id:{external_id}    -> decimal internal ID
//	eg:head:{external_id}  -> JSON-encoded head entry
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/entitygraph/entitygraph/pkg/cache"
	"github.com/entitygraph/entitygraph/pkg/entity"
	"github.com/entitygraph/entitygraph/pkg/metrics"
)

const (
	idKeyPrefix   = "eg:id:"
	headKeyPrefix = "eg:head:"
)

// Config holds the Redis connection and TTL settings.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is optional.
	Password string

	// DB selects the logical database (default 0).
	DB int

	// IDMapTTL expires ID map entries (default: 24h).
	IDMapTTL time.Duration

	// HeadTTL expires head entries (default: 30s).
	HeadTTL time.Duration

	// Metrics is an optional metrics collector.
	Metrics metrics.CacheMetrics
}

// Cache is the Redis-backed cache.Cache implementation.
type Cache struct {
	client  *goredis.Client
	idTTL   time.Duration
	headTTL time.Duration
	metrics metrics.CacheMetrics
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	idTTL := cfg.IDMapTTL
	if idTTL == 0 {
		idTTL = 24 * time.Hour
	}
	headTTL := cfg.HeadTTL
	if headTTL == 0 {
		headTTL = 30 * time.Second
	}

	return &Cache{client: client, idTTL: idTTL, headTTL: headTTL, metrics: cfg.Metrics}, nil
}

var _ cache.Cache = (*Cache)(nil)

func (c *Cache) observe(op string, start time.Time, err error) {
	if c.metrics != nil {
		c.metrics.ObserveOperation(op, time.Since(start), err)
	}
}

func (c *Cache) hitMiss(name string, hit bool) {
	if c.metrics == nil {
		return
	}
	if hit {
		c.metrics.RecordHit(name)
	} else {
		c.metrics.RecordMiss(name)
	}
}

func (c *Cache) GetID(ctx context.Context, id entity.ExternalID) (internal entity.InternalID, ok bool, err error) {
	start := time.Now()
	defer func() { c.observe("GetID", start, err) }()

	val, err := c.client.Get(ctx, idKeyPrefix+string(id)).Result()
	if errors.Is(err, goredis.Nil) {
		c.hitMiss("id_map", false)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, entity.NewTransientError("cache read failed", err)
	}

	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		// A corrupt entry behaves like a miss; the next put repairs it.
		c.hitMiss("id_map", false)
		return 0, false, nil
	}
	c.hitMiss("id_map", true)
	return entity.InternalID(n), true, nil
}

func (c *Cache) PutID(ctx context.Context, id entity.ExternalID, internal entity.InternalID) (err error) {
	start := time.Now()
	defer func() { c.observe("PutID", start, err) }()

	err = c.client.Set(ctx, idKeyPrefix+string(id), strconv.FormatUint(uint64(internal), 10), c.idTTL).Err()
	if err != nil {
		return entity.NewTransientError("cache write failed", err)
	}
	return nil
}

func (c *Cache) GetHead(ctx context.Context, id entity.ExternalID) (e *cache.HeadEntry, ok bool, err error) {
	start := time.Now()
	defer func() { c.observe("GetHead", start, err) }()

	val, err := c.client.Get(ctx, headKeyPrefix+string(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		c.hitMiss("head", false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, entity.NewTransientError("cache read failed", err)
	}

	var entry cache.HeadEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		c.hitMiss("head", false)
		return nil, false, nil
	}
	c.hitMiss("head", true)
	return &entry, true, nil
}

func (c *Cache) PutHead(ctx context.Context, id entity.ExternalID, e cache.HeadEntry) (err error) {
	start := time.Now()
	defer func() { c.observe("PutHead", start, err) }()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding head entry: %w", err)
	}
	err = c.client.Set(ctx, headKeyPrefix+string(id), data, c.headTTL).Err()
	if err != nil {
		return entity.NewTransientError("cache write failed", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, id entity.ExternalID) (err error) {
	start := time.Now()
	defer func() { c.observe("Invalidate", start, err) }()

	err = c.client.Del(ctx, headKeyPrefix+string(id)).Err()
	if err != nil {
		return entity.NewTransientError("cache delete failed", err)
	}
	return nil
}

func (c *Cache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return entity.NewTransientError("cache unreachable", err)
	}
	return nil
}

func (c *Cache) Close() error { return c.client.Close() }
