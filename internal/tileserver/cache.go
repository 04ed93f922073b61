package tileserver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"parceltiles/internal/logger"
	"parceltiles/internal/metrics"
)

// memoryTTL bounds how long a tile stays in process memory. Keys carry the
// archive version, so a rebuilt archive never serves stale bytes.
const memoryTTL = time.Hour

// LoadFunc reads a tile from its archive. An empty, non-nil slice means the
// tile has no content; it is cached like any other value.
type LoadFunc func(ctx context.Context) ([]byte, error)

// CacheOptions configures a TileCache.
type CacheOptions struct {
	// Size is the number of tiles kept in memory.
	Size int

	// Redis enables a shared second tier when set.
	Redis    *redis.Client
	RedisTTL time.Duration

	Logger *slog.Logger
}

// TileCache keeps recently served tiles in an in-process LRU, optionally
// backed by redis. Concurrent misses for one key run a single load.
type TileCache struct {
	// mu guards mem against use after Close, which ccache turns into a panic.
	mu     sync.RWMutex
	closed bool
	mem    *ccache.Cache

	rdb      *redis.Client
	redisTTL time.Duration
	group    singleflight.Group
	log      *slog.Logger
}

// NewTileCache returns an empty cache.
func NewTileCache(opts CacheOptions) *TileCache {
	size := opts.Size
	if size <= 0 {
		size = 1000
	}
	return &TileCache{
		mem:      ccache.New(ccache.Configure().MaxSize(int64(size)).ItemsToPrune(uint32(max(size/10, 1)))),
		rdb:      opts.Redis,
		redisTTL: opts.RedisTTL,
		log:      logger.Or(opts.Logger),
	}
}

// Get returns the tile stored under key, loading it on a miss.
func (c *TileCache) Get(ctx context.Context, key string, load LoadFunc) ([]byte, error) {
	if data, ok := c.memGet(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("memory").Inc()
		return data, nil
	}

	// The load outlives any one caller: others may be waiting on it.
	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		if data, ok := c.fromRedis(ctx, key); ok {
			metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
			c.memSet(key, data)
			return data, nil
		}

		metrics.CacheMissesTotal.Inc()
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if data == nil {
			data = []byte{}
		}
		c.memSet(key, data)
		c.toRedis(ctx, key, data)
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// Contains reports whether key is held in memory.
func (c *TileCache) Contains(key string) bool {
	_, ok := c.memGet(key)
	return ok
}

// Len returns the number of tiles held in memory.
func (c *TileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0
	}
	return c.mem.ItemCount()
}

// Close stops the cache's background worker. Later calls to Get load
// every tile.
func (c *TileCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.mem.Stop()
	}
}

func (c *TileCache) memGet(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false
	}
	item := c.mem.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value().([]byte), true
}

func (c *TileCache) memSet(key string, data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.closed {
		c.mem.Set(key, data, memoryTTL)
	}
}

// fromRedis treats every redis failure as a miss; the archive stays the
// source of truth.
func (c *TileCache) fromRedis(ctx context.Context, key string) ([]byte, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("tile_cache_redis_get", "key", key, "error", err)
		}
		return nil, false
	}
	return data, true
}

func (c *TileCache) toRedis(ctx context.Context, key string, data []byte) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.redisTTL).Err(); err != nil {
		c.log.Warn("tile_cache_redis_set", "key", key, "error", err)
	}
}
