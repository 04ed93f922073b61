package vectortile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb/encoding/mvt"

	"parceltiles/internal/logger"
	"parceltiles/pkg/tiles"
)

// ErrNoContent is returned for tiles the server never materialized.
var ErrNoContent = errors.New("vectortile: no content")

// cached holds a decoded tile, or nil layers for a known-empty tile.
type cached struct {
	layers mvt.Layers
}

type prefetchJob struct {
	layer string
	coord tiles.TileCoord
}

// Cache fetches tiles from a tile server's /tiles/{layer}/{z}/{x}/{y}
// endpoint and keeps them decoded in memory. Concurrent requests for the
// same tile share one fetch.
type Cache struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger

	tiles   map[string]cached
	tilesMu sync.RWMutex

	inFlight   map[string]chan struct{}
	inFlightMu sync.Mutex

	// queueMu guards queue against sends after Close.
	queueMu sync.RWMutex
	closed  bool
	queue   chan prefetchJob
	wg      sync.WaitGroup
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	Client  *http.Client
	Logger  *slog.Logger
	Workers int
}

// NewCache creates a tile cache for the server at baseURL.
func NewCache(baseURL string, opts CacheOptions) *Cache {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Cache{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		log:      logger.Or(opts.Logger),
		tiles:    make(map[string]cached),
		inFlight: make(map[string]chan struct{}),
		queue:    make(chan prefetchJob, 1000),
	}
	for i := 0; i < opts.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

func (c *Cache) worker() {
	defer c.wg.Done()
	for job := range c.queue {
		if _, err := c.GetTile(context.Background(), job.layer, job.coord); err != nil && !errors.Is(err, ErrNoContent) {
			c.log.Debug("tile_prefetch_error", "layer", job.layer, "tile", job.coord.String(), "err", err)
		}
	}
}

// Close stops the prefetch workers. Later Prefetch calls are ignored.
func (c *Cache) Close() {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.queueMu.Unlock()
	c.wg.Wait()
}

func tileKey(layer string, coord tiles.TileCoord) string {
	return layer + "/" + coord.String()
}

// GetTile returns the decoded tile, fetching it if necessary. A tile the
// server answers with 204 is remembered and reported as ErrNoContent.
func (c *Cache) GetTile(ctx context.Context, layer string, coord tiles.TileCoord) (mvt.Layers, error) {
	key := tileKey(layer, coord)

	if t, ok := c.lookup(key); ok {
		return t.result()
	}

	c.inFlightMu.Lock()
	// a fetch may have completed since the first lookup
	if t, ok := c.lookup(key); ok {
		c.inFlightMu.Unlock()
		return t.result()
	}
	if ch, exists := c.inFlight[key]; exists {
		c.inFlightMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if t, ok := c.lookup(key); ok {
			return t.result()
		}
		return nil, fmt.Errorf("fetch %s failed", key)
	}

	ch := make(chan struct{})
	c.inFlight[key] = ch
	c.inFlightMu.Unlock()

	layers, err := c.fetchAndParse(ctx, layer, coord)
	if err == nil || errors.Is(err, ErrNoContent) {
		c.tilesMu.Lock()
		c.tiles[key] = cached{layers: layers}
		c.tilesMu.Unlock()
	}

	c.inFlightMu.Lock()
	delete(c.inFlight, key)
	close(ch)
	c.inFlightMu.Unlock()

	if err != nil {
		return nil, err
	}
	return layers, nil
}

func (t cached) result() (mvt.Layers, error) {
	if t.layers == nil {
		return nil, ErrNoContent
	}
	return t.layers, nil
}

func (c *Cache) lookup(key string) (cached, bool) {
	c.tilesMu.RLock()
	defer c.tilesMu.RUnlock()
	t, ok := c.tiles[key]
	return t, ok
}

// HasTile checks if a tile is cached, including known-empty tiles.
func (c *Cache) HasTile(layer string, coord tiles.TileCoord) bool {
	_, ok := c.lookup(tileKey(layer, coord))
	return ok
}

// Prefetch queues tiles for background fetching. Tiles that do not fit the
// queue are skipped.
func (c *Cache) Prefetch(layer string, coords []tiles.TileCoord) {
	c.queueMu.RLock()
	defer c.queueMu.RUnlock()
	if c.closed {
		return
	}
	for _, coord := range coords {
		if c.HasTile(layer, coord) {
			continue
		}
		select {
		case c.queue <- prefetchJob{layer: layer, coord: coord}:
		default:
		}
	}
}

func (c *Cache) fetchAndParse(ctx context.Context, layer string, coord tiles.TileCoord) (mvt.Layers, error) {
	url := c.baseURL + coord.Path(layer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "parceltiles/1.0")
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, ErrNoContent
	default:
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	// the payload is gzip regardless of transport; Decode detects the magic
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return Decode(data, coord)
}
