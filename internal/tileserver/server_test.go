package tileserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/archive"
	"parceltiles/internal/blobstore"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/propstore"
	"parceltiles/internal/tileindex"
	"parceltiles/internal/transform"
	"parceltiles/internal/vectortile"
	"parceltiles/pkg/tiles"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var seoul = tiles.LatLonToTile(37.5665, 126.978, 14)

// putArchive builds a one-tile archive for layer and stores it with its
// properties file.
func putArchive(t *testing.T, store blobstore.Store, layer string, coord tiles.TileCoord) []byte {
	t.Helper()
	lat, lon := tiles.TileToLatLon(coord)
	pt := orb.Point{lon + 0.001, lat - 0.001}

	gf := geojson.NewFeature(pt)
	gf.ID = uint64(42)
	gf.Properties = geojson.Properties{"name": "city hall"}
	et, err := vectortile.NewEncoder(4096, 64).Encode(&tileindex.Tile{
		Coord:  coord,
		Layers: map[string][]*geojson.Feature{layer: {gf}},
	})
	require.NoError(t, err)

	w := archive.NewWriter(archive.WriterOptions{})
	require.NoError(t, w.AddTile(coord, et.Data))
	var buf bytes.Buffer
	_, err = w.Finalize(&buf, archive.Metadata{Name: layer, VectorLayers: []archive.VectorLayer{{ID: layer}}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "tiles/"+layer+".pmtiles", bytes.NewReader(buf.Bytes()), int64(buf.Len())))

	var props bytes.Buffer
	require.NoError(t, propstore.WriteJSON(&props, []*transform.Feature{{
		ID: 42, Geometry: pt, Coord: pt, Properties: geojson.Properties{"name": "city hall"},
	}}))
	require.NoError(t, store.Put(ctx, "properties/"+layer+".json", &props, -1))
	return et.Data
}

func newTestServer(t *testing.T, store blobstore.Store) *Server {
	t.Helper()
	cfg := config.DefaultConfig().Server
	s, err := New(context.Background(), cfg, Options{Store: store, Logger: logger.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func get(s *Server, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestTileEndpoint(t *testing.T) {
	store := blobstore.NewMemory()
	want := putArchive(t, store, "parcels", seoul)
	s := newTestServer(t, store)

	path := seoul.Path("parcels")
	for _, target := range []string{path, path + ".pbf", path + ".mvt"} {
		w := get(s, target)
		require.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, ContentTypeMVT, w.Header().Get("Content-Type"))
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		assert.Equal(t, want, w.Body.Bytes(), "stored bytes are served unchanged")
	}

	layers, err := vectortile.Decode(get(s, path).Body.Bytes(), seoul)
	require.NoError(t, err)
	f := vectortile.FindFeature(layers, "parcels", "name", "city hall")
	require.NotNil(t, f)
}

func TestTileStatusCodes(t *testing.T) {
	store := blobstore.NewMemory()
	putArchive(t, store, "parcels", seoul)
	s := newTestServer(t, store)

	neighbour := tiles.TileCoord{X: seoul.X + 1, Y: seoul.Y, Zoom: seoul.Zoom}
	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"absent tile", neighbour.Path("parcels"), http.StatusNoContent},
		{"unknown layer", seoul.Path("roads"), http.StatusNotFound},
		{"bad zoom", "/tiles/parcels/a/1/1", http.StatusBadRequest},
		{"out of range", "/tiles/parcels/2/4/0", http.StatusBadRequest},
		{"negative", "/tiles/parcels/2/-1/0", http.StatusBadRequest},
		{"bad suffix", "/tiles/parcels/2/1/1.png", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(s, tt.target)
			assert.Equal(t, tt.code, w.Code)
			if tt.code == http.StatusNoContent {
				assert.Empty(t, w.Body.Bytes())
			}
		})
	}
}

func TestMetadataAndLayers(t *testing.T) {
	store := blobstore.NewMemory()
	putArchive(t, store, "parcels", seoul)
	putArchive(t, store, "districts", seoul)
	s := newTestServer(t, store)

	assert.Equal(t, []string{"districts", "parcels"}, s.Layers())

	w := get(s, "/tiles/parcels/metadata")
	require.Equal(t, http.StatusOK, w.Code)
	var meta struct {
		Name         string    `json:"name"`
		Tiles        []string  `json:"tiles"`
		Bounds       []float64 `json:"bounds"`
		TileCount    int       `json:"tile_count"`
		VectorLayers []struct {
			ID string `json:"id"`
		} `json:"vector_layers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.Equal(t, "parcels", meta.Name)
	assert.Equal(t, []string{"/tiles/parcels/{z}/{x}/{y}"}, meta.Tiles)
	assert.Len(t, meta.Bounds, 4)
	assert.Equal(t, 1, meta.TileCount)
	require.Len(t, meta.VectorLayers, 1)
	assert.Equal(t, "parcels", meta.VectorLayers[0].ID)

	assert.Equal(t, http.StatusNotFound, get(s, "/tiles/roads/metadata").Code)

	w = get(s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"layers":2`)
}

func TestPropertiesEndpoint(t *testing.T) {
	store := blobstore.NewMemory()
	putArchive(t, store, "parcels", seoul)
	s := newTestServer(t, store)

	w := get(s, "/properties/parcels/42")
	require.Equal(t, http.StatusOK, w.Code)
	var rec propstore.Record
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, uint64(42), rec.ID)
	assert.Equal(t, "city hall", rec.Properties["name"])

	assert.Equal(t, http.StatusNotFound, get(s, "/properties/parcels/7").Code)
	assert.Equal(t, http.StatusBadRequest, get(s, "/properties/parcels/x").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/properties/roads/42").Code)
}

func TestReloadPicksUpRebuild(t *testing.T) {
	store := blobstore.NewMemory()
	putArchive(t, store, "parcels", seoul)
	s := newTestServer(t, store)
	require.Equal(t, http.StatusOK, get(s, seoul.Path("parcels")).Code)

	moved := tiles.TileCoord{X: seoul.X + 2, Y: seoul.Y, Zoom: seoul.Zoom}
	putArchive(t, store, "parcels", moved)
	require.NoError(t, s.Reload(context.Background()))

	assert.Equal(t, http.StatusNoContent, get(s, seoul.Path("parcels")).Code)
	assert.Equal(t, http.StatusOK, get(s, moved.Path("parcels")).Code)
}

func TestPrefetchWarmsCache(t *testing.T) {
	store := blobstore.NewMemory()
	putArchive(t, store, "parcels", seoul)
	s := newTestServer(t, store)

	require.NoError(t, s.Prefetch(context.Background(), "parcels", tiles.GetAdjacentTiles(seoul)))
	assert.Equal(t, len(tiles.GetAdjacentTiles(seoul)), s.cache.Len())
	assert.Error(t, s.Prefetch(context.Background(), "roads", nil))

	w := httptest.NewRecorder()
	body := strings.NewReader(`{"layer":"parcels","centerLat":37.5665,"centerLon":126.978,"zoom":14,"viewportWidth":512,"viewportHeight":512}`)
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/prefetch", body))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/prefetch", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheSingleLoad(t *testing.T) {
	c := NewTileCache(CacheOptions{Size: 10, Logger: logger.Discard()})
	defer c.Close()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		loads.Add(1)
		<-release
		return []byte("tile"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.Get(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, "tile", string(data))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), loads.Load())

	data, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) {
		t.Fatal("cached tile loaded again")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "tile", string(data))
}

func TestCacheErrorsNotCached(t *testing.T) {
	c := NewTileCache(CacheOptions{Size: 10, Logger: logger.Discard()})
	defer c.Close()

	boom := errors.New("boom")
	_, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Contains("k"))

	data, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) { return nil, nil })
	require.NoError(t, err)
	assert.NotNil(t, data)
	assert.Empty(t, data)
	assert.True(t, c.Contains("k"), "absent tiles are cached")
}

func TestCacheRedisUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	c := NewTileCache(CacheOptions{Size: 10, Redis: rdb, RedisTTL: time.Minute, Logger: logger.Discard()})
	defer c.Close()

	data, err := c.Get(context.Background(), "k", func(context.Context) ([]byte, error) { return []byte("tile"), nil })
	require.NoError(t, err)
	assert.Equal(t, "tile", string(data))
}

// flakyStore fails the next failures opens of properties files, honours
// cancellation and tracks the blobs it hands out.
type flakyStore struct {
	blobstore.Store
	failures atomic.Int32
	opened   []*trackedBlob
	mu       sync.Mutex
}

type trackedBlob struct {
	blobstore.Blob
	closed atomic.Bool
}

func (b *trackedBlob) ReadAt(p []byte, off int64) (int, error) {
	if b.closed.Load() {
		return 0, errors.New("read on closed blob")
	}
	return b.Blob.ReadAt(p, off)
}

func (b *trackedBlob) Close() error {
	b.closed.Store(true)
	return b.Blob.Close()
}

func (s *flakyStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(name, "properties/") && s.failures.Add(-1) >= 0 {
		return nil, errors.New("store unavailable")
	}
	b, err := s.Store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	tb := &trackedBlob{Blob: b}
	s.mu.Lock()
	s.opened = append(s.opened, tb)
	s.mu.Unlock()
	return tb, nil
}

func TestPropertiesLoadRetriedAfterFailure(t *testing.T) {
	mem := blobstore.NewMemory()
	putArchive(t, mem, "parcels", seoul)
	store := &flakyStore{Store: mem}
	store.failures.Store(1)
	s := newTestServer(t, store)

	assert.Equal(t, http.StatusInternalServerError, get(s, "/properties/parcels/42").Code)
	assert.Equal(t, http.StatusOK, get(s, "/properties/parcels/42").Code)
}

func TestPropertiesLoadOutlivesRequest(t *testing.T) {
	mem := blobstore.NewMemory()
	putArchive(t, mem, "parcels", seoul)
	s := newTestServer(t, &flakyStore{Store: mem})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l, ok := s.layer("parcels")
	require.True(t, ok)
	defer l.release()
	rec, err := s.property(ctx, l, 42)
	require.NoError(t, err)
	assert.Equal(t, "city hall", rec.Properties["name"])
}

func TestReloadKeepsArchiveOpenForReaders(t *testing.T) {
	mem := blobstore.NewMemory()
	putArchive(t, mem, "parcels", seoul)
	store := &flakyStore{Store: mem}
	s := newTestServer(t, store)

	l, ok := s.layer("parcels")
	require.True(t, ok)
	store.mu.Lock()
	first := store.opened[0]
	store.mu.Unlock()

	moved := tiles.TileCoord{X: seoul.X + 2, Y: seoul.Y, Zoom: seoul.Zoom}
	putArchive(t, mem, "parcels", moved)
	require.NoError(t, s.Reload(context.Background()))

	assert.False(t, first.closed.Load(), "replaced archive closed under a reader")
	data, err := l.reader.Tile(context.Background(), seoul.Zoom, seoul.X, seoul.Y)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	l.release()
	assert.True(t, first.closed.Load())
	assert.Equal(t, http.StatusOK, get(s, moved.Path("parcels")).Code)
}

func TestCacheLoadSurvivesCallerCancel(t *testing.T) {
	c := NewTileCache(CacheOptions{Size: 10, Logger: logger.Discard()})
	defer c.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return []byte("tile"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "k", load)
		firstErr <- err
	}()
	<-started

	type result struct {
		data []byte
		err  error
	}
	second := make(chan result, 1)
	go func() {
		data, err := c.Get(context.Background(), "k", load)
		second <- result{data, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "tile", string(res.data))
	assert.True(t, c.Contains("k"))
}
