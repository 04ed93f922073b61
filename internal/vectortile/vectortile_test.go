package vectortile

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/logger"
	"parceltiles/internal/tileindex"
	"parceltiles/pkg/tiles"
)

var seoul = tiles.LatLonToTile(37.5663, 126.9779, 14)

// square returns a polygon centred in the tile spanning a quarter of it.
func square(c tiles.TileCoord) orb.Polygon {
	b := c.Bound(0)
	cx, cy := b.Center()[0], b.Center()[1]
	w := (b.Max[0] - b.Min[0]) / 4
	h := (b.Max[1] - b.Min[1]) / 4
	return orb.Polygon{{
		{cx - w, cy - h}, {cx + w, cy - h}, {cx + w, cy + h}, {cx - w, cy + h}, {cx - w, cy - h},
	}}
}

func testTile() *tileindex.Tile {
	parcel := geojson.NewFeature(square(seoul))
	parcel.ID = uint64(42)
	parcel.Properties = geojson.Properties{"code": "28110101", "price": 12.5, "listed": true, "note": nil}

	marker := geojson.NewFeature(seoul.Bound(0).Center())
	marker.ID = uint64(7)
	marker.Properties = geojson.Properties{"parent": "28110101"}

	return &tileindex.Tile{
		Coord: seoul,
		Layers: map[string][]*geojson.Feature{
			"parcels": {parcel},
			"markers": {marker},
		},
	}
}

func TestEncodeDecodePreservesFeaturesAndTypes(t *testing.T) {
	enc := NewEncoder(4096, 64)
	et, err := enc.Encode(testTile())
	require.NoError(t, err)
	require.Positive(t, et.Len())
	assert.Equal(t, seoul, et.Coord)
	assert.Equal(t, []byte{0x1f, 0x8b}, et.Data[:2], "payload is gzipped")

	layers, err := Decode(et.Data, seoul)
	require.NoError(t, err)

	summary := Summarize(layers)
	require.Len(t, summary, 2)
	assert.Equal(t, "markers", summary[0].Name)
	assert.Equal(t, "parcels", summary[1].Name)
	assert.Equal(t, 1, summary[1].Features)
	assert.Equal(t, map[string]string{"code": "String", "price": "Number", "listed": "Boolean"}, summary[1].Fields)
	assert.EqualValues(t, 4096, summary[1].Extent)

	f := FindFeature(layers, "parcels", "code", "28110101")
	require.NotNil(t, f)
	assert.Equal(t, float64(42), f.ID)
	assert.Equal(t, 12.5, f.Properties["price"])
	assert.Equal(t, true, f.Properties["listed"])
	assert.NotContains(t, f.Properties, "note")

	// decoded geometry lands back inside the tile
	_, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok, "got %T", f.Geometry)
	assert.True(t, seoul.Bound(0).Contains(f.Geometry.Bound().Center()))

	m := FindFeature(layers, "markers", "parent", "28110101")
	require.NotNil(t, m)
	assert.Equal(t, float64(7), m.ID)
}

func TestEncodeIsDeterministic(t *testing.T) {
	enc := NewEncoder(4096, 64)
	a, err := enc.Encode(testTile())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		b, err := enc.Encode(testTile())
		require.NoError(t, err)
		assert.Equal(t, a.Data, b.Data)
	}
}

func TestEncodeDoesNotMutateInput(t *testing.T) {
	tile := testTile()
	before := orb.Clone(tile.Layers["parcels"][0].Geometry)

	_, err := NewEncoder(4096, 64).Encode(tile)
	require.NoError(t, err)
	assert.Equal(t, before, tile.Layers["parcels"][0].Geometry)
}

func TestEncodeEmptyTile(t *testing.T) {
	far := geojson.NewFeature(orb.Point{0, 0})
	tile := &tileindex.Tile{Coord: seoul, Layers: map[string][]*geojson.Feature{"parcels": {far}}}

	_, err := NewEncoder(4096, 64).Encode(tile)
	assert.ErrorIs(t, err, ErrEmptyTile)
}

func TestGunzipPassesThroughPlainData(t *testing.T) {
	raw := []byte{0x1a, 0x02, 0x03}
	out, err := Gunzip(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestCacheFetchesOnceAndHandlesNoContent(t *testing.T) {
	et, err := NewEncoder(4096, 64).Encode(testTile())
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case seoul.Path("parcels"):
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Set("Content-Type", "application/x-protobuf")
			_, _ = w.Write(et.Data)
		case "/tiles/parcels/0/0/0":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewCache(srv.URL+"/", CacheOptions{Logger: logger.Discard()})
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			layers, err := c.GetTile(ctx, "parcels", seoul)
			assert.NoError(t, err)
			assert.NotNil(t, FindFeature(layers, "parcels", "code", "28110101"))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, c.HasTile("parcels", seoul))

	empty := tiles.TileCoord{}
	_, err = c.GetTile(ctx, "parcels", empty)
	assert.ErrorIs(t, err, ErrNoContent)
	_, err = c.GetTile(ctx, "parcels", empty)
	assert.ErrorIs(t, err, ErrNoContent)
	assert.Equal(t, int32(2), hits.Load(), "no-content answers are cached")

	_, err = c.GetTile(ctx, "parcels", tiles.TileCoord{X: 1, Y: 1, Zoom: 1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoContent))
	assert.False(t, c.HasTile("parcels", tiles.TileCoord{X: 1, Y: 1, Zoom: 1}), "errors are not cached")
}

func TestCachePrefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, CacheOptions{Logger: logger.Discard(), Workers: 2})
	coords := tiles.GetAdjacentTiles(seoul)
	c.Prefetch("parcels", coords)
	c.Close()

	assert.Equal(t, int32(len(coords)), hits.Load())
	for _, coord := range coords {
		assert.True(t, c.HasTile("parcels", coord))
	}
}

func TestCachePrefetchAfterClose(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewCache(srv.URL, CacheOptions{Logger: logger.Discard(), Workers: 1})
	c.Close()
	assert.NotPanics(t, func() {
		c.Prefetch("parcels", tiles.GetAdjacentTiles(seoul))
		c.Close()
	})
	assert.Equal(t, int32(0), hits.Load())
}
