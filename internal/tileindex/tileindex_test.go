package tileindex

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/transform"
	"parceltiles/pkg/tiles"
)

func feature(id uint64, g orb.Geometry, props map[string]any) *transform.Feature {
	return &transform.Feature{ID: id, Geometry: g, Properties: props, Layer: "parcels"}
}

func box(minLon, minLat, maxLon, maxLat float64) orb.Polygon {
	return orb.Polygon{{
		{minLon, minLat}, {maxLon, minLat}, {maxLon, maxLat}, {minLon, maxLat}, {minLon, minLat},
	}}
}

func TestBuildOnlyMaterializesTilesWithData(t *testing.T) {
	features := []*transform.Feature{
		feature(1, box(126.95, 37.55, 127.05, 37.60), map[string]any{"code": "11110"}),
		feature(2, orb.Point{129.07, 35.18}, map[string]any{"code": "26110", "n": 3.0, "ok": true}),
	}

	ix, err := Build(context.Background(), features, Options{MinZoom: 6, MaxZoom: 10, Buffer: 64, Tolerance: 2, Workers: 4})
	require.NoError(t, err)
	require.Positive(t, ix.Len())

	var prev tiles.TileID
	seenPoint := map[int]int{}
	for i, tile := range ix.Tiles() {
		id := tile.Coord.ID()
		if i > 0 {
			assert.Greater(t, id, prev, "tiles sorted by id")
		}
		prev = id

		require.Positive(t, tile.FeatureCount(), "empty tile %v", tile.Coord)
		for _, f := range tile.Layers["parcels"] {
			b := tile.Coord.Bound(64.0 / 4096)
			assert.True(t, b.Intersects(f.Geometry.Bound()), "feature outside tile %v", tile.Coord)
			if f.ID == uint64(2) {
				seenPoint[tile.Coord.Zoom]++
			}
		}
	}

	// the point lands in exactly one tile per zoom
	for z := 6; z <= 10; z++ {
		assert.Equal(t, 1, seenPoint[z], "zoom %d", z)
	}

	// the box covers exactly the tiles of its bound at every zoom
	want := 0
	for z := 6; z <= 10; z++ {
		want += tiles.RangeForBound(features[0].Geometry.Bound(), z).Count()
		want++ // point tile; far from the box at every zoom
	}
	assert.Equal(t, want, ix.Len())

	assert.Equal(t, 6, ix.MinZoom())
	assert.Equal(t, 10, ix.MaxZoom())
	require.Len(t, ix.Layers(), 1)
	assert.Equal(t, map[string]string{"code": "String", "n": "Number", "ok": "Boolean"}, ix.Layers()[0].Fields)
}

func TestFeatureSpanningTilesIsClippedIntoEach(t *testing.T) {
	// straddles the z1 tile boundary at longitude 0
	f := feature(7, box(-10, 10, 10, 20), nil)
	ix, err := Build(context.Background(), []*transform.Feature{f}, Options{MinZoom: 1, MaxZoom: 1})
	require.NoError(t, err)
	require.Equal(t, 2, ix.Len())

	for _, tile := range ix.Tiles() {
		fs := tile.Layers["parcels"]
		require.Len(t, fs, 1)
		b := fs[0].Geometry.Bound()
		tb := tile.Coord.Bound(64.0 / 4096)
		assert.GreaterOrEqual(t, b.Min.Lon(), tb.Min.Lon()-1e-9)
		assert.LessOrEqual(t, b.Max.Lon(), tb.Max.Lon()+1e-9)
		// clipped within the buffer, not the whole feature
		assert.Less(t, b.Max.Lon()-b.Min.Lon(), 20.0)
	}

	// input geometry untouched
	assert.Equal(t, box(-10, 10, 10, 20), f.Geometry)
}

func TestTinyFeatureSurvivesSimplification(t *testing.T) {
	tiny := feature(9, box(127.0, 37.0, 127.00001, 37.00001), nil)
	ix, err := Build(context.Background(), []*transform.Feature{tiny}, Options{MinZoom: 0, MaxZoom: 12, Tolerance: 50})
	require.NoError(t, err)
	assert.Equal(t, 13, ix.Len(), "one tile per zoom")
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, isEmpty(nil))
	assert.True(t, isEmpty(orb.Polygon{}))
	assert.True(t, isEmpty(orb.Polygon{{{0, 0}, {1, 1}, {0, 0}}}))
	assert.True(t, isEmpty(orb.MultiPolygon{orb.Polygon{}}))
	assert.False(t, isEmpty(orb.Point{}))
	assert.False(t, isEmpty(box(0, 0, 1, 1)))
}

func TestBuildRejectsBadZoom(t *testing.T) {
	_, err := Build(context.Background(), nil, Options{MinZoom: 5, MaxZoom: 2})
	assert.Error(t, err)
}

func TestBuildHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Build(ctx, []*transform.Feature{feature(1, box(0, 0, 10, 10), nil)}, Options{MinZoom: 4, MaxZoom: 4})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLayerZoomNarrowsLayer(t *testing.T) {
	labels := &transform.Feature{ID: 9, Geometry: orb.Point{127.0, 37.57}, Layer: "labels"}
	features := []*transform.Feature{
		feature(1, box(126.95, 37.55, 127.05, 37.60), map[string]any{"code": "11110"}),
		labels,
	}

	ix, err := Build(context.Background(), features, Options{
		MinZoom:   6,
		MaxZoom:   10,
		LayerZoom: map[string]ZoomRange{"labels": {Min: 9, Max: 14}},
	})
	require.NoError(t, err)

	for _, tile := range ix.Tiles() {
		if tile.Coord.Zoom < 9 {
			assert.Empty(t, tile.Layers["labels"], "labels at zoom %d", tile.Coord.Zoom)
		}
	}
	for _, li := range ix.Layers() {
		if li.Name == "labels" {
			assert.Equal(t, 9, li.MinZoom)
			assert.Equal(t, 10, li.MaxZoom)
		}
	}
}
