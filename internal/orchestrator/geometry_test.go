package orchestrator

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/renderer"
	"parceltiles/pkg/tiles"
)

// tiled cuts g into buffered tile pieces the way an encoder would.
func tiled(g orb.Polygon, coords ...tiles.TileCoord) []renderer.Fragment {
	var out []renderer.Fragment
	for _, c := range coords {
		p := clip.Polygon(c.Bound(64.0/4096), g.Clone())
		if p == nil {
			continue
		}
		out = append(out, renderer.Fragment{Feature: geojson.NewFeature(p), Tile: c, Tiled: true})
	}
	return out
}

func box(minX, minY, maxX, maxY float64) orb.Ring {
	return orb.Ring{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

func TestMergeFragmentsAcrossTileCorner(t *testing.T) {
	nw := tiles.LatLonToTile(37.5665, 126.978, 15)
	ne := tiles.TileCoord{X: nw.X + 1, Y: nw.Y, Zoom: 15}
	sw := tiles.TileCoord{X: nw.X, Y: nw.Y + 1, Zoom: 15}
	se := tiles.TileCoord{X: nw.X + 1, Y: nw.Y + 1, Zoom: 15}
	corner := nw.Bound(0)
	x, y := corner.Max[0], corner.Min[1]

	parcel := orb.Polygon{box(x-0.001, y-0.001, x+0.001, y+0.001)}
	frags := tiled(parcel, nw, ne, sw, se)
	require.Len(t, frags, 4)

	mp := mergeFragments(frags)
	require.Len(t, mp, 1)
	require.Len(t, mp[0], 1)
	assert.Equal(t, orb.CCW, mp[0][0].Orientation())
	assert.InDelta(t, planar.Area(parcel), planar.Area(mp[0]), 1e-12)
	assert.Equal(t, parcel.Bound(), mp[0].Bound())
}

func TestMergeFragmentsKeepsHoleAcrossSeam(t *testing.T) {
	west := tiles.LatLonToTile(37.5665, 126.978, 15)
	east := tiles.TileCoord{X: west.X + 1, Y: west.Y, Zoom: 15}
	b := west.Bound(0)
	x, y := b.Max[0], (b.Min[1]+b.Max[1])/2

	courtyard := box(x-0.0005, y-0.0005, x+0.0005, y+0.0005)
	courtyard.Reverse()
	parcel := orb.Polygon{box(x-0.002, y-0.002, x+0.002, y+0.002), courtyard}

	mp := mergeFragments(tiled(parcel, west, east))
	require.Len(t, mp, 1)
	require.Len(t, mp[0], 2, "the courtyard stays a hole")
	assert.Equal(t, orb.CCW, mp[0][0].Orientation())
	assert.Equal(t, orb.CW, mp[0][1].Orientation())
	assert.InDelta(t, planar.Area(parcel), planar.Area(mp[0]), 1e-12)
}

func TestMergeFragmentsWithoutNeighbour(t *testing.T) {
	west := tiles.LatLonToTile(37.5665, 126.978, 15)
	b := west.Bound(0)
	x, y := b.Max[0], (b.Min[1]+b.Max[1])/2
	parcel := orb.Polygon{box(x-0.001, y-0.001, x+0.001, y+0.001)}

	// only the western tile is loaded: the piece ends at the tile edge
	mp := mergeFragments(tiled(parcel, west))
	require.Len(t, mp, 1)
	assert.InDelta(t, planar.Area(parcel)/2, planar.Area(mp[0]), 1e-12)
	assert.Equal(t, x, mp[0].Bound().Max[0])
}

func TestMergeFragmentsUntiled(t *testing.T) {
	a := orb.Polygon{box(0, 0, 1, 1)}
	b := orb.Polygon{box(3, 0, 4, 1)}
	b[0].Reverse()
	mp := mergeFragments([]renderer.Fragment{
		{Feature: geojson.NewFeature(a)},
		{Feature: geojson.NewFeature(orb.MultiPolygon{b})},
		{Feature: geojson.NewFeature(orb.Point{5, 5})},
	})
	require.Len(t, mp, 2)
	for _, p := range mp {
		assert.Equal(t, orb.CCW, p[0].Orientation())
		assert.Equal(t, 1.0, math.Abs(planar.Area(p)))
	}
	assert.Nil(t, mergeFragments(nil))
}
