package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/pkg/tiles"
)

func TestScreenGeoRoundTrip(t *testing.T) {
	c := NewCamera(37.5665, 126.978, 12.5, 800, 600)

	lon, lat := c.ScreenToGeo(400, 300)
	assert.InDelta(t, 126.978, lon, 1e-9)
	assert.InDelta(t, 37.5665, lat, 1e-9)

	for _, p := range [][2]float64{{0, 0}, {800, 600}, {123, 456}} {
		lon, lat := c.ScreenToGeo(p[0], p[1])
		x, y := c.GeoToScreen(lon, lat)
		assert.InDelta(t, p[0], x, 1e-6)
		assert.InDelta(t, p[1], y, 1e-6)
	}
}

func TestPanMovesCenterOppositeToDrag(t *testing.T) {
	c := NewCamera(37.5665, 126.978, 10, 800, 600)
	wantLon, wantLat := c.ScreenToGeo(300, 200)

	c.StartDrag(500, 400)
	c.Drag(600, 500)
	c.EndDrag()
	assert.False(t, c.IsDragging())

	assert.InDelta(t, wantLon, c.Lon, 1e-9)
	assert.InDelta(t, wantLat, c.Lat, 1e-9)

	c.Drag(0, 0)
	assert.InDelta(t, wantLon, c.Lon, 1e-9, "drag without start is ignored")
}

func TestZoomAtPointKeepsCursorFixed(t *testing.T) {
	c := NewCamera(37.5665, 126.978, 10, 800, 600)
	lon, lat := c.ScreenToGeo(100, 150)

	c.ZoomAtPoint(1.5, 100, 150)
	assert.Equal(t, 11.5, c.Zoom)
	x, y := c.GeoToScreen(lon, lat)
	assert.InDelta(t, 100, x, 1e-6)
	assert.InDelta(t, 150, y, 1e-6)

	c.ZoomTo(40)
	assert.Equal(t, float64(MaxZoom), c.Zoom)
	c.ZoomTo(-1)
	assert.Equal(t, float64(MinZoom), c.Zoom)
}

func TestBoundAndTileRange(t *testing.T) {
	c := NewCamera(37.5665, 126.978, 14.7, 512, 512)
	assert.Equal(t, 14, c.TileZoom())

	b := c.Bound()
	require.True(t, b.Contains(c.Center()))
	assert.Less(t, b.Min.Lon(), c.Lon)
	assert.Greater(t, b.Max.Lat(), c.Lat)

	r := c.TileRange()
	assert.Equal(t, 14, r.Zoom)
	center := tiles.LatLonToTile(c.Lat, c.Lon, 14)
	assert.True(t, center.X >= r.MinX && center.X <= r.MaxX)
	assert.True(t, center.Y >= r.MinY && center.Y <= r.MaxY)
	// 512 px at zoom 14.7 spans under two tiles each way
	assert.LessOrEqual(t, r.Count(), 9)
}

func TestTileRangeClampedAtWorldEdge(t *testing.T) {
	c := NewCamera(85, 179.9, 2, 2048, 2048)
	r := c.TileRange()
	assert.GreaterOrEqual(t, r.MinY, 0)
	assert.LessOrEqual(t, r.MaxX, 3)
	assert.LessOrEqual(t, r.MaxY, 3)
}
