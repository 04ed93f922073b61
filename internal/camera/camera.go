package camera

import (
	"math"

	"github.com/paulmach/orb"

	"parceltiles/pkg/tiles"
)

const (
	MinZoom = 2
	MaxZoom = 18

	tileSize = 256.0
	maxLat   = 85.0511
)

// Camera represents the map viewport
type Camera struct {
	// Geographic position (center of view)
	Lat float64
	Lon float64

	// Zoom is fractional; tiles are requested at its floor
	Zoom float64

	// Viewport dimensions
	ViewportWidth  int
	ViewportHeight int

	ZoomStep float64

	// State tracking
	isDragging bool
	lastDragX  float64
	lastDragY  float64
}

// NewCamera creates a new camera centered on given coordinates
func NewCamera(lat, lon, zoom float64, width, height int) *Camera {
	c := &Camera{
		Lat:            lat,
		Lon:            lon,
		Zoom:           clampZoom(zoom),
		ViewportWidth:  width,
		ViewportHeight: height,
		ZoomStep:       1.0,
	}
	c.clampPosition()
	return c
}

// SetViewport updates the viewport dimensions
func (c *Camera) SetViewport(width, height int) {
	c.ViewportWidth = width
	c.ViewportHeight = height
}

// Center returns the view center as a lon/lat point.
func (c *Camera) Center() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// TileZoom is the integer zoom tiles are fetched at.
func (c *Camera) TileZoom() int {
	return int(math.Floor(c.Zoom))
}

// Pan moves the camera by the given pixel delta. Dragging right moves the
// map right, so the center moves west.
func (c *Camera) Pan(deltaX, deltaY float64) {
	cx, cy := c.worldCenter()
	c.Lon, c.Lat = c.fromWorld(cx-deltaX, cy-deltaY)
	c.clampPosition()
}

// ZoomIn increases zoom by one step
func (c *Camera) ZoomIn() {
	c.ZoomTo(c.Zoom + c.ZoomStep)
}

// ZoomOut decreases zoom by one step
func (c *Camera) ZoomOut() {
	c.ZoomTo(c.Zoom - c.ZoomStep)
}

// ZoomTo sets a specific zoom level
func (c *Camera) ZoomTo(zoom float64) {
	c.Zoom = clampZoom(zoom)
}

// ZoomAtPoint zooms by delta keeping the geographic point under the
// screen position fixed.
func (c *Camera) ZoomAtPoint(delta float64, screenX, screenY float64) {
	geoX, geoY := c.ScreenToGeo(screenX, screenY)

	newZoom := clampZoom(c.Zoom + delta)
	if newZoom == c.Zoom {
		return
	}
	c.Zoom = newZoom

	newScreenX, newScreenY := c.GeoToScreen(geoX, geoY)
	c.Pan(screenX-newScreenX, screenY-newScreenY)
}

// ScreenToGeo converts screen coordinates to geographic coordinates
func (c *Camera) ScreenToGeo(screenX, screenY float64) (lon, lat float64) {
	cx, cy := c.worldCenter()
	worldX := cx + screenX - float64(c.ViewportWidth)/2
	worldY := cy + screenY - float64(c.ViewportHeight)/2
	return c.fromWorld(worldX, worldY)
}

// GeoToScreen converts geographic coordinates to screen coordinates
func (c *Camera) GeoToScreen(lon, lat float64) (screenX, screenY float64) {
	cx, cy := c.worldCenter()
	tx, ty := c.toWorld(lon, lat)
	screenX = tx - cx + float64(c.ViewportWidth)/2
	screenY = ty - cy + float64(c.ViewportHeight)/2
	return screenX, screenY
}

// Bound returns the geographic extent of the viewport.
func (c *Camera) Bound() orb.Bound {
	west, north := c.ScreenToGeo(0, 0)
	east, south := c.ScreenToGeo(float64(c.ViewportWidth), float64(c.ViewportHeight))
	return orb.Bound{
		Min: orb.Point{west, math.Max(south, -maxLat)},
		Max: orb.Point{east, math.Min(north, maxLat)},
	}
}

// TileRange returns the tiles covering the viewport at TileZoom, clamped to
// the world.
func (c *Camera) TileRange() tiles.Range {
	z := c.TileZoom()
	r := tiles.RangeForBound(c.Bound(), z)
	maxTile := (1 << z) - 1
	r.MinX = clamp(r.MinX, 0, maxTile)
	r.MaxX = clamp(r.MaxX, 0, maxTile)
	r.MinY = clamp(r.MinY, 0, maxTile)
	r.MaxY = clamp(r.MaxY, 0, maxTile)
	return r
}

// StartDrag begins a drag operation
func (c *Camera) StartDrag(x, y float64) {
	c.isDragging = true
	c.lastDragX = x
	c.lastDragY = y
}

// Drag continues a drag operation
func (c *Camera) Drag(x, y float64) {
	if !c.isDragging {
		return
	}
	c.Pan(x-c.lastDragX, y-c.lastDragY)
	c.lastDragX = x
	c.lastDragY = y
}

// EndDrag ends a drag operation
func (c *Camera) EndDrag() {
	c.isDragging = false
}

// IsDragging returns whether a drag is in progress
func (c *Camera) IsDragging() bool {
	return c.isDragging
}

// worldSize is the width of the world in pixels at the current zoom.
func (c *Camera) worldSize() float64 {
	return math.Pow(2, c.Zoom) * tileSize
}

func (c *Camera) worldCenter() (x, y float64) {
	return c.toWorld(c.Lon, c.Lat)
}

func (c *Camera) toWorld(lon, lat float64) (x, y float64) {
	size := c.worldSize()
	latRad := lat * math.Pi / 180.0
	x = (lon + 180.0) / 360.0 * size
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * size
	return x, y
}

func (c *Camera) fromWorld(x, y float64) (lon, lat float64) {
	size := c.worldSize()
	lon = x/size*360.0 - 180.0
	lat = math.Atan(math.Sinh(math.Pi*(1-2*y/size))) * 180.0 / math.Pi
	return lon, lat
}

// clampPosition ensures the camera stays within valid bounds
func (c *Camera) clampPosition() {
	for c.Lon > 180 {
		c.Lon -= 360
	}
	for c.Lon < -180 {
		c.Lon += 360
	}
	c.Lat = math.Max(-maxLat, math.Min(maxLat, c.Lat))
}

func clampZoom(z float64) float64 {
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
