package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// MaxZoom is the deepest zoom level a TileID can address.
	MaxZoom = 26

	// MaxLatitude is the Web Mercator latitude limit.
	MaxLatitude = 85.05112878
)

// TileCoord represents a tile coordinate in the slippy map format
type TileCoord struct {
	X    int
	Y    int
	Zoom int
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Path returns the tile endpoint path for a layer: /tiles/{layer}/{z}/{x}/{y}
func (t TileCoord) Path(layer string) string {
	return fmt.Sprintf("/tiles/%s/%d/%d/%d", layer, t.Zoom, t.X, t.Y)
}

// Valid reports whether the coordinate lies inside the tile grid of its zoom.
func (t TileCoord) Valid() bool {
	if t.Zoom < 0 || t.Zoom > MaxZoom {
		return false
	}
	n := 1 << uint(t.Zoom)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Maptile converts the coordinate to its orb representation.
func (t TileCoord) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Zoom))
}

// FromMaptile converts an orb tile to a TileCoord.
func FromMaptile(t maptile.Tile) TileCoord {
	return TileCoord{X: int(t.X), Y: int(t.Y), Zoom: int(t.Z)}
}

// Bound returns the geographic bound of the tile, grown by buffer tile units
// on every side (0.0625 = 256px at a 4096 extent).
func (t TileCoord) Bound(buffer float64) orb.Bound {
	if buffer <= 0 {
		return t.Maptile().Bound()
	}
	return t.Maptile().Bound(buffer)
}

// ID returns the Hilbert TileID of the coordinate.
func (t TileCoord) ID() TileID {
	return ZxyToID(uint8(t.Zoom), uint32(t.X), uint32(t.Y))
}

// LatLonToTile converts latitude/longitude to tile coordinates at a given zoom level
func LatLonToTile(lat, lon float64, zoom int) TileCoord {
	lat = math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
	n := math.Pow(2, float64(zoom))
	x := int((lon + 180.0) / 360.0 * n)
	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	maxTile := int(n) - 1
	x = clamp(x, 0, maxTile)
	y = clamp(y, 0, maxTile)

	return TileCoord{X: x, Y: y, Zoom: zoom}
}

// TileToLatLon converts tile coordinates to latitude/longitude (top-left corner)
func TileToLatLon(t TileCoord) (lat, lon float64) {
	n := math.Pow(2, float64(t.Zoom))
	lon = float64(t.X)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	lat = latRad * 180.0 / math.Pi
	return lat, lon
}

// Range is an inclusive block of tile columns and rows at one zoom.
type Range struct {
	Zoom       int
	MinX, MaxX int
	MinY, MaxY int
}

// Count returns the number of tiles in the range.
func (r Range) Count() int {
	if r.MaxX < r.MinX || r.MaxY < r.MinY {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Each calls fn for every tile in the range, row by row.
func (r Range) Each(fn func(TileCoord)) {
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			fn(TileCoord{X: x, Y: y, Zoom: r.Zoom})
		}
	}
}

// RangeForBound returns the tiles at zoom that intersect a geographic bound.
func RangeForBound(b orb.Bound, zoom int) Range {
	// north-west corner gives the minimum row
	nw := LatLonToTile(b.Max.Lat(), b.Min.Lon(), zoom)
	se := LatLonToTile(b.Min.Lat(), b.Max.Lon(), zoom)
	return Range{
		Zoom: zoom,
		MinX: nw.X, MaxX: se.X,
		MinY: nw.Y, MaxY: se.Y,
	}
}

// GetAdjacentTiles returns adjacent tiles in priority order for prefetching
// Order: right, left, down, up
func GetAdjacentTiles(t TileCoord) []TileCoord {
	maxTile := int(math.Pow(2, float64(t.Zoom))) - 1
	adjacent := make([]TileCoord, 0, 4)

	if t.X+1 <= maxTile {
		adjacent = append(adjacent, TileCoord{X: t.X + 1, Y: t.Y, Zoom: t.Zoom})
	}
	if t.X-1 >= 0 {
		adjacent = append(adjacent, TileCoord{X: t.X - 1, Y: t.Y, Zoom: t.Zoom})
	}
	if t.Y+1 <= maxTile {
		adjacent = append(adjacent, TileCoord{X: t.X, Y: t.Y + 1, Zoom: t.Zoom})
	}
	if t.Y-1 >= 0 {
		adjacent = append(adjacent, TileCoord{X: t.X, Y: t.Y - 1, Zoom: t.Zoom})
	}

	return adjacent
}

// GetVisibleTiles returns all tiles visible in a viewport
func GetVisibleTiles(centerLat, centerLon float64, zoom int, viewportWidth, viewportHeight int) []TileCoord {
	tileSize := 256

	centerTile := LatLonToTile(centerLat, centerLon, zoom)

	// one tile of slack on each side for smooth panning
	tilesX := (viewportWidth / tileSize) + 3
	tilesY := (viewportHeight / tileSize) + 3

	halfX := tilesX / 2
	halfY := tilesY / 2

	maxTile := int(math.Pow(2, float64(zoom))) - 1
	tiles := make([]TileCoord, 0, tilesX*tilesY)

	for dy := -halfY; dy <= halfY; dy++ {
		for dx := -halfX; dx <= halfX; dx++ {
			x := centerTile.X + dx
			y := centerTile.Y + dy

			if x >= 0 && x <= maxTile && y >= 0 && y <= maxTile {
				tiles = append(tiles, TileCoord{X: x, Y: y, Zoom: zoom})
			}
		}
	}

	return tiles
}

// GetPrefetchTiles returns the visible tiles plus a ring of neighbours and
// the parent zoom's tiles, so zooming out does not flash empty tiles.
func GetPrefetchTiles(centerLat, centerLon float64, zoom int, viewportWidth, viewportHeight int) []TileCoord {
	visible := GetVisibleTiles(centerLat, centerLon, zoom, viewportWidth, viewportHeight)
	seen := make(map[TileCoord]bool, len(visible)*2)
	out := make([]TileCoord, 0, len(visible)*2)

	add := func(t TileCoord) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, t := range visible {
		add(t)
	}
	for _, t := range visible {
		for _, adj := range GetAdjacentTiles(t) {
			add(adj)
		}
	}
	if zoom > 0 {
		for _, t := range visible {
			add(TileCoord{X: t.X / 2, Y: t.Y / 2, Zoom: zoom - 1})
		}
	}

	return out
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
