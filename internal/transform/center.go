package transform

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"parceltiles/internal/polylabel"
)

// VisualCenter returns the label point of g. Polygons use the pole of
// inaccessibility of their largest member; lines use their middle vertex.
func VisualCenter(g orb.Geometry, precision float64) (orb.Point, bool) {
	switch g := g.(type) {
	case orb.Point:
		return g, true
	case orb.MultiPoint:
		if len(g) == 0 {
			return orb.Point{}, false
		}
		return g[0], true
	case orb.LineString:
		if len(g) == 0 {
			return orb.Point{}, false
		}
		return g[len(g)/2], true
	case orb.MultiLineString:
		var longest orb.LineString
		best := -1.0
		for _, ls := range g {
			if l := planar.Length(ls); l > best {
				best, longest = l, ls
			}
		}
		return VisualCenter(longest, precision)
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return orb.Point{}, false
		}
		return polylabel.Find(g, precision), true
	case orb.MultiPolygon:
		return VisualCenter(largest(g), precision)
	case orb.Collection:
		for _, c := range g {
			if p, ok := VisualCenter(c, precision); ok {
				return p, true
			}
		}
	}
	return orb.Point{}, false
}

// largest returns the member polygon with the greatest area.
func largest(mp orb.MultiPolygon) orb.Polygon {
	var out orb.Polygon
	best := -1.0
	for _, p := range mp {
		if a := planar.Area(p); a > best {
			best, out = a, p
		}
	}
	return out
}
