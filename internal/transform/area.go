package transform

import (
	"math"

	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
)

// earthRadius is the mean earth radius in metres.
const earthRadius = 6371008.8

// GeodesicArea returns the area of a WGS84 geometry in square metres.
// Non-areal geometries have no area.
func GeodesicArea(g orb.Geometry) float64 {
	switch g := g.(type) {
	case orb.Polygon:
		if len(g) == 0 {
			return 0
		}
		a := ringArea(g[0])
		for _, hole := range g[1:] {
			a -= ringArea(hole)
		}
		return math.Max(a, 0)
	case orb.MultiPolygon:
		var a float64
		for _, p := range g {
			a += GeodesicArea(p)
		}
		return a
	case orb.Collection:
		var a float64
		for _, c := range g {
			a += GeodesicArea(c)
		}
		return a
	}
	return 0
}

// ringArea measures a ring on the sphere regardless of its winding.
func ringArea(r orb.Ring) float64 {
	pts := make([]s2.Point, 0, len(r))
	for i, p := range r {
		if i > 0 && p == r[i-1] {
			continue
		}
		pts = append(pts, s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat(), p.Lon())))
	}
	// s2 loops are implicitly closed
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return 0
	}

	sr := s2.LoopFromPoints(pts).Area()
	// a clockwise loop encloses the rest of the sphere
	if sr > 2*math.Pi {
		sr = 4*math.Pi - sr
	}
	return sr * earthRadius * earthRadius
}
