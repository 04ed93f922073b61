package polylabel

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
)

func TestRectangle(t *testing.T) {
	rect := orb.Polygon{{{0, 0}, {10, 0}, {10, 4}, {0, 4}, {0, 0}}}
	p, d := FindWithDistance(rect, 0.01)
	assert.InDelta(t, 5, p[0], 0.01)
	assert.InDelta(t, 2, p[1], 0.01)
	assert.InDelta(t, 2, d, 0.01)
}

func TestConvexPolygonsStayInside(t *testing.T) {
	polys := []orb.Polygon{
		// triangle
		{{{0, 0}, {6, 0}, {3, 5}, {0, 0}}},
		// hexagon centred on (10, 10), Chebyshev center is the middle
		hexagon(10, 10, 3),
		// thin sliver
		{{{0, 0}, {100, 0}, {100, 0.5}, {0, 0.5}, {0, 0}}},
	}

	for _, poly := range polys {
		p, d := FindWithDistance(poly, 0.001)
		assert.True(t, planar.PolygonContains(poly, p), "%v outside", p)
		assert.Greater(t, d, 0.0)
	}

	p := Find(hexagon(10, 10, 3), 0.001)
	assert.InDelta(t, 10, p[0], 0.01)
	assert.InDelta(t, 10, p[1], 0.01)
}

func TestConcavePolygonAvoidsHole(t *testing.T) {
	// square with a hole over its centroid
	poly := orb.Polygon{
		{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}},
		{{3, 3}, {3, 7}, {7, 7}, {7, 3}, {3, 3}},
	}
	p := Find(poly, 0.01)
	assert.True(t, planar.PolygonContains(poly, p), "%v outside", p)
}

func TestDegenerate(t *testing.T) {
	line := orb.Polygon{{{1, 1}, {5, 1}, {9, 1}, {1, 1}}}
	assert.Equal(t, orb.Point{1, 1}, Find(line, 0.1))
	assert.Equal(t, orb.Point{}, Find(nil, 0.1))
}

func hexagon(cx, cy, r float64) orb.Polygon {
	ring := make(orb.Ring, 0, 7)
	for i := 0; i < 6; i++ {
		a := float64(i) * math.Pi / 3
		ring = append(ring, orb.Point{cx + r*math.Cos(a), cy + r*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}
