// Package polylabel finds the pole of inaccessibility of a polygon: the
// interior point farthest from its outline, a stable spot for labels and
// markers on irregular shapes.
package polylabel

import (
	"container/heap"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Find returns the visual center of poly within precision coordinate units.
// Degenerate polygons with no area return their first vertex.
func Find(poly orb.Polygon, precision float64) orb.Point {
	p, _ := FindWithDistance(poly, precision)
	return p
}

// FindWithDistance also returns the distance from the center to the outline.
func FindWithDistance(poly orb.Polygon, precision float64) (orb.Point, float64) {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return orb.Point{}, 0
	}

	b := poly[0].Bound()
	width, height := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	cellSize := math.Min(width, height)
	if cellSize == 0 {
		return poly[0][0], 0
	}
	if precision <= 0 {
		precision = cellSize / 1000
	}

	h := cellSize / 2
	q := &cellQueue{}
	for x := b.Min[0]; x < b.Max[0]; x += cellSize {
		for y := b.Min[1]; y < b.Max[1]; y += cellSize {
			heap.Push(q, newCell(orb.Point{x + h, y + h}, h, poly))
		}
	}

	// start from the better of the area centroid and the bbox center
	c, area := planar.CentroidArea(poly)
	best := newCell(c, 0, poly)
	if area == 0 || math.IsNaN(c[0]) {
		best = newCell(b.Center(), 0, poly)
	}
	if bc := newCell(b.Center(), 0, poly); bc.d > best.d {
		best = bc
	}

	for q.Len() > 0 {
		cell := heap.Pop(q).(*cell)

		if cell.d > best.d {
			best = cell
		}
		// no better point can exist inside this cell
		if cell.max-best.d <= precision {
			continue
		}

		h := cell.h / 2
		heap.Push(q, newCell(orb.Point{cell.c[0] - h, cell.c[1] - h}, h, poly))
		heap.Push(q, newCell(orb.Point{cell.c[0] + h, cell.c[1] - h}, h, poly))
		heap.Push(q, newCell(orb.Point{cell.c[0] - h, cell.c[1] + h}, h, poly))
		heap.Push(q, newCell(orb.Point{cell.c[0] + h, cell.c[1] + h}, h, poly))
	}

	return best.c, best.d
}

type cell struct {
	c   orb.Point
	h   float64 // half the cell size
	d   float64 // signed distance from c to the outline
	max float64 // best distance any point in the cell could reach
}

func newCell(c orb.Point, h float64, poly orb.Polygon) *cell {
	d := signedDistance(c, poly)
	return &cell{c: c, h: h, d: d, max: d + h*math.Sqrt2}
}

// signedDistance is positive inside the polygon and negative outside.
func signedDistance(p orb.Point, poly orb.Polygon) float64 {
	inside := false
	minSq := math.Inf(1)

	for _, ring := range poly {
		n := len(ring)
		for i, j := 0, n-1; i < n; j, i = i, i+1 {
			a, b := ring[i], ring[j]
			if (a[1] > p[1]) != (b[1] > p[1]) &&
				p[0] < (b[0]-a[0])*(p[1]-a[1])/(b[1]-a[1])+a[0] {
				inside = !inside
			}
			minSq = math.Min(minSq, segmentDistanceSq(p, a, b))
		}
	}

	d := math.Sqrt(minSq)
	if !inside {
		return -d
	}
	return d
}

func segmentDistanceSq(p, a, b orb.Point) float64 {
	x, y := a[0], a[1]
	dx, dy := b[0]-x, b[1]-y

	if dx != 0 || dy != 0 {
		t := ((p[0]-x)*dx + (p[1]-y)*dy) / (dx*dx + dy*dy)
		if t > 1 {
			x, y = b[0], b[1]
		} else if t > 0 {
			x += dx * t
			y += dy * t
		}
	}

	dx, dy = p[0]-x, p[1]-y
	return dx*dx + dy*dy
}

// cellQueue is a max-heap on cell.max.
type cellQueue []*cell

func (q cellQueue) Len() int            { return len(q) }
func (q cellQueue) Less(i, j int) bool  { return q[i].max > q[j].max }
func (q cellQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *cellQueue) Push(x interface{}) { *q = append(*q, x.(*cell)) }
func (q *cellQueue) Pop() interface{} {
	old := *q
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return c
}
