package orchestrator

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"

	"parceltiles/internal/renderer"
	"parceltiles/pkg/tiles"
)

// mergeFragments rebuilds a polygonal feature from the pieces the renderer
// holds. Tiled pieces are clipped back to their own tile, which drops the
// tile buffer, and rings cut at an edge shared with another piece are
// joined across it. Untiled pieces are taken as they are. Outer rings come
// back counter-clockwise and holes clockwise.
func mergeFragments(frags []renderer.Fragment) orb.MultiPolygon {
	var (
		whole  []orb.Ring
		pieces []tilePiece
	)
	occupied := make(map[tiles.TileCoord]bool)
	for _, fr := range frags {
		polys := polygons(fr.Feature.Geometry)
		if !fr.Tiled {
			for _, p := range polys {
				whole = append(whole, p...)
			}
			continue
		}
		b := fr.Tile.Bound(0)
		for _, p := range polys {
			c := clip.Polygon(b, closed(p))
			if c == nil {
				continue
			}
			pieces = append(pieces, tilePiece{tile: fr.Tile, bound: b, poly: c})
			occupied[fr.Tile] = true
		}
	}

	var chains [][]orb.Point
	rings := whole
	for _, pc := range pieces {
		eps := (pc.bound.Max[0] - pc.bound.Min[0]) * 1e-6
		for _, r := range pc.poly {
			pts := []orb.Point(r)
			if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
				pts = pts[:len(pts)-1]
			}
			if len(pts) < 3 {
				continue
			}
			seams := make([]bool, len(pts))
			cut, kept := 0, 0
			for i := range pts {
				n, ok := sharedEdge(pc, pts[i], pts[(i+1)%len(pts)], eps)
				seams[i] = ok && occupied[n]
				if seams[i] {
					cut++
				} else {
					kept++
				}
			}
			switch {
			case kept == 0:
			case cut == 0:
				rings = append(rings, r)
			default:
				chains = append(chains, splitRing(pts, seams)...)
			}
		}
	}
	rings = append(rings, stitch(chains)...)
	return assemble(rings)
}

type tilePiece struct {
	tile  tiles.TileCoord
	bound orb.Bound
	poly  orb.Polygon
}

// sharedEdge reports the neighbouring tile when the segment a-b runs along
// one side of the piece's tile.
func sharedEdge(pc tilePiece, a, b orb.Point, eps float64) (tiles.TileCoord, bool) {
	on := func(v, edge float64) bool { return math.Abs(v-edge) <= eps }
	n := pc.tile
	switch bd := pc.bound; {
	case on(a[0], bd.Min[0]) && on(b[0], bd.Min[0]):
		n.X--
	case on(a[0], bd.Max[0]) && on(b[0], bd.Max[0]):
		n.X++
	case on(a[1], bd.Max[1]) && on(b[1], bd.Max[1]):
		n.Y--
	case on(a[1], bd.Min[1]) && on(b[1], bd.Min[1]):
		n.Y++
	default:
		return n, false
	}
	return n, n.Valid()
}

// splitRing cuts an open ring at its seam edges. seams[i] marks the edge
// from pts[i] to the next point; at least one edge is a seam and one is
// not.
func splitRing(pts []orb.Point, seams []bool) [][]orb.Point {
	n := len(pts)
	start := 0
	for i := range pts {
		if seams[(i+n-1)%n] && !seams[i] {
			start = i
			break
		}
	}

	var chains [][]orb.Point
	var cur []orb.Point
	for j := 0; j < n; j++ {
		i := (start + j) % n
		if seams[i] {
			if cur != nil {
				chains = append(chains, append(cur, pts[i]))
				cur = nil
			}
			continue
		}
		cur = append(cur, pts[i])
	}
	return chains
}

// stitch joins chains end to start into closed rings, always taking the
// chain that starts nearest the current end.
func stitch(chains [][]orb.Point) []orb.Ring {
	used := make([]bool, len(chains))
	var rings []orb.Ring
	for first := range chains {
		if used[first] {
			continue
		}
		used[first] = true
		ring := append(orb.Ring(nil), chains[first]...)
		for {
			end := ring[len(ring)-1]
			next, best := -1, math.Inf(1)
			for j, c := range chains {
				if used[j] && j != first {
					continue
				}
				if d := planar.DistanceSquared(end, c[0]); d < best {
					next, best = j, d
				}
			}
			if next < 0 || next == first {
				break
			}
			used[next] = true
			ring = append(ring, chains[next]...)
		}
		ring = append(ring, ring[0])
		if r := dedupe(ring); len(r) >= 4 {
			rings = append(rings, r)
		}
	}
	return rings
}

// dedupe drops consecutive points closer than a millionth of the ring's
// extent, which the two sides of a seam leave behind.
func dedupe(r orb.Ring) orb.Ring {
	b := r.Bound()
	tol := math.Max(b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]) * 1e-6
	tol *= tol
	out := orb.Ring{r[0]}
	for _, p := range r[1:] {
		if planar.DistanceSquared(out[len(out)-1], p) > tol {
			out = append(out, p)
		}
	}
	if out[0] != out[len(out)-1] {
		if len(out) > 1 && planar.DistanceSquared(out[0], out[len(out)-1]) <= tol {
			out[len(out)-1] = out[0]
		} else {
			out = append(out, out[0])
		}
	}
	return out
}

// assemble nests rings into polygons: a ring inside an odd number of
// larger rings is a hole of the smallest one holding it.
func assemble(rings []orb.Ring) orb.MultiPolygon {
	type entry struct {
		ring  orb.Ring
		area  float64
		depth int
		poly  int
	}
	es := make([]*entry, 0, len(rings))
	for _, r := range rings {
		if a := math.Abs(planar.Area(r)); a > 0 {
			es = append(es, &entry{ring: r, area: a, poly: -1})
		}
	}
	sort.SliceStable(es, func(i, j int) bool { return es[i].area > es[j].area })

	var mp orb.MultiPolygon
	for i, e := range es {
		var parent *entry
		for j := i - 1; j >= 0; j-- {
			if planar.RingContains(es[j].ring, e.ring[0]) {
				parent = es[j]
				break
			}
		}
		if parent != nil {
			e.depth = parent.depth + 1
		}
		r := e.ring.Clone()
		if e.depth%2 == 1 {
			if r.Orientation() == orb.CCW {
				r.Reverse()
			}
			mp[parent.poly] = append(mp[parent.poly], r)
			continue
		}
		if r.Orientation() == orb.CW {
			r.Reverse()
		}
		e.poly = len(mp)
		mp = append(mp, orb.Polygon{r})
	}
	return mp
}

func polygons(g orb.Geometry) []orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}
	case orb.MultiPolygon:
		return g
	}
	return nil
}

// closed returns a copy of p with every ring closed, ready for clipping.
func closed(p orb.Polygon) orb.Polygon {
	out := p.Clone()
	for i, r := range out {
		if len(r) > 0 && r[0] != r[len(r)-1] {
			out[i] = append(r, r[0])
		}
	}
	return out
}
