// Package tileindex cuts projected features into the set of tiles that
// hold data, one zoom level at a time.
package tileindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/simplify"
	"golang.org/x/sync/errgroup"

	"parceltiles/internal/transform"
	"parceltiles/pkg/tiles"
)

// Options controls tile generation.
type Options struct {
	MinZoom int
	MaxZoom int

	// Extent is the tile coordinate space (4096).
	Extent int

	// Buffer is the clip margin around each tile, in Extent units.
	Buffer int

	// Tolerance is the Douglas-Peucker tolerance in Extent units. The
	// maximum zoom is never simplified.
	Tolerance float64

	// Workers bounds concurrent tile clipping. Zero means 1.
	Workers int

	// LayerZoom narrows the zoom range of individual layers. Layers not
	// listed use MinZoom..MaxZoom.
	LayerZoom map[string]ZoomRange
}

// ZoomRange is an inclusive zoom interval.
type ZoomRange struct {
	Min, Max int
}

// layerRange returns the zoom range of layer, clamped to the index range.
func (o Options) layerRange(layer string) ZoomRange {
	r := ZoomRange{Min: o.MinZoom, Max: o.MaxZoom}
	if lz, ok := o.LayerZoom[layer]; ok {
		r.Min = max(r.Min, lz.Min)
		r.Max = min(r.Max, lz.Max)
	}
	return r
}

func (o Options) withDefaults() Options {
	if o.Extent <= 0 {
		o.Extent = 4096
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	return o
}

// Tile is one non-empty tile: its features grouped by layer, clipped to
// the buffered tile bound, in WGS84.
type Tile struct {
	Coord  tiles.TileCoord
	Layers map[string][]*geojson.Feature
}

// FeatureCount returns the number of features over all layers.
func (t *Tile) FeatureCount() int {
	n := 0
	for _, fs := range t.Layers {
		n += len(fs)
	}
	return n
}

// LayerInfo summarises one layer for archive metadata.
type LayerInfo struct {
	Name    string
	MinZoom int
	MaxZoom int

	// Fields maps property names to String, Number or Boolean.
	Fields map[string]string
}

// Index is the result of Build.
type Index struct {
	opts   Options
	tiles  []*Tile
	bound  orb.Bound
	layers []LayerInfo
}

// Tiles returns the non-empty tiles sorted by TileID.
func (ix *Index) Tiles() []*Tile { return ix.tiles }

// Len returns the number of non-empty tiles.
func (ix *Index) Len() int { return len(ix.tiles) }

// Bound returns the bound of all indexed features.
func (ix *Index) Bound() orb.Bound { return ix.bound }

// Layers describes the layers present in the index, sorted by name.
func (ix *Index) Layers() []LayerInfo { return ix.layers }

// MinZoom and MaxZoom return the indexed zoom range.
func (ix *Index) MinZoom() int { return ix.opts.MinZoom }
func (ix *Index) MaxZoom() int { return ix.opts.MaxZoom }

// entry is one feature's geometry simplified for a zoom level.
type entry struct {
	idx  int
	f    *transform.Feature
	geom orb.Geometry
	rect rtreego.Rect
}

func (e *entry) Bounds() rtreego.Rect { return e.rect }

// minLength keeps point and axis-aligned line bounds valid R-tree rectangles.
const minLength = 1e-9

func rectFor(b orb.Bound) rtreego.Rect {
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	if w < minLength {
		w = minLength
	}
	if h < minLength {
		h = minLength
	}
	r, _ := rtreego.NewRect(rtreego.Point{b.Min[0], b.Min[1]}, []float64{w, h})
	return r
}

// Build generates every non-empty tile between MinZoom and MaxZoom.
func Build(ctx context.Context, features []*transform.Feature, opts Options) (*Index, error) {
	opts = opts.withDefaults()
	if opts.MinZoom < 0 || opts.MaxZoom > tiles.MaxZoom || opts.MinZoom > opts.MaxZoom {
		return nil, fmt.Errorf("tileindex: invalid zoom range %d..%d", opts.MinZoom, opts.MaxZoom)
	}

	ix := &Index{opts: opts, layers: describeLayers(features, opts)}
	for i, f := range features {
		if i == 0 {
			ix.bound = f.Geometry.Bound()
		} else {
			ix.bound = ix.bound.Union(f.Geometry.Bound())
		}
	}

	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		zt, err := buildZoom(ctx, features, z, opts)
		if err != nil {
			return nil, err
		}
		ix.tiles = append(ix.tiles, zt...)
	}

	sort.Slice(ix.tiles, func(i, j int) bool {
		return ix.tiles[i].Coord.ID() < ix.tiles[j].Coord.ID()
	})
	return ix, nil
}

func buildZoom(ctx context.Context, features []*transform.Feature, z int, opts Options) ([]*Tile, error) {
	buffer := float64(opts.Buffer) / float64(opts.Extent)

	// simplify once per zoom, then index the simplified bounds
	entries := make([]rtreego.Spatial, 0, len(features))
	candidates := make(map[tiles.TileCoord]struct{})
	for i, f := range features {
		if lr := opts.layerRange(f.Layer); z < lr.Min || z > lr.Max {
			continue
		}
		g := simplifyForZoom(f.Geometry, z, opts)
		if g == nil {
			continue
		}
		b := g.Bound()
		entries = append(entries, &entry{idx: i, f: f, geom: g, rect: rectFor(b)})

		tiles.RangeForBound(b, z).Each(func(c tiles.TileCoord) {
			candidates[c] = struct{}{}
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	tree := rtreego.NewTree(2, 25, 50, entries...)

	coords := make([]tiles.TileCoord, 0, len(candidates))
	for c := range candidates {
		coords = append(coords, c)
	}

	var (
		mu  sync.Mutex
		out = make([]*Tile, 0, len(coords))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, c := range coords {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t := cutTile(tree, c, buffer)
			if t == nil {
				return nil
			}
			mu.Lock()
			out = append(out, t)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// cutTile clips every feature intersecting the buffered tile bound. It
// returns nil when nothing survives clipping.
func cutTile(tree *rtreego.Rtree, c tiles.TileCoord, buffer float64) *Tile {
	bound := c.Bound(buffer)
	hits := tree.SearchIntersect(rectFor(bound))
	if len(hits) == 0 {
		return nil
	}

	// R-tree order is arbitrary; keep source order so tile bytes are stable
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].(*entry).idx < hits[j].(*entry).idx
	})

	t := &Tile{Coord: c, Layers: make(map[string][]*geojson.Feature)}
	for _, h := range hits {
		e := h.(*entry)
		clipped := clip.Geometry(bound, orb.Clone(e.geom))
		if isEmpty(clipped) {
			continue
		}
		gf := geojson.NewFeature(clipped)
		gf.ID = e.f.ID
		gf.Properties = e.f.Properties
		t.Layers[e.f.Layer] = append(t.Layers[e.f.Layer], gf)
	}
	if len(t.Layers) == 0 {
		return nil
	}
	return t
}

// simplifyForZoom applies the zoom's tolerance. A geometry that would
// collapse keeps its full detail so it stays visible.
func simplifyForZoom(g orb.Geometry, z int, opts Options) orb.Geometry {
	if isEmpty(g) {
		return nil
	}
	if z >= opts.MaxZoom || opts.Tolerance <= 0 {
		return g
	}

	// one Extent unit in degrees at this zoom
	unit := 360 / float64(uint64(1)<<uint(z)) / float64(opts.Extent)
	s := simplify.DouglasPeucker(opts.Tolerance * unit).Simplify(orb.Clone(g))
	if isEmpty(s) {
		return g
	}
	return s
}

// isEmpty reports geometries with nothing left to draw, including rings
// reduced below four points.
func isEmpty(g orb.Geometry) bool {
	switch g := g.(type) {
	case nil:
		return true
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(g) == 0
	case orb.LineString:
		return len(g) < 2
	case orb.MultiLineString:
		for _, ls := range g {
			if len(ls) >= 2 {
				return false
			}
		}
		return true
	case orb.Ring:
		return len(g) < 4
	case orb.Polygon:
		return len(g) == 0 || len(g[0]) < 4
	case orb.MultiPolygon:
		for _, p := range g {
			if !isEmpty(p) {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range g {
			if !isEmpty(c) {
				return false
			}
		}
		return true
	case orb.Bound:
		return g.IsEmpty()
	}
	return false
}

func describeLayers(features []*transform.Feature, opts Options) []LayerInfo {
	byName := make(map[string]*LayerInfo)
	for _, f := range features {
		li, ok := byName[f.Layer]
		if !ok {
			lr := opts.layerRange(f.Layer)
			li = &LayerInfo{Name: f.Layer, MinZoom: lr.Min, MaxZoom: lr.Max, Fields: map[string]string{}}
			byName[f.Layer] = li
		}
		for k, v := range f.Properties {
			switch v.(type) {
			case string:
				li.Fields[k] = "String"
			case bool:
				li.Fields[k] = "Boolean"
			case float64, int, int64:
				li.Fields[k] = "Number"
			}
		}
	}

	out := make([]LayerInfo, 0, len(byName))
	for _, li := range byName {
		out = append(out, *li)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
