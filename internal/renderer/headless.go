package renderer

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"parceltiles/internal/vectortile"
	"parceltiles/pkg/tiles"
)

// Headless is a Renderer that keeps style, feature state and source data
// in memory. It answers rendered-feature queries by evaluating each layer's
// visibility, zoom range and filter against the loaded data.
type Headless struct {
	mu sync.Mutex

	specs map[string]LayerSpec
	order []string

	visible map[string]bool
	filters map[string]Expression
	paint   map[string]map[string]any

	// state is keyed by source, then feature id.
	state   map[string]map[uint64]map[string]any
	geojson map[string]*geojson.FeatureCollection
	tiles   map[string]map[tiles.TileCoord]mvt.Layers

	zoom       float64
	readyAfter int
	polls      int
	calls      map[string]int
}

// NewHeadless returns a renderer whose style declares specs, in order.
func NewHeadless(specs ...LayerSpec) *Headless {
	h := &Headless{
		specs:   make(map[string]LayerSpec, len(specs)),
		visible: make(map[string]bool, len(specs)),
		filters: make(map[string]Expression),
		paint:   make(map[string]map[string]any, len(specs)),
		state:   make(map[string]map[uint64]map[string]any),
		geojson: make(map[string]*geojson.FeatureCollection),
		tiles:   make(map[string]map[tiles.TileCoord]mvt.Layers),
		calls:   make(map[string]int),
	}
	for _, s := range specs {
		h.specs[s.ID] = s
		h.order = append(h.order, s.ID)
		h.visible[s.ID] = !s.Hidden
		p := make(map[string]any, len(s.Paint))
		for k, v := range s.Paint {
			p[k] = v
		}
		h.paint[s.ID] = p
	}
	return h
}

// SetReadyAfter makes IsStyleLoaded report false for the next n polls.
// A negative n keeps the style unloaded forever.
func (h *Headless) SetReadyAfter(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readyAfter = n
	h.polls = 0
}

func (h *Headless) IsStyleLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["IsStyleLoaded"]++
	if h.readyAfter < 0 {
		return false
	}
	h.polls++
	return h.polls > h.readyAfter
}

// SetZoom sets the zoom used for layer zoom ranges and tile selection.
func (h *Headless) SetZoom(zoom float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zoom = zoom
}

func (h *Headless) Zoom() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.zoom
}

// UploadTile decodes an encoded tile and makes its layers available to
// every style layer reading source.
func (h *Headless) UploadTile(source string, coord tiles.TileCoord, data []byte) error {
	layers, err := vectortile.Decode(data, coord)
	if err != nil {
		return fmt.Errorf("upload tile %s: %w", coord, err)
	}
	h.AddTileLayers(source, coord, layers)
	return nil
}

// AddTileLayers stores already decoded tile layers.
func (h *Headless) AddTileLayers(source string, coord tiles.TileCoord, layers mvt.Layers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.tiles[source]
	if !ok {
		m = make(map[tiles.TileCoord]mvt.Layers)
		h.tiles[source] = m
	}
	m[coord] = layers
}

// HasTile reports whether a tile of source has been uploaded.
func (h *Headless) HasTile(source string, coord tiles.TileCoord) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tiles[source][coord]
	return ok
}

// EvictTiles drops the tiles of source outside keep.
func (h *Headless) EvictTiles(source string, keep func(tiles.TileCoord) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.tiles[source] {
		if !keep(c) {
			delete(h.tiles[source], c)
			n++
		}
	}
	return n
}

func (h *Headless) SetLayoutVisibility(layer string, visible bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["SetLayoutVisibility"]++
	if _, ok := h.specs[layer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	h.visible[layer] = visible
	return nil
}

func (h *Headless) SetPaintProperty(layer, name string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["SetPaintProperty"]++
	if _, ok := h.specs[layer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	h.paint[layer][name] = value
	return nil
}

func (h *Headless) SetFilter(layer string, filter Expression) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["SetFilter"]++
	if _, ok := h.specs[layer]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	if filter == nil {
		delete(h.filters, layer)
	} else {
		h.filters[layer] = filter
	}
	return nil
}

func (h *Headless) SetFeatureState(source string, id uint64, state map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["SetFeatureState"]++
	if !h.hasSource(source) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	m, ok := h.state[source]
	if !ok {
		m = make(map[uint64]map[string]any)
		h.state[source] = m
	}
	cur, ok := m[id]
	if !ok {
		cur = make(map[string]any, len(state))
		m[id] = cur
	}
	for k, v := range state {
		cur[k] = v
	}
	return nil
}

func (h *Headless) RemoveFeatureState(source string, id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["RemoveFeatureState"]++
	if !h.hasSource(source) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	delete(h.state[source], id)
	return nil
}

func (h *Headless) SetGeoJSONData(source string, fc *geojson.FeatureCollection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["SetGeoJSONData"]++
	if !h.hasSource(source) {
		return fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	h.geojson[source] = fc
	return nil
}

func (h *Headless) QueryRenderedFeatures(layer string) ([]*geojson.Feature, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["QueryRenderedFeatures"]++
	frags, err := h.fragments(layer)
	if err != nil {
		return nil, err
	}

	seen := make(map[uint64]bool)
	var out []*geojson.Feature
	for _, fr := range frags {
		if id, ok := FeatureID(fr.Feature); ok {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		out = append(out, fr.Feature)
	}
	return out, nil
}

// QueryFragments returns every fragment layer draws, in tile order.
func (h *Headless) QueryFragments(layer string) ([]Fragment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls["QueryFragments"]++
	return h.fragments(layer)
}

// fragments applies visibility, zoom range and filter to the candidates of
// layer.
func (h *Headless) fragments(layer string) ([]Fragment, error) {
	spec, ok := h.specs[layer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	if !h.visible[layer] || !spec.InZoom(h.zoom) {
		return nil, nil
	}

	filter := h.filters[layer]
	var out []Fragment
	for _, fr := range h.sourceFeatures(spec) {
		var state map[string]any
		if id, ok := FeatureID(fr.Feature); ok {
			state = h.state[spec.Source][id]
		}
		if Match(filter, fr.Feature.Properties, state) {
			out = append(out, fr)
		}
	}
	return out, nil
}

// sourceFeatures returns the candidate features of a layer. GeoJSON sources
// ignore zoom; tile sources use the tiles at the integer zoom level.
func (h *Headless) sourceFeatures(spec LayerSpec) []Fragment {
	if fc, ok := h.geojson[spec.Source]; ok && fc != nil {
		out := make([]Fragment, len(fc.Features))
		for i, f := range fc.Features {
			out[i] = Fragment{Feature: f}
		}
		return out
	}

	z := int(math.Floor(h.zoom))
	coords := make([]tiles.TileCoord, 0, len(h.tiles[spec.Source]))
	for c := range h.tiles[spec.Source] {
		if c.Zoom == z {
			coords = append(coords, c)
		}
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].ID() < coords[j].ID() })

	var out []Fragment
	name := spec.sourceLayer()
	for _, c := range coords {
		for _, l := range h.tiles[spec.Source][c] {
			if l.Name != name {
				continue
			}
			for _, f := range l.Features {
				out = append(out, Fragment{Feature: f, Tile: c, Tiled: true})
			}
		}
	}
	return out
}

func (h *Headless) hasSource(source string) bool {
	for _, s := range h.specs {
		if s.Source == source {
			return true
		}
	}
	return false
}

// Visible reports the layout visibility of layer.
func (h *Headless) Visible(layer string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible[layer]
}

// Filter returns the current filter of layer.
func (h *Headless) Filter(layer string) Expression {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.filters[layer]
}

// Paint returns the current value of a paint property.
func (h *Headless) Paint(layer, name string) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paint[layer][name]
}

// PaintValue evaluates a paint property for one feature.
func (h *Headless) PaintValue(layer, name string, f *geojson.Feature) any {
	h.mu.Lock()
	defer h.mu.Unlock()
	spec := h.specs[layer]
	var state map[string]any
	if id, ok := FeatureID(f); ok {
		state = h.state[spec.Source][id]
	}
	return Evaluate(h.paint[layer][name], f.Properties, state)
}

// FeatureState returns a copy of a feature's state, or nil.
func (h *Headless) FeatureState(source string, id uint64) map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.state[source][id]
	if !ok {
		return nil
	}
	out := make(map[string]any, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// GeoJSON returns the data last set on a GeoJSON source.
func (h *Headless) GeoJSON(source string) *geojson.FeatureCollection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.geojson[source]
}

// Layers returns the declared layer ids in style order.
func (h *Headless) Layers() []string {
	return append([]string(nil), h.order...)
}

// Calls returns how many times a Renderer method was invoked.
func (h *Headless) Calls(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[method]
}
