// Package renderer defines what the layer orchestrator needs from a map
// renderer, and provides an in-memory renderer that evaluates styles and
// filters the same way without drawing.
package renderer

import (
	"errors"
	"strconv"

	"github.com/paulmach/orb/geojson"

	"parceltiles/pkg/tiles"
)

// TileSize is the rendered size of one tile, in pixels.
const TileSize = 256

var (
	// ErrUnknownLayer is returned for layer ids the style does not declare.
	ErrUnknownLayer = errors.New("renderer: unknown layer")

	// ErrUnknownSource is returned for source ids no layer reads from.
	ErrUnknownSource = errors.New("renderer: unknown source")
)

// Expression is a JSON-style style expression, e.g.
// ["==", ["get", "parent"], "P1"].
type Expression = []any

// Layer types.
const (
	TypeFill = "fill"
	TypeLine = "line"
)

// LayerSpec declares one style layer.
type LayerSpec struct {
	ID string

	// Source is the tile or GeoJSON source; SourceLayer names the layer
	// inside vector tiles and defaults to Source.
	Source      string
	SourceLayer string

	Type string

	// MinZoom is inclusive and MaxZoom exclusive; zero MaxZoom means no limit.
	MinZoom float64
	MaxZoom float64

	// Hidden layers start with visibility "none".
	Hidden bool

	Paint map[string]any
}

func (s LayerSpec) sourceLayer() string {
	if s.SourceLayer != "" {
		return s.SourceLayer
	}
	return s.Source
}

// InZoom reports whether the layer renders at zoom.
func (s LayerSpec) InZoom(zoom float64) bool {
	if zoom < s.MinZoom {
		return false
	}
	return s.MaxZoom == 0 || zoom < s.MaxZoom
}

// Renderer is the part of a map engine the orchestrator drives. Feature
// state is keyed by source and promoted feature id, not by tile.
type Renderer interface {
	// IsStyleLoaded reports whether layers can be styled yet.
	IsStyleLoaded() bool

	SetLayoutVisibility(layer string, visible bool) error
	SetPaintProperty(layer, name string, value any) error

	// SetFilter restricts the features a layer draws; nil removes the filter.
	SetFilter(layer string, filter Expression) error

	// SetFeatureState merges state into the feature's current state.
	SetFeatureState(source string, id uint64, state map[string]any) error
	RemoveFeatureState(source string, id uint64) error

	// SetGeoJSONData replaces the features of a GeoJSON source.
	SetGeoJSONData(source string, fc *geojson.FeatureCollection) error

	// QueryRenderedFeatures returns the features a layer currently draws,
	// one per feature id.
	QueryRenderedFeatures(layer string) ([]*geojson.Feature, error)

	// QueryFragments returns every piece of the features a layer currently
	// draws. A tiled feature comes back once per tile it crosses.
	QueryFragments(layer string) ([]Fragment, error)
}

// Fragment is a feature as one source tile holds it: clipped to the tile
// bounds plus the tile buffer.
type Fragment struct {
	Feature *geojson.Feature

	// Tile is the source tile; meaningful only when Tiled is set. GeoJSON
	// sources yield whole, untiled features.
	Tile  tiles.TileCoord
	Tiled bool
}

// FeatureID returns the promoted id of a feature.
func FeatureID(f *geojson.Feature) (uint64, bool) {
	switch v := f.ID.(type) {
	case uint64:
		return v, true
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case string:
		id, err := strconv.ParseUint(v, 10, 64)
		return id, err == nil
	}
	return 0, false
}
