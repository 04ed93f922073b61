package orchestrator

import (
	"fmt"

	"parceltiles/internal/renderer"
)

// Style layer and source ids the orchestrator drives besides the admin
// layers.
const (
	SubparcelLayer = "subparcel"
	IndustryLayer  = "industry"
	MaskLayer      = "focus-mask"

	// KeyProperty holds the region or parcel code of admin features.
	KeyProperty = "code"

	// ParentProperty holds the key of the parcel an auxiliary feature
	// belongs to.
	ParentProperty = "parent"

	FillColor   = "fill-color"
	FillOpacity = "fill-opacity"

	BackgroundColor = "#d9d9d9"
	MaskColor       = "#000000"
	MaskOpacity     = 0.45
)

// DefaultAdminNames are the nested admin layers, outermost first.
var DefaultAdminNames = []string{"sido", "sigungu", "emd", "parcel"}

var auxLayers = []string{SubparcelLayer, IndustryLayer}

// AdminLayer is one of the nested administrative layers. Exactly one is
// visible at a time, chosen by zoom.
type AdminLayer struct {
	// Name is the tile source and archive name.
	Name string

	// Layer is the style layer id.
	Layer string

	// MinZoom is inclusive, MaxZoom exclusive; zero MaxZoom means no limit.
	MinZoom float64
	MaxZoom float64
}

// InZoom reports whether the layer is the active one at zoom.
func (a AdminLayer) InZoom(zoom float64) bool {
	return zoom >= a.MinZoom && (a.MaxZoom == 0 || zoom < a.MaxZoom)
}

// AdminLayers pairs names with ascending zoom thresholds. Each layer is
// active from its threshold up to the next one.
func AdminLayers(names []string, thresholds []float64) ([]AdminLayer, error) {
	if len(names) != len(thresholds) {
		return nil, fmt.Errorf("%d admin layers but %d zoom thresholds", len(names), len(thresholds))
	}
	out := make([]AdminLayer, len(names))
	for i, name := range names {
		if i > 0 && thresholds[i] <= thresholds[i-1] {
			return nil, fmt.Errorf("zoom thresholds must ascend: %v", thresholds)
		}
		out[i] = AdminLayer{Name: name, Layer: name + "-fill", MinZoom: thresholds[i]}
		if i+1 < len(thresholds) {
			out[i].MaxZoom = thresholds[i+1]
		}
	}
	return out, nil
}

// StyleLayers declares the renderer layers the orchestrator expects:
// the admin fills, the two auxiliary layers and the focus mask.
func StyleLayers(admin []AdminLayer) []renderer.LayerSpec {
	specs := make([]renderer.LayerSpec, 0, len(admin)+3)
	for _, a := range admin {
		specs = append(specs, renderer.LayerSpec{
			ID:     a.Layer,
			Source: a.Name,
			Type:   renderer.TypeFill,
			Hidden: true,
			Paint:  map[string]any{FillColor: BackgroundColor},
		})
	}
	for _, l := range auxLayers {
		specs = append(specs, renderer.LayerSpec{
			ID:     l,
			Source: l,
			Type:   renderer.TypeFill,
			Hidden: true,
		})
	}
	specs = append(specs, renderer.LayerSpec{
		ID:     MaskLayer,
		Source: MaskLayer,
		Type:   renderer.TypeFill,
		Hidden: true,
		Paint:  map[string]any{FillColor: MaskColor, FillOpacity: MaskOpacity},
	})
	return specs
}

// LayerState is the styling stage of one layer.
type LayerState int

const (
	Hidden LayerState = iota
	Background
	DataColor
	Focus
)

func (s LayerState) String() string {
	switch s {
	case Hidden:
		return "hidden"
	case Background:
		return "background"
	case DataColor:
		return "data-color"
	case Focus:
		return "focus"
	}
	return fmt.Sprintf("LayerState(%d)", int(s))
}

// ColorMode selects how admin layers are filled.
type ColorMode int

const (
	ModeNone ColorMode = iota
	ModeAbsolute
	ModeChangeRate
)

func (m ColorMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeAbsolute:
		return "absolute"
	case ModeChangeRate:
		return "change-rate"
	}
	return fmt.Sprintf("ColorMode(%d)", int(m))
}

// ParseColorMode parses the names returned by ColorMode.String.
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "", "none":
		return ModeNone, nil
	case "absolute":
		return ModeAbsolute, nil
	case "change-rate", "change_rate":
		return ModeChangeRate, nil
	}
	return ModeNone, fmt.Errorf("unknown color mode %q", s)
}
