package orchestrator

import (
	"errors"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"parceltiles/internal/renderer"
)

// ErrNotPolygonal is returned when a focus geometry has no area.
var ErrNotPolygonal = errors.New("orchestrator: focus geometry is not a polygon")

// Feature-state keys written in change-rate mode.
const (
	StateChangeRate  = "change_rate"
	StateChangeColor = "change_color"
	StateSelected    = "selected"
)

var (
	priceRamp = []string{"#ffffcc", "#a1dab4", "#41b6c4", "#2c7fb8", "#253494"}

	// rateSteps are upper bounds of each rateRamp bucket.
	rateSteps = []float64{-0.05, -0.01, 0.01, 0.05}
	rateRamp  = []string{"#2166ac", "#67a9cf", "#f7f7f7", "#ef8a62", "#b2182b"}
)

// worldRing covers the whole web mercator world, counter-clockwise.
var worldRing = orb.Ring{
	{-180, -85.0511}, {180, -85.0511}, {180, 85.0511}, {-180, 85.0511}, {-180, -85.0511},
}

// Value is the price data of one region for a window.
type Value struct {
	Price      float64
	ChangeRate float64
}

// RateColor returns the diverging color of a period-over-period change.
func RateColor(rate float64) string {
	for i, s := range rateSteps {
		if rate <= s {
			return rateRamp[i]
		}
	}
	return rateRamp[len(rateRamp)-1]
}

// priceColors buckets prices linearly between the smallest and largest.
func priceColors(values map[string]Value) func(Value) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v.Price)
		hi = math.Max(hi, v.Price)
	}
	return func(v Value) string {
		if hi <= lo {
			return priceRamp[len(priceRamp)/2]
		}
		i := int((v.Price - lo) / (hi - lo) * float64(len(priceRamp)))
		return priceRamp[min(i, len(priceRamp)-1)]
	}
}

// colorExpression builds one match expression over region codes. Codes
// sharing a color share a label list, so the output is stable for a given
// input.
func colorExpression(mode ColorMode, values map[string]Value) any {
	var base any = BackgroundColor
	if len(values) > 0 {
		colorOf := func(v Value) string { return RateColor(v.ChangeRate) }
		if mode == ModeAbsolute {
			colorOf = priceColors(values)
		}

		byColor := make(map[string][]string)
		for code, v := range values {
			c := colorOf(v)
			byColor[c] = append(byColor[c], code)
		}
		colors := make([]string, 0, len(byColor))
		for c := range byColor {
			colors = append(colors, c)
		}
		sort.Strings(colors)

		expr := renderer.Expression{"match", renderer.Expression{"get", KeyProperty}}
		for _, c := range colors {
			codes := byColor[c]
			sort.Strings(codes)
			labels := make([]any, len(codes))
			for i, code := range codes {
				labels[i] = code
			}
			expr = append(expr, labels, c)
		}
		base = append(expr, BackgroundColor)
	}

	if mode == ModeChangeRate {
		return renderer.Expression{"coalesce", renderer.Expression{"feature-state", StateChangeColor}, base}
	}
	return base
}

// parentFilter keeps features whose parent key equals key.
func parentFilter(key string) renderer.Expression {
	return renderer.Expression{"==", renderer.Expression{"get", ParentProperty}, key}
}

// outerRings returns the exterior rings of a polygonal geometry.
func outerRings(g orb.Geometry) ([]orb.Ring, error) {
	switch g := g.(type) {
	case orb.Polygon:
		if len(g) == 0 {
			return nil, ErrNotPolygonal
		}
		return []orb.Ring{g[0]}, nil
	case orb.MultiPolygon:
		var rings []orb.Ring
		for _, p := range g {
			if len(p) > 0 {
				rings = append(rings, p[0])
			}
		}
		if len(rings) == 0 {
			return nil, ErrNotPolygonal
		}
		return rings, nil
	}
	return nil, ErrNotPolygonal
}

// maskCollection is the focus overlay: the world with a hole for each
// focused ring. Holes wind clockwise, against the world ring.
func maskCollection(key string, holes []orb.Ring) *geojson.FeatureCollection {
	poly := orb.Polygon{worldRing.Clone()}
	for _, h := range holes {
		h = h.Clone()
		if h.Orientation() == orb.CCW {
			h.Reverse()
		}
		poly = append(poly, h)
	}
	f := geojson.NewFeature(poly)
	f.Properties = geojson.Properties{"focus": key}
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	return fc
}
