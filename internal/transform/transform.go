// Package transform turns raw source features into projected, filtered and
// enriched features ready for tiling.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"parceltiles/internal/projection"
	"parceltiles/internal/source"
)

// Property names written by the transformer.
const (
	ParentProperty = "parent"
	CoordProperty  = "coord"
)

// Derived field kinds.
const (
	KindSubstring = "substring"
	KindArea      = "area"
)

// Feature is a projected feature. It is not modified after Apply returns.
type Feature struct {
	ID         uint64
	Geometry   orb.Geometry
	Properties geojson.Properties
	Coord      orb.Point
	Layer      string
}

// GeoJSON returns the feature with its visual center as a "coord" property.
func (f *Feature) GeoJSON() *geojson.Feature {
	gf := geojson.NewFeature(f.Geometry)
	gf.ID = f.ID
	gf.Properties = f.Properties.Clone()
	gf.Properties[CoordProperty] = []float64{f.Coord[0], f.Coord[1]}
	return gf
}

// Derived computes a property from an existing one.
type Derived struct {
	Name string
	From string
	Kind string

	// Start and Length select runes for substring fields.
	Start, Length int
}

// Spec configures a transformer for one source.
type Spec struct {
	Layer string

	// Predicate selects features; nil keeps everything.
	Predicate Predicate

	// Keep lists the properties to retain after renaming; empty keeps all.
	// Derived properties and the parent key are always kept.
	Keep []string

	// Rename maps source attribute names to property names. Renamed keys are
	// removed. A renamed value replaces an attribute already using its new
	// name; when several keys rename to one name, the first in sort order wins.
	Rename map[string]string

	Derived []Derived

	// IDField holds the feature identifier; numeric values are used as is,
	// other values are hashed. Empty numbers features sequentially.
	IDField string

	// ParentField is copied to the "parent" property for focus filtering.
	ParentField string

	// Precision of the visual center search, in degrees.
	Precision float64
}

// FailurePolicy decides what happens to a feature whose coordinates fail
// to project.
type FailurePolicy int

const (
	// DropFeature skips the feature and counts it.
	DropFeature FailurePolicy = iota
	// FailSource aborts the whole source.
	FailSource
)

// ParsePolicy maps "drop" and "fail" to a FailurePolicy.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(s) {
	case "", "drop":
		return DropFeature, nil
	case "fail":
		return FailSource, nil
	}
	return 0, fmt.Errorf("transform: unknown failure policy %q", s)
}

// maxDropSamples bounds the errors kept for reporting.
const maxDropSamples = 5

// Result is the outcome of Apply.
type Result struct {
	Features []*Feature

	// Filtered counts features rejected by the predicate.
	Filtered int

	// Dropped counts features whose projection failed.
	Dropped int

	// DropErrors holds the first few projection errors.
	DropErrors []error
}

// Transformer applies a Spec to raw features.
type Transformer struct {
	spec    Spec
	renames []string
	proj    *projection.Transformer
	policy  FailurePolicy
}

// New returns a transformer that projects with proj.
func New(spec Spec, proj *projection.Transformer, policy FailurePolicy) *Transformer {
	if spec.Precision <= 0 {
		spec.Precision = 1e-6
	}
	renames := make([]string, 0, len(spec.Rename))
	for k := range spec.Rename {
		renames = append(renames, k)
	}
	sort.Strings(renames)
	return &Transformer{spec: spec, renames: renames, proj: proj, policy: policy}
}

// Apply filters, projects and enriches raw features. With FailSource the
// first projection error is returned; otherwise failing features are
// dropped and counted in the result.
func (t *Transformer) Apply(raw []source.RawFeature) (*Result, error) {
	res := &Result{Features: make([]*Feature, 0, len(raw))}

	for i, rf := range raw {
		if t.spec.Predicate != nil && !t.spec.Predicate.Match(rf.Attributes) {
			res.Filtered++
			continue
		}

		g, err := t.proj.Geometry(rf.Geometry)
		if err != nil {
			if t.policy == FailSource {
				return nil, fmt.Errorf("feature %d: %w", i, err)
			}
			res.Dropped++
			if len(res.DropErrors) < maxDropSamples {
				res.DropErrors = append(res.DropErrors, fmt.Errorf("feature %d: %w", i, err))
			}
			continue
		}
		if g == nil {
			res.Dropped++
			continue
		}

		props := t.properties(rf.Attributes, g)
		coord, _ := VisualCenter(g, t.spec.Precision)

		res.Features = append(res.Features, &Feature{
			ID:         t.featureID(rf.Attributes, i),
			Geometry:   g,
			Properties: props,
			Coord:      coord,
			Layer:      t.spec.Layer,
		})
	}

	return res, nil
}

// properties renames, derives and trims attributes, in that order.
func (t *Transformer) properties(attrs map[string]any, g orb.Geometry) geojson.Properties {
	props := make(geojson.Properties, len(attrs)+len(t.spec.Derived)+1)
	for k, v := range attrs {
		if _, ok := t.spec.Rename[k]; !ok {
			props[k] = normalizeValue(v)
		}
	}
	renamed := make(map[string]bool, len(t.renames))
	for _, k := range t.renames {
		v, ok := attrs[k]
		to := t.spec.Rename[k]
		if !ok || renamed[to] {
			continue
		}
		props[to] = normalizeValue(v)
		renamed[to] = true
	}

	always := make(map[string]bool, len(t.spec.Derived)+1)
	for _, d := range t.spec.Derived {
		always[d.Name] = true
		switch d.Kind {
		case KindSubstring:
			s, ok := stringValue(lookup(props, attrs, d.From))
			if !ok {
				continue
			}
			if v, ok := substring(s, d.Start, d.Length); ok {
				props[d.Name] = v
			}
		case KindArea:
			props[d.Name] = math.Round(GeodesicArea(g)*100) / 100
		}
	}

	if t.spec.ParentField != "" {
		always[ParentProperty] = true
		if s, ok := stringValue(lookup(props, attrs, t.spec.ParentField)); ok {
			props[ParentProperty] = s
		}
	}

	if len(t.spec.Keep) > 0 {
		keep := make(map[string]bool, len(t.spec.Keep))
		for _, k := range t.spec.Keep {
			keep[k] = true
		}
		for k := range props {
			if !keep[k] && !always[k] {
				delete(props, k)
			}
		}
	}
	return props
}

// lookup finds a field by its renamed name first, then by its source name.
func lookup(props geojson.Properties, attrs map[string]any, name string) any {
	if v, ok := props[name]; ok {
		return v
	}
	return attrs[name]
}

func substring(s string, start, length int) (string, bool) {
	r := []rune(s)
	if start < 0 || start >= len(r) {
		return "", false
	}
	end := len(r)
	if length > 0 && start+length < end {
		end = start + length
	}
	return string(r[start:end]), true
}

// featureID promotes IDField to a uint64. Integral numbers and decimal
// strings are used directly; other strings are hashed.
func (t *Transformer) featureID(attrs map[string]any, index int) uint64 {
	if t.spec.IDField != "" {
		switch v := attrs[t.spec.IDField].(type) {
		case float64:
			if v >= 0 && v == math.Trunc(v) && v < math.MaxUint64 {
				return uint64(v)
			}
			return xxhash.Sum64String(strconv.FormatFloat(v, 'g', -1, 64))
		case string:
			if v == "" {
				break
			}
			if n, err := strconv.ParseUint(v, 10, 64); err == nil {
				return n
			}
			return xxhash.Sum64String(v)
		}
	}
	return uint64(index) + 1
}

// normalizeValue keeps the string/number/boolean types tiles can carry.
func normalizeValue(v any) any {
	switch v := v.(type) {
	case string, float64, bool:
		return v
	case []byte:
		return string(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case uint64:
		return float64(v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
