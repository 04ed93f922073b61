package projection

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Transformer converts coordinates between one definition and WGS84
// longitude/latitude. It is safe for concurrent use.
type Transformer struct {
	def   Definition
	tm    *tmerc
	shift *datumShift
}

// NewTransformer prepares the transform for def.
func NewTransformer(def Definition) (*Transformer, error) {
	t := &Transformer{def: def}
	if def.Geographic {
		return t, nil
	}
	if def.Ellipsoid.A <= 0 || def.Ellipsoid.InvF <= 0 {
		return nil, fmt.Errorf("projection %s: invalid ellipsoid", def.Code)
	}
	scale := def.Scale
	if scale == 0 {
		scale = 1
	}
	t.tm = newTmerc(def.Ellipsoid, def.LatOrigin, def.CentralMeridian, scale, def.FalseEasting, def.FalseNorthing)
	if !def.ToWGS84.IsZero() {
		t.shift = &datumShift{src: def.Ellipsoid, h: def.ToWGS84}
	}
	return t, nil
}

// Definition returns the source definition.
func (t *Transformer) Definition() Definition {
	return t.def
}

// Inverse converts a projected coordinate to WGS84 longitude/latitude.
func (t *Transformer) Inverse(x, y float64) (lon, lat float64, err error) {
	if !finite(x) || !finite(y) {
		return 0, 0, t.fail(x, y, ErrNonFinite)
	}
	if t.def.Geographic {
		if math.Abs(x) > 180 || math.Abs(y) > 90 {
			return 0, 0, t.fail(x, y, ErrOutOfRange)
		}
		return x, y, nil
	}

	lon, lat, err = t.tm.inverse(x, y)
	if err == nil && t.shift != nil {
		lon, lat, err = t.shift.toWGS84(lon, lat)
	}
	if err != nil {
		return 0, 0, t.fail(x, y, err)
	}
	if !finite(lon) || !finite(lat) {
		return 0, 0, t.fail(x, y, ErrNonFinite)
	}
	return lon, lat, nil
}

// Forward converts WGS84 longitude/latitude to the projected system.
func (t *Transformer) Forward(lon, lat float64) (x, y float64, err error) {
	if !finite(lon) || !finite(lat) {
		return 0, 0, t.fail(lon, lat, ErrNonFinite)
	}
	if math.Abs(lon) > 180 || math.Abs(lat) > 90 {
		return 0, 0, t.fail(lon, lat, ErrOutOfRange)
	}
	if t.def.Geographic {
		return lon, lat, nil
	}

	slon, slat := lon, lat
	if t.shift != nil {
		slon, slat, err = t.shift.fromWGS84(lon, lat)
		if err != nil {
			return 0, 0, t.fail(lon, lat, err)
		}
	}
	x, y, err = t.tm.forward(slon, slat)
	if err != nil {
		return 0, 0, t.fail(lon, lat, err)
	}
	return x, y, nil
}

func (t *Transformer) fail(x, y float64, cause error) error {
	return &TransformError{Code: t.def.Code, X: x, Y: y, Cause: cause}
}

// Point applies Inverse to an orb point.
func (t *Transformer) Point(p orb.Point) (orb.Point, error) {
	lon, lat, err := t.Inverse(p[0], p[1])
	return orb.Point{lon, lat}, err
}

// Geometry returns a copy of g in WGS84. Any failing vertex fails the whole
// geometry; a partially transformed geometry is never returned.
func (t *Transformer) Geometry(g orb.Geometry) (orb.Geometry, error) {
	return mapGeometry(g, t.Point)
}

// ForwardGeometry returns a copy of a WGS84 geometry in the projected system.
func (t *Transformer) ForwardGeometry(g orb.Geometry) (orb.Geometry, error) {
	return mapGeometry(g, func(p orb.Point) (orb.Point, error) {
		x, y, err := t.Forward(p[0], p[1])
		return orb.Point{x, y}, err
	})
}

type pointFunc func(orb.Point) (orb.Point, error)

func mapGeometry(g orb.Geometry, fn pointFunc) (orb.Geometry, error) {
	switch g := g.(type) {
	case nil:
		return nil, nil
	case orb.Point:
		return fn(g)
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(g))
		for i, p := range g {
			q, err := fn(p)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	case orb.LineString:
		ls, err := mapPoints(g, fn)
		return orb.LineString(ls), err
	case orb.Ring:
		r, err := mapPoints(g, fn)
		return orb.Ring(r), err
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(g))
		for i, ls := range g {
			pts, err := mapPoints(ls, fn)
			if err != nil {
				return nil, err
			}
			out[i] = pts
		}
		return out, nil
	case orb.Polygon:
		return mapPolygon(g, fn)
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, p := range g {
			q, err := mapPolygon(p, fn)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	case orb.Collection:
		out := make(orb.Collection, len(g))
		for i, c := range g {
			q, err := mapGeometry(c, fn)
			if err != nil {
				return nil, err
			}
			out[i] = q
		}
		return out, nil
	case orb.Bound:
		lo, err := fn(g.Min)
		if err != nil {
			return nil, err
		}
		hi, err := fn(g.Max)
		if err != nil {
			return nil, err
		}
		return orb.MultiPoint{lo, hi}.Bound(), nil
	default:
		return nil, fmt.Errorf("projection: unsupported geometry %T", g)
	}
}

func mapPolygon(p orb.Polygon, fn pointFunc) (orb.Polygon, error) {
	out := make(orb.Polygon, len(p))
	for i, r := range p {
		pts, err := mapPoints(r, fn)
		if err != nil {
			return nil, err
		}
		out[i] = pts
	}
	return out, nil
}

func mapPoints(pts []orb.Point, fn pointFunc) ([]orb.Point, error) {
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		q, err := fn(p)
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
