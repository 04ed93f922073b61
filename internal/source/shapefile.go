package source

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"parceltiles/internal/logger"
)

// OpenShapefile reads a .shp with its .dbf attributes and the optional .prj
// and .cpg sidecars.
func OpenShapefile(path string, opts Options) (*Dataset, error) {
	base := strings.TrimSuffix(path, ".shp")
	base = strings.TrimSuffix(base, ".SHP")

	desc, err := readSidecar(base, ".prj")
	if err != nil {
		return nil, err
	}

	codepage := opts.Codepage
	if codepage == "" {
		if codepage, err = readSidecar(base, ".cpg"); err != nil {
			return nil, err
		}
	}
	enc, ok := LookupCodepage(codepage)
	if !ok && strings.TrimSpace(codepage) != "" {
		logger.Or(opts.Logger).Warn("shapefile_unknown_codepage", "path", path, "codepage", codepage)
	}
	dec := newTextDecoder(enc)

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	defer r.Close()

	fields := r.Fields()
	ds := &Dataset{
		Descriptor: desc,
		Fields:     make([]string, len(fields)),
	}
	for i, f := range fields {
		ds.Fields[i] = dec.decode(trimField(f.String()))
	}

	for r.Next() {
		idx, shape := r.Shape()
		g := shapeGeometry(shape)
		if g == nil {
			ds.Skipped++
			continue
		}

		attrs := make(map[string]any, len(fields))
		for i, f := range fields {
			if v, ok := fieldValue(f, r.ReadAttribute(idx, i), dec); ok {
				attrs[ds.Fields[i]] = v
			}
		}
		ds.Features = append(ds.Features, RawFeature{Geometry: g, Attributes: attrs})
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile %s: %w", path, err)
	}

	return ds, nil
}

func readSidecar(base, ext string) (string, error) {
	for _, e := range []string{ext, strings.ToUpper(ext)} {
		data, err := os.ReadFile(base + e)
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read %s: %w", base+e, err)
		}
	}
	return "", nil
}

func trimField(s string) string {
	return strings.TrimRight(s, "\x00 ")
}

// fieldValue converts a DBF cell by its field type. Numbers become float64,
// logicals bool, everything else a decoded string. Empty cells are absent.
func fieldValue(f shp.Field, raw string, dec *textDecoder) (any, bool) {
	raw = strings.Trim(raw, "\x00 ")
	if raw == "" {
		return nil, false
	}

	switch f.Fieldtype {
	case 'N', 'F':
		// long integer codes (parcel numbers) lose digits as float64
		if f.Precision == 0 && len(raw) > 15 && isDigits(raw) {
			return raw, true
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			// numeric columns padded with '*' mean overflow
			return nil, false
		}
		return v, true
	case 'L':
		switch raw[0] {
		case 'T', 't', 'Y', 'y':
			return true, true
		case 'F', 'f', 'N', 'n':
			return false, true
		}
		return nil, false
	default:
		return dec.decode(raw), true
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func shapeGeometry(s shp.Shape) orb.Geometry {
	switch s := s.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.MultiPoint:
		return multiPoint(s.Points)
	case *shp.MultiPointZ:
		return multiPoint(s.Points)
	case *shp.PolyLine:
		return lines(s.Parts, s.Points)
	case *shp.PolyLineZ:
		return lines(s.Parts, s.Points)
	case *shp.Polygon:
		return polygons(s.Parts, s.Points)
	case *shp.PolygonZ:
		return polygons(s.Parts, s.Points)
	}
	return nil
}

func multiPoint(pts []shp.Point) orb.Geometry {
	if len(pts) == 0 {
		return nil
	}
	mp := make(orb.MultiPoint, len(pts))
	for i, p := range pts {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

// splitParts cuts the flat point list at the part offsets.
func splitParts(parts []int32, pts []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(pts))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start >= end || int(end) > len(pts) {
			continue
		}
		part := make([]orb.Point, 0, end-start)
		for _, p := range pts[start:end] {
			part = append(part, orb.Point{p.X, p.Y})
		}
		out = append(out, part)
	}
	return out
}

func lines(parts []int32, pts []shp.Point) orb.Geometry {
	split := splitParts(parts, pts)
	switch len(split) {
	case 0:
		return nil
	case 1:
		return orb.LineString(split[0])
	}
	mls := make(orb.MultiLineString, len(split))
	for i, p := range split {
		mls[i] = p
	}
	return mls
}

// polygons assembles shapefile rings. Clockwise rings are outer rings and
// counter-clockwise rings are holes of the outer ring that contains them.
func polygons(parts []int32, pts []shp.Point) orb.Geometry {
	var outers []orb.Polygon
	var holes []orb.Ring

	for _, part := range splitParts(parts, pts) {
		ring := orb.Ring(part)
		if len(ring) < 4 {
			continue
		}
		if !ring.Closed() {
			ring = append(ring, ring[0])
		}
		if ring.Orientation() == orb.CW {
			outers = append(outers, orb.Polygon{reverse(ring)})
		} else {
			holes = append(holes, ring)
		}
	}

	// some writers get the winding wrong; a lone set of rings is all outers
	if len(outers) == 0 {
		for _, h := range holes {
			outers = append(outers, orb.Polygon{h})
		}
		holes = nil
	}

	for _, h := range holes {
		owner := -1
		ownerArea := 0.0
		for i, o := range outers {
			if !planar.RingContains(o[0], h[0]) {
				continue
			}
			a := planar.Area(o[0])
			if owner < 0 || a < ownerArea {
				owner, ownerArea = i, a
			}
		}
		if owner < 0 {
			outers = append(outers, orb.Polygon{h})
			continue
		}
		outers[owner] = append(outers[owner], reverse(h))
	}

	switch len(outers) {
	case 0:
		return nil
	case 1:
		return outers[0]
	}
	return orb.MultiPolygon(outers)
}

// reverse returns a reversed copy: GeoJSON wants counter-clockwise outer
// rings and clockwise holes.
func reverse(r orb.Ring) orb.Ring {
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[len(r)-1-i] = p
	}
	return out
}
