// Package vectortile encodes indexed tiles into gzip-compressed Mapbox
// Vector Tiles and decodes them back for inspection and rendering.
package vectortile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"

	"parceltiles/internal/tileindex"
	"parceltiles/pkg/tiles"
)

// ErrEmptyTile is returned by Encode when no feature survives encoding.
var ErrEmptyTile = errors.New("vectortile: empty tile")

// EncodedTile is the compressed payload of one tile.
type EncodedTile struct {
	Coord tiles.TileCoord
	Data  []byte
}

// Len returns the compressed size in bytes.
func (t EncodedTile) Len() int { return len(t.Data) }

// Encoder turns indexed tiles into compressed MVT payloads. The zero value
// is not usable; use NewEncoder.
type Encoder struct {
	// Extent is the tile coordinate space.
	Extent uint32

	// Buffer is the margin kept around the tile, in Extent units.
	Buffer uint32

	// Level is the gzip compression level.
	Level int
}

// NewEncoder returns an encoder with the given extent and buffer.
func NewEncoder(extent, buffer int) *Encoder {
	if extent <= 0 {
		extent = mvt.DefaultExtent
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Encoder{
		Extent: uint32(extent),
		Buffer: uint32(buffer),
		Level:  gzip.DefaultCompression,
	}
}

// Encode groups the tile's features by layer, projects them to tile
// coordinates and returns the gzipped protobuf. Layers are written in name
// order and properties in key order, so equal tiles encode to equal bytes.
func (e *Encoder) Encode(t *tileindex.Tile) (EncodedTile, error) {
	names := make([]string, 0, len(t.Layers))
	for name := range t.Layers {
		names = append(names, name)
	}
	sort.Strings(names)

	layers := make(mvt.Layers, 0, len(names))
	for _, name := range names {
		fc := geojson.NewFeatureCollection()
		for _, f := range t.Layers[name] {
			nf := geojson.NewFeature(orb.Clone(f.Geometry))
			nf.ID = f.ID
			nf.Properties = encodable(f.Properties)
			fc.Append(nf)
		}
		l := mvt.NewLayer(name, fc)
		l.Extent = e.Extent
		layers = append(layers, l)
	}

	layers.ProjectToTile(t.Coord.Maptile())
	layers.Clip(e.clipBound())
	layers.RemoveEmpty(0, 0)

	n := 0
	for _, l := range layers {
		n += len(l.Features)
	}
	if n == 0 {
		return EncodedTile{Coord: t.Coord}, ErrEmptyTile
	}

	raw, err := mvt.Marshal(layers)
	if err != nil {
		return EncodedTile{}, fmt.Errorf("marshal tile %s: %w", t.Coord, err)
	}
	data, err := e.compress(raw)
	if err != nil {
		return EncodedTile{}, fmt.Errorf("compress tile %s: %w", t.Coord, err)
	}
	return EncodedTile{Coord: t.Coord, Data: data}, nil
}

func (e *Encoder) clipBound() orb.Bound {
	b := float64(e.Buffer)
	ext := float64(e.Extent)
	return orb.Bound{
		Min: orb.Point{-b, -b},
		Max: orb.Point{ext + b, ext + b},
	}
}

func (e *Encoder) compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, e.Level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodable keeps the value types the MVT value table can carry. Nil values
// are dropped and anything else is written as its string form.
func encodable(props geojson.Properties) geojson.Properties {
	out := make(geojson.Properties, len(props))
	for k, v := range props {
		switch v := v.(type) {
		case nil:
		case string, bool, float64, float32, int, int64, int32, uint64, uint32:
			out[k] = v
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// Decode decompresses (when gzipped) and parses a tile payload, projecting
// geometries back to WGS84. Decoded numbers and ids are float64.
func Decode(data []byte, coord tiles.TileCoord) (mvt.Layers, error) {
	raw, err := Gunzip(data)
	if err != nil {
		return nil, err
	}

	layers, err := mvt.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("mvt parse error: %w", err)
	}
	layers.ProjectToWGS84(coord.Maptile())
	return layers, nil
}

// Gunzip returns data decompressed when it starts with the gzip magic, and
// unchanged otherwise.
func Gunzip(data []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip error: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return raw, nil
}

// LayerSummary describes one decoded layer.
type LayerSummary struct {
	Name     string
	Extent   uint32
	Features int

	// Fields maps property names to String, Number or Boolean.
	Fields map[string]string
}

// Summarize describes decoded layers, sorted by name.
func Summarize(layers mvt.Layers) []LayerSummary {
	out := make([]LayerSummary, 0, len(layers))
	for _, l := range layers {
		s := LayerSummary{
			Name:     l.Name,
			Extent:   l.Extent,
			Features: len(l.Features),
			Fields:   make(map[string]string),
		}
		for _, f := range l.Features {
			for k, v := range f.Properties {
				s.Fields[k] = FieldType(v)
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FieldType names the vector_layers field type of a property value.
func FieldType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "Boolean"
	case float64, float32, int, int64, int32, uint64, uint32:
		return "Number"
	default:
		return "String"
	}
}

// FindFeature returns the first feature of layer whose property key
// equals value, or nil.
func FindFeature(layers mvt.Layers, layer, key string, value interface{}) *geojson.Feature {
	for _, l := range layers {
		if l.Name != layer {
			continue
		}
		for _, f := range l.Features {
			if f.Properties[key] == value {
				return f
			}
		}
	}
	return nil
}
