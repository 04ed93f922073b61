// Package propstore persists the final per-feature properties of a source,
// as a JSON document next to the archive and in an SQLite database the tile
// server answers detail lookups from.
package propstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"parceltiles/internal/transform"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("propstore: not found")

// Record is the stored view of one feature.
type Record struct {
	ID         uint64             `json:"id"`
	Coord      orb.Point          `json:"coord"`
	Properties geojson.Properties `json:"properties"`
}

// NewRecord captures a transformed feature.
func NewRecord(f *transform.Feature) Record {
	return Record{ID: f.ID, Coord: f.Coord, Properties: f.Properties}
}

// WriteJSON writes one object keyed by feature id whose values are the
// feature properties plus the visual center under "coord".
func WriteJSON(w io.Writer, features []*transform.Feature) error {
	doc := make(map[string]geojson.Properties, len(features))
	for _, f := range features {
		props := f.Properties.Clone()
		if props == nil {
			props = geojson.Properties{}
		}
		props[transform.CoordProperty] = []float64{f.Coord[0], f.Coord[1]}
		doc[strconv.FormatUint(f.ID, 10)] = props
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("propstore: encode: %w", err)
	}
	return nil
}

// ReadJSON reads a document written by WriteJSON.
func ReadJSON(r io.Reader) (map[uint64]Record, error) {
	var doc map[string]geojson.Properties
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("propstore: decode: %w", err)
	}

	out := make(map[uint64]Record, len(doc))
	for key, props := range doc {
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("propstore: bad id %q", key)
		}
		rec := Record{ID: id, Properties: props}
		if c, ok := props[transform.CoordProperty].([]any); ok && len(c) == 2 {
			lon, _ := c[0].(float64)
			lat, _ := c[1].(float64)
			rec.Coord = orb.Point{lon, lat}
			delete(props, transform.CoordProperty)
		}
		out[id] = rec
	}
	return out, nil
}
