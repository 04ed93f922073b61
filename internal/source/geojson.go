package source

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/paulmach/orb/geojson"
)

// ReadGeoJSON reads a FeatureCollection. Coordinates are WGS84 unless a
// legacy "crs" member names another system.
func ReadGeoJSON(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geojson %s: %w", path, err)
	}
	return DecodeGeoJSON(data)
}

// DecodeGeoJSON parses FeatureCollection bytes.
func DecodeGeoJSON(data []byte) (*Dataset, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	ds := &Dataset{Descriptor: crsName(fc.ExtraMembers)}
	fields := make(map[string]bool)

	for _, f := range fc.Features {
		if f.Geometry == nil {
			ds.Skipped++
			continue
		}
		attrs := make(map[string]any, len(f.Properties))
		for k, v := range f.Properties {
			if v == nil {
				continue
			}
			attrs[k] = v
			fields[k] = true
		}
		ds.Features = append(ds.Features, RawFeature{Geometry: f.Geometry, Attributes: attrs})
	}

	for k := range fields {
		ds.Fields = append(ds.Fields, k)
	}
	sort.Strings(ds.Fields)
	return ds, nil
}

// crsName extracts {"crs":{"type":"name","properties":{"name":...}}}.
func crsName(extra geojson.Properties) string {
	crs, ok := extra["crs"].(map[string]interface{})
	if !ok {
		return GeographicDescriptor
	}
	props, _ := crs["properties"].(map[string]interface{})
	name, _ := props["name"].(string)
	if name == "" || strings.Contains(strings.ToUpper(name), "CRS84") {
		return GeographicDescriptor
	}
	return name
}

// WriteGeoJSON streams features as a FeatureCollection, one feature per
// line, so large intermediate files never need a second full copy in memory.
func WriteGeoJSON(w io.Writer, features []*geojson.Feature) error {
	bw := bufio.NewWriterSize(w, 1<<16)

	if _, err := bw.WriteString(`{"type":"FeatureCollection","features":[` + "\n"); err != nil {
		return err
	}
	for i, f := range features {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("encode feature %d: %w", i, err)
		}
		if i > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("]}\n"); err != nil {
		return err
	}
	return bw.Flush()
}
