// Package source reads raw features from shapefiles and GeoJSON files,
// together with the projection descriptor that tells where their
// coordinates live.
package source

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
)

// GeographicDescriptor is used for inputs that are already longitude/latitude.
const GeographicDescriptor = "EPSG:4326"

// ErrUnsupportedFormat is returned for file extensions no reader handles.
var ErrUnsupportedFormat = errors.New("source: unsupported format")

// RawFeature is a feature as read from disk, still in the source projection.
type RawFeature struct {
	Geometry   orb.Geometry
	Attributes map[string]any
}

// Dataset is the content of one source file.
type Dataset struct {
	Features []RawFeature

	// Descriptor describes the projection, e.g. the .prj WKT. Empty when the
	// file carries no projection information.
	Descriptor string

	// Fields lists attribute names in file order.
	Fields []string

	// Skipped counts records without usable geometry.
	Skipped int
}

// Options tune how a source is read.
type Options struct {
	// Codepage overrides the .cpg sidecar, e.g. "EUC-KR" or "CP949".
	Codepage string

	Logger *slog.Logger
}

// Read opens path with the reader matching its extension.
func Read(path string, opts Options) (*Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		return OpenShapefile(path, opts)
	case ".geojson", ".json":
		return ReadGeoJSON(path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
