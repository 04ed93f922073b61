package source

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	shp "github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/korean"
)

func square(x0, y0, x1, y1 float64, clockwise bool) []shp.Point {
	if clockwise {
		return []shp.Point{{X: x0, Y: y0}, {X: x0, Y: y1}, {X: x1, Y: y1}, {X: x1, Y: y0}, {X: x0, Y: y0}}
	}
	return []shp.Point{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}, {X: x0, Y: y0}}
}

func polygonShape(rings ...[]shp.Point) *shp.Polygon {
	var pts []shp.Point
	var parts []int32
	for _, r := range rings {
		parts = append(parts, int32(len(pts)))
		pts = append(pts, r...)
	}
	return &shp.Polygon{
		Box:       shp.BBoxFromPoints(pts),
		NumParts:  int32(len(parts)),
		NumPoints: int32(len(pts)),
		Parts:     parts,
		Points:    pts,
	}
}

func writeTestShapefile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "parcels.shp")

	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{
		shp.StringField("A1", 20),
		shp.StringField("A2", 20),
		shp.FloatField("AREA", 12, 2),
	}))

	name, err := korean.EUCKR.NewEncoder().String("중구")
	require.NoError(t, err)

	// outer ring with a hole
	row := w.Write(polygonShape(square(0, 0, 10, 10, true), square(2, 2, 4, 4, false)))
	require.NoError(t, w.WriteAttribute(int(row), 0, "28110101"))
	require.NoError(t, w.WriteAttribute(int(row), 1, name))
	require.NoError(t, w.WriteAttribute(int(row), 2, 96.5))

	// two islands
	row = w.Write(polygonShape(square(20, 0, 22, 2, true), square(30, 0, 32, 2, true)))
	require.NoError(t, w.WriteAttribute(int(row), 0, "28110102"))
	w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "parcels.prj"), []byte("EPSG:5186\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parcels.cpg"), []byte("EUC-KR"), 0644))
	return path
}

func TestOpenShapefile(t *testing.T) {
	path := writeTestShapefile(t, t.TempDir())

	ds, err := Read(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "EPSG:5186", ds.Descriptor)
	assert.Equal(t, []string{"A1", "A2", "AREA"}, ds.Fields)
	require.Len(t, ds.Features, 2)

	first := ds.Features[0]
	assert.Equal(t, "28110101", first.Attributes["A1"])
	assert.Equal(t, "중구", first.Attributes["A2"])
	assert.Equal(t, 96.5, first.Attributes["AREA"])

	poly, ok := first.Geometry.(orb.Polygon)
	require.True(t, ok, "got %T", first.Geometry)
	require.Len(t, poly, 2)
	assert.Equal(t, orb.CCW, poly[0].Orientation())
	assert.Equal(t, orb.CW, poly[1].Orientation())

	second := ds.Features[1]
	mp, ok := second.Geometry.(orb.MultiPolygon)
	require.True(t, ok, "got %T", second.Geometry)
	assert.Len(t, mp, 2)
	_, hasName := second.Attributes["A2"]
	assert.False(t, hasName, "empty cells are absent")
}

func TestCodepageOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeTestShapefile(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, "parcels.cpg")))

	// no sidecar: invalid UTF-8 still decodes as EUC-KR
	ds, err := OpenShapefile(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "중구", ds.Features[0].Attributes["A2"])

	ds, err = OpenShapefile(path, Options{Codepage: "CP949"})
	require.NoError(t, err)
	assert.Equal(t, "중구", ds.Features[0].Attributes["A2"])
}

func TestUnknownCodepageIsLogged(t *testing.T) {
	dir := t.TempDir()
	path := writeTestShapefile(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "parcels.cpg"), []byte("KLINGON"), 0644))

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	ds, err := OpenShapefile(path, Options{Logger: log})
	require.NoError(t, err)
	assert.Equal(t, "중구", ds.Features[0].Attributes["A2"], "falls back to detection")
	assert.Contains(t, buf.String(), "shapefile_unknown_codepage")
	assert.Contains(t, buf.String(), "KLINGON")

	buf.Reset()
	_, err = OpenShapefile(path, Options{Codepage: "EUC-KR", Logger: log})
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestLookupCodepage(t *testing.T) {
	for _, name := range []string{"EUC-KR", "cp949", "ANSI 949", "UTF-8", "1252", "windows-1252", "ks_c_5601-1987"} {
		_, ok := LookupCodepage(name)
		assert.True(t, ok, name)
	}
	_, ok := LookupCodepage("klingon")
	assert.False(t, ok)
}

func TestGeoJSONRoundTrip(t *testing.T) {
	f := geojson.NewFeature(orb.Polygon{{{126.9, 37.5}, {127, 37.5}, {127, 37.6}, {126.9, 37.5}}})
	f.Properties["code"] = "11110"
	f.Properties["n"] = 3.0
	g := geojson.NewFeature(orb.Point{126.95, 37.55})
	g.Properties["ok"] = true

	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, []*geojson.Feature{f, g}))

	ds, err := DecodeGeoJSON(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, GeographicDescriptor, ds.Descriptor)
	require.Len(t, ds.Features, 2)
	assert.Equal(t, "11110", ds.Features[0].Attributes["code"])
	assert.Equal(t, 3.0, ds.Features[0].Attributes["n"])
	assert.Equal(t, true, ds.Features[1].Attributes["ok"])
	assert.Equal(t, []string{"code", "n", "ok"}, ds.Fields)
}

func TestReadGeoJSONWithLegacyCRS(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zones.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"type": "FeatureCollection",
		"crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::5179"}},
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [953000, 1952000]}, "properties": {"ZONE": "A"}},
			{"type": "Feature", "geometry": null, "properties": {"ZONE": "B"}}
		]
	}`), 0644))

	ds, err := Read(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "urn:ogc:def:crs:EPSG::5179", ds.Descriptor)
	assert.Len(t, ds.Features, 1)
	assert.Equal(t, 1, ds.Skipped)
}

func TestReadUnsupported(t *testing.T) {
	_, err := Read("data.csv", Options{})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
