package build

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parceltiles/internal/archive"
	"parceltiles/internal/blobstore"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/projection"
	"parceltiles/internal/propstore"
	"parceltiles/internal/source"
	"parceltiles/internal/vectortile"
	"parceltiles/pkg/tiles"
)

// square returns a GeoJSON polygon feature of side d degrees at lon, lat.
func square(id int, code string, lon, lat, d float64) map[string]any {
	return map[string]any{
		"type": "Feature",
		"geometry": map[string]any{
			"type": "Polygon",
			"coordinates": [][][]float64{{
				{lon, lat}, {lon + d, lat}, {lon + d, lat + d}, {lon, lat + d}, {lon, lat},
			}},
		},
		"properties": map[string]any{
			"PNU":  id,
			"CODE": code,
			"NAME": "parcel",
		},
	}
}

func writeSource(t *testing.T, dir, name string, features ...map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{"type": "FeatureCollection", "features": features})
	require.NoError(t, err)
	p := filepath.Join(dir, name+".geojson")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Build.OutputDir = t.TempDir()
	cfg.Build.MinZoom = 10
	cfg.Build.MaxZoom = 12
	cfg.Build.Workers = 4
	cfg.Build.SourceWorkers = 2
	return cfg
}

func openArchive(t *testing.T, file string) *archive.Reader {
	t.Helper()
	f, err := os.Open(file)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	info, err := f.Stat()
	require.NoError(t, err)
	r, err := archive.Open(f, info.Size())
	require.NoError(t, err)
	return r
}

func TestRunBuildsOutputTree(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	cfg.Sources = []config.SourceConfig{{
		Name:         "parcels",
		Path:         writeSource(t, in, "parcels", square(1, "11110", 127.00, 37.50, 0.01), square(2, "11110", 127.02, 37.52, 0.01), square(3, "26110", 129.0, 35.1, 0.01)),
		Region:       "11",
		RegionFields: []string{"CODE"},
		IDField:      "PNU",
	}}

	var progress []SourceResult
	p := New(cfg, Options{Logger: logger.Discard(), Progress: func(r SourceResult) { progress = append(progress, r) }})
	report, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	require.Len(t, report.Sources, 1)
	assert.Len(t, progress, 1)

	res := report.Sources[0]
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "EPSG:4326", res.Projection)
	assert.False(t, res.FellBack)
	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 1, res.Filtered)
	assert.Equal(t, 2, res.Features)
	assert.Positive(t, res.Tiles)
	assert.Positive(t, res.Bytes)

	out := cfg.Build.OutputDir
	for _, rel := range []string{"tmp/parcels.geojson", "tiles/parcels.pmtiles", "properties/parcels.json"} {
		assert.FileExists(t, filepath.Join(out, rel))
	}
	assert.ElementsMatch(t, []string{"tmp/parcels.geojson", "tiles/parcels.pmtiles", "properties/parcels.json"}, res.Outputs)

	ar := openArchive(t, filepath.Join(out, "tiles", "parcels.pmtiles"))
	require.NoError(t, ar.Verify(context.Background()))
	h := ar.Header()
	assert.Equal(t, uint8(10), h.MinZoom)
	assert.Equal(t, uint8(12), h.MaxZoom)
	assert.Equal(t, uint64(res.Tiles), h.AddressedTilesCount)

	meta := ar.Metadata()
	layer, ok := meta.Layer("parcels")
	require.True(t, ok)
	assert.Equal(t, "Number", layer.Fields["PNU"])
	assert.Equal(t, 2, meta.FeatureCount)

	coord := tiles.LatLonToTile(37.505, 127.005, 12)
	data, err := ar.Tile(context.Background(), coord.Zoom, coord.X, coord.Y)
	require.NoError(t, err)
	layers, err := vectortile.Decode(data, coord)
	require.NoError(t, err)
	f := vectortile.FindFeature(layers, "parcels", "PNU", float64(1))
	require.NotNil(t, f)
	assert.Equal(t, "11110", f.Properties["CODE"])

	busan := tiles.LatLonToTile(35.105, 129.005, 12)
	_, err = ar.Tile(context.Background(), busan.Zoom, busan.X, busan.Y)
	assert.ErrorIs(t, err, archive.ErrNoContent)

	pf, err := os.Open(filepath.Join(out, "properties", "parcels.json"))
	require.NoError(t, err)
	defer pf.Close()
	records, err := propstore.ReadJSON(pf)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records, uint64(1))
	assert.Contains(t, records, uint64(2))
}

func TestRunIsolatesFailingSource(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	cfg.Sources = []config.SourceConfig{
		{Name: "missing", Path: filepath.Join(in, "missing.geojson")},
		{Name: "good", Path: writeSource(t, in, "good", square(1, "11", 127.0, 37.5, 0.01))},
		{Name: "format", Path: filepath.Join(in, "parcels.csv")},
	}

	report, err := New(cfg, Options{Logger: logger.Discard()}).Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, report.Sources, 3)

	assert.Equal(t, "missing", report.Sources[0].Name)
	assert.Equal(t, StatusFailed, report.Sources[0].Status)
	assert.Equal(t, StatusOK, report.Sources[1].Status)
	assert.Equal(t, StatusFailed, report.Sources[2].Status)
	assert.Len(t, report.Failed(), 2)

	err = report.Err()
	require.Error(t, err)
	var se *SourceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageRead, se.Stage)

	res, ok := report.Result("format")
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, source.ErrUnsupportedFormat)

	assert.FileExists(t, filepath.Join(cfg.Build.OutputDir, "tiles", "good.pmtiles"))
	assert.NoFileExists(t, filepath.Join(cfg.Build.OutputDir, "tiles", "missing.pmtiles"))
}

func TestRunUnknownProjection(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	data := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::99999"}},
		"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[127,37.5]},"properties":{}}]}`
	p := filepath.Join(in, "odd.geojson")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))

	cfg.Sources = []config.SourceConfig{
		{Name: "strict", Path: p},
		{Name: "lenient", Path: p, DefaultProjection: "EPSG:4326"},
	}
	report, err := New(cfg, Options{Logger: logger.Discard()}).Run(context.Background(), nil)
	require.NoError(t, err)

	strict, _ := report.Result("strict")
	assert.Equal(t, StatusFailed, strict.Status)
	assert.ErrorIs(t, strict.Err, projection.ErrUnknownProjection)
	var se *SourceError
	require.ErrorAs(t, strict.Err, &se)
	assert.Equal(t, StageProjection, se.Stage)

	lenient, _ := report.Result("lenient")
	assert.Equal(t, StatusOK, lenient.Status)
	assert.True(t, lenient.FellBack)
	assert.Equal(t, "EPSG:4326", lenient.Projection)
}

func TestRunSkipKeepsPriorOutput(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	cfg.Sources = []config.SourceConfig{
		{Name: "elsewhere", Path: writeSource(t, in, "elsewhere", square(1, "26", 129.0, 35.1, 0.01)), Region: "11"},
		{Name: "off", Path: writeSource(t, in, "off", square(1, "11", 127.0, 37.5, 0.01)), Disabled: true},
	}

	prior := filepath.Join(cfg.Build.OutputDir, "tiles", "elsewhere.pmtiles")
	require.NoError(t, os.MkdirAll(filepath.Dir(prior), 0o755))
	require.NoError(t, os.WriteFile(prior, []byte("previous build"), 0o644))

	report, err := New(cfg, Options{Logger: logger.Discard()}).Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	elsewhere, _ := report.Result("elsewhere")
	assert.Equal(t, StatusSkipped, elsewhere.Status)
	assert.Equal(t, 1, elsewhere.Filtered)
	off, _ := report.Result("off")
	assert.Equal(t, StatusSkipped, off.Status)
	assert.Equal(t, "disabled", off.Reason)

	data, err := os.ReadFile(prior)
	require.NoError(t, err)
	assert.Equal(t, "previous build", string(data))
	assert.NoFileExists(t, filepath.Join(cfg.Build.OutputDir, "tiles", "off.pmtiles"))

	entries, err := os.ReadDir(filepath.Dir(prior))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no pending files left behind")
}

func TestRunSelection(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	cfg.Sources = []config.SourceConfig{
		{Name: "a", Path: writeSource(t, in, "a", square(1, "11", 127.0, 37.5, 0.01))},
		{Name: "b", Path: writeSource(t, in, "b", square(1, "11", 127.0, 37.5, 0.01))},
	}
	p := New(cfg, Options{Logger: logger.Discard()})

	_, err := p.Run(context.Background(), []string{"a", "nope"})
	assert.ErrorContains(t, err, `unknown source "nope"`)

	report, err := p.Run(context.Background(), []string{"b"})
	require.NoError(t, err)
	require.Len(t, report.Sources, 1)
	assert.Equal(t, "b", report.Sources[0].Name)
	assert.NoFileExists(t, filepath.Join(cfg.Build.OutputDir, "tiles", "a.pmtiles"))
}

func TestRunPublishesAndStoresProperties(t *testing.T) {
	cfg := testConfig(t)
	cfg.Build.WriteSQLite = true
	in := t.TempDir()
	cfg.Sources = []config.SourceConfig{
		{Name: "parcels", Path: writeSource(t, in, "parcels", square(7, "11", 127.0, 37.5, 0.01), square(8, "11", 127.1, 37.5, 0.01)), IDField: "PNU"},
	}

	store := blobstore.NewMemory()
	report, err := New(cfg, Options{Logger: logger.Discard(), Publisher: store}).Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"properties/parcels.json", "tiles/parcels.pmtiles"}, names)

	db, err := propstore.Open(filepath.Join(cfg.Build.OutputDir, "properties", "properties.db"))
	require.NoError(t, err)
	defer db.Close()
	n, err := db.Count(context.Background(), "parcels")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rec, err := db.Get(context.Background(), "parcels", 8)
	require.NoError(t, err)
	assert.InDelta(t, 127.105, rec.Coord[0], 1e-3)
}

func TestReportErr(t *testing.T) {
	r := &Report{Sources: []SourceResult{{Name: "a", Status: StatusOK}, {Name: "b", Status: StatusSkipped}}}
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Failed())

	cause := errors.New("boom")
	r.Sources = append(r.Sources, SourceResult{Name: "c", Status: StatusFailed,
		Err: &SourceError{Source: "c", Stage: StageEncode, Err: cause}})
	assert.ErrorIs(t, r.Err(), cause)
	assert.EqualError(t, r.Sources[2].Err, "source c: encode: boom")
}

func TestRunSourceZoomOverride(t *testing.T) {
	cfg := testConfig(t)
	in := t.TempDir()
	zero, one := 0, 1
	cfg.Sources = []config.SourceConfig{{
		Name:    "sido",
		Path:    writeSource(t, in, "sido", square(1, "11", 127.00, 37.50, 0.5)),
		MinZoom: &zero,
		MaxZoom: &one,
	}}

	report, err := New(cfg, Options{Logger: logger.Discard()}).Run(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	h := openArchive(t, filepath.Join(cfg.Build.OutputDir, "tiles", "sido.pmtiles")).Header()
	assert.Equal(t, uint8(0), h.MinZoom, "explicit zero is not the build default")
	assert.Equal(t, uint8(1), h.MaxZoom)
}
