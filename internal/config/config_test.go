package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadAppliesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"build": {"max_zoom": 12},
		"sources": [{"name": "seoul", "path": "data/seoul.shp", "region": "11", "rename": {"A1": "code"}}]
	}`), 0644))

	t.Setenv("PARCELTILES_WORKERS", "8")
	t.Setenv("PARCELTILES_OUTPUT_DIR", filepath.Join(dir, "out"))

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Build.MaxZoom)
	assert.Equal(t, 6, cfg.Build.MinZoom, "defaults survive partial files")
	assert.Equal(t, 8, cfg.Build.Workers)
	assert.Equal(t, filepath.Join(dir, "out"), cfg.Build.OutputDir)

	s, ok := cfg.Source("seoul")
	require.True(t, ok)
	assert.Equal(t, "seoul", s.LayerName())
	assert.Equal(t, "code", s.Rename["A1"])
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("PARCELTILES_ADDR=:9999\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("PARCELTILES_ADDR") })

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted zoom", func(c *Config) { c.Build.MinZoom, c.Build.MaxZoom = 10, 5 }},
		{"zero workers", func(c *Config) { c.Build.Workers = 0 }},
		{"bad policy", func(c *Config) { c.Build.FailurePolicy = "ignore" }},
		{"bad compression", func(c *Config) { c.Build.InternalCompression = "brotli" }},
		{"duplicate source", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Path: "x"}, {Name: "a", Path: "y"}}
		}},
		{"missing path", func(c *Config) { c.Sources = []SourceConfig{{Name: "a"}} }},
		{"source zoom above build range", func(c *Config) {
			lo := 16
			c.Sources = []SourceConfig{{Name: "a", Path: "x", MinZoom: &lo}}
		}},
		{"bad derived kind", func(c *Config) {
			c.Sources = []SourceConfig{{Name: "a", Path: "x", Derived: []DerivedField{{Name: "d", From: "A1", Kind: "regex"}}}}
		}},
		{"bucketless s3", func(c *Config) { c.Publish.Backend = BackendS3 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Sources = []SourceConfig{{Name: "busan", Path: "busan.geojson", DefaultProjection: "EPSG:5187"}}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path, filepath.Join(t.TempDir(), "none.env"))
	require.NoError(t, err)
	assert.Equal(t, cfg.Sources, loaded.Sources)
	assert.Equal(t, cfg.Client.ThrottleInterval, loaded.Client.ThrottleInterval)
}

func TestSourceZoomRange(t *testing.T) {
	b := DefaultConfig().Build
	lo, hi := SourceConfig{}.ZoomRange(b)
	assert.Equal(t, b.MinZoom, lo)
	assert.Equal(t, b.MaxZoom, hi)

	var s SourceConfig
	require.NoError(t, json.Unmarshal([]byte(`{"name":"sido","min_zoom":0,"max_zoom":8}`), &s))
	lo, hi = s.ZoomRange(b)
	assert.Equal(t, 0, lo, "explicit zero overrides the default")
	assert.Equal(t, 8, hi)
}
