package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Failure policies for per-coordinate projection errors.
const (
	PolicyDrop = "drop"
	PolicyFail = "fail"
)

// Publish backends.
const (
	BackendNone  = "none"
	BackendLocal = "local"
	BackendMinIO = "minio"
	BackendS3    = "s3"
)

// Config holds build, server and client configuration
type Config struct {
	Build   Build          `json:"build"`
	Sources []SourceConfig `json:"sources"`
	Server  Server         `json:"server"`
	Publish Publish        `json:"publish"`
	Client  Client         `json:"client"`
}

// Build contains pipeline parameters shared by all sources
type Build struct {
	// OutputDir is the root of the output tree (tmp/, properties/, tiles/)
	OutputDir string `json:"output_dir"`

	// Workers bounds concurrent tile encoding within a source
	Workers int `json:"workers"`

	// SourceWorkers bounds how many sources are built at once
	SourceWorkers int `json:"source_workers"`

	MinZoom int `json:"min_zoom"`
	MaxZoom int `json:"max_zoom"`

	// Extent is the tile coordinate space, 4096 by convention
	Extent int `json:"extent"`

	// Buffer is the clip buffer in tile pixels (of Extent)
	Buffer int `json:"buffer"`

	// Tolerance is the simplification tolerance in tile pixels
	Tolerance float64 `json:"tolerance"`

	// Precision is the visual center search precision in degrees
	Precision float64 `json:"precision"`

	// FailurePolicy decides what a failed coordinate transform does: drop | fail
	FailurePolicy string `json:"failure_policy"`

	// InternalCompression compresses directories and metadata: gzip | zstd | none
	InternalCompression string `json:"internal_compression"`

	// WriteSQLite also stores final properties in properties/properties.db
	WriteSQLite bool `json:"write_sqlite"`
}

// SourceConfig describes one input dataset
type SourceConfig struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Layer is the logical layer name inside the tiles (defaults to Name)
	Layer string `json:"layer,omitempty"`

	// Unset zoom values fall back to the build defaults
	MinZoom *int `json:"min_zoom,omitempty"`
	MaxZoom *int `json:"max_zoom,omitempty"`

	// Region keeps only features matching this code or name
	Region string `json:"region,omitempty"`

	// RegionFields restricts the region match to these attributes; empty scans all
	RegionFields []string `json:"region_fields,omitempty"`

	Keep    []string          `json:"keep,omitempty"`
	Rename  map[string]string `json:"rename,omitempty"`
	Derived []DerivedField    `json:"derived,omitempty"`

	IDField     string `json:"id_field,omitempty"`
	ParentField string `json:"parent_field,omitempty"`

	// Codepage overrides the .cpg sidecar (EUC-KR, CP949, UTF-8)
	Codepage string `json:"codepage,omitempty"`

	// DefaultProjection is used when the .prj sidecar is missing or unrecognised,
	// e.g. "EPSG:5186". Empty means an unrecognised projection fails the source.
	DefaultProjection string `json:"default_projection,omitempty"`

	// Disabled sources are skipped and keep their previous output
	Disabled bool `json:"disabled,omitempty"`
}

// LayerName returns the tile layer name of the source.
func (s SourceConfig) LayerName() string {
	if s.Layer != "" {
		return s.Layer
	}
	return s.Name
}

// DerivedField computes a new attribute from an existing one
type DerivedField struct {
	Name string `json:"name"`
	From string `json:"from"`

	// Kind is substring or area
	Kind string `json:"kind"`

	Start  int `json:"start,omitempty"`
	Length int `json:"length,omitempty"`
}

// Server contains tile server parameters
type Server struct {
	Addr string `json:"addr"`

	// DataDir holds tiles/ and properties/ as written by a build; defaults to output_dir
	DataDir string `json:"data_dir,omitempty"`

	// Prefetch bounds concurrent archive reads when warming the cache
	Prefetch int `json:"prefetch"`

	// CacheSize is the number of tiles kept in the in-process cache
	CacheSize int `json:"cache_size"`

	// RedisAddr enables the shared tile cache when set
	RedisAddr string        `json:"redis_addr,omitempty"`
	RedisTTL  time.Duration `json:"redis_ttl,omitempty"`
}

// Publish contains artifact upload parameters
type Publish struct {
	Backend   string `json:"backend"`
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// Client contains layer orchestration parameters
type Client struct {
	// ServerURL is the tile server base URL
	ServerURL string `json:"server_url"`

	// ZoomThresholds are the minimum zooms of the nested admin layers, outermost first
	ZoomThresholds []float64 `json:"zoom_thresholds"`

	// ThrottleInterval is the minimum gap between viewport recomputations
	ThrottleInterval time.Duration `json:"throttle_interval"`

	// DebounceInterval delays expensive re-queries after the viewport settles
	DebounceInterval time.Duration `json:"debounce_interval"`

	ReadyRetries  int           `json:"ready_retries"`
	ReadyInterval time.Duration `json:"ready_interval"`
	ReadyTimeout  time.Duration `json:"ready_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Build: Build{
			OutputDir:           "output",
			Workers:             4,
			SourceWorkers:       1,
			MinZoom:             6,
			MaxZoom:             14,
			Extent:              4096,
			Buffer:              64,
			Tolerance:           3,
			Precision:           0.000001,
			FailurePolicy:       PolicyDrop,
			InternalCompression: "gzip",
		},
		Server: Server{
			Addr:      ":8080",
			CacheSize: 1000,
			Prefetch:  4,
			RedisTTL:  10 * time.Minute,
		},
		Publish: Publish{
			Backend: BackendNone,
		},
		Client: Client{
			ServerURL:        "http://localhost:8080",
			ZoomThresholds:   []float64{0, 8, 11, 14},
			ThrottleInterval: 100 * time.Millisecond,
			DebounceInterval: 300 * time.Millisecond,
			ReadyRetries:     20,
			ReadyInterval:    100 * time.Millisecond,
			ReadyTimeout:     5 * time.Second,
		},
	}
}

// Load reads a JSON config file on top of the defaults, then applies
// environment overrides. Any .env files are loaded first; a missing .env
// is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	loadDotEnv(envFiles...)

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func loadDotEnv(files ...string) {
	if len(files) == 0 {
		_ = godotenv.Load()
		return
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides values from PARCELTILES_*, REDIS_ADDR, MINIO_* and S3_* variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PARCELTILES_OUTPUT_DIR"); v != "" {
		c.Build.OutputDir = v
	}
	if v := os.Getenv("PARCELTILES_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PARCELTILES_WORKERS: %w", err)
		}
		c.Build.Workers = n
	}
	if v := os.Getenv("PARCELTILES_FAILURE_POLICY"); v != "" {
		c.Build.FailurePolicy = strings.ToLower(v)
	}
	if v := os.Getenv("PARCELTILES_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Server.RedisAddr = v
	}

	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.Publish.Backend = BackendMinIO
		c.Publish.Endpoint = v
		c.Publish.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
		c.Publish.SecretKey = os.Getenv("MINIO_SECRET_KEY")
		c.Publish.UseSSL = os.Getenv("MINIO_USE_SSL") == "true"
		if b := os.Getenv("MINIO_BUCKET"); b != "" {
			c.Publish.Bucket = b
		}
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		c.Publish.Backend = BackendS3
		c.Publish.Bucket = v
		if r := os.Getenv("S3_REGION"); r != "" {
			c.Publish.Region = r
		}
		if p := os.Getenv("S3_PREFIX"); p != "" {
			c.Publish.Prefix = p
		}
	}
	return nil
}

// ZoomRange returns the source's zoom range, falling back to the build
// defaults for unset ends.
func (s SourceConfig) ZoomRange(b Build) (lo, hi int) {
	lo, hi = b.MinZoom, b.MaxZoom
	if s.MinZoom != nil {
		lo = *s.MinZoom
	}
	if s.MaxZoom != nil {
		hi = *s.MaxZoom
	}
	return lo, hi
}

// Validate checks zoom ranges, source names and enumerated options.
func (c *Config) Validate() error {
	var errs []error

	b := c.Build
	if b.MinZoom < 0 || b.MaxZoom > 24 || b.MinZoom > b.MaxZoom {
		errs = append(errs, fmt.Errorf("build zoom range %d..%d invalid", b.MinZoom, b.MaxZoom))
	}
	if b.Workers < 1 {
		errs = append(errs, fmt.Errorf("build workers must be >= 1, got %d", b.Workers))
	}
	if b.SourceWorkers < 1 {
		errs = append(errs, fmt.Errorf("build source_workers must be >= 1, got %d", b.SourceWorkers))
	}
	if b.Extent <= 0 {
		errs = append(errs, errors.New("build extent must be positive"))
	}
	switch b.FailurePolicy {
	case PolicyDrop, PolicyFail:
	default:
		errs = append(errs, fmt.Errorf("unknown failure_policy %q", b.FailurePolicy))
	}
	switch b.InternalCompression {
	case "gzip", "zstd", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown internal_compression %q", b.InternalCompression))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("source %d has no name", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate source name %q", s.Name))
		}
		seen[s.Name] = true
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("source %q has no path", s.Name))
		}
		if lo, hi := s.ZoomRange(b); lo < 0 || hi > 24 || lo > hi {
			errs = append(errs, fmt.Errorf("source %q zoom range %d..%d invalid", s.Name, lo, hi))
		}
		for _, d := range s.Derived {
			if d.Kind != "substring" && d.Kind != "area" {
				errs = append(errs, fmt.Errorf("source %q derived %q: unknown kind %q", s.Name, d.Name, d.Kind))
			}
		}
	}

	switch c.Publish.Backend {
	case "", BackendNone, BackendLocal:
	case BackendMinIO, BackendS3:
		if c.Publish.Bucket == "" {
			errs = append(errs, fmt.Errorf("publish backend %s needs a bucket", c.Publish.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publish backend %q", c.Publish.Backend))
	}

	return errors.Join(errs...)
}

// Source returns the named source configuration.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// DataDir returns the directory the tile server reads archives and
// properties from.
func (c *Config) DataDir() string {
	if c.Server.DataDir != "" {
		return c.Server.DataDir
	}
	return c.Build.OutputDir
}
