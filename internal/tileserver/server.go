// Package tileserver serves tiles, archive metadata and feature properties
// from the archives a build produced.
package tileserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"parceltiles/internal/archive"
	"parceltiles/internal/blobstore"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/metrics"
	"parceltiles/internal/propstore"
	"parceltiles/pkg/tiles"
)

// Store paths, matching the build output tree.
const (
	tilesPrefix      = "tiles/"
	propertiesPrefix = "properties/"
	archiveExt       = ".pmtiles"
)

// ContentTypeMVT is the media type of a vector tile.
const ContentTypeMVT = "application/x-protobuf"

// Options configures a Server.
type Options struct {
	// Store holds tiles/<layer>.pmtiles and properties/<layer>.json.
	Store blobstore.Store

	// Properties answers property lookups when set; otherwise the
	// properties JSON next to the archive is loaded on first use.
	Properties *propstore.Store

	Cache  *TileCache
	Logger *slog.Logger
}

// Server serves the archives found in a blob store.
type Server struct {
	cfg   config.Server
	store blobstore.Store
	props *propstore.Store
	cache *TileCache
	log   *slog.Logger

	mu     sync.RWMutex
	layers map[string]*layer

	engine *gin.Engine
	srv    *http.Server
}

// layer is one opened archive. Handlers hold a reference while they read
// it; a layer replaced by Reload closes its blob once the last one is
// released.
type layer struct {
	name    string
	blob    blobstore.Blob
	reader  *archive.Reader
	version string

	refMu   sync.Mutex
	refs    int
	retired bool

	// props is nil until loaded; failed loads are retried.
	propsMu sync.Mutex
	props   map[uint64]propstore.Record
}

func (l *layer) acquire() {
	l.refMu.Lock()
	l.refs++
	l.refMu.Unlock()
}

func (l *layer) release() {
	l.refMu.Lock()
	l.refs--
	done := l.retired && l.refs == 0
	l.refMu.Unlock()
	if done {
		l.blob.Close()
	}
}

// retire closes the blob now, or after the last reader releases it.
func (l *layer) retire() {
	l.refMu.Lock()
	if l.retired {
		l.refMu.Unlock()
		return
	}
	l.retired = true
	done := l.refs == 0
	l.refMu.Unlock()
	if done {
		l.blob.Close()
	}
}

// New opens every archive in the store and sets up the routes.
func New(ctx context.Context, cfg config.Server, opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("tileserver: no store")
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewTileCache(CacheOptions{Size: cfg.CacheSize, Logger: opts.Logger})
	}
	s := &Server{
		cfg:    cfg,
		store:  opts.Store,
		props:  opts.Properties,
		cache:  cache,
		log:    logger.Or(opts.Logger),
		layers: make(map[string]*layer),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	s.engine = s.routes()
	return s, nil
}

// Reload opens archives that are new or changed since the last call and
// forgets the ones that disappeared.
func (s *Server) Reload(ctx context.Context) error {
	names, err := s.store.List(ctx, tilesPrefix)
	if err != nil {
		return fmt.Errorf("tileserver: list archives: %w", err)
	}

	found := make(map[string]*layer)
	for _, n := range names {
		if !strings.HasSuffix(n, archiveExt) || strings.Contains(strings.TrimPrefix(n, tilesPrefix), "/") {
			continue
		}
		l, err := s.openLayer(ctx, n)
		if err != nil {
			s.log.Error("archive_open_failed", "name", n, "error", err)
			continue
		}
		found[l.name] = l
	}

	s.mu.Lock()
	old := s.layers
	for name, l := range found {
		if prev, ok := old[name]; ok && prev.version == l.version {
			l.blob.Close()
			found[name] = prev
		}
	}
	s.layers = found
	s.mu.Unlock()

	for name, prev := range old {
		if cur, ok := found[name]; !ok || cur != prev {
			prev.retire()
		}
	}
	s.log.Info("archives_loaded", "layers", len(found))
	return nil
}

func (s *Server) openLayer(ctx context.Context, name string) (*layer, error) {
	blob, err := s.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r, err := archive.Open(blob, blob.Size())
	if err != nil {
		blob.Close()
		return nil, err
	}
	hb, err := r.Header().MarshalBinary()
	if err != nil {
		blob.Close()
		return nil, err
	}
	return &layer{
		name:    strings.TrimSuffix(path.Base(name), archiveExt),
		blob:    blob,
		reader:  r,
		version: strconv.FormatUint(xxhash.Sum64(hb), 16),
	}, nil
}

// layer returns a served layer with a reference held; the caller releases
// it when done reading.
func (s *Server) layer(name string) (*layer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[name]
	if ok {
		l.acquire()
	}
	return l, ok
}

// Layers returns the served layer names.
func (s *Server) Layers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.layers))
	for n := range s.layers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/tiles", s.handleLayers)
	r.GET("/tiles/:layer/metadata", s.handleMetadata)
	r.GET("/tiles/:layer/:z/:x/:y", s.handleTile)
	r.GET("/properties/:layer/:id", s.handleProperties)
	r.POST("/prefetch", s.handlePrefetch)
	return r
}

// Start serves on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("tileserver_start", "addr", s.cfg.Addr, "layers", len(s.Layers()))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// Stop closes the archives and the cache.
func (s *Server) Stop() error {
	var err error
	if s.srv != nil {
		err = s.srv.Close()
	}
	s.mu.Lock()
	for _, l := range s.layers {
		l.retire()
	}
	s.layers = map[string]*layer{}
	s.mu.Unlock()
	s.cache.Close()
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "layers": len(s.Layers())})
}

func (s *Server) handleLayers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"layers": s.Layers()})
}

// handleTile serves /tiles/{layer}/{z}/{x}/{y}, with an optional .pbf or
// .mvt suffix on y.
func (s *Server) handleTile(c *gin.Context) {
	start := time.Now()
	name := c.Param("layer")
	code := s.serveTile(c, name)
	metrics.TileRequestsTotal.WithLabelValues(metricLayer(code, name), strconv.Itoa(code)).Inc()
	metrics.TileRequestDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func (s *Server) serveTile(c *gin.Context, name string) int {
	coord, err := parseCoord(c.Param("z"), c.Param("x"), c.Param("y"))
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return http.StatusBadRequest
	}
	l, ok := s.layer(name)
	if !ok {
		c.String(http.StatusNotFound, "unknown layer %s", name)
		return http.StatusNotFound
	}
	defer l.release()

	data, err := s.tile(c.Request.Context(), l, coord)
	if err != nil {
		s.log.Error("tile_read_error", "layer", name, "tile", coord.String(), "error", err)
		c.String(http.StatusInternalServerError, "tile read failed")
		return http.StatusInternalServerError
	}
	if len(data) == 0 {
		c.Status(http.StatusNoContent)
		return http.StatusNoContent
	}

	if enc := contentEncoding(l.reader.Header().TileCompression); enc != "" {
		c.Header("Content-Encoding", enc)
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Header("ETag", `"`+l.version+`"`)
	c.Data(http.StatusOK, ContentTypeMVT, data)
	return http.StatusOK
}

// tile returns the stored bytes of a tile, or an empty slice for a tile
// the archive does not hold.
func (s *Server) tile(ctx context.Context, l *layer, coord tiles.TileCoord) ([]byte, error) {
	key := "parceltiles:tile:" + l.name + ":" + l.version + ":" + coord.String()
	return s.cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		data, err := l.reader.Tile(ctx, coord.Zoom, coord.X, coord.Y)
		if errors.Is(err, archive.ErrNoContent) {
			return []byte{}, nil
		}
		return data, err
	})
}

// metadataResponse is the metadata document plus the header fields a
// client needs to frame the layer.
type metadataResponse struct {
	archive.Metadata
	Tiles      []string  `json:"tiles"`
	Bounds     []float64 `json:"bounds"`
	Center     []float64 `json:"center"`
	TileCount  uint64    `json:"tile_count"`
	Compressed string    `json:"tile_compression"`
}

func (s *Server) handleMetadata(c *gin.Context) {
	name := c.Param("layer")
	l, ok := s.layer(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown layer " + name})
		return
	}
	defer l.release()
	h := l.reader.Header()
	b, ctr := h.Bound(), h.Center()
	c.JSON(http.StatusOK, metadataResponse{
		Metadata:   l.reader.Metadata(),
		Tiles:      []string{"/tiles/" + name + "/{z}/{x}/{y}"},
		Bounds:     []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
		Center:     []float64{ctr[0], ctr[1], float64(h.CenterZoom)},
		TileCount:  h.AddressedTilesCount,
		Compressed: h.TileCompression.String(),
	})
}

func (s *Server) handleProperties(c *gin.Context) {
	name := c.Param("layer")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	l, ok := s.layer(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown layer " + name})
		return
	}
	defer l.release()

	rec, err := s.property(c.Request.Context(), l, id)
	switch {
	case errors.Is(err, propstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown feature"})
	case err != nil:
		s.log.Error("properties_read_error", "layer", name, "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "properties read failed"})
	default:
		c.JSON(http.StatusOK, rec)
	}
}

func (s *Server) property(ctx context.Context, l *layer, id uint64) (propstore.Record, error) {
	if s.props != nil {
		return s.props.Get(ctx, l.name, id)
	}

	props, err := s.layerProperties(ctx, l)
	if err != nil {
		return propstore.Record{}, err
	}
	rec, ok := props[id]
	if !ok {
		return propstore.Record{}, propstore.ErrNotFound
	}
	return rec, nil
}

// layerProperties loads a layer's properties file on first use. The load
// is not tied to the request that triggered it.
func (s *Server) layerProperties(ctx context.Context, l *layer) (map[uint64]propstore.Record, error) {
	l.propsMu.Lock()
	defer l.propsMu.Unlock()
	if l.props != nil {
		return l.props, nil
	}
	props, err := s.loadProperties(context.WithoutCancel(ctx), l.name)
	if err != nil {
		return nil, err
	}
	if props == nil {
		props = map[uint64]propstore.Record{}
	}
	l.props = props
	return props, nil
}

func (s *Server) loadProperties(ctx context.Context, name string) (map[uint64]propstore.Record, error) {
	blob, err := s.store.Open(ctx, propertiesPrefix+name+".json")
	if errors.Is(err, blobstore.ErrNotFound) {
		return map[uint64]propstore.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	return propstore.ReadJSON(io.NewSectionReader(blob, 0, blob.Size()))
}

// PrefetchRequest asks for the tiles around a viewport to be warmed.
type PrefetchRequest struct {
	Layer          string  `json:"layer"`
	CenterLat      float64 `json:"centerLat"`
	CenterLon      float64 `json:"centerLon"`
	Zoom           int     `json:"zoom"`
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
}

func (s *Server) handlePrefetch(c *gin.Context) {
	var req PrefetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	l, ok := s.layer(req.Layer)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown layer " + req.Layer})
		return
	}
	l.release()

	coords := tiles.GetPrefetchTiles(req.CenterLat, req.CenterLon, req.Zoom, req.ViewportWidth, req.ViewportHeight)
	go s.Prefetch(context.Background(), l.name, coords)
	c.JSON(http.StatusAccepted, gin.H{"status": "prefetching", "tiles": len(coords)})
}

// Prefetch loads coords of a layer into the cache, a few at a time.
func (s *Server) Prefetch(ctx context.Context, name string, coords []tiles.TileCoord) error {
	l, ok := s.layer(name)
	if !ok {
		return fmt.Errorf("tileserver: unknown layer %s", name)
	}
	defer l.release()
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Prefetch, 1))
	for _, coord := range coords {
		if !coord.Valid() {
			continue
		}
		g.Go(func() error {
			_, err := s.tile(ctx, l, coord)
			return err
		})
	}
	return g.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http_request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseCoord(zs, xs, ys string) (tiles.TileCoord, error) {
	ys = strings.TrimSuffix(strings.TrimSuffix(ys, ".pbf"), ".mvt")
	z, err := strconv.Atoi(zs)
	if err != nil {
		return tiles.TileCoord{}, fmt.Errorf("invalid zoom %q", zs)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return tiles.TileCoord{}, fmt.Errorf("invalid x %q", xs)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return tiles.TileCoord{}, fmt.Errorf("invalid y %q", ys)
	}
	coord := tiles.TileCoord{X: x, Y: y, Zoom: z}
	if !coord.Valid() {
		return tiles.TileCoord{}, fmt.Errorf("tile %s out of range", coord)
	}
	return coord, nil
}

func contentEncoding(c archive.Compression) string {
	switch c {
	case archive.Gzip:
		return "gzip"
	case archive.Zstd:
		return "zstd"
	}
	return ""
}

// metricLayer keeps unknown layer names out of the metric labels.
func metricLayer(code int, name string) string {
	if code == http.StatusNotFound || code == http.StatusBadRequest {
		return "unknown"
	}
	return name
}
