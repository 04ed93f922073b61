// Package app ties the client pieces together: a camera, tiles fetched from
// a tile server, a renderer holding them and the layer orchestrator styling
// it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parceltiles/internal/camera"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/orchestrator"
	"parceltiles/internal/propstore"
	"parceltiles/internal/renderer"
	"parceltiles/internal/vectortile"
	"parceltiles/pkg/tiles"
)

const (
	SeoulLat    = 37.5665
	SeoulLon    = 126.978
	DefaultZoom = 12

	DefaultWidth  = 1280
	DefaultHeight = 720
)

// Options configures a Session.
type Options struct {
	Lat, Lon, Zoom float64
	Width, Height  int

	// Values feeds the color modes; nil leaves every region uncolored.
	Values orchestrator.ValueProvider

	OnSelect func(orchestrator.Selection)
	OnRegion func(orchestrator.Region)

	Client *http.Client
	Logger *slog.Logger
}

// Session is one map view against a tile server.
type Session struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger

	camera   *camera.Camera
	tiles    *vectortile.Cache
	renderer *renderer.Headless
	orch     *orchestrator.Orchestrator
}

// New creates a session for the tile server at cfg.ServerURL. Nothing is
// fetched until Start.
func New(cfg config.Client, opts Options) (*Session, error) {
	if opts.Width == 0 || opts.Height == 0 {
		opts.Width, opts.Height = DefaultWidth, DefaultHeight
	}
	if opts.Lat == 0 && opts.Lon == 0 {
		opts.Lat, opts.Lon = SeoulLat, SeoulLon
	}
	if opts.Zoom == 0 {
		opts.Zoom = DefaultZoom
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	admin, err := orchestrator.AdminLayers(orchestrator.DefaultAdminNames, cfg.ZoomThresholds)
	if err != nil {
		return nil, fmt.Errorf("admin layers: %w", err)
	}

	s := &Session{
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		client:   client,
		log:      logger.Or(opts.Logger),
		camera:   camera.NewCamera(opts.Lat, opts.Lon, opts.Zoom, opts.Width, opts.Height),
		renderer: renderer.NewHeadless(orchestrator.StyleLayers(admin)...),
	}
	s.tiles = vectortile.NewCache(s.baseURL, vectortile.CacheOptions{
		Client:  client,
		Logger:  s.log,
		Workers: 4,
	})

	s.orch, err = orchestrator.New(s.renderer, cfg, orchestrator.Options{
		Admin:    admin,
		Values:   opts.Values,
		Details:  s.fetchDetails,
		OnSelect: opts.OnSelect,
		OnRegion: opts.OnRegion,
		Logger:   s.log,
	})
	if err != nil {
		s.tiles.Close()
		return nil, err
	}
	return s, nil
}

// Start waits for the renderer and loads the first view.
func (s *Session) Start(ctx context.Context) error {
	s.renderer.SetZoom(s.camera.Zoom)
	if err := s.orch.Start(ctx, s.camera.Zoom, s.camera.Center()); err != nil {
		return err
	}
	return s.Sync(ctx)
}

// Close stops background work.
func (s *Session) Close() {
	s.orch.Close()
	s.tiles.Close()
}

func (s *Session) Camera() *camera.Camera { return s.camera }

func (s *Session) Renderer() *renderer.Headless { return s.renderer }

func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// sources returns the tile sources the current view draws.
func (s *Session) sources() []string {
	var out []string
	if a, ok := s.orch.ActiveLayer(); ok {
		out = append(out, a.Name)
	}
	if s.orch.FocusKey() != "" {
		out = append(out, orchestrator.SubparcelLayer, orchestrator.IndustryLayer)
	}
	return out
}

// Sync loads the tiles covering the viewport into the renderer, queues the
// surrounding ones and lets the orchestrator react to the new view.
func (s *Session) Sync(ctx context.Context) error {
	s.renderer.SetZoom(s.camera.Zoom)
	s.orch.MoveTo(s.camera.Zoom, s.camera.Center())

	rng := s.camera.TileRange()
	inView := func(c tiles.TileCoord) bool {
		return c.Zoom == rng.Zoom && c.X >= rng.MinX && c.X <= rng.MaxX && c.Y >= rng.MinY && c.Y <= rng.MaxY
	}

	for _, src := range s.sources() {
		var errs []error
		rng.Each(func(c tiles.TileCoord) {
			if s.renderer.HasTile(src, c) {
				return
			}
			layers, err := s.tiles.GetTile(ctx, src, c)
			switch {
			case errors.Is(err, vectortile.ErrNoContent):
			case err != nil:
				errs = append(errs, err)
			default:
				s.renderer.AddTileLayers(src, c, layers)
			}
		})
		if n := s.renderer.EvictTiles(src, inView); n > 0 {
			s.log.Debug("tiles_evicted", "source", src, "count", n)
		}
		if len(errs) > 0 {
			// a missing tile leaves a gap, not a broken view
			s.log.Warn("tile_load_error", "source", src, "failed", len(errs), "error", errs[0])
		}

		s.tiles.Prefetch(src, tiles.GetPrefetchTiles(s.camera.Lat, s.camera.Lon, rng.Zoom,
			s.camera.ViewportWidth, s.camera.ViewportHeight))
	}
	return s.orch.Refresh(ctx)
}

// Pan moves the view by a pixel delta.
func (s *Session) Pan(ctx context.Context, dx, dy float64) error {
	s.camera.Pan(dx, dy)
	return s.Sync(ctx)
}

// StartDrag, Drag and EndDrag follow a pointer drag. Intermediate moves
// only reach the orchestrator's throttle; tiles load when the drag ends.
func (s *Session) StartDrag(x, y float64) {
	s.camera.StartDrag(x, y)
}

func (s *Session) Drag(x, y float64) {
	if !s.camera.IsDragging() {
		return
	}
	s.camera.Drag(x, y)
	s.renderer.SetZoom(s.camera.Zoom)
	s.orch.SetViewport(s.camera.Zoom, s.camera.Center())
}

func (s *Session) EndDrag(ctx context.Context) error {
	s.camera.EndDrag()
	return s.Sync(ctx)
}

// ZoomAt zooms by delta around a screen point.
func (s *Session) ZoomAt(ctx context.Context, delta, x, y float64) error {
	s.camera.ZoomAtPoint(delta, x, y)
	return s.Sync(ctx)
}

// Resize changes the viewport size.
func (s *Session) Resize(ctx context.Context, width, height int) error {
	s.camera.SetViewport(width, height)
	return s.Sync(ctx)
}

// Focus focuses on a rendered parcel and loads its sub-parcels.
func (s *Session) Focus(ctx context.Context, key string) error {
	if err := s.orch.FocusByKey(key); err != nil {
		return err
	}
	return s.Sync(ctx)
}

// ExitFocus leaves focus mode.
func (s *Session) ExitFocus() error {
	return s.orch.ExitFocus()
}

// SetColorMode switches how regions are filled.
func (s *Session) SetColorMode(ctx context.Context, mode orchestrator.ColorMode) error {
	return s.orch.SetColorMode(ctx, mode)
}

// Select selects a feature of the visible admin layer.
func (s *Session) Select(ctx context.Context, id uint64) error {
	a, ok := s.orch.ActiveLayer()
	if !ok {
		return errors.New("no admin layer visible")
	}
	return s.orch.Select(ctx, a.Name, id)
}

// fetchDetails reads a feature's properties from the tile server.
func (s *Session) fetchDetails(ctx context.Context, source string, id uint64) (map[string]any, error) {
	url := fmt.Sprintf("%s/properties/%s/%d", s.baseURL, source, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch properties: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	var rec propstore.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return rec.Properties, nil
}

// LayerReport describes one style layer of the current view.
type LayerReport struct {
	Layer    string
	State    string
	Visible  bool
	Features int
}

// Report describes every style layer, in style order.
func (s *Session) Report() []LayerReport {
	states := make(map[string]string)
	for _, a := range s.orch.Admin() {
		states[a.Layer] = s.orch.State(a.Name).String()
	}
	for _, l := range []string{orchestrator.SubparcelLayer, orchestrator.IndustryLayer} {
		states[l] = s.orch.State(l).String()
	}

	var out []LayerReport
	for _, l := range s.renderer.Layers() {
		feats, err := s.renderer.QueryRenderedFeatures(l)
		if err != nil {
			s.log.Warn("feature_query_error", "layer", l, "error", err)
		}
		out = append(out, LayerReport{
			Layer:    l,
			State:    states[l],
			Visible:  s.renderer.Visible(l),
			Features: len(feats),
		})
	}
	return out
}
