// Package orchestrator drives a map renderer's layers from application
// state: which admin layer is visible at the current zoom, how regions are
// colored, per-feature change-rate state, focus on one parcel and the
// current selection.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"

	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/renderer"
)

var (
	// ErrNotReady is returned by operations called before Start.
	ErrNotReady = errors.New("orchestrator: not started")

	// ErrFocusNotFound is returned when the focus key is not rendered.
	ErrFocusNotFound = errors.New("orchestrator: focus target not rendered")
)

// Window is the period price values are compared over.
type Window struct {
	From time.Time
	To   time.Time
}

// ValueProvider returns the values of one admin layer's regions, keyed by
// region code.
type ValueProvider func(ctx context.Context, layer string, w Window) (map[string]Value, error)

// DetailFunc fetches the properties of a selected feature.
type DetailFunc func(ctx context.Context, source string, id uint64) (map[string]any, error)

// Region is the admin region under the viewport center.
type Region struct {
	Layer string
	Code  string
	Name  string
}

// Selection is a resolved feature selection.
type Selection struct {
	Source     string
	ID         uint64
	Properties map[string]any
}

// ClientState is the externally owned application state applied in one
// call.
type ClientState struct {
	Mode   ColorMode
	Window Window

	// Focus is the parcel key to focus on, or empty.
	Focus string

	// Disabled admin layers stay hidden at every zoom.
	Disabled []string
}

// Options configures an Orchestrator.
type Options struct {
	// Admin defaults to DefaultAdminNames at the configured thresholds.
	Admin []AdminLayer

	Values   ValueProvider
	Details  DetailFunc
	OnSelect func(Selection)
	OnRegion func(Region)
	Logger   *slog.Logger
}

type viewport struct {
	zoom   float64
	center orb.Point
}

// Orchestrator applies layer state to a Renderer. Its methods are safe for
// concurrent use; viewport timers call back into it from their own
// goroutines.
type Orchestrator struct {
	r        renderer.Renderer
	cfg      config.Client
	admin    []AdminLayer
	values   ValueProvider
	details  DetailFunc
	onSelect func(Selection)
	onRegion func(Region)
	log      *slog.Logger

	mu     sync.Mutex
	ready  bool
	forced bool
	closed bool

	zoom     float64
	center   orb.Point
	active   map[string]bool
	disabled map[string]bool
	region   Region

	mode       ColorMode
	window     Window
	lastValues map[string]map[string]Value

	// applied holds, per source, the ids carrying change-rate state.
	applied map[string]*roaring64.Bitmap

	focus string

	limiter  *rate.Limiter
	pending  *viewport
	trailing *time.Timer
	debounce *time.Timer

	selToken  uint64
	selected  *Selection
	selection *Selection
	wg        sync.WaitGroup
}

// New returns an orchestrator for r. Nothing is applied until Start.
func New(r renderer.Renderer, cfg config.Client, opts Options) (*Orchestrator, error) {
	admin := opts.Admin
	if admin == nil {
		var err error
		admin, err = AdminLayers(DefaultAdminNames, cfg.ZoomThresholds)
		if err != nil {
			return nil, err
		}
	}
	if cfg.ReadyInterval <= 0 {
		cfg.ReadyInterval = 100 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		r:          r,
		cfg:        cfg,
		admin:      admin,
		values:     opts.Values,
		details:    opts.Details,
		onSelect:   opts.OnSelect,
		onRegion:   opts.OnRegion,
		log:        logger.Or(opts.Logger),
		active:     make(map[string]bool, len(admin)),
		disabled:   make(map[string]bool),
		lastValues: make(map[string]map[string]Value),
		applied:    make(map[string]*roaring64.Bitmap),
		limiter:    rate.NewLimiter(rate.Every(cfg.ThrottleInterval), 1),
	}
	return o, nil
}

// Admin returns the admin layers, outermost first.
func (o *Orchestrator) Admin() []AdminLayer {
	return append([]AdminLayer(nil), o.admin...)
}

// Start waits for the renderer's style and applies the initial state. If
// the style never reports loaded within the configured retries or timeout,
// Start proceeds anyway and logs a warning.
func (o *Orchestrator) Start(ctx context.Context, zoom float64, center orb.Point) error {
	forced, err := o.waitReady(ctx)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ready {
		return nil
	}
	o.ready = true
	o.forced = forced
	o.zoom, o.center = zoom, center

	o.applyZoomLocked(true)
	for _, l := range auxLayers {
		o.logErr("layer_hide_error", o.r.SetLayoutVisibility(l, false), "layer", l)
	}
	o.logErr("layer_hide_error", o.r.SetLayoutVisibility(MaskLayer, false), "layer", MaskLayer)
	o.log.Info("orchestrator_started", "zoom", zoom, "forced", forced)
	return o.recolorLocked(ctx, o.mode, o.window)
}

func (o *Orchestrator) waitReady(ctx context.Context) (forced bool, err error) {
	deadline := time.NewTimer(o.cfg.ReadyTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.ReadyInterval)
	defer ticker.Stop()

	attempt := 0
poll:
	for ; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if o.r.IsStyleLoaded() {
			return false, nil
		}
		if attempt >= o.cfg.ReadyRetries {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			break poll
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	o.log.Warn("renderer_ready_timeout", "attempts", attempt+1, "timeout", o.cfg.ReadyTimeout)
	return true, nil
}

// Forced reports whether Start proceeded without the style loading.
func (o *Orchestrator) Forced() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.forced
}

// Close stops pending timers and waits for selection fetches.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	if o.trailing != nil {
		o.trailing.Stop()
	}
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) checkReady() error {
	if !o.ready || o.closed {
		return ErrNotReady
	}
	return nil
}

// State returns the styling stage of an admin or auxiliary layer name.
func (o *Orchestrator) State(name string) LayerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range auxLayers {
		if l == name {
			if o.focus != "" {
				return Focus
			}
			return Hidden
		}
	}
	switch {
	case !o.active[name]:
		return Hidden
	case o.focus != "":
		return Focus
	case o.mode != ModeNone:
		return DataColor
	}
	return Background
}

// ActiveLayer returns the admin layer visible at the current zoom.
func (o *Orchestrator) ActiveLayer() (AdminLayer, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.admin {
		if o.active[a.Name] {
			return a, true
		}
	}
	return AdminLayer{}, false
}

func (o *Orchestrator) Mode() ColorMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) FocusKey() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.focus
}

// Region returns the last region found under the viewport center.
func (o *Orchestrator) Region() Region {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.region
}

// Applied returns how many features carry change-rate state.
func (o *Orchestrator) Applied() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n uint64
	for _, bm := range o.applied {
		n += bm.GetCardinality()
	}
	return n
}

// Apply moves to an externally supplied state.
func (o *Orchestrator) Apply(ctx context.Context, st ClientState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}

	disabled := make(map[string]bool, len(st.Disabled))
	for _, name := range st.Disabled {
		disabled[name] = true
	}
	o.disabled = disabled
	o.applyZoomLocked(false)

	switch {
	case st.Mode != o.mode, st.Window != o.window && st.Mode != ModeNone:
		if err := o.recolorLocked(ctx, st.Mode, st.Window); err != nil {
			return err
		}
	default:
		o.window = st.Window
	}

	switch {
	case st.Focus == "":
		if o.focus != "" {
			return o.exitFocusLocked()
		}
	case st.Focus != o.focus:
		return o.focusByKeyLocked(st.Focus)
	}
	return nil
}

// SetLayerEnabled hides an admin layer at every zoom, or re-enables it.
func (o *Orchestrator) SetLayerEnabled(name string, enabled bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	if enabled {
		delete(o.disabled, name)
	} else {
		o.disabled[name] = true
	}
	o.applyZoomLocked(false)
	return nil
}

// applyZoomLocked shows the admin layer whose zoom range holds the current
// zoom and hides the others. Only changed layers are touched unless all is
// set.
func (o *Orchestrator) applyZoomLocked(all bool) {
	for _, a := range o.admin {
		want := a.InZoom(o.zoom) && !o.disabled[a.Name]
		if !all && o.active[a.Name] == want {
			continue
		}
		if err := o.r.SetLayoutVisibility(a.Layer, want); err != nil {
			o.log.Warn("layer_visibility_error", "layer", a.Layer, "error", err)
			continue
		}
		o.active[a.Name] = want
		o.log.Debug("layer_visibility", "layer", a.Layer, "visible", want, "zoom", o.zoom)
	}
}

// SetColorMode swaps the fill color of every admin layer. Leaving
// change-rate mode clears all per-feature state it applied.
func (o *Orchestrator) SetColorMode(ctx context.Context, mode ColorMode) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	return o.setModeLocked(ctx, mode)
}

func (o *Orchestrator) setModeLocked(ctx context.Context, mode ColorMode) error {
	if mode == o.mode {
		return nil
	}
	return o.recolorLocked(ctx, mode, o.window)
}

// SetWindow changes the comparison period and recolors.
func (o *Orchestrator) SetWindow(ctx context.Context, w Window) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	if w == o.window {
		return nil
	}
	return o.recolorLocked(ctx, o.mode, w)
}

// recolorLocked paints every admin layer for mode over w. Values for all
// layers are fetched before anything is painted; mode and window are
// committed only once painting succeeds.
func (o *Orchestrator) recolorLocked(ctx context.Context, mode ColorMode, w Window) error {
	values := make(map[string]map[string]Value, len(o.admin))
	if mode != ModeNone && o.values != nil {
		for _, a := range o.admin {
			v, err := o.values(ctx, a.Name, w)
			if err != nil {
				return fmt.Errorf("values for %s: %w", a.Name, err)
			}
			values[a.Name] = v
		}
	}

	for _, a := range o.admin {
		var expr any = BackgroundColor
		if mode != ModeNone {
			expr = colorExpression(mode, values[a.Name])
		}
		if err := o.r.SetPaintProperty(a.Layer, FillColor, expr); err != nil {
			return fmt.Errorf("paint %s: %w", a.Layer, err)
		}
	}

	prev := o.mode
	o.mode, o.window, o.lastValues = mode, w, values
	if prev == ModeChangeRate && mode != ModeChangeRate {
		o.clearFeatureStateLocked()
	}
	if mode == ModeChangeRate {
		o.applyFeatureStateLocked()
	}
	if prev != mode {
		o.log.Info("color_mode", "from", prev.String(), "to", mode.String())
	}
	return nil
}

// applyFeatureStateLocked writes change-rate state to the rendered features
// of the visible admin layers and removes it from features that no longer
// have a value. Per-feature failures are logged and skipped.
func (o *Orchestrator) applyFeatureStateLocked() {
	for _, a := range o.admin {
		prev := o.applied[a.Name]
		next := roaring64.New()

		if o.active[a.Name] {
			feats, err := o.r.QueryRenderedFeatures(a.Layer)
			if err != nil {
				o.log.Warn("feature_query_error", "layer", a.Layer, "error", err)
			}
			values := o.lastValues[a.Name]
			for _, f := range feats {
				id, ok := renderer.FeatureID(f)
				if !ok {
					continue
				}
				code, _ := f.Properties[KeyProperty].(string)
				v, ok := values[code]
				if !ok {
					continue
				}
				err := o.r.SetFeatureState(a.Name, id, map[string]any{
					StateChangeRate:  v.ChangeRate,
					StateChangeColor: RateColor(v.ChangeRate),
				})
				if err != nil {
					o.log.Debug("feature_state_error", "source", a.Name, "id", id, "error", err)
					continue
				}
				next.Add(id)
			}
		}

		if prev != nil {
			// features that lost their value keep no stale color
			prev.AndNot(next)
			o.removeStates(a.Name, prev)
		}
		if !next.IsEmpty() || prev != nil {
			o.applied[a.Name] = next
		}
	}
}

// clearFeatureStateLocked removes every applied change-rate state. The
// applied set is emptied even when removals fail.
func (o *Orchestrator) clearFeatureStateLocked() {
	for source, bm := range o.applied {
		o.removeStates(source, bm)
		bm.Clear()
	}
}

func (o *Orchestrator) removeStates(source string, ids *roaring64.Bitmap) {
	it := ids.Iterator()
	for it.HasNext() {
		id := it.Next()
		if err := o.r.RemoveFeatureState(source, id); err != nil {
			o.log.Debug("feature_state_remove_error", "source", source, "id", id, "error", err)
		}
	}
}

// EnterFocus restricts the auxiliary layers to features whose parent is
// key and dims everything outside geom.
func (o *Orchestrator) EnterFocus(key string, geom orb.Geometry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	return o.enterFocusLocked(key, geom)
}

func (o *Orchestrator) enterFocusLocked(key string, geom orb.Geometry) error {
	holes, err := outerRings(geom)
	if err != nil {
		return err
	}
	filter := parentFilter(key)
	for _, l := range auxLayers {
		if err := o.r.SetFilter(l, filter); err != nil {
			return fmt.Errorf("focus %s: %w", l, err)
		}
		if err := o.r.SetLayoutVisibility(l, true); err != nil {
			return fmt.Errorf("focus %s: %w", l, err)
		}
	}
	if err := o.r.SetGeoJSONData(MaskLayer, maskCollection(key, holes)); err != nil {
		return fmt.Errorf("focus mask: %w", err)
	}
	if err := o.r.SetLayoutVisibility(MaskLayer, true); err != nil {
		return fmt.Errorf("focus mask: %w", err)
	}
	o.focus = key
	o.log.Info("focus_enter", "key", key, "holes", len(holes))
	return nil
}

// FocusByKey focuses on the rendered admin feature whose code is key.
// Pieces of the feature split across tiles are combined.
func (o *Orchestrator) FocusByKey(key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	return o.focusByKeyLocked(key)
}

func (o *Orchestrator) focusByKeyLocked(key string) error {
	var mp orb.MultiPolygon
	for i := len(o.admin) - 1; i >= 0 && len(mp) == 0; i-- {
		a := o.admin[i]
		frags, err := o.r.QueryFragments(a.Layer)
		if err != nil {
			o.log.Warn("feature_query_error", "layer", a.Layer, "error", err)
			continue
		}
		var match []renderer.Fragment
		for _, fr := range frags {
			if code, _ := fr.Feature.Properties[KeyProperty].(string); code == key {
				match = append(match, fr)
			}
		}
		mp = mergeFragments(match)
	}
	if len(mp) == 0 {
		return fmt.Errorf("%w: %s", ErrFocusNotFound, key)
	}
	if len(mp) == 1 {
		return o.enterFocusLocked(key, mp[0])
	}
	return o.enterFocusLocked(key, mp)
}

// ExitFocus removes the auxiliary filters and the mask.
func (o *Orchestrator) ExitFocus() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.checkReady(); err != nil {
		return err
	}
	return o.exitFocusLocked()
}

func (o *Orchestrator) exitFocusLocked() error {
	if o.focus == "" {
		return nil
	}
	for _, l := range auxLayers {
		if err := o.r.SetFilter(l, nil); err != nil {
			return fmt.Errorf("unfocus %s: %w", l, err)
		}
		if err := o.r.SetLayoutVisibility(l, false); err != nil {
			return fmt.Errorf("unfocus %s: %w", l, err)
		}
	}
	if err := o.r.SetGeoJSONData(MaskLayer, geojson.NewFeatureCollection()); err != nil {
		return fmt.Errorf("unfocus mask: %w", err)
	}
	if err := o.r.SetLayoutVisibility(MaskLayer, false); err != nil {
		return fmt.Errorf("unfocus mask: %w", err)
	}
	o.log.Info("focus_exit", "key", o.focus)
	o.focus = ""
	return nil
}

func (o *Orchestrator) logErr(msg string, err error, args ...any) {
	if err != nil {
		o.log.Warn(msg, append(args, "error", err)...)
	}
}
