package orchestrator

import (
	"context"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// SetViewport reports a camera move. Moves are throttled: the first one in
// an interval applies at once and the latest of the rest applies when the
// interval ends. Once moves stop for the debounce interval the region under
// the center is looked up again and change-rate state is refreshed.
func (o *Orchestrator) SetViewport(zoom float64, center orb.Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if !o.ready {
		o.zoom, o.center = zoom, center
		return
	}

	o.pending = &viewport{zoom: zoom, center: center}
	if o.trailing != nil {
		return
	}
	if o.limiter.Allow() {
		o.flushLocked()
		return
	}
	res := o.limiter.Reserve()
	o.trailing = time.AfterFunc(res.Delay(), o.flushTrailing)
}

// MoveTo applies a viewport at once, dropping any throttled move.
func (o *Orchestrator) MoveTo(zoom float64, center orb.Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if !o.ready {
		o.zoom, o.center = zoom, center
		return
	}
	if o.trailing != nil {
		o.trailing.Stop()
		o.trailing = nil
	}
	o.pending = &viewport{zoom: zoom, center: center}
	o.flushLocked()
}

// Zoom returns the last applied zoom.
func (o *Orchestrator) Zoom() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.zoom
}

func (o *Orchestrator) flushTrailing() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trailing = nil
	if o.closed {
		return
	}
	o.flushLocked()
}

func (o *Orchestrator) flushLocked() {
	if o.pending == nil {
		return
	}
	vp := *o.pending
	o.pending = nil
	o.zoom, o.center = vp.zoom, vp.center
	o.applyZoomLocked(false)

	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.cfg.DebounceInterval, o.settled)
}

func (o *Orchestrator) settled() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	region, changed := o.refreshLocked()
	cb := o.onRegion
	o.mu.Unlock()

	if changed && cb != nil {
		cb(region)
	}
}

// Refresh runs the settled-viewport work now: the region lookup and, in
// change-rate mode, feature state for newly rendered features. Callers use
// it after loading tiles.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	o.mu.Lock()
	if err := o.checkReady(); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		o.mu.Unlock()
		return err
	}
	region, changed := o.refreshLocked()
	cb := o.onRegion
	o.mu.Unlock()

	if changed && cb != nil {
		cb(region)
	}
	return nil
}

func (o *Orchestrator) refreshLocked() (Region, bool) {
	if o.mode == ModeChangeRate {
		o.applyFeatureStateLocked()
	}
	region, ok := o.lookupRegionLocked()
	if !ok || region == o.region {
		return o.region, false
	}
	o.region = region
	o.log.Debug("region_changed", "layer", region.Layer, "code", region.Code)
	return region, true
}

// lookupRegionLocked finds the feature of the visible admin layer that
// contains the viewport center.
func (o *Orchestrator) lookupRegionLocked() (Region, bool) {
	for i := len(o.admin) - 1; i >= 0; i-- {
		a := o.admin[i]
		if !o.active[a.Name] {
			continue
		}
		// every tile piece is tested; a feature crossing tiles is drawn
		// by each of them
		frags, err := o.r.QueryFragments(a.Layer)
		if err != nil {
			o.log.Warn("feature_query_error", "layer", a.Layer, "error", err)
			continue
		}
		for _, fr := range frags {
			f := fr.Feature
			if !contains(f.Geometry, o.center) {
				continue
			}
			r := Region{Layer: a.Name}
			r.Code, _ = f.Properties[KeyProperty].(string)
			r.Name, _ = f.Properties["name"].(string)
			return r, true
		}
	}
	return Region{}, false
}

func contains(g orb.Geometry, pt orb.Point) bool {
	switch g := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, pt)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, pt)
	}
	return false
}
