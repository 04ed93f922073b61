package orchestrator

import (
	"context"
)

// Select marks a feature selected and fetches its details in the
// background. A newer Select or ClearSelection supersedes a fetch still in
// flight; its result is dropped.
func (o *Orchestrator) Select(ctx context.Context, source string, id uint64) error {
	o.mu.Lock()
	if err := o.checkReady(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.selToken++
	token := o.selToken
	o.markSelectedLocked(&Selection{Source: source, ID: id})
	fetch := o.details
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		sel := Selection{Source: source, ID: id}
		var err error
		if fetch != nil {
			sel.Properties, err = fetch(ctx, source, id)
		}
		o.resolveSelection(token, sel, err)
	}()
	return nil
}

// ClearSelection unmarks the selected feature and drops pending fetches.
func (o *Orchestrator) ClearSelection() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selToken++
	o.markSelectedLocked(nil)
	o.selection = nil
}

// Selection returns the last resolved selection.
func (o *Orchestrator) Selection() (Selection, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.selection == nil {
		return Selection{}, false
	}
	return *o.selection, true
}

func (o *Orchestrator) markSelectedLocked(next *Selection) {
	if prev := o.selected; prev != nil {
		err := o.r.SetFeatureState(prev.Source, prev.ID, map[string]any{StateSelected: false})
		o.logErr("feature_state_error", err, "source", prev.Source, "id", prev.ID)
	}
	o.selected = next
	if next != nil {
		err := o.r.SetFeatureState(next.Source, next.ID, map[string]any{StateSelected: true})
		o.logErr("feature_state_error", err, "source", next.Source, "id", next.ID)
	}
}

func (o *Orchestrator) resolveSelection(token uint64, sel Selection, err error) {
	o.mu.Lock()
	if token != o.selToken || o.closed {
		o.mu.Unlock()
		o.log.Debug("selection_superseded", "source", sel.Source, "id", sel.ID)
		return
	}
	if err != nil {
		o.mu.Unlock()
		o.log.Warn("selection_fetch_error", "source", sel.Source, "id", sel.ID, "error", err)
		return
	}
	o.selection = &sel
	cb := o.onSelect
	o.mu.Unlock()

	if cb != nil {
		cb(sel)
	}
}
