package timetable

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// debounceState is the per-entry publish window for enrichment results.
type debounceState struct {
	timer *clock.Timer
	// windowOpen means a publish happened recently; further completions are
	// batched until the timer fires.
	windowOpen bool
	// pending means at least one completion arrived inside the open window.
	pending bool
}

func (d *debounceState) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.windowOpen = false
	d.pending = false
}

// AdditionalDataDebouncer coordinates per-item enrichment fetches and
// batches the resulting payload publishes. The first completion after a
// quiet period is published immediately; completions landing within the
// publish window are held and flushed together when the window closes.
// Every completion inside the window pushes the close further out, so a
// burst of enrichment results costs subscribers two notifications, not one
// per item. All methods run on the coordination loop.
type AdditionalDataDebouncer struct {
	store    *DataSourceStore
	registry *ProviderRegistry
	clock    clock.Clock

	// firstWindow opens after a leading-edge publish; resetWindow replaces
	// the remaining wait whenever another completion lands inside it.
	firstWindow time.Duration
	resetWindow time.Duration

	enqueue func(func())
	publish func(*CacheEntry)
}

func newAdditionalDataDebouncer(store *DataSourceStore, registry *ProviderRegistry, clk clock.Clock, firstWindow, resetWindow time.Duration, enqueue func(func()), publish func(*CacheEntry)) *AdditionalDataDebouncer {
	return &AdditionalDataDebouncer{
		store:       store,
		registry:    registry,
		clock:       clk,
		firstWindow: firstWindow,
		resetWindow: resetWindow,
		enqueue:     enqueue,
		publish:     publish,
	}
}

// RequestEnrichment starts an out-of-band additional-data fetch for one
// cached item. A second request for an item already being enriched, or one
// whose enrichment is already included, fails with ErrEnrichmentInProgress.
// Items whose previous enrichment attempt failed may be retried.
func (a *AdditionalDataDebouncer) RequestEnrichment(key CanonicalKey, fp ItemFingerprint) error {
	e, ok := a.store.Get(key)
	if !ok || e.Payload == nil {
		return ErrItemNotFound
	}
	item := e.itemByFingerprint(fp)
	if item == nil {
		return ErrItemNotFound
	}
	switch item.Enrichment {
	case EnrichBusy, EnrichIncluded:
		return ErrEnrichmentInProgress
	}

	h, ok := a.registry.Peek(e.ProviderID)
	if !ok || h.Provider == nil {
		return &ProviderNotReadyError{ProviderID: e.ProviderID, State: StateUnknown}
	}
	if !provider.HasCapability(h.Features, provider.CapAdditionalData) {
		return &EnrichmentError{Cause: provider.ErrUnsupported}
	}

	item.Enrichment = EnrichBusy
	item.EnrichmentErr = ""
	logDebounce.Debugw("enrichment requested", "key", key, "item", fp)

	p := h.Provider
	ref := item.Ref
	ctx := h.ctx
	go func() {
		partial, err := p.FetchAdditionalData(ctx, ref)
		a.enqueue(func() { a.complete(key, fp, partial, err) })
	}()
	return nil
}

// complete merges one enrichment result into its entry and schedules the
// publish. Enrichment results survive payload refreshes through the entry's
// additionalData map, keyed by item fingerprint.
func (a *AdditionalDataDebouncer) complete(key CanonicalKey, fp ItemFingerprint, partial provider.PartialItem, err error) {
	e, ok := a.store.Get(key)
	if !ok {
		return
	}
	item := e.itemByFingerprint(fp)
	if item == nil {
		// Item rotated out of the payload while the fetch ran; remember the
		// result anyway in case a later refresh brings it back.
		if err == nil {
			e.additionalData[fp] = partial
		}
		return
	}

	if err != nil {
		item.Enrichment = EnrichError
		item.EnrichmentErr = err.Error()
		logDebounce.Infow("enrichment failed", "key", key, "item", fp, "err", err)
	} else {
		e.additionalData[fp] = partial
		mergeEnrichment(item, partial)
		item.Enrichment = EnrichIncluded
		item.EnrichmentErr = ""
	}

	a.schedulePublish(e)
}

func (a *AdditionalDataDebouncer) schedulePublish(e *CacheEntry) {
	d := &e.debounce
	if !d.windowOpen {
		a.publish(e)
		d.windowOpen = true
		d.pending = false
		a.armTimer(e, a.firstWindow)
		return
	}
	d.pending = true
	a.armTimer(e, a.resetWindow)
}

func (a *AdditionalDataDebouncer) armTimer(e *CacheEntry, wait time.Duration) {
	if e.debounce.timer != nil {
		e.debounce.timer.Stop()
	}
	key := e.Key
	e.debounce.timer = a.clock.AfterFunc(wait, func() {
		a.enqueue(func() { a.windowClosed(key) })
	})
}

func (a *AdditionalDataDebouncer) windowClosed(key CanonicalKey) {
	e, ok := a.store.Get(key)
	if !ok {
		return
	}
	d := &e.debounce
	d.timer = nil
	d.windowOpen = false
	if d.pending {
		d.pending = false
		a.publish(e)
	}
}

// mergeEnrichment copies enrichment fields onto an item. Empty enrichment
// fields never overwrite data the provider already delivered inline.
func mergeEnrichment(item *CachedItem, partial provider.PartialItem) {
	if len(partial.RouteStops) > 0 && len(item.RouteStops) == 0 {
		item.RouteStops = partial.RouteStops
	}
	if partial.Platform != "" && item.Platform == "" {
		item.Platform = partial.Platform
	}
	if partial.News != "" && item.News == "" {
		item.News = partial.News
	}
}
