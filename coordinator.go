package timetable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// vehicleTypeNames answers VehicleTypes queries. The set is static; provider
// feeds only ever reference these.
var vehicleTypeNames = []string{
	"bus", "ferry", "metro", "train", "tram", "trolleybus",
}

// fetchResult is the raw outcome of one provider dispatch.
type fetchResult struct {
	items []provider.Item
	stops []provider.Stop
	infos []provider.Info
	names []string
}

type fetchJob struct {
	cancel context.CancelFunc
}

// policyConfig carries the empirically chosen coordination constants. They
// are configuration, not invariants; see config.EngineConfig.
type policyConfig struct {
	sufficiencyTolerance time.Duration
	sufficiencyRatio     float64
	defaultCount         int
	manualMinWait        time.Duration
	metadataTTL          time.Duration
	defaultGeoRadius     int
}

// RequestCoordinator is the dedup/fetch engine. It owns the in-flight set:
// for any canonical key at most one upstream fetch is ever outstanding, and
// every subscriber attached to the key while a fetch is pending receives
// that fetch's result. All methods run on the coordination loop.
type RequestCoordinator struct {
	store    *DataSourceStore
	registry *ProviderRegistry
	sched    *UpdateScheduler
	defs     provider.DefinitionSource
	clock    clock.Clock
	policy   policyConfig

	inflight map[CanonicalKey]*fetchJob

	enqueue func(func())
	// deliver pushes a result or error to one subscriber.
	deliver func(sub *Subscription, e *CacheEntry, err error)
}

func newRequestCoordinator(store *DataSourceStore, registry *ProviderRegistry, defs provider.DefinitionSource, clk clock.Clock, policy policyConfig, enqueue func(func()), deliver func(*Subscription, *CacheEntry, error)) *RequestCoordinator {
	return &RequestCoordinator{
		store:    store,
		registry: registry,
		defs:     defs,
		clock:    clk,
		policy:   policy,
		inflight: make(map[CanonicalKey]*fetchJob),
		enqueue:  enqueue,
		deliver:  deliver,
	}
}

func (c *RequestCoordinator) InFlight(key CanonicalKey) bool {
	_, ok := c.inflight[key]
	return ok
}

// Resolve serves a subscription from cache when the entry is fresh and
// sufficient, attaches it to a pending fetch when one is in flight, and
// starts a new fetch otherwise.
func (c *RequestCoordinator) Resolve(sub *Subscription) error {
	e, created := c.store.GetOrCreate(sub.key, sub.desc)
	c.store.Subscribe(e, sub)

	if isMetadataKind(e.Descriptor.Kind) {
		return c.serveMetadata(e, sub)
	}

	now := c.clock.Now()
	if !created && e.Payload != nil && !c.InFlight(e.Key) &&
		now.Before(e.NextRefreshTime) && c.sufficientFor(e, sub, now) {
		c.deliver(sub, e, nil)
		return nil
	}
	if c.InFlight(e.Key) {
		// Subscriber receives the pending result.
		return nil
	}
	return c.startFetch(e, false)
}

// ForceRefresh bypasses cache freshness but still respects the in-flight
// invariant and the stricter manual-refresh minimum wait.
func (c *RequestCoordinator) ForceRefresh(sub *Subscription) error {
	e, ok := c.store.Get(sub.key)
	if !ok {
		return c.Resolve(sub)
	}
	if c.InFlight(e.Key) {
		return nil
	}
	if !e.LastUpdate.IsZero() {
		nextAllowed := e.LastUpdate.Add(c.policy.manualMinWait)
		if c.clock.Now().Before(nextAllowed) {
			return &UpdateRejectedError{NextAllowed: nextAllowed}
		}
	}
	return c.startFetch(e, true)
}

// RefreshEntry is the scheduler's entry point into the fetch path.
func (c *RequestCoordinator) RefreshEntry(e *CacheEntry) {
	if c.InFlight(e.Key) || e.subscriberCount() == 0 {
		return
	}
	if err := c.startFetch(e, false); err != nil {
		c.notifyAll(e, err)
	}
}

// Extend resolves a request-more call against the same canonical key's
// entry, calling the provider with the stored continuation token and
// prepending/appending results rather than creating a new entry.
func (c *RequestCoordinator) Extend(sub *Subscription, dir provider.Direction) error {
	e, ok := c.store.Get(sub.key)
	if !ok || e.Payload == nil {
		return ErrItemNotFound
	}
	token := e.laterToken
	if dir == provider.Earlier {
		token = e.earlierToken
	}
	if token == "" {
		return ErrNoContinuation
	}
	if c.InFlight(e.Key) {
		return nil
	}

	h, construct, err := c.acquireForEntry(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(h.ctx)
	job := &fetchJob{cancel: cancel}
	c.inflight[e.Key] = job

	key := e.Key
	count := c.fetchCount(e)
	go func() {
		defer cancel()
		p, err := c.readyProvider(ctx, h, construct)
		var items []provider.Item
		if err == nil {
			items, err = p.FetchMoreItems(ctx, token, dir, count)
		}
		c.enqueue(func() { c.completeExtend(key, job, dir, items, err) })
	}()
	return nil
}

func (c *RequestCoordinator) startFetch(e *CacheEntry, forced bool) error {
	h, construct, err := c.acquireForEntry(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(h.ctx)
	job := &fetchJob{cancel: cancel}
	c.inflight[e.Key] = job

	key := e.Key
	desc := e.Descriptor
	now := c.clock.Now()
	at := roundToBucket(desc.referenceTime(now))
	count := c.fetchCount(e)

	log.Debugw("starting fetch", "key", key, "provider", e.ProviderID, "forced", forced)
	go func() {
		defer cancel()
		p, err := c.readyProvider(ctx, h, construct)
		var res fetchResult
		if err == nil {
			res, err = c.dispatch(ctx, p, desc, at, count)
		}
		fetchTime := c.clock.Now()
		c.enqueue(func() { c.completeFetch(key, job, res, err, fetchTime) })
	}()
	return nil
}

// acquireForEntry takes the entry's single reference on its provider handle,
// re-acquiring when the handle was destroyed by invalidation.
func (c *RequestCoordinator) acquireForEntry(e *CacheEntry) (*ProviderHandle, constructFunc, error) {
	if e.handleAcquired {
		if h, ok := c.registry.Peek(e.ProviderID); ok {
			if h.State != StateReady && h.State != StateValidating && h.State != StateImporting {
				return nil, nil, &ProviderNotReadyError{ProviderID: e.ProviderID, State: h.State, Message: h.StateMessage}
			}
			return h, nil, nil
		}
		e.handleAcquired = false
	}
	h, construct, err := c.registry.Acquire(e.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	e.handleAcquired = true
	return h, construct, nil
}

// readyProvider waits for construction when this fetch triggered it.
func (c *RequestCoordinator) readyProvider(ctx context.Context, h *ProviderHandle, construct constructFunc) (provider.Provider, error) {
	if construct != nil {
		return construct(ctx)
	}
	if h.Provider == nil {
		return nil, &ProviderNotReadyError{ProviderID: h.ID, State: h.State, Message: h.StateMessage}
	}
	return h.Provider, nil
}

func (c *RequestCoordinator) dispatch(ctx context.Context, p provider.Provider, d RequestDescriptor, at time.Time, count int) (fetchResult, error) {
	var res fetchResult
	features := p.Features()

	requireCap := func(cap provider.Capability) error {
		if !provider.HasCapability(features, cap) {
			return fmt.Errorf("provider %s does not support %s: %w", d.Provider, cap, provider.ErrUnsupported)
		}
		return nil
	}

	var err error
	switch d.Kind {
	case KindDepartures:
		if err = requireCap(provider.CapDepartures); err == nil {
			res.items, err = p.FetchDepartures(ctx, stopRef(d), at, count)
		}
	case KindArrivals:
		if err = requireCap(provider.CapArrivals); err == nil {
			res.items, err = p.FetchArrivals(ctx, stopRef(d), at, count)
		}
	case KindJourneysByDeparture, KindJourneysByArrival:
		if err = requireCap(provider.CapJourneys); err == nil {
			origin := provider.StopRef{ID: d.OriginStopID, Name: d.OriginStop, City: d.City}
			target := provider.StopRef{ID: d.TargetStopID, Name: d.TargetStop, City: d.City}
			res.items, err = p.FetchJourneys(ctx, origin, target, at, count, d.Kind == KindJourneysByArrival)
		}
	case KindStopSuggestions:
		if d.HasGeo {
			if err = requireCap(provider.CapStopsByGeoPosition); err == nil {
				res.stops, err = p.FetchStopsByGeoPosition(ctx, d.Longitude, d.Latitude, c.geoRadius(d))
			}
		} else if err = requireCap(provider.CapStopSuggestions); err == nil {
			res.stops, err = p.FetchStopSuggestions(ctx, d.Stop)
		}
	case KindStopsByGeoPosition:
		if err = requireCap(provider.CapStopsByGeoPosition); err == nil {
			res.stops, err = p.FetchStopsByGeoPosition(ctx, d.Longitude, d.Latitude, c.geoRadius(d))
		}
	case KindProviderInfo:
		res.infos = []provider.Info{p.Info()}
	default:
		err = fmt.Errorf("kind %s cannot be fetched from a provider", d.Kind)
	}
	return res, err
}

func (c *RequestCoordinator) geoRadius(d RequestDescriptor) int {
	if d.RadiusMeters > 0 {
		return d.RadiusMeters
	}
	return c.policy.defaultGeoRadius
}

func stopRef(d RequestDescriptor) provider.StopRef {
	return provider.StopRef{ID: d.StopID, Name: d.Stop, City: d.City}
}

// completeFetch applies a finished fetch to its entry: overlays previously
// fetched enrichment by fingerprint, replaces the payload, computes the next
// download proposal, re-arms the refresh timer and notifies subscribers. A
// failed fetch is delivered to subscribers and cached nowhere, so the next
// resolve issues a new fetch rather than replaying the failure.
func (c *RequestCoordinator) completeFetch(key CanonicalKey, job *fetchJob, res fetchResult, err error, fetchTime time.Time) {
	if c.inflight[key] != job {
		// Aborted while the fetch ran; a newer fetch may already own the key.
		return
	}
	job.cancel()
	delete(c.inflight, key)

	e, ok := c.store.Get(key)
	if !ok {
		// Entry was evicted while the fetch ran.
		return
	}

	if err != nil {
		var notReady *ProviderNotReadyError
		if !errors.As(err, &notReady) {
			err = &UpstreamFetchError{ProviderID: e.ProviderID, Cause: err}
		}
		log.Infow("fetch failed", "key", key, "err", err)
		c.notifyAll(e, err)
		return
	}

	e.Payload = c.buildPayload(e, res)
	e.LastUpdate = fetchTime

	if n := len(e.Payload.Items); n > 0 {
		lastItemTime := e.Payload.Items[n-1].EffectiveTime()
		if lastItemTime.After(fetchTime) {
			e.NextDownloadProposal = fetchTime.Add(lastItemTime.Sub(fetchTime) / 3)
		} else {
			e.NextDownloadProposal = fetchTime
		}
		c.sched.Arm(e)
	} else {
		c.sched.ArmAt(e, fetchTime.Add(c.policy.metadataTTL))
	}

	log.Debugw("fetch complete", "key", key, "items", len(e.Payload.Items), "nextRefresh", e.NextRefreshTime)
	c.notifyAll(e, nil)
}

// buildPayload sorts, fingerprints and enrichment-overlays fetched items.
func (c *RequestCoordinator) buildPayload(e *CacheEntry, res fetchResult) *Payload {
	p := &Payload{
		Stops: res.stops,
		Infos: res.infos,
		Names: res.names,
	}
	if res.items == nil {
		return p
	}
	items := res.items
	p.Items = make([]CachedItem, len(items))
	if len(items) == 0 {
		// A stop with no upcoming items is a valid timetable payload.
		return p
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].EffectiveTime().Before(items[j].EffectiveTime())
	})
	fps := fingerprintItems(items)

	for i, it := range items {
		ci := CachedItem{Item: it, Fingerprint: fps[i]}
		if ad, ok := e.additionalData[fps[i]]; ok {
			mergeEnrichment(&ci, ad)
			ci.Enrichment = EnrichIncluded
		}
		p.Items[i] = ci
	}

	e.earlierToken = items[0].ContinuationToken
	e.laterToken = items[len(items)-1].ContinuationToken
	return p
}

func (c *RequestCoordinator) completeExtend(key CanonicalKey, job *fetchJob, dir provider.Direction, items []provider.Item, err error) {
	if c.inflight[key] != job {
		return
	}
	job.cancel()
	delete(c.inflight, key)

	e, ok := c.store.Get(key)
	if !ok {
		return
	}
	if err != nil {
		c.notifyAll(e, &UpstreamFetchError{ProviderID: e.ProviderID, Cause: err})
		return
	}
	if len(items) == 0 {
		c.notifyAll(e, nil)
		return
	}

	// Preserve enrichment state of surviving items across the rebuild.
	type enrichState struct {
		status EnrichmentStatus
		msg    string
	}
	prior := make(map[ItemFingerprint]enrichState, len(e.Payload.Items))
	combined := make([]provider.Item, 0, len(e.Payload.Items)+len(items))
	for _, ci := range e.Payload.Items {
		prior[ci.Fingerprint] = enrichState{ci.Enrichment, ci.EnrichmentErr}
		combined = append(combined, ci.Item)
	}
	earlierToken, laterToken := e.earlierToken, e.laterToken
	combined = append(combined, items...)

	res := fetchResult{items: combined}
	e.Payload = c.buildPayload(e, res)
	for i := range e.Payload.Items {
		if st, ok := prior[e.Payload.Items[i].Fingerprint]; ok && e.Payload.Items[i].Enrichment == EnrichNotRequested {
			e.Payload.Items[i].Enrichment = st.status
			e.Payload.Items[i].EnrichmentErr = st.msg
		}
	}

	// Only the extended end's token moves; buildPayload recomputed both from
	// the merged list, which is right for the boundary that grew.
	if dir == provider.Earlier {
		e.laterToken = laterToken
	} else {
		e.earlierToken = earlierToken
	}

	log.Debugw("extended payload", "key", key, "direction", dir, "added", len(items))
	c.notifyAll(e, nil)
}

// serveMetadata answers kinds that are derived from provider definitions
// rather than fetched upstream.
func (c *RequestCoordinator) serveMetadata(e *CacheEntry, sub *Subscription) error {
	now := c.clock.Now()
	if e.Payload != nil && now.Before(e.NextRefreshTime) {
		c.deliver(sub, e, nil)
		return nil
	}

	p := &Payload{}
	switch e.Descriptor.Kind {
	case KindProviderList:
		lister, ok := c.defs.(provider.Lister)
		if !ok {
			return fmt.Errorf("definition source cannot enumerate providers")
		}
		for _, def := range lister.List() {
			info := provider.Info{ID: def.ID, Name: def.ID, Description: "provider type " + def.Type}
			if h, ok := c.registry.Peek(def.ID); ok && h.Provider != nil {
				info = h.Provider.Info()
			}
			p.Infos = append(p.Infos, info)
		}
	case KindLocations:
		lister, ok := c.defs.(provider.Lister)
		if !ok {
			return fmt.Errorf("definition source cannot enumerate providers")
		}
		seen := map[string]struct{}{}
		for _, def := range lister.List() {
			loc := def.Extra["location"]
			if loc == "" {
				continue
			}
			if _, ok := seen[loc]; !ok {
				seen[loc] = struct{}{}
				p.Names = append(p.Names, loc)
			}
		}
		sort.Strings(p.Names)
	case KindVehicleTypes:
		p.Names = append(p.Names, vehicleTypeNames...)
	}

	e.Payload = p
	e.LastUpdate = now
	e.NextRefreshTime = now.Add(c.policy.metadataTTL)
	c.deliver(sub, e, nil)
	return nil
}

// sufficientFor decides whether the cached payload still satisfies a
// subscriber's requested window without refetching: there must be a boundary
// item at or tolerably near the reference time, and enough items from that
// boundary onward to cover most of the requested count.
func (c *RequestCoordinator) sufficientFor(e *CacheEntry, sub *Subscription, now time.Time) bool {
	if e.Payload == nil {
		return false
	}
	if e.Payload.Items == nil {
		// Non-timetable payloads have no window to be insufficient for.
		return true
	}
	items := e.Payload.Items
	refTime := sub.desc.referenceTime(now)
	count := sub.desc.Count
	if count <= 0 {
		count = c.policy.defaultCount
	}

	idx := sort.Search(len(items), func(i int) bool {
		return !items[i].EffectiveTime().Before(refTime)
	})
	if idx == len(items) {
		return false
	}

	hasBoundary := idx > 0 ||
		items[idx].EffectiveTime().Sub(refTime) <= c.policy.sufficiencyTolerance
	if !hasBoundary {
		return false
	}

	boundaryIdx := idx
	if idx > 0 {
		boundaryIdx = idx - 1
	}
	remaining := len(items) - boundaryIdx
	threshold := int(c.policy.sufficiencyRatio * float64(count))
	if threshold < 1 {
		threshold = 1
	}
	return remaining > threshold
}

// fetchCount is the item count requested upstream: the largest count any
// attached subscriber asked for, floored at the configured default.
func (c *RequestCoordinator) fetchCount(e *CacheEntry) int {
	count := c.policy.defaultCount
	for _, sub := range e.subscribers {
		if sub.desc.Count > count {
			count = sub.desc.Count
		}
	}
	return count
}

func (c *RequestCoordinator) notifyAll(e *CacheEntry, err error) {
	for _, sub := range e.subscribers {
		c.deliver(sub, e, err)
	}
}

// abortKey cancels and forgets an outstanding fetch, if any. The late
// completion no-ops on the job mismatch, so a resubscribe arriving before it
// lands starts a fresh fetch instead of attaching to the cancelled one.
func (c *RequestCoordinator) abortKey(key CanonicalKey) {
	if job, ok := c.inflight[key]; ok {
		job.cancel()
		delete(c.inflight, key)
	}
}

func isMetadataKind(k Kind) bool {
	switch k {
	case KindProviderList, KindLocations, KindVehicleTypes:
		return true
	}
	return false
}
