package timetable

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// UpdateScheduler arms one refresh timer per cache entry. The hard deadline
// comes from the provider's refresh policy, which takes the coordinator's
// content-derived download proposal as input and may stretch or clamp it.
// All methods run on the coordination loop.
type UpdateScheduler struct {
	store    *DataSourceStore
	registry *ProviderRegistry
	clock    clock.Clock
	enqueue  func(func())
	refresh  func(*CacheEntry)
}

func newUpdateScheduler(store *DataSourceStore, registry *ProviderRegistry, clk clock.Clock, enqueue func(func()), refresh func(*CacheEntry)) *UpdateScheduler {
	return &UpdateScheduler{
		store:    store,
		registry: registry,
		clock:    clk,
		enqueue:  enqueue,
		refresh:  refresh,
	}
}

// Arm computes the entry's next refresh time and replaces any pending timer.
// Superseded timers never fire: each new payload cancels the previous
// schedule before installing its own.
func (s *UpdateScheduler) Arm(e *CacheEntry) {
	s.ArmAt(e, s.nextRefreshTime(e))
}

// ArmAt installs a refresh timer for a fixed deadline, bypassing the
// provider policy. Payloads without timetable items refresh this way, on
// the flat metadata interval.
func (s *UpdateScheduler) ArmAt(e *CacheEntry, next time.Time) {
	e.NextRefreshTime = next

	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}

	delay := next.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	key := e.Key
	e.refreshTimer = s.clock.AfterFunc(delay, func() {
		s.enqueue(func() { s.fire(key) })
	})
	logSched.Debugw("armed refresh", "key", e.Key, "at", next)
}

func (s *UpdateScheduler) fire(key CanonicalKey) {
	e, ok := s.store.Get(key)
	if !ok {
		return
	}
	e.refreshTimer = nil
	if e.subscriberCount() == 0 {
		// Nobody is watching; the eviction grace timer will reap the entry.
		return
	}
	logSched.Debugw("refresh timer fired", "key", key)
	s.refresh(e)
}

func (s *UpdateScheduler) nextRefreshTime(e *CacheEntry) time.Time {
	proposal := e.NextDownloadProposal
	flags := provider.PolicyFlags{Realtime: payloadHasRealtime(e.Payload)}

	h, ok := s.registry.Peek(e.ProviderID)
	if !ok || h.Provider == nil {
		return proposal
	}
	var items []provider.Item
	if e.Payload != nil {
		items = make([]provider.Item, len(e.Payload.Items))
		for i, ci := range e.Payload.Items {
			items[i] = ci.Item
		}
	}
	return h.Provider.RefreshPolicy(flags, e.LastUpdate, proposal, items)
}

func payloadHasRealtime(p *Payload) bool {
	if p == nil {
		return false
	}
	for _, it := range p.Items {
		if !it.Expected.IsZero() {
			return true
		}
	}
	return false
}

// OnConnectivityRestored sweeps every cached entry and refreshes the ones
// whose deadline passed while the network was down. Entries already in
// flight or still fresh are left alone.
func (s *UpdateScheduler) OnConnectivityRestored(inFlight func(CanonicalKey) bool) {
	now := s.clock.Now()
	var stale []*CacheEntry
	s.store.Range(func(e *CacheEntry) bool {
		if e.subscriberCount() == 0 || inFlight(e.Key) {
			return true
		}
		if e.Payload == nil || !e.NextRefreshTime.After(now) {
			stale = append(stale, e)
		}
		return true
	})
	logSched.Infow("connectivity restored", "staleEntries", len(stale))
	for _, e := range stale {
		s.refresh(e)
	}
}
