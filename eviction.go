package timetable

import (
	"time"

	"github.com/benbjohnson/clock"
)

// EvictionManager reaps cache entries after their last subscriber leaves.
// Destruction is never synchronous with unsubscribe: a grace timer gives
// churning clients a window to resubscribe and reuse the cached payload.
// All methods run on the coordination loop.
type EvictionManager struct {
	store    *DataSourceStore
	registry *ProviderRegistry
	clock    clock.Clock

	grace   time.Duration
	enqueue func(func())
	abort   func(CanonicalKey)
}

func newEvictionManager(store *DataSourceStore, registry *ProviderRegistry, clk clock.Clock, grace time.Duration, enqueue func(func()), abort func(CanonicalKey)) *EvictionManager {
	return &EvictionManager{
		store:    store,
		registry: registry,
		clock:    clk,
		grace:    grace,
		enqueue:  enqueue,
		abort:    abort,
	}
}

// OnUnsubscribed arms the grace timer for an entry whose subscriber set just
// emptied. A resubscribe before the timer fires cancels it (the store stops
// the timer on Subscribe).
func (m *EvictionManager) OnUnsubscribed(e *CacheEntry) {
	if e.cleanupTimer != nil {
		e.cleanupTimer.Stop()
	}
	key := e.Key
	e.cleanupTimer = m.clock.AfterFunc(m.grace, func() {
		m.enqueue(func() { m.reap(key) })
	})
	logEvict.Debugw("armed cleanup", "key", key, "grace", m.grace)
}

func (m *EvictionManager) reap(key CanonicalKey) {
	e, ok := m.store.Get(key)
	if !ok {
		return
	}
	if e.subscriberCount() > 0 {
		// Resubscribed during the grace period.
		return
	}

	// Enrichment fetched for items no longer in the payload is dropped with
	// the entry; enrichment for current items goes too, since the entry is
	// the only thing that could replay it.
	m.abort(key)
	e.stopTimers()
	m.store.Remove(key)
	if e.handleAcquired {
		e.handleAcquired = false
		m.registry.Release(e.ProviderID)
	}
	logEvict.Infow("evicted cache entry", "key", key)
}
