package timetable

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// EnrichmentStatus tracks per-item enrichment progress.
type EnrichmentStatus int

const (
	EnrichNotRequested EnrichmentStatus = iota
	EnrichBusy
	EnrichIncluded
	EnrichError
)

func (s EnrichmentStatus) String() string {
	switch s {
	case EnrichBusy:
		return "busy"
	case EnrichIncluded:
		return "included"
	case EnrichError:
		return "error"
	default:
		return "notrequested"
	}
}

// CachedItem is one item of a cached payload plus the engine-side state
// attached to it.
type CachedItem struct {
	provider.Item
	Fingerprint   ItemFingerprint
	Enrichment    EnrichmentStatus
	EnrichmentErr string
}

// Payload is the last successfully fetched result for one canonical key.
// Exactly one of the slices/pointers is populated, depending on the kind.
type Payload struct {
	Items []CachedItem
	Stops []provider.Stop
	Infos []provider.Info
	// Names serves the Locations and VehicleTypes kinds.
	Names []string
}

// CacheEntry owns everything cached for one canonical key. Entries are
// mutated only from the engine's coordination loop.
type CacheEntry struct {
	Key        CanonicalKey
	Descriptor RequestDescriptor
	ProviderID string

	// Payload is nil until the first successful fetch.
	Payload *Payload

	LastUpdate time.Time
	// NextDownloadProposal is the content-derived heuristic estimate;
	// NextRefreshTime is the policy-derived hard deadline.
	NextDownloadProposal time.Time
	NextRefreshTime      time.Time

	subscribers    map[uuid.UUID]*Subscription
	additionalData map[ItemFingerprint]provider.PartialItem

	// Boundary continuation tokens for extend requests.
	earlierToken string
	laterToken   string

	// handleAcquired marks that this entry holds one reference on its
	// provider handle, released when the entry is destroyed.
	handleAcquired bool

	refreshTimer *clock.Timer
	cleanupTimer *clock.Timer
	debounce     debounceState
}

func newCacheEntry(key CanonicalKey, d RequestDescriptor) *CacheEntry {
	return &CacheEntry{
		Key:            key,
		Descriptor:     d,
		ProviderID:     d.Provider,
		subscribers:    make(map[uuid.UUID]*Subscription),
		additionalData: make(map[ItemFingerprint]provider.PartialItem),
	}
}

func (e *CacheEntry) stopTimers() {
	if e.refreshTimer != nil {
		e.refreshTimer.Stop()
		e.refreshTimer = nil
	}
	if e.cleanupTimer != nil {
		e.cleanupTimer.Stop()
		e.cleanupTimer = nil
	}
	e.debounce.stop()
}

// itemByFingerprint returns the payload item matching fp, or nil.
func (e *CacheEntry) itemByFingerprint(fp ItemFingerprint) *CachedItem {
	if e.Payload == nil {
		return nil
	}
	for i := range e.Payload.Items {
		if e.Payload.Items[i].Fingerprint == fp {
			return &e.Payload.Items[i]
		}
	}
	return nil
}

// DataSourceStore maps canonical keys to cache entries. It guarantees a
// single entry per key; destruction only ever happens through the eviction
// manager's grace timer, never synchronously on unsubscribe.
type DataSourceStore struct {
	entries *xsync.MapOf[CanonicalKey, *CacheEntry]
}

func NewDataSourceStore() *DataSourceStore {
	return &DataSourceStore{entries: xsync.NewMapOf[CanonicalKey, *CacheEntry]()}
}

func (s *DataSourceStore) Get(key CanonicalKey) (*CacheEntry, bool) {
	return s.entries.Load(key)
}

// GetOrCreate returns the entry for key, creating it on first request.
func (s *DataSourceStore) GetOrCreate(key CanonicalKey, d RequestDescriptor) (*CacheEntry, bool) {
	if e, ok := s.entries.Load(key); ok {
		return e, false
	}
	e := newCacheEntry(key, d)
	s.entries.Store(key, e)
	return e, true
}

func (s *DataSourceStore) Remove(key CanonicalKey) {
	s.entries.Delete(key)
}

func (s *DataSourceStore) Len() int {
	return s.entries.Size()
}

func (s *DataSourceStore) Range(fn func(*CacheEntry) bool) {
	s.entries.Range(func(_ CanonicalKey, e *CacheEntry) bool {
		return fn(e)
	})
}

// Subscribe attaches sub to the entry and cancels a pending grace-period
// cleanup, so unsubscribe-then-resubscribe churn inside the grace window
// reuses the entry and its payload.
func (s *DataSourceStore) Subscribe(e *CacheEntry, sub *Subscription) {
	e.subscribers[sub.id] = sub
	if e.cleanupTimer != nil {
		e.cleanupTimer.Stop()
		e.cleanupTimer = nil
	}
}

// Unsubscribe detaches the subscription and reports whether the subscriber
// set is now empty. The caller is responsible for arming the grace timer.
func (s *DataSourceStore) Unsubscribe(e *CacheEntry, id uuid.UUID) bool {
	delete(e.subscribers, id)
	return len(e.subscribers) == 0
}

func (e *CacheEntry) subscriberCount() int { return len(e.subscribers) }
