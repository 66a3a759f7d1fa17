package timetable

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/channelqueue"
	"github.com/google/uuid"

	"github.com/theoremus-urban-solutions/timetable-engine/metastore"
	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// Update is one notification delivered to a subscriber: a payload snapshot
// trimmed to the subscriber's own window, or a failure.
type Update struct {
	// Request is the raw query string the subscription was created with.
	Request string
	Key     CanonicalKey

	Items []CachedItem
	Stops []provider.Stop
	Infos []provider.Info
	Names []string

	UpdatedAt time.Time
	Err       error
}

// Subscription is one client attachment to a canonical key. Multiple
// subscriptions with equivalent queries share a single cache entry and a
// single upstream fetch; each receives updates on its own queue.
type Subscription struct {
	id   uuid.UUID
	raw  string
	desc RequestDescriptor
	key  CanonicalKey

	updates *channelqueue.ChannelQueue[Update]
}

// Updates is the subscriber's notification channel. It is unbounded so a
// slow consumer never stalls the coordination loop; it closes when the
// subscription ends.
func (s *Subscription) Updates() <-chan Update { return s.updates.Out() }

func (s *Subscription) Key() CanonicalKey { return s.key }
func (s *Subscription) Request() string   { return s.raw }

// Options tunes the engine. The zero value of each field selects the
// default documented on it.
type Options struct {
	Clock clock.Clock

	// DefaultProvider resolves the provider id for queries that name none.
	DefaultProvider DefaultProviderFunc

	// SufficiencyTolerance is how far past the reference time the first
	// cached item may lie while still counting as a window boundary.
	// Default 2m.
	SufficiencyTolerance time.Duration
	// SufficiencyRatio is the fraction of the requested count that must
	// remain cached from the boundary onward. Default 0.8.
	SufficiencyRatio float64
	// DefaultCount sizes fetches and result windows when a query gives no
	// count. Default 20.
	DefaultCount int
	// ManualRefreshMinWait is the minimum age a payload must reach before a
	// forced refresh is accepted. Default 30s.
	ManualRefreshMinWait time.Duration
	// MetadataTTL is the refresh interval for payloads without timetable
	// items. Default 5m.
	MetadataTTL time.Duration
	// DefaultGeoRadius is the stop search radius in meters when a geo query
	// gives none. Default 500.
	DefaultGeoRadius int

	// DebounceFirstWindow opens after a leading-edge enrichment publish;
	// DebounceResetWindow replaces the remaining wait on every further
	// completion. Defaults 150ms and 250ms.
	DebounceFirstWindow time.Duration
	DebounceResetWindow time.Duration

	// GracePeriod is how long an unreferenced cache entry survives before
	// eviction. Default 2.5s.
	GracePeriod time.Duration
	// ProviderIdleTTL is how long an unreferenced provider handle stays in
	// the idle pool. Default 10s.
	ProviderIdleTTL time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.SufficiencyTolerance == 0 {
		out.SufficiencyTolerance = 2 * time.Minute
	}
	if out.SufficiencyRatio == 0 {
		out.SufficiencyRatio = 0.8
	}
	if out.DefaultCount == 0 {
		out.DefaultCount = 20
	}
	if out.ManualRefreshMinWait == 0 {
		out.ManualRefreshMinWait = 30 * time.Second
	}
	if out.MetadataTTL == 0 {
		out.MetadataTTL = 5 * time.Minute
	}
	if out.DefaultGeoRadius == 0 {
		out.DefaultGeoRadius = 500
	}
	if out.DebounceFirstWindow == 0 {
		out.DebounceFirstWindow = 150 * time.Millisecond
	}
	if out.DebounceResetWindow == 0 {
		out.DebounceResetWindow = 250 * time.Millisecond
	}
	if out.GracePeriod == 0 {
		out.GracePeriod = 2500 * time.Millisecond
	}
	if out.ProviderIdleTTL == 0 {
		out.ProviderIdleTTL = 10 * time.Second
	}
	return out
}

// Engine is the caching and request-coordination layer between clients and
// timetable providers. All shared state is owned by a single goroutine fed
// through an unbounded command queue; public methods marshal themselves onto
// that loop and only fetches run outside it.
type Engine struct {
	opts  Options
	clock clock.Clock

	store    *DataSourceStore
	registry *ProviderRegistry
	coord    *RequestCoordinator
	sched    *UpdateScheduler
	debounce *AdditionalDataDebouncer
	evict    *EvictionManager

	mailbox *channelqueue.ChannelQueue[func()]
	// mu pairs every mailbox send with the closed flag so a timer or fetch
	// callback racing Close never sends into the closed queue.
	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds and starts an engine. The metastore persists provider
// validation results across restarts; pass metastore.NewMemory() to keep
// them per-process only.
func New(factories []provider.Factory, defs provider.DefinitionSource, meta metastore.Store, opts *Options) *Engine {
	o := opts.withDefaults()

	en := &Engine{
		opts:    o,
		clock:   o.Clock,
		store:   NewDataSourceStore(),
		mailbox: channelqueue.New[func()](-1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	en.registry = NewProviderRegistry(factories, defs, meta, o.Clock, o.ProviderIdleTTL, en.post)
	en.coord = newRequestCoordinator(en.store, en.registry, defs, o.Clock, policyConfig{
		sufficiencyTolerance: o.SufficiencyTolerance,
		sufficiencyRatio:     o.SufficiencyRatio,
		defaultCount:         o.DefaultCount,
		manualMinWait:        o.ManualRefreshMinWait,
		metadataTTL:          o.MetadataTTL,
		defaultGeoRadius:     o.DefaultGeoRadius,
	}, en.post, en.deliver)
	en.sched = newUpdateScheduler(en.store, en.registry, o.Clock, en.post, en.coord.RefreshEntry)
	en.coord.sched = en.sched
	en.debounce = newAdditionalDataDebouncer(en.store, en.registry, o.Clock, o.DebounceFirstWindow, o.DebounceResetWindow, en.post, func(e *CacheEntry) {
		en.coord.notifyAll(e, nil)
	})
	en.evict = newEvictionManager(en.store, en.registry, o.Clock, o.GracePeriod, en.post, en.coord.abortKey)

	go en.run()
	return en
}

func (en *Engine) run() {
	defer close(en.doneCh)
	for fn := range en.mailbox.Out() {
		fn()
	}
}

// post enqueues fn without waiting. Used for timer callbacks and fetch
// completions, which must never block. Posts after Close are dropped.
func (en *Engine) post(fn func()) {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.closed {
		return
	}
	en.mailbox.In() <- fn
}

// exec runs fn on the loop and waits for it.
func (en *Engine) exec(fn func()) error {
	done := make(chan struct{})
	en.mu.Lock()
	if en.closed {
		en.mu.Unlock()
		return ErrClosed
	}
	en.mailbox.In() <- func() {
		fn()
		close(done)
	}
	en.mu.Unlock()
	select {
	case <-done:
		return nil
	case <-en.stopCh:
		return ErrClosed
	}
}

// Subscribe parses and canonicalizes the raw query, attaches a subscription
// to its cache entry and resolves it. The first update arrives on the
// subscription's channel, from cache or from a fetch shared with every
// equivalent subscriber.
func (en *Engine) Subscribe(raw string) (*Subscription, error) {
	desc, err := ParseRequest(raw, en.clock.Now())
	if err != nil {
		return nil, err
	}
	key := Canonicalize(&desc, en.opts.DefaultProvider)

	sub := &Subscription{
		id:      uuid.New(),
		raw:     raw,
		desc:    desc,
		key:     key,
		updates: channelqueue.New[Update](-1),
	}

	var resolveErr error
	if err := en.exec(func() { resolveErr = en.coord.Resolve(sub) }); err != nil {
		return nil, err
	}
	if resolveErr != nil {
		en.dropSubscription(sub)
		return nil, resolveErr
	}
	return sub, nil
}

// Unsubscribe detaches the subscription and closes its update channel. The
// cache entry survives the grace period before eviction.
func (en *Engine) Unsubscribe(sub *Subscription) error {
	err := en.exec(func() { en.detach(sub) })
	sub.updates.Close()
	return err
}

func (en *Engine) detach(sub *Subscription) {
	e, ok := en.store.Get(sub.key)
	if !ok {
		return
	}
	if en.store.Unsubscribe(e, sub.id) {
		en.evict.OnUnsubscribed(e)
	}
}

func (en *Engine) dropSubscription(sub *Subscription) {
	_ = en.exec(func() { en.detach(sub) })
	sub.updates.Close()
}

// ForceRefresh requests an immediate refetch for the subscription's key,
// subject to the manual-refresh minimum wait.
func (en *Engine) ForceRefresh(sub *Subscription) error {
	var opErr error
	if err := en.exec(func() { opErr = en.coord.ForceRefresh(sub) }); err != nil {
		return err
	}
	return opErr
}

// RequestMore extends the cached payload with earlier or later items using
// the boundary continuation token, when the provider supports pagination.
func (en *Engine) RequestMore(sub *Subscription, dir provider.Direction) error {
	var opErr error
	if err := en.exec(func() { opErr = en.coord.Extend(sub, dir) }); err != nil {
		return err
	}
	return opErr
}

// RequestEnrichment starts an additional-data fetch for one item of the
// subscription's payload, identified by fingerprint.
func (en *Engine) RequestEnrichment(sub *Subscription, fp ItemFingerprint) error {
	var opErr error
	if err := en.exec(func() { opErr = en.debounce.RequestEnrichment(sub.key, fp) }); err != nil {
		return err
	}
	return opErr
}

// OnConnectivityRestored sweeps the cache and refreshes every subscribed
// entry whose deadline passed while the network was unavailable.
func (en *Engine) OnConnectivityRestored() error {
	return en.exec(func() { en.sched.OnConnectivityRestored(en.coord.InFlight) })
}

// InvalidateProvider clears the provider's cached validation results and
// destroys its handle, forcing full re-validation on next use. Outstanding
// fetches through the handle abort.
func (en *Engine) InvalidateProvider(id string) error {
	return en.exec(func() { en.registry.Invalidate(id) })
}

// Close stops the coordination loop, cancels every timer and outstanding
// fetch and closes all subscriber channels. Operations after Close fail
// with ErrClosed.
func (en *Engine) Close() error {
	var subs []*Subscription
	err := en.exec(func() {
		en.store.Range(func(e *CacheEntry) bool {
			e.stopTimers()
			for _, sub := range e.subscribers {
				subs = append(subs, sub)
			}
			return true
		})
		en.registry.Close()
	})
	if err != nil {
		return err
	}
	en.mu.Lock()
	en.closed = true
	close(en.stopCh)
	en.mailbox.Close()
	en.mu.Unlock()
	<-en.doneCh
	for _, sub := range subs {
		sub.updates.Close()
	}
	return nil
}

// deliver snapshots the entry for one subscriber, trimming timetable items
// to the subscriber's own reference time and count.
func (en *Engine) deliver(sub *Subscription, e *CacheEntry, err error) {
	u := Update{
		Request:   sub.raw,
		Key:       sub.key,
		UpdatedAt: e.LastUpdate,
		Err:       err,
	}
	if err == nil && e.Payload != nil {
		u.Stops = e.Payload.Stops
		u.Infos = e.Payload.Infos
		u.Names = e.Payload.Names
		if e.Payload.Items != nil {
			u.Items = en.trimItems(e.Payload.Items, sub.desc)
		}
	}
	sub.updates.In() <- u
}

// trimItems selects the subscriber's window: from the boundary item right
// before the reference time through at most count items.
func (en *Engine) trimItems(items []CachedItem, d RequestDescriptor) []CachedItem {
	refTime := d.referenceTime(en.clock.Now())
	idx := sort.Search(len(items), func(i int) bool {
		return !items[i].EffectiveTime().Before(refTime)
	})
	start := idx
	if idx > 0 {
		start = idx - 1
	}

	count := d.Count
	if count <= 0 {
		count = en.opts.DefaultCount
	}
	end := start + count
	if end > len(items) {
		end = len(items)
	}

	out := make([]CachedItem, end-start)
	copy(out, items[start:end])
	return out
}
