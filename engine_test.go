package timetable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/theoremus-urban-solutions/timetable-engine/metastore"
	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

var testBase = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

type fakeProvider struct {
	features []provider.Capability

	mu        sync.Mutex
	items     []provider.Item
	moreItems []provider.Item
	fetchErr  error
	// block, when set, holds every fetch until closed.
	block chan struct{}

	additional map[string]provider.PartialItem

	fetchCalls      atomic.Int32
	additionalCalls atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		features: []provider.Capability{
			provider.CapDepartures,
			provider.CapArrivals,
			provider.CapStopSuggestions,
			provider.CapAdditionalData,
			provider.CapMoreItems,
		},
		additional: map[string]provider.PartialItem{},
	}
}

func (f *fakeProvider) setItems(items []provider.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
}

func (f *fakeProvider) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

func (f *fakeProvider) Features() []provider.Capability { return f.features }

func (f *fakeProvider) Info() provider.Info {
	return provider.Info{ID: "fake1", Name: "Fake Transit", Features: f.features}
}

func (f *fakeProvider) fetch(ctx context.Context) ([]provider.Item, error) {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	block := f.block
	items := f.items
	err := f.fetchErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	out := make([]provider.Item, len(items))
	copy(out, items)
	return out, nil
}

func (f *fakeProvider) FetchDepartures(ctx context.Context, stop provider.StopRef, at time.Time, count int) ([]provider.Item, error) {
	return f.fetch(ctx)
}

func (f *fakeProvider) FetchArrivals(ctx context.Context, stop provider.StopRef, at time.Time, count int) ([]provider.Item, error) {
	return f.fetch(ctx)
}

func (f *fakeProvider) FetchJourneys(ctx context.Context, origin, target provider.StopRef, at time.Time, count int, arriveBy bool) ([]provider.Item, error) {
	return f.fetch(ctx)
}

func (f *fakeProvider) FetchStopSuggestions(ctx context.Context, partialName string) ([]provider.Stop, error) {
	return []provider.Stop{{ID: "s1", Name: partialName + " Station"}}, nil
}

func (f *fakeProvider) FetchStopsByGeoPosition(ctx context.Context, lon, lat float64, radius int) ([]provider.Stop, error) {
	return nil, provider.ErrUnsupported
}

func (f *fakeProvider) FetchAdditionalData(ctx context.Context, itemRef string) (provider.PartialItem, error) {
	f.additionalCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	partial, ok := f.additional[itemRef]
	if !ok {
		return provider.PartialItem{}, errors.New("no additional data")
	}
	return partial, nil
}

func (f *fakeProvider) FetchMoreItems(ctx context.Context, token string, dir provider.Direction, count int) ([]provider.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.Item, len(f.moreItems))
	copy(out, f.moreItems)
	return out, nil
}

func (f *fakeProvider) RefreshPolicy(flags provider.PolicyFlags, lastUpdate, proposal time.Time, items []provider.Item) time.Time {
	return proposal
}

type fakeFactory struct {
	p *fakeProvider

	formatErr error
	createErr error

	formatCalls   atomic.Int32
	createCalls   atomic.Int32
	validateCalls atomic.Int32
}

func (f *fakeFactory) Type() string { return "fake" }

func (f *fakeFactory) ValidateFormat(def provider.Definition) error {
	f.formatCalls.Add(1)
	return f.formatErr
}

func (f *fakeFactory) Create(ctx context.Context, def provider.Definition) (provider.Provider, error) {
	f.createCalls.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.p, nil
}

func (f *fakeFactory) Validate(ctx context.Context, p provider.Provider) error {
	f.validateCalls.Add(1)
	return nil
}

// fakeItems builds n departures spaced five minutes apart starting a few
// minutes after the mock clock's base time.
func fakeItems(n int) []provider.Item {
	items := make([]provider.Item, n)
	for i := range items {
		items[i] = provider.Item{
			Ref:       "trip-" + string(rune('a'+i)),
			Line:      "M4",
			Target:    "Terminus " + string(rune('A'+i)),
			Scheduled: testBase.Add(time.Duration(2+5*i) * time.Minute),
		}
	}
	return items
}

func newTestEngine(t *testing.T, fp *fakeProvider) (*Engine, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testBase)
	defs := provider.StaticSource{
		"fake1": {ID: "fake1", Type: "fake", ModTime: testBase.Add(-time.Hour), Extra: map[string]string{"location": "de"}},
	}
	en := New([]provider.Factory{&fakeFactory{p: fp}}, defs, metastore.NewMemory(), &Options{Clock: mock})
	t.Cleanup(func() { _ = en.Close() })
	return en, mock
}

func flush(t *testing.T, en *Engine) {
	t.Helper()
	require.NoError(t, en.exec(func() {}))
}

func recvUpdate(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u := <-sub.Updates():
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestEngine_SubscribeDeliversFetch(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(3))
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central|count=10")
	require.NoError(t, err)

	u := recvUpdate(t, sub)
	require.NoError(t, u.Err)
	require.Len(t, u.Items, 3)
	require.Equal(t, "M4", u.Items[0].Line)
	require.EqualValues(t, 1, fp.fetchCalls.Load())
}

func TestEngine_ConcurrentSubscribersShareFetch(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(3))
	fp.block = make(chan struct{})
	en, _ := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central|count=5")
	require.NoError(t, err)
	// Equivalent query while the first fetch is still in flight.
	sub2, err := en.Subscribe("Departures fake1|stop=central|count=50")
	require.NoError(t, err)

	close(fp.block)

	u1 := recvUpdate(t, sub1)
	u2 := recvUpdate(t, sub2)
	require.NoError(t, u1.Err)
	require.NoError(t, u2.Err)
	require.EqualValues(t, 1, fp.fetchCalls.Load())
	require.Equal(t, sub1.Key(), sub2.Key())
}

func TestEngine_CacheServesEquivalentQuery(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(25))
	en, _ := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central|count=10")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub1).Err)

	// Differs only in count, so it lands on the same entry and the cached
	// payload is sufficient.
	sub2, err := en.Subscribe("Departures fake1|stop=Central|count=15")
	require.NoError(t, err)
	u := recvUpdate(t, sub2)
	require.NoError(t, u.Err)
	require.Len(t, u.Items, 15)
	require.EqualValues(t, 1, fp.fetchCalls.Load())
}

func TestEngine_InsufficientCacheRefetches(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(5))
	en, _ := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central|count=20")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub1).Err)

	// Five cached items cannot cover a window of twenty.
	sub2, err := en.Subscribe("Departures fake1|stop=Central|count=20")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub2).Err)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_EmptyFetchResult(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems([]provider.Item{})
	en, mock := newTestEngine(t, fp)

	// A stop with no upcoming departures delivers an empty payload.
	sub, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	u := recvUpdate(t, sub)
	require.NoError(t, u.Err)
	require.Empty(t, u.Items)
	require.EqualValues(t, 1, fp.fetchCalls.Load())

	// The empty board still refreshes on its own once the interval elapses.
	fp.setItems(fakeItems(2))
	mock.Add(5 * time.Minute)
	flush(t, en)
	u = recvUpdate(t, sub)
	require.NoError(t, u.Err)
	require.Len(t, u.Items, 2)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_FailedFetchNotCached(t *testing.T) {
	fp := newFakeProvider()
	fp.setErr(errors.New("backend down"))
	en, _ := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	u := recvUpdate(t, sub1)
	var fetchErr *UpstreamFetchError
	require.ErrorAs(t, u.Err, &fetchErr)
	require.Nil(t, u.Items)

	// The failure was not cached: the next resolve fetches again.
	fp.setErr(nil)
	fp.setItems(fakeItems(3))
	sub2, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	u = recvUpdate(t, sub2)
	require.NoError(t, u.Err)
	require.Len(t, u.Items, 3)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_ForceRefresh(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(20))
	en, mock := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub).Err)

	// Too soon after the last update.
	err = en.ForceRefresh(sub)
	var rejected *UpdateRejectedError
	require.ErrorAs(t, err, &rejected)
	require.EqualValues(t, 1, fp.fetchCalls.Load())

	mock.Add(31 * time.Second)
	require.NoError(t, en.ForceRefresh(sub))
	require.NoError(t, recvUpdate(t, sub).Err)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_GraceReuseAndEviction(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(25))
	en, mock := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub1).Err)
	require.NoError(t, en.Unsubscribe(sub1))

	// Resubscribing inside the grace period reuses the cached payload.
	sub2, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub2).Err)
	require.EqualValues(t, 1, fp.fetchCalls.Load())
	require.NoError(t, en.Unsubscribe(sub2))

	// Grace period expires: the entry goes away and the provider handle
	// idles out a little later.
	mock.Add(3 * time.Second)
	flush(t, en)
	var entries int
	require.NoError(t, en.exec(func() { entries = en.store.Len() }))
	require.Zero(t, entries)

	mock.Add(11 * time.Second)
	flush(t, en)
	var held bool
	require.NoError(t, en.exec(func() { _, held = en.registry.Peek("fake1") }))
	require.False(t, held)
}

func TestEngine_EnrichmentDebounce(t *testing.T) {
	fp := newFakeProvider()
	items := fakeItems(3)
	fp.setItems(items)
	for _, it := range items {
		fp.additional[it.Ref] = provider.PartialItem{RouteStops: []string{"a", "b", it.Target}}
	}
	en, mock := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	first := recvUpdate(t, sub)
	require.NoError(t, first.Err)
	require.Len(t, first.Items, 3)

	for _, it := range first.Items {
		require.NoError(t, en.RequestEnrichment(sub, it.Fingerprint))
	}
	// A second request for the same item is rejected while it is busy or
	// already included.
	require.ErrorIs(t, en.RequestEnrichment(sub, first.Items[0].Fingerprint), ErrEnrichmentInProgress)

	// Leading edge: the first completion publishes immediately.
	lead := recvUpdate(t, sub)
	require.NoError(t, lead.Err)
	enriched := 0
	for _, it := range lead.Items {
		if it.Enrichment == EnrichIncluded {
			enriched++
		}
	}
	require.Equal(t, 1, enriched)

	// Wait for the remaining completions to land inside the open window.
	require.Eventually(t, func() bool {
		done := false
		require.NoError(t, en.exec(func() {
			e, ok := en.store.Get(sub.Key())
			if !ok {
				return
			}
			n := 0
			for _, it := range e.Payload.Items {
				if it.Enrichment == EnrichIncluded {
					n++
				}
			}
			done = n == 3
		}))
		return done
	}, 5*time.Second, 10*time.Millisecond)

	// Closing the window flushes one batched publish for the rest.
	mock.Add(300 * time.Millisecond)
	flush(t, en)
	batched := recvUpdate(t, sub)
	require.NoError(t, batched.Err)
	enriched = 0
	for _, it := range batched.Items {
		if it.Enrichment == EnrichIncluded {
			require.NotEmpty(t, it.RouteStops)
			enriched++
		}
	}
	require.Equal(t, 3, enriched)
	require.EqualValues(t, 3, fp.additionalCalls.Load())

	// No further publishes are pending.
	select {
	case u := <-sub.Updates():
		t.Fatalf("unexpected extra update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_RequestMoreLater(t *testing.T) {
	fp := newFakeProvider()
	items := fakeItems(3)
	items[0].ContinuationToken = "tok-first"
	items[2].ContinuationToken = "tok-last"
	fp.setItems(items)
	fp.moreItems = []provider.Item{
		{Ref: "trip-x", Line: "M4", Target: "Terminus X", Scheduled: testBase.Add(30 * time.Minute)},
		{Ref: "trip-y", Line: "M4", Target: "Terminus Y", Scheduled: testBase.Add(35 * time.Minute)},
	}
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central|count=10")
	require.NoError(t, err)
	require.Len(t, recvUpdate(t, sub).Items, 3)

	require.NoError(t, en.RequestMore(sub, provider.Later))
	u := recvUpdate(t, sub)
	require.NoError(t, u.Err)
	require.Len(t, u.Items, 5)
	require.Equal(t, "Terminus Y", u.Items[4].Target)
}

func TestEngine_RequestMoreWithoutToken(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(3))
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub).Err)

	require.ErrorIs(t, en.RequestMore(sub, provider.Earlier), ErrNoContinuation)
}

func TestEngine_ConnectivitySweep(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(20))
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, recvUpdate(t, sub).Err)

	// Simulate a deadline that passed while the network was down.
	require.NoError(t, en.exec(func() {
		e, ok := en.store.Get(sub.Key())
		require.True(t, ok)
		e.NextRefreshTime = testBase.Add(-time.Minute)
		if e.refreshTimer != nil {
			e.refreshTimer.Stop()
			e.refreshTimer = nil
		}
	}))

	require.NoError(t, en.OnConnectivityRestored())
	require.NoError(t, recvUpdate(t, sub).Err)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_ProviderListAndVehicleTypes(t *testing.T) {
	fp := newFakeProvider()
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Providers")
	require.NoError(t, err)
	u := recvUpdate(t, sub)
	require.NoError(t, u.Err)
	require.Len(t, u.Infos, 1)
	require.Equal(t, "fake1", u.Infos[0].ID)
	require.Zero(t, fp.fetchCalls.Load())

	sub2, err := en.Subscribe("VehicleTypes")
	require.NoError(t, err)
	u = recvUpdate(t, sub2)
	require.Contains(t, u.Names, "tram")

	sub3, err := en.Subscribe("Locations")
	require.NoError(t, err)
	u = recvUpdate(t, sub3)
	require.Equal(t, []string{"de"}, u.Names)
}

func TestEngine_UnsupportedOperation(t *testing.T) {
	fp := newFakeProvider()
	fp.features = []provider.Capability{provider.CapDepartures}
	en, _ := newTestEngine(t, fp)

	sub, err := en.Subscribe("Journeys fake1|originStop=a|targetStop=b")
	require.NoError(t, err)
	u := recvUpdate(t, sub)
	require.ErrorIs(t, u.Err, provider.ErrUnsupported)
}

func TestEngine_MalformedQuery(t *testing.T) {
	fp := newFakeProvider()
	en, _ := newTestEngine(t, fp)

	_, err := en.Subscribe("Departures fake1")
	var mr *MalformedRequestError
	require.ErrorAs(t, err, &mr)
}

func TestEngine_UnknownProvider(t *testing.T) {
	fp := newFakeProvider()
	en, _ := newTestEngine(t, fp)

	_, err := en.Subscribe("Departures nosuch|stop=Central")
	require.ErrorIs(t, err, provider.ErrNoDefinition)
}

func TestEngine_AbortedFetchNotReplayed(t *testing.T) {
	fp := newFakeProvider()
	fp.setItems(fakeItems(3))
	fp.block = make(chan struct{})
	en, _ := newTestEngine(t, fp)

	sub1, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	require.NoError(t, en.exec(func() { en.coord.abortKey(sub1.Key()) }))

	// The key is free again right away, not held by the cancelled fetch.
	var pending bool
	require.NoError(t, en.exec(func() { pending = en.coord.InFlight(sub1.Key()) }))
	require.False(t, pending)

	// A new subscriber starts a fresh fetch; the cancelled completion is
	// dropped instead of delivering a spurious failure.
	sub2, err := en.Subscribe("Departures fake1|stop=Central")
	require.NoError(t, err)
	close(fp.block)

	u1 := recvUpdate(t, sub1)
	u2 := recvUpdate(t, sub2)
	require.NoError(t, u1.Err)
	require.NoError(t, u2.Err)
	require.Len(t, u2.Items, 3)
	require.EqualValues(t, 2, fp.fetchCalls.Load())
}

func TestEngine_Closed(t *testing.T) {
	fp := newFakeProvider()
	en, _ := newTestEngine(t, fp)
	require.NoError(t, en.Close())

	_, err := en.Subscribe("Departures fake1|stop=Central")
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngine_LateCallbackAfterClose(t *testing.T) {
	fp := newFakeProvider()
	en, _ := newTestEngine(t, fp)
	require.NoError(t, en.Close())

	// A timer or fetch callback landing after shutdown is dropped without
	// touching the closed queue.
	en.post(func() { t.Error("callback ran after close") })
	require.ErrorIs(t, en.exec(func() {}), ErrClosed)
}
