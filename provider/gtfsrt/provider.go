package gtfsrt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// snapshotMaxAge is how long a decoded feed read serves fetches before the
// next fetch re-reads the feed.
const snapshotMaxAge = 30 * time.Second

// Refresh-policy clamp bounds for a realtime feed.
const (
	minRefreshInterval = 30 * time.Second
	maxRefreshInterval = 5 * time.Minute
)

var features = []provider.Capability{
	provider.CapDepartures,
	provider.CapArrivals,
	provider.CapStopSuggestions,
	provider.CapAdditionalData,
}

// Provider serves departures and arrivals straight from a GTFS-Realtime
// trip-updates feed. Feed reads are shared across concurrent fetches through
// a short-lived snapshot.
type Provider struct {
	def    provider.Definition
	url    string
	client *retryablehttp.Client

	mu   sync.Mutex
	snap *snapshot
}

func (p *Provider) Features() []provider.Capability { return features }

func (p *Provider) Info() provider.Info {
	return provider.Info{
		ID:          p.def.ID,
		Name:        p.def.ID,
		Description: "GTFS-Realtime trip updates feed",
		URL:         p.url,
		Features:    features,
	}
}

// current returns a snapshot no older than snapshotMaxAge, reading the feed
// when the cached one expired.
func (p *Provider) current(ctx context.Context) (*snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap != nil && time.Since(p.snap.fetchedAt) < snapshotMaxAge {
		return p.snap, nil
	}
	snap, err := fetchSnapshot(ctx, p.client, p.url)
	if err != nil {
		return nil, err
	}
	p.snap = snap
	return snap, nil
}

func (p *Provider) FetchDepartures(ctx context.Context, stop provider.StopRef, at time.Time, count int) ([]provider.Item, error) {
	return p.fetchEvents(ctx, stop, at, count, false)
}

func (p *Provider) FetchArrivals(ctx context.Context, stop provider.StopRef, at time.Time, count int) ([]provider.Item, error) {
	return p.fetchEvents(ctx, stop, at, count, true)
}

func (p *Provider) fetchEvents(ctx context.Context, stop provider.StopRef, at time.Time, count int, arrivals bool) ([]provider.Item, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	stopID := stop.ID
	if stopID == "" {
		stopID = stop.Name
	}

	var items []provider.Item
	for _, ev := range snap.eventsByStop[stopID] {
		t := ev.effectiveDeparture()
		if arrivals {
			t = ev.effectiveArrival()
		}
		if t.IsZero() || t.Before(at) {
			continue
		}
		items = append(items, provider.Item{
			Ref:         ev.tripID,
			Line:        ev.routeID,
			VehicleType: "bus",
			Target:      tripTarget(ev),
			Scheduled:   t,
			Expected:    t,
		})
		if count > 0 && len(items) >= count {
			break
		}
	}
	return items, nil
}

// tripTarget is the last onward stop, the best destination a bare realtime
// feed can offer.
func tripTarget(ev stopEvent) string {
	if n := len(ev.onwardStops); n > 0 {
		return ev.onwardStops[n-1]
	}
	return ""
}

func (p *Provider) FetchStopSuggestions(ctx context.Context, partialName string) ([]provider.Stop, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(partialName)
	var stops []provider.Stop
	for _, id := range snap.stopIDs {
		if strings.Contains(strings.ToLower(id), needle) {
			stops = append(stops, provider.Stop{ID: id, Name: id})
		}
	}
	return stops, nil
}

func (p *Provider) FetchStopsByGeoPosition(ctx context.Context, longitude, latitude float64, radiusMeters int) ([]provider.Stop, error) {
	return nil, provider.ErrUnsupported
}

func (p *Provider) FetchJourneys(ctx context.Context, origin, target provider.StopRef, at time.Time, count int, arriveBy bool) ([]provider.Item, error) {
	return nil, provider.ErrUnsupported
}

// FetchAdditionalData resolves an item's trip to its onward stop sequence.
func (p *Provider) FetchAdditionalData(ctx context.Context, itemRef string) (provider.PartialItem, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return provider.PartialItem{}, err
	}
	// The event at the trip's first stop carries the full stop sequence.
	var route []string
	for _, evs := range snap.eventsByStop {
		for _, ev := range evs {
			if ev.tripID == itemRef && len(ev.onwardStops) > len(route) {
				route = ev.onwardStops
			}
		}
	}
	if len(route) == 0 {
		return provider.PartialItem{}, provider.ErrUnsupported
	}
	return provider.PartialItem{RouteStops: route}, nil
}

func (p *Provider) FetchMoreItems(ctx context.Context, token string, dir provider.Direction, count int) ([]provider.Item, error) {
	return nil, provider.ErrUnsupported
}

// RefreshPolicy clamps the engine's proposal into the feed's sensible
// realtime refresh band.
func (p *Provider) RefreshPolicy(flags provider.PolicyFlags, lastUpdate, proposal time.Time, items []provider.Item) time.Time {
	min := lastUpdate.Add(minRefreshInterval)
	max := lastUpdate.Add(maxRefreshInterval)
	if proposal.Before(min) {
		return min
	}
	if proposal.After(max) {
		return max
	}
	return proposal
}
