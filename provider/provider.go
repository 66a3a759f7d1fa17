package provider

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrUnsupported is returned by fetch operations the provider does not
// advertise in Features().
var ErrUnsupported = errors.New("operation not supported by provider")

// Capability identifies one operation a provider can serve.
type Capability string

const (
	CapDepartures         Capability = "departures"
	CapArrivals           Capability = "arrivals"
	CapJourneys           Capability = "journeys"
	CapStopSuggestions    Capability = "stopSuggestions"
	CapStopsByGeoPosition Capability = "stopsByGeoPosition"
	CapAdditionalData     Capability = "additionalData"
	CapMoreItems          Capability = "moreItems"
	CapLocations          Capability = "locations"
)

// Direction selects which end of an already-fetched item list to extend.
type Direction string

const (
	Earlier Direction = "earlier"
	Later   Direction = "later"
)

// StopRef identifies a stop for a fetch call. Providers may resolve by ID
// when present and fall back to name matching otherwise.
type StopRef struct {
	ID   string
	Name string
	City string
}

// Item is one timetable record: a departure, an arrival, or a journey leg
// depending on the request kind it was fetched for.
type Item struct {
	// Ref is an opaque provider-scoped reference used for enrichment calls.
	Ref string

	Line        string
	VehicleType string
	// Target is the destination for departures and journeys, the origin for
	// arrivals.
	Target    string
	Scheduled time.Time
	// Expected is the realtime estimate; zero when the provider has none.
	Expected time.Time
	Platform string
	Operator string
	News     string
	// RouteStops is filled by enrichment for providers that deliver the
	// intermediate stops out of band.
	RouteStops []string

	// ContinuationToken is only set on boundary items (first/last of a
	// fetched list) by providers that support pagination.
	ContinuationToken string
}

// EffectiveTime returns the realtime estimate when present, the scheduled
// time otherwise.
func (it Item) EffectiveTime() time.Time {
	if !it.Expected.IsZero() {
		return it.Expected
	}
	return it.Scheduled
}

// PartialItem carries per-item enrichment fetched out of band. Empty fields
// mean "no data"; the engine never lets them overwrite non-empty item fields.
type PartialItem struct {
	RouteStops []string
	RouteTimes []time.Time
	Platform   string
	News       string
}

// Stop is one stop suggestion or geo-position match.
type Stop struct {
	ID        string
	Name      string
	City      string
	Latitude  float64
	Longitude float64
	// DistanceMeters is only set on geo-position results.
	DistanceMeters int
}

// Info describes a provider for ProviderInfo and ProviderList requests.
type Info struct {
	ID          string
	Name        string
	Description string
	Version     string
	URL         string
	Features    []Capability
}

// PolicyFlags qualifies a refresh-policy evaluation.
type PolicyFlags struct {
	// Realtime is true when the cached payload carries realtime estimates,
	// which usually warrants a shorter refresh interval.
	Realtime bool
}

// Provider is the closed fetch interface the engine dispatches into.
type Provider interface {
	Features() []Capability
	Info() Info

	FetchDepartures(ctx context.Context, stop StopRef, at time.Time, count int) ([]Item, error)
	FetchArrivals(ctx context.Context, stop StopRef, at time.Time, count int) ([]Item, error)
	FetchJourneys(ctx context.Context, origin, target StopRef, at time.Time, count int, arriveBy bool) ([]Item, error)
	FetchStopSuggestions(ctx context.Context, partialName string) ([]Stop, error)
	FetchStopsByGeoPosition(ctx context.Context, longitude, latitude float64, radiusMeters int) ([]Stop, error)
	FetchAdditionalData(ctx context.Context, itemRef string) (PartialItem, error)
	FetchMoreItems(ctx context.Context, token string, dir Direction, count int) ([]Item, error)

	// RefreshPolicy turns the engine's download-time proposal into the hard
	// deadline for the next automatic refresh of a cached payload.
	RefreshPolicy(flags PolicyFlags, lastUpdate, proposal time.Time, items []Item) time.Time
}

// Definition is the persisted description of one provider: where its backing
// source lives and when it last changed. The registry re-runs validation when
// ModTime moves past the cached validation result.
type Definition struct {
	ID      string
	Type    string
	Source  string
	ModTime time.Time
	// Extra carries type-specific settings such as feed URLs.
	Extra map[string]string
}

// Factory builds and validates providers of one type.
type Factory interface {
	// Type is the definition type this factory serves.
	Type() string
	// ValidateFormat is the cheap structural check of a definition, run
	// before construction.
	ValidateFormat(def Definition) error
	// Create constructs the provider. For importer-style factories this may
	// run a long import; it must honor ctx cancellation.
	Create(ctx context.Context, def Definition) (Provider, error)
	// Validate runs the type-specific test against a constructed provider.
	Validate(ctx context.Context, p Provider) error
}

// DefinitionSource supplies provider definitions by id.
type DefinitionSource interface {
	Lookup(id string) (Definition, error)
}

// Lister is implemented by definition sources that can enumerate every
// known definition, used for provider-list and location queries.
type Lister interface {
	List() []Definition
}

// StaticSource is a fixed in-memory DefinitionSource.
type StaticSource map[string]Definition

var ErrNoDefinition = errors.New("no definition for provider")

func (s StaticSource) Lookup(id string) (Definition, error) {
	def, ok := s[id]
	if !ok {
		return Definition{}, ErrNoDefinition
	}
	return def, nil
}

func (s StaticSource) List() []Definition {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		defs = append(defs, s[id])
	}
	return defs
}

// HasCapability reports whether cap is in the feature set.
func HasCapability(features []Capability, cap Capability) bool {
	for _, c := range features {
		if c == cap {
			return true
		}
	}
	return false
}
