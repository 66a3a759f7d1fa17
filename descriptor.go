package timetable

import (
	"strconv"
	"strings"
	"time"
)

// Kind is the request kind of a query.
type Kind int

const (
	KindDepartures Kind = iota
	KindArrivals
	KindStopSuggestions
	KindStopsByGeoPosition
	KindJourneysByDeparture
	KindJourneysByArrival
	KindProviderInfo
	KindProviderList
	KindLocations
	KindVehicleTypes
)

var kindNames = map[Kind]string{
	KindDepartures:          "Departures",
	KindArrivals:            "Arrivals",
	KindStopSuggestions:     "StopSuggestions",
	KindStopsByGeoPosition:  "StopsByGeoPosition",
	KindJourneysByDeparture: "JourneysByDeparture",
	KindJourneysByArrival:   "JourneysByArrival",
	KindProviderInfo:        "ProviderInfo",
	KindProviderList:        "ProviderList",
	KindLocations:           "Locations",
	KindVehicleTypes:        "VehicleTypes",
}

func (k Kind) String() string { return kindNames[k] }

// kindKeywords maps lower-cased query keywords to kinds. A few short aliases
// are accepted alongside the canonical names.
var kindKeywords = map[string]Kind{
	"departures":          KindDepartures,
	"arrivals":            KindArrivals,
	"stopsuggestions":     KindStopSuggestions,
	"stops":               KindStopSuggestions,
	"stopsbygeoposition":  KindStopsByGeoPosition,
	"journeysbydeparture": KindJourneysByDeparture,
	"journeys":            KindJourneysByDeparture,
	"journeysbyarrival":   KindJourneysByArrival,
	"providerinfo":        KindProviderInfo,
	"providerlist":        KindProviderList,
	"providers":           KindProviderList,
	"locations":           KindLocations,
	"vehicletypes":        KindVehicleTypes,
}

// RequestDescriptor is the typed form of a raw query string. Immutable once
// built; Count is carried for result sizing but never influences the
// canonical key.
type RequestDescriptor struct {
	Kind     Kind
	Provider string

	City         string
	Stop         string
	StopID       string
	OriginStop   string
	OriginStopID string
	TargetStop   string
	TargetStopID string

	// DateTime is the absolute reference instant, zero when the query gave
	// none. TimeOffset is minutes relative to now, kept separate because it
	// canonicalizes as-is rather than through time bucketing.
	DateTime   time.Time
	TimeOffset int
	hasOffset  bool

	Count int

	Longitude float64
	Latitude  float64
	HasGeo    bool
	// RadiusMeters is recognized for geo fetches but not part of the key.
	RadiusMeters int
}

// ParseRequest parses `<kind> <defaultParam>|key=value|...` into a
// descriptor. now anchors relative time parameters. Unrecognized parameters
// are dropped. Validation of required fields happens here so malformed
// requests are rejected before any fetch.
func ParseRequest(raw string, now time.Time) (RequestDescriptor, error) {
	var d RequestDescriptor

	segments := strings.Split(raw, "|")
	head := strings.Fields(strings.TrimSpace(segments[0]))
	if len(head) == 0 {
		return d, malformed("empty request")
	}
	kind, ok := kindKeywords[strings.ToLower(head[0])]
	if !ok {
		return d, malformed("unknown request kind: %s", head[0])
	}
	d.Kind = kind
	d.Provider = strings.Join(head[1:], " ")
	d.Count = -1

	var haveLon, haveLat bool
	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		name, value, found := strings.Cut(seg, "=")
		if !found {
			return d, malformed("parameter without value: %s", seg)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)

		switch name {
		case "city":
			d.City = value
		case "stop":
			d.Stop = value
		case "stopid":
			d.StopID = value
		case "originstop":
			d.OriginStop = value
		case "originstopid":
			d.OriginStopID = value
		case "targetstop":
			d.TargetStop = value
		case "targetstopid":
			d.TargetStopID = value
		case "count":
			v, err := strconv.Atoi(value)
			if err != nil || v < 0 {
				return d, malformed("count must be a non-negative integer")
			}
			d.Count = v
		case "timeoffset":
			v, err := strconv.Atoi(value)
			if err != nil {
				return d, malformed("timeOffset must be an integer number of minutes")
			}
			d.TimeOffset = v
			d.hasOffset = true
		case "time":
			t, err := parseClockTime(value, now)
			if err != nil {
				return d, err
			}
			d.DateTime = t
		case "datetime":
			t, err := parseDateTime(value)
			if err != nil {
				return d, err
			}
			d.DateTime = t
		case "longitude":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return d, malformed("longitude must be a number")
			}
			d.Longitude = v
			haveLon = true
		case "latitude":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return d, malformed("latitude must be a number")
			}
			d.Latitude = v
			haveLat = true
		case "radius":
			v, err := strconv.Atoi(value)
			if err != nil || v < 0 {
				return d, malformed("radius must be a non-negative integer")
			}
			d.RadiusMeters = v
		default:
			// Unrecognized parameters never reach the canonical key.
		}
	}
	d.HasGeo = haveLon && haveLat
	if haveLon != haveLat {
		return d, malformed("longitude and latitude must be given together")
	}

	if err := d.validate(); err != nil {
		return d, err
	}
	return d, nil
}

func (d *RequestDescriptor) validate() error {
	switch d.Kind {
	case KindDepartures, KindArrivals:
		if d.Stop == "" && d.StopID == "" {
			return malformed("you must provide a stop or stopId for %s", d.Kind)
		}
	case KindJourneysByDeparture, KindJourneysByArrival:
		if d.OriginStop == "" && d.OriginStopID == "" {
			return malformed("you must provide an originStop for %s", d.Kind)
		}
		if d.TargetStop == "" && d.TargetStopID == "" {
			return malformed("you must provide a targetStop for %s", d.Kind)
		}
	case KindStopSuggestions:
		if d.Stop == "" && !d.HasGeo {
			return malformed("you must provide a partial stop name for %s", d.Kind)
		}
	case KindStopsByGeoPosition:
		if !d.HasGeo {
			return malformed("you must provide longitude and latitude for %s", d.Kind)
		}
	}
	return nil
}

// referenceTime is the instant the subscriber asked results to start at.
func (d *RequestDescriptor) referenceTime(now time.Time) time.Time {
	if !d.DateTime.IsZero() {
		return d.DateTime
	}
	if d.hasOffset {
		return now.Add(time.Duration(d.TimeOffset) * time.Minute)
	}
	return now
}

func parseClockTime(value string, now time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return time.Time{}, malformed("time must be given as HH:MM")
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}

func parseDateTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04", value); err == nil {
		return t, nil
	}
	return time.Time{}, malformed("datetime must be RFC3339 or YYYY-MM-DD HH:MM")
}
