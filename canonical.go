package timetable

import (
	"strconv"
	"strings"
)

// CanonicalKey is the deterministic cache-lookup key derived from a query.
// Two queries that differ only in count, or whose reference times fall in the
// same 15-minute bucket, map to the same key.
type CanonicalKey string

// DefaultProviderFunc resolves the locale-default provider id for queries
// that name none. It is an external collaborator; the engine only calls it
// while canonicalizing.
type DefaultProviderFunc func() string

// Canonicalize serializes a descriptor into its canonical key. The default
// parameter is resolved before keying when empty, and the resolved id is
// written back into the descriptor so later fetches use it too.
func Canonicalize(d *RequestDescriptor, defaultProvider DefaultProviderFunc) CanonicalKey {
	if d.Provider == "" && defaultProvider != nil {
		d.Provider = defaultProvider()
	}

	var b strings.Builder
	b.WriteString(d.Kind.String())
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(d.Provider))

	// Recognized parameters re-emitted in one fixed order. count is dropped:
	// it only sizes the returned slice, never what must be fetched.
	writeParam(&b, "city", strings.ToLower(d.City))
	writeParam(&b, "stop", strings.ToLower(d.Stop))
	writeParam(&b, "stopId", d.StopID)
	writeParam(&b, "originStop", strings.ToLower(d.OriginStop))
	writeParam(&b, "originStopId", d.OriginStopID)
	writeParam(&b, "targetStop", strings.ToLower(d.TargetStop))
	writeParam(&b, "targetStopId", d.TargetStopID)
	if d.hasOffset {
		writeParam(&b, "timeOffset", strconv.Itoa(d.TimeOffset))
	}
	if !d.DateTime.IsZero() {
		// time and datetime both normalize to an absolute datetime rounded
		// down to the 15-minute boundary.
		writeParam(&b, "datetime", formatCanonicalTime(roundToBucket(d.DateTime)))
	}
	if d.HasGeo {
		writeParam(&b, "longitude", formatCoordinate(d.Longitude))
		writeParam(&b, "latitude", formatCoordinate(d.Latitude))
	}

	return CanonicalKey(b.String())
}

func writeParam(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	b.WriteByte('|')
	b.WriteString(name)
	b.WriteByte('=')
	b.WriteString(value)
}

func formatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
