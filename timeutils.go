package timetable

import (
	"time"
)

// timeBucket is the granularity at which reference times collapse to one
// canonical key. Queries within the same bucket fetch the same window.
const timeBucket = 15 * time.Minute

// fingerprintBucket is the scheduled-time granularity used when hashing
// items, wide enough that small schedule corrections keep the fingerprint
// stable across re-fetches.
const fingerprintBucket = time.Minute

func roundToBucket(t time.Time) time.Time {
	return t.Truncate(timeBucket)
}

func formatCanonicalTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04")
}
