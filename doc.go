// Package timetable is a caching and request-coordination layer between
// concurrent clients and pluggable timetable providers.
//
// Clients subscribe with query strings such as
//
//	Departures myfeed|stop=Central Station|count=10
//
// Equivalent queries canonicalize to the same cache key and share one cache
// entry, one provider handle and one upstream fetch. The engine decides when
// a cached payload still answers a query, deduplicates concurrent fetches,
// schedules automatic refreshes from provider policy, merges out-of-band
// enrichment into cached items and evicts entries a grace period after their
// last subscriber leaves.
//
// All coordination state is confined to a single goroutine fed by a command
// queue; only provider fetches run concurrently.
package timetable
