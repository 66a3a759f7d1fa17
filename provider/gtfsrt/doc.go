// Package gtfsrt implements a timetable provider backed by a GTFS-Realtime
// trip-updates feed.
//
// The feed is read over HTTP with retries, decoded from protobuf and
// flattened into a per-stop event index. Fetches share one decoded snapshot
// for a short window so concurrent cache refreshes do not hammer the feed.
package gtfsrt
