package gtfsrt

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/hashicorp/go-retryablehttp"
	"google.golang.org/protobuf/proto"
)

// stopEvent is one arrival/departure of one trip at one stop, flattened out
// of the feed's trip updates.
type stopEvent struct {
	tripID    string
	routeID   string
	stopID    string
	arrival   time.Time
	departure time.Time
	// onwardStops are the stop ids from this stop to the end of the trip.
	onwardStops []string
}

// snapshot is one decoded feed read.
type snapshot struct {
	fetchedAt time.Time
	header    time.Time

	// eventsByStop holds each stop's events ordered by departure time.
	eventsByStop map[string][]stopEvent
	stopIDs      []string
}

// fetchSnapshot reads and decodes the trip-updates feed.
func fetchSnapshot(ctx context.Context, client *retryablehttp.Client, url string) (*snapshot, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(b, &fm); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return buildSnapshot(&fm, time.Now()), nil
}

func buildSnapshot(fm *gtfsrtpb.FeedMessage, fetchedAt time.Time) *snapshot {
	s := &snapshot{
		fetchedAt:    fetchedAt,
		eventsByStop: map[string][]stopEvent{},
	}
	if fm.Header != nil && fm.Header.Timestamp != nil {
		s.header = time.Unix(int64(*fm.Header.Timestamp), 0)
	}

	for _, e := range fm.Entity {
		tu := e.TripUpdate
		if tu == nil || tu.Trip == nil || tu.Trip.TripId == nil {
			continue
		}
		tripID := *tu.Trip.TripId
		var routeID string
		if tu.Trip.RouteId != nil {
			routeID = *tu.Trip.RouteId
		}

		stus := tu.StopTimeUpdate
		onward := make([]string, 0, len(stus))
		for _, stu := range stus {
			if stu.StopId != nil {
				onward = append(onward, *stu.StopId)
			}
		}

		for i, stu := range stus {
			if stu.StopId == nil {
				continue
			}
			ev := stopEvent{
				tripID:  tripID,
				routeID: routeID,
				stopID:  *stu.StopId,
			}
			if stu.Arrival != nil && stu.Arrival.Time != nil {
				ev.arrival = time.Unix(*stu.Arrival.Time, 0)
			}
			if stu.Departure != nil && stu.Departure.Time != nil {
				ev.departure = time.Unix(*stu.Departure.Time, 0)
			}
			if i < len(onward) {
				ev.onwardStops = onward[i:]
			}
			s.eventsByStop[ev.stopID] = append(s.eventsByStop[ev.stopID], ev)
		}
	}

	for stopID, evs := range s.eventsByStop {
		sort.Slice(evs, func(i, j int) bool {
			return evs[i].effectiveDeparture().Before(evs[j].effectiveDeparture())
		})
		s.stopIDs = append(s.stopIDs, stopID)
	}
	sort.Strings(s.stopIDs)
	return s
}

func (ev stopEvent) effectiveDeparture() time.Time {
	if !ev.departure.IsZero() {
		return ev.departure
	}
	return ev.arrival
}

func (ev stopEvent) effectiveArrival() time.Time {
	if !ev.arrival.IsZero() {
		return ev.arrival
	}
	return ev.departure
}
