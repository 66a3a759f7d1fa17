package provider

import (
	"errors"
	"testing"
	"time"
)

func TestStaticSource(t *testing.T) {
	s := StaticSource{
		"b": {ID: "b", Type: "gtfsrt"},
		"a": {ID: "a", Type: "gtfsrt"},
	}

	def, err := s.Lookup("a")
	if err != nil || def.ID != "a" {
		t.Fatalf("Lookup = %+v, %v", def, err)
	}
	if _, err := s.Lookup("nope"); !errors.Is(err, ErrNoDefinition) {
		t.Errorf("missing id err = %v", err)
	}

	defs := s.List()
	if len(defs) != 2 || defs[0].ID != "a" || defs[1].ID != "b" {
		t.Errorf("List not sorted by id: %+v", defs)
	}
}

func TestEffectiveTime(t *testing.T) {
	sched := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	it := Item{Scheduled: sched}
	if !it.EffectiveTime().Equal(sched) {
		t.Error("scheduled time not used when no estimate present")
	}
	it.Expected = sched.Add(3 * time.Minute)
	if !it.EffectiveTime().Equal(it.Expected) {
		t.Error("realtime estimate not preferred")
	}
}

func TestHasCapability(t *testing.T) {
	features := []Capability{CapDepartures, CapArrivals}
	if !HasCapability(features, CapArrivals) {
		t.Error("present capability not found")
	}
	if HasCapability(features, CapJourneys) {
		t.Error("absent capability reported present")
	}
}
