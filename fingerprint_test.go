package timetable

import (
	"testing"
	"time"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

func TestFingerprint_StableAcrossRefetch(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	a := provider.Item{Line: "M4", Target: "Zingster Str.", Scheduled: base}
	// Same departure seen again with a slightly different scheduled second.
	b := provider.Item{Line: "M4", Target: "Zingster Str.", Scheduled: base.Add(20 * time.Second)}
	if fingerprintItems([]provider.Item{a})[0] != fingerprintItems([]provider.Item{b})[0] {
		t.Error("fingerprint changed within the same minute bucket")
	}
}

func TestFingerprint_DistinguishesItems(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	items := []provider.Item{
		{Line: "M4", Target: "Zingster Str.", Scheduled: base},
		{Line: "M5", Target: "Zingster Str.", Scheduled: base},
		{Line: "M4", Target: "Hackescher Markt", Scheduled: base},
		{Line: "M4", Target: "Zingster Str.", Scheduled: base.Add(time.Minute)},
	}
	fps := fingerprintItems(items)
	seen := map[ItemFingerprint]bool{}
	for i, fp := range fps {
		if seen[fp] {
			t.Errorf("item %d collided", i)
		}
		seen[fp] = true
	}
}

func TestFingerprint_DuplicateTriplesPositionIndependent(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dup := provider.Item{Line: "M4", Target: "Zingster Str.", Scheduled: base}
	other := provider.Item{Line: "M5", Target: "Elsewhere", Scheduled: base}

	// Two identical departures must get distinct fingerprints, and those
	// fingerprints must survive unrelated items shifting their positions.
	fpsA := fingerprintItems([]provider.Item{dup, dup, other})
	fpsB := fingerprintItems([]provider.Item{other, dup, dup})

	if fpsA[0] == fpsA[1] {
		t.Error("identical items share a fingerprint")
	}
	if fpsA[0] != fpsB[1] || fpsA[1] != fpsB[2] {
		t.Error("fingerprints depend on list position")
	}
}
