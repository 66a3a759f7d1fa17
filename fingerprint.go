package timetable

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/theoremus-urban-solutions/timetable-engine/provider"
)

// ItemFingerprint is a stable per-item hash used to reattach out-of-band
// enrichment to freshly fetched items. It hashes the line identifier, the
// target, the scheduled-time bucket and a sequence index, so it survives
// re-fetches even when item ordering or exact delay values change.
type ItemFingerprint uint64

func (f ItemFingerprint) String() string {
	return fmt.Sprintf("%016x", uint64(f))
}

func fingerprintOne(it provider.Item, seq int) ItemFingerprint {
	h := xxhash.New()
	_, _ = io.WriteString(h, it.Line)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, it.Target)
	_, _ = h.Write([]byte{0})

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(it.Scheduled.Truncate(fingerprintBucket).Unix()))
	_, _ = h.Write(buf[:])
	_, _ = io.WriteString(h, strconv.Itoa(seq))

	return ItemFingerprint(h.Sum64())
}

// fingerprintItems computes fingerprints for a full item list. The sequence
// index disambiguates items that agree on line, target and time bucket; it
// counts occurrences of the identical triple rather than list position, so
// reordering unrelated items does not shift fingerprints.
func fingerprintItems(items []provider.Item) []ItemFingerprint {
	type triple struct {
		line, target string
		bucket       int64
	}
	seen := make(map[triple]int, len(items))
	out := make([]ItemFingerprint, len(items))
	for i, it := range items {
		k := triple{it.Line, it.Target, it.Scheduled.Truncate(fingerprintBucket).Unix()}
		seq := seen[k]
		seen[k] = seq + 1
		out[i] = fingerprintOne(it, seq)
	}
	return out
}
