package prophet

import (
	"slices"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// AgeMap remembers when each peer was last met, as monotonic offsets.
type AgeMap struct {
	seen map[dtn.EID]time.Duration
}

// NewAgeMap returns an empty encounter log.
func NewAgeMap() *AgeMap {
	return &AgeMap{seen: make(map[dtn.EID]time.Duration)}
}

// Elapsed returns the time since peer was last met and whether it was met at all.
func (a *AgeMap) Elapsed(peer dtn.EID, now time.Duration) (time.Duration, bool) {
	at, ok := a.seen[peer.Node()]
	if !ok {
		return 0, false
	}
	return max(now-at, 0), true
}

// Touch records an encounter with peer at now.
func (a *AgeMap) Touch(peer dtn.EID, now time.Duration) {
	a.seen[peer.Node()] = now
}

// Len counts peers with a recorded encounter.
func (a *AgeMap) Len() int { return len(a.seen) }

// AgeEntry is one AgeMap record.
type AgeEntry struct {
	Peer dtn.EID
	At   time.Duration
}

// Entries returns a copy sorted by peer.
func (a *AgeMap) Entries() []AgeEntry {
	out := make([]AgeEntry, 0, len(a.seen))
	for p, at := range a.seen {
		out = append(out, AgeEntry{Peer: p, At: at})
	}
	slices.SortFunc(out, func(x, y AgeEntry) int { return compareEID(x.Peer, y.Peer) })
	return out
}

// Restore replaces the contents with entries.
func (a *AgeMap) Restore(entries []AgeEntry) {
	a.seen = make(map[dtn.EID]time.Duration, len(entries))
	for _, e := range entries {
		a.seen[e.Peer.Node()] = e.At
	}
}
