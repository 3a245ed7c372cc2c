// Package ack tracks bundles known to have reached their destination.
package ack

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
)

// MaxEntries bounds how many acknowledgements a decoder accepts.
const MaxEntries = 1 << 20

// Entry is one acknowledged bundle and the DTN time after which the
// acknowledgement may be forgotten.
type Entry struct {
	ID     dtn.BundleID
	Expire dtn.Time
}

// Set is an acknowledgement set keyed by bundle id. Not safe for concurrent
// use; the engine keeps it behind a lock.
type Set struct {
	entries map[dtn.BundleID]dtn.Time
}

// New returns an empty acknowledgement set.
func New() *Set {
	return &Set{entries: make(map[dtn.BundleID]dtn.Time)}
}

// Add records id. A later expiry replaces an earlier one.
func (s *Set) Add(id dtn.BundleID, expire dtn.Time) bool {
	old, ok := s.entries[id]
	if ok && old >= expire {
		return false
	}
	s.entries[id] = expire
	return !ok
}

// Has reports whether id is acknowledged, expired or not.
func (s *Set) Has(id dtn.BundleID) bool {
	_, ok := s.entries[id]
	return ok
}

// Len counts stored acknowledgements.
func (s *Set) Len() int { return len(s.entries) }

// Merge adds the entries of other that are still valid at now and returns
// the ids this set did not know before, sorted.
func (s *Set) Merge(other []Entry, now dtn.Time) []dtn.BundleID {
	var learned []dtn.BundleID
	for _, e := range other {
		if e.Expire <= now {
			continue
		}
		if s.Add(e.ID, e.Expire) {
			learned = append(learned, e.ID)
		}
	}
	slices.SortFunc(learned, dtn.BundleID.Compare)
	return learned
}

// Expire drops every entry with expire <= now and returns how many went.
func (s *Set) Expire(now dtn.Time) int {
	n := 0
	for id, exp := range s.entries {
		if exp <= now {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Entries returns a sorted copy.
func (s *Set) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for id, exp := range s.entries {
		out = append(out, Entry{ID: id, Expire: exp})
	}
	slices.SortFunc(out, func(a, b Entry) int { return a.ID.Compare(b.ID) })
	return out
}

// Encode writes V(count) {BundleID V(expire)}*count.
func Encode(w io.Writer, entries []Entry) error {
	if err := sdnv.Write(w, uint64(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := e.ID.Encode(w); err != nil {
			return err
		}
		if err := sdnv.Write(w, uint64(e.Expire)); err != nil {
			return err
		}
	}
	return nil
}

// Marshal is Encode into a fresh buffer.
func Marshal(entries []Entry) []byte {
	var buf bytes.Buffer
	_ = Encode(&buf, entries)
	return buf.Bytes()
}

// Decode reads what Encode wrote.
func Decode(r sdnv.Reader) ([]Entry, error) {
	n, err := sdnv.Read(r)
	if err != nil {
		return nil, fmt.Errorf("ack count: %w", err)
	}
	if n > MaxEntries {
		return nil, fmt.Errorf("ack count %d: %w", n, sdnv.ErrTooLarge)
	}
	out := make([]Entry, 0, min(n, 1024))
	for i := uint64(0); i < n; i++ {
		id, err := dtn.ReadBundleID(r)
		if err != nil {
			return nil, fmt.Errorf("ack %d: %w", i, err)
		}
		exp, err := sdnv.Read(r)
		if err != nil {
			return nil, fmt.Errorf("ack %d expire: %w", i, err)
		}
		out = append(out, Entry{ID: id, Expire: dtn.Time(exp)})
	}
	return out, nil
}

// Unmarshal decodes a complete payload; trailing bytes are an error.
func Unmarshal(p []byte) ([]Entry, error) {
	r := bytes.NewReader(p)
	entries, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("ack set: %d trailing bytes", r.Len())
	}
	return entries, nil
}
