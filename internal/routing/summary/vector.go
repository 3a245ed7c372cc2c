// Package summary keeps the set of bundles a node holds, in exact form for
// local decisions and as a bloom filter for telling peers what not to send.
package summary

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

const (
	DefaultExpectedElements  = 4096
	DefaultFalsePositiveRate = 0.01
)

// Vector is an exact id set plus a bloom filter over it.
//
// Every id in the exact set is in the filter. Remove only touches the exact
// set; the filter keeps the stale bits until Commit rebuilds it.
type Vector struct {
	ids      map[dtn.BundleID]struct{}
	filter   *bloom.BloomFilter
	expected uint
	capacity uint
	fpRate   float64
	dirty    bool
}

// New sizes the filter for expected elements at the given false positive rate.
func New(expected uint, fpRate float64) *Vector {
	if expected == 0 {
		expected = DefaultExpectedElements
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = DefaultFalsePositiveRate
	}
	return &Vector{
		ids:      make(map[dtn.BundleID]struct{}),
		filter:   bloom.NewWithEstimates(expected, fpRate),
		expected: expected,
		capacity: expected,
		fpRate:   fpRate,
	}
}

// Add inserts id into both the exact set and the filter.
func (v *Vector) Add(id dtn.BundleID) {
	v.ids[id] = struct{}{}
	if uint(len(v.ids)) > v.capacity {
		// past the sizing estimate the false positive rate climbs; regrow
		v.Commit()
		return
	}
	v.filter.Add(id.Key())
}

// Remove drops id from the exact set. Call Commit after a batch of removals.
func (v *Vector) Remove(id dtn.BundleID) {
	if _, ok := v.ids[id]; !ok {
		return
	}
	delete(v.ids, id)
	v.dirty = true
}

// Contains asks the filter only. It may report false positives, never false
// negatives.
func (v *Vector) Contains(id dtn.BundleID) bool {
	return v.filter.Test(id.Key())
}

// Has asks the exact set.
func (v *Vector) Has(id dtn.BundleID) bool {
	_, ok := v.ids[id]
	return ok
}

// Commit rebuilds the filter from the exact set. O(n).
func (v *Vector) Commit() {
	n := v.expected
	if uint(len(v.ids)) > n {
		n = uint(len(v.ids)) * 2
	}
	if n != v.capacity {
		v.filter = bloom.NewWithEstimates(n, v.fpRate)
		v.capacity = n
	} else {
		v.filter.ClearAll()
	}
	for id := range v.ids {
		v.filter.Add(id.Key())
	}
	v.dirty = false
}

// Dirty reports whether removals are pending a Commit.
func (v *Vector) Dirty() bool { return v.dirty }

func (v *Vector) Len() int { return len(v.ids) }

// IDs returns the exact set in sorted order.
func (v *Vector) IDs() []dtn.BundleID {
	out := make([]dtn.BundleID, 0, len(v.ids))
	for id := range v.ids {
		out = append(out, id)
	}
	slices.SortFunc(out, dtn.BundleID.Compare)
	return out
}

// GetNotIn returns the local ids the foreign filter does not contain, i.e.
// bundles the peer is known not to have.
func (v *Vector) GetNotIn(foreign *bloom.BloomFilter) []dtn.BundleID {
	var out []dtn.BundleID
	for id := range v.ids {
		if foreign == nil || !foreign.Test(id.Key()) {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, dtn.BundleID.Compare)
	return out
}

// Filter returns a copy of the current filter.
func (v *Vector) Filter() *bloom.BloomFilter {
	return v.filter.Copy()
}

// MarshalBinary encodes the filter in the bloom/v3 stream format.
func (v *Vector) MarshalBinary() ([]byte, error) {
	return EncodeFilter(v.filter)
}

// EncodeFilter writes f in the bloom/v3 stream format.
func EncodeFilter(f *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// filterHeaderLen covers m, k and the bitset length, each a big-endian uint64.
const filterHeaderLen = 24

// DecodeFilter reads a filter received from a peer. The header is checked
// against the payload size before anything is allocated.
func DecodeFilter(p []byte) (*bloom.BloomFilter, error) {
	if len(p) < filterHeaderLen {
		return nil, fmt.Errorf("bloom filter: short header (%d bytes)", len(p))
	}
	m := binary.BigEndian.Uint64(p[0:8])
	k := binary.BigEndian.Uint64(p[8:16])
	length := binary.BigEndian.Uint64(p[16:24])
	if m == 0 || m > uint64(len(p)-filterHeaderLen)*8 {
		return nil, fmt.Errorf("bloom filter: %d bits do not fit %d bytes", m, len(p))
	}
	if k == 0 || k > 64 {
		return nil, fmt.Errorf("bloom filter: bad hash count %d", k)
	}
	if length != m {
		return nil, fmt.Errorf("bloom filter: bitset length %d does not match %d bits", length, m)
	}
	if want := filterHeaderLen + 8*((m+63)/64); uint64(len(p)) != want {
		return nil, fmt.Errorf("bloom filter: %d bytes, want %d", len(p), want)
	}
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(p)); err != nil {
		return nil, fmt.Errorf("bloom filter: %w", err)
	}
	return f, nil
}
