package prophet

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
)

// MaxWireEntries bounds the entry count accepted from a peer.
const MaxWireEntries = 1 << 16

// Entry is one predictability value.
type Entry struct {
	Peer  dtn.EID
	Value float32
}

// Map is a delivery predictability map. Keys are node EIDs; callers may pass
// any endpoint and the node part is used.
//
// The local node's entry is pinned at 1.0. Every other value stays within
// [0, 1-delta]. Map is not safe for concurrent use.
type Map struct {
	local     dtn.EID
	params    Params
	values    map[dtn.EID]float32
	lastAging time.Duration
}

// NewMap creates a map owned by local. now is the monotonic instant aging is
// counted from.
func NewMap(local dtn.EID, params Params, now time.Duration) *Map {
	m := &Map{
		local:     local.Node(),
		params:    params,
		values:    make(map[dtn.EID]float32),
		lastAging: now,
	}
	if !m.local.IsNone() {
		m.values[m.local] = 1
	}
	return m
}

// Local returns the node whose own entry is pinned at 1.0.
func (m *Map) Local() dtn.EID { return m.local }

// Params returns the parameters the map was built with.
func (m *Map) Params() Params { return m.params }

// LastAging returns the monotonic instant of the last effective aging step.
func (m *Map) LastAging() time.Duration { return m.lastAging }

// SetLastAging is used when restoring persisted state.
func (m *Map) SetLastAging(t time.Duration) { m.lastAging = t }

// Get returns the value for peer or dtn.ErrNotFound.
func (m *Map) Get(peer dtn.EID) (float32, error) {
	v, ok := m.values[peer.Node()]
	if !ok {
		return 0, dtn.ErrNotFound
	}
	return v, nil
}

func (m *Map) lookup(peer dtn.EID) (float32, bool) {
	v, ok := m.values[peer.Node()]
	return v, ok
}

// Set stores v for peer, clamped to [0, 1-delta]. NaN is ignored. The local
// entry cannot be changed.
func (m *Map) Set(peer dtn.EID, v float32) {
	node := peer.Node()
	if node == m.local || math.IsNaN(float64(v)) {
		return
	}
	m.values[node] = m.clamp(float64(v))
}

func (m *Map) clamp(v float64) float32 {
	return float32(min(max(v, 0), m.params.Max()))
}

// Len counts entries, the pinned local entry included.
func (m *Map) Len() int { return len(m.values) }

// Encounter applies the direct encounter rule for peer and records the
// encounter in ages.
func (m *Map) Encounter(peer dtn.EID, now time.Duration, ages *AgeMap) {
	node := peer.Node()
	if node == m.local {
		return
	}
	old, ok := m.values[node]
	if !ok || float64(old) < m.params.PFirstThreshold {
		m.values[node] = m.clamp(m.params.PEncounterFirst)
	} else {
		elapsed, met := ages.Elapsed(node, now)
		pl := m.pLinear(elapsed, met)
		o := float64(old)
		m.values[node] = m.clamp(o + (1-m.params.Delta-o)*pl)
	}
	ages.Touch(node, now)
}

// pLinear ramps from 0 at elapsed 0 to PEncounterMax at ITyp and stays there.
func (m *Map) pLinear(elapsed time.Duration, met bool) float64 {
	if !met || elapsed >= m.params.ITyp {
		return m.params.PEncounterMax
	}
	if elapsed <= 0 {
		return 0
	}
	return m.params.PEncounterMax * float64(elapsed) / float64(m.params.ITyp)
}

// Update applies the transitivity rule for the map received from origin.
// Encounter must already have run for origin in the same step.
func (m *Map) Update(origin dtn.EID, remote []Entry, pEncounterFirst float64) {
	origin = origin.Node()
	pab := pEncounterFirst
	if v, ok := m.values[origin]; ok {
		pab = float64(v)
	}
	for _, e := range remote {
		c := e.Peer.Node()
		if c == origin || c == m.local {
			continue
		}
		pbc := float64(e.Value)
		if math.IsNaN(pbc) {
			continue
		}
		pbc = min(max(pbc, 0), m.params.Max())
		next := m.clamp(pab * pbc * m.params.Beta)
		if old, ok := m.values[c]; ok {
			if old >= next {
				continue
			}
		} else if next == 0 {
			continue
		}
		m.values[c] = next
	}
}

// Age decays every non-local value by gamma per whole elapsed time unit and
// evicts values below threshold. The aging anchor moves to now on every call
// past it, so a fraction of a unit is dropped. It returns the number of
// evicted entries.
func (m *Map) Age(threshold float64, now time.Duration) int {
	if now <= m.lastAging {
		return 0
	}
	k := int64((now - m.lastAging) / m.params.TimeUnit)
	m.lastAging = now
	if k == 0 {
		return 0
	}
	factor := math.Pow(m.params.Gamma, float64(k))
	evicted := 0
	for peer, v := range m.values {
		if peer == m.local {
			continue
		}
		nv := float64(v) * factor
		if nv < threshold {
			delete(m.values, peer)
			evicted++
			continue
		}
		m.values[peer] = float32(nv)
	}
	return evicted
}

// Range calls fn for every entry until fn returns false. Order is undefined.
func (m *Map) Range(fn func(peer dtn.EID, v float32) bool) {
	for p, v := range m.values {
		if !fn(p, v) {
			return
		}
	}
}

// Entries returns a copy sorted by peer.
func (m *Map) Entries() []Entry {
	out := make([]Entry, 0, len(m.values))
	for p, v := range m.values {
		out = append(out, Entry{Peer: p, Value: v})
	}
	slices.SortFunc(out, func(a, b Entry) int { return compareEID(a.Peer, b.Peer) })
	return out
}

// Restore replaces every non-local value with entries.
func (m *Map) Restore(entries []Entry) {
	m.values = make(map[dtn.EID]float32, len(entries)+1)
	if !m.local.IsNone() {
		m.values[m.local] = 1
	}
	for _, e := range entries {
		m.Set(e.Peer, e.Value)
	}
}

// Clone returns an independent copy.
func (m *Map) Clone() *Map {
	c := &Map{
		local:     m.local,
		params:    m.params,
		values:    make(map[dtn.EID]float32, len(m.values)),
		lastAging: m.lastAging,
	}
	for p, v := range m.values {
		c.values[p] = v
	}
	return c
}

// FromEntries builds a neighbor's map out of received entries. The owner's
// own entry is pinned at 1.0 like any local entry.
func FromEntries(owner dtn.EID, params Params, entries []Entry) *Map {
	m := NewMap(owner, params, 0)
	for _, e := range entries {
		m.Set(e.Peer, e.Value)
	}
	return m
}

func compareEID(a, b dtn.EID) int { return cmp.Compare(a, b) }

// EncodeWire writes V(count) {String(eid) float32-LE}*count.
func EncodeWire(w io.Writer, entries []Entry) error {
	if err := sdnv.Write(w, uint64(len(entries))); err != nil {
		return err
	}
	var f [4]byte
	for _, e := range entries {
		if err := sdnv.WriteString(w, string(e.Peer)); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(f[:], math.Float32bits(e.Value))
		if _, err := w.Write(f[:]); err != nil {
			return err
		}
	}
	return nil
}

// MarshalWire is EncodeWire into a fresh buffer.
func MarshalWire(entries []Entry) []byte {
	var buf bytes.Buffer
	_ = EncodeWire(&buf, entries)
	return buf.Bytes()
}

// DecodeWire reads what EncodeWire wrote. NaN values are rejected; range
// clamping happens when the entries are applied.
func DecodeWire(r sdnv.Reader) ([]Entry, error) {
	n, err := sdnv.Read(r)
	if err != nil {
		return nil, fmt.Errorf("predictability count: %w", err)
	}
	if n > MaxWireEntries {
		return nil, fmt.Errorf("predictability count %d: %w", n, sdnv.ErrTooLarge)
	}
	out := make([]Entry, 0, n)
	var f [4]byte
	for i := uint64(0); i < n; i++ {
		eid, err := sdnv.ReadString(r, dtn.MaxEIDLength)
		if err != nil {
			return nil, fmt.Errorf("predictability %d eid: %w", i, err)
		}
		if _, err := io.ReadFull(r, f[:]); err != nil {
			return nil, fmt.Errorf("predictability %d value: %w", i, io.ErrUnexpectedEOF)
		}
		v := math.Float32frombits(binary.LittleEndian.Uint32(f[:]))
		if math.IsNaN(float64(v)) {
			return nil, fmt.Errorf("predictability %d: NaN for %s", i, eid)
		}
		out = append(out, Entry{Peer: dtn.EID(eid), Value: v})
	}
	return out, nil
}

// UnmarshalWire decodes a complete payload; trailing bytes are an error.
func UnmarshalWire(p []byte) ([]Entry, error) {
	r := bytes.NewReader(p)
	entries, err := DecodeWire(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("predictability: %d trailing bytes", r.Len())
	}
	return entries, nil
}
