// Package handshake encodes and decodes the routing metadata exchanged
// between two neighbors.
//
//	Request:      V(1) V(count) {V(item)}*count
//	Response:     V(2) V(lifetime) V(count) {V(item) V(len) bytes}*count
//	Notification: V(3) V(lifetime) V(count) {V(item) V(len) bytes}*count
//
// Items are kept as raw bytes and decoded on first access.
package handshake

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
)

// Kind is the message type.
type Kind uint64

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

const (
	// MaxItemLength bounds a single item payload.
	MaxItemLength = 16 << 20
	// MaxItems bounds the item or request count of one message.
	MaxItems = 64
	// MaxLifetime bounds the lifetime a peer may announce.
	MaxLifetime = 30 * 24 * time.Hour
)

// Item is one entry of a response. Raw holds the wire payload; the decoded
// form is filled in by the first accessor call.
type Item struct {
	ID  ItemID
	Raw []byte

	decoded Payload
	err     error
	done    bool
}

// Message is one handshake round.
type Message struct {
	Kind      Kind
	Lifetime  time.Duration
	Requested []ItemID
	Items     []Item
}

// NewRequest asks the peer for ids.
func NewRequest(ids ...ItemID) *Message {
	return &Message{Kind: KindRequest, Requested: slices.Clone(ids)}
}

// NewResponse creates an empty response valid for lifetime.
func NewResponse(lifetime time.Duration) *Message {
	return &Message{Kind: KindResponse, Lifetime: lifetime}
}

// Add encodes p and appends it as an item. Each item id may appear once.
func (m *Message) Add(p Payload) error {
	if m.Has(p.ItemID()) {
		return fmt.Errorf("encode %s: item already present", p.ItemID())
	}
	raw, err := p.marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.ItemID(), err)
	}
	if len(raw) > MaxItemLength {
		return fmt.Errorf("encode %s: %d bytes: %w", p.ItemID(), len(raw), sdnv.ErrTooLarge)
	}
	m.Items = append(m.Items, Item{ID: p.ItemID(), Raw: raw, decoded: p, done: true})
	return nil
}

// Requests reports whether id was requested.
func (m *Message) Requests(id ItemID) bool {
	return slices.Contains(m.Requested, id)
}

// Has reports whether an item with id is present.
func (m *Message) Has(id ItemID) bool {
	return m.index(id) >= 0
}

func (m *Message) index(id ItemID) int {
	return slices.IndexFunc(m.Items, func(it Item) bool { return it.ID == id })
}

// MarshalBinary encodes the message.
func (m *Message) MarshalBinary() ([]byte, error) {
	switch m.Kind {
	case KindRequest:
		if len(m.Requested) > MaxItems {
			return nil, fmt.Errorf("handshake: %d requested items", len(m.Requested))
		}
		buf := sdnv.Append(nil, uint64(KindRequest))
		buf = sdnv.Append(buf, uint64(len(m.Requested)))
		for _, id := range m.Requested {
			buf = sdnv.Append(buf, uint64(id))
		}
		return buf, nil
	case KindResponse, KindNotification:
		if len(m.Items) > MaxItems {
			return nil, fmt.Errorf("handshake: %d items", len(m.Items))
		}
		buf := sdnv.Append(nil, uint64(m.Kind))
		buf = sdnv.Append(buf, uint64(m.Lifetime/time.Second))
		buf = sdnv.Append(buf, uint64(len(m.Items)))
		for _, it := range m.Items {
			buf = sdnv.Append(buf, uint64(it.ID))
			buf = sdnv.Append(buf, uint64(len(it.Raw)))
			buf = append(buf, it.Raw...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("handshake: cannot encode %s message", m.Kind)
	}
}

// Decode parses a complete message. Item payloads are not inspected; use
// ValidateKnown or the accessors for that. Every failure wraps
// dtn.ErrHandshakeDecode.
func Decode(p []byte) (*Message, error) {
	m, err := decode(bytes.NewReader(p))
	if err != nil {
		return nil, dtn.ErrDecode("handshake", err)
	}
	return m, nil
}

func decode(r *bytes.Reader) (*Message, error) {
	kind, err := sdnv.Read(r)
	if err != nil {
		return nil, fmt.Errorf("kind: %w", err)
	}
	m := &Message{Kind: Kind(kind)}

	switch m.Kind {
	case KindRequest:
		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		m.Requested = make([]ItemID, 0, n)
		for i := uint64(0); i < n; i++ {
			id, err := sdnv.Read(r)
			if err != nil {
				return nil, fmt.Errorf("request %d: %w", i, err)
			}
			m.Requested = append(m.Requested, ItemID(id))
		}
	case KindResponse, KindNotification:
		secs, err := sdnv.Read(r)
		if err != nil {
			return nil, fmt.Errorf("lifetime: %w", err)
		}
		if secs > uint64(MaxLifetime/time.Second) {
			return nil, fmt.Errorf("lifetime %ds out of range", secs)
		}
		m.Lifetime = time.Duration(secs) * time.Second

		n, err := readCount(r)
		if err != nil {
			return nil, err
		}
		m.Items = make([]Item, 0, n)
		seen := make(map[ItemID]struct{}, n)
		for i := uint64(0); i < n; i++ {
			id, err := sdnv.Read(r)
			if err != nil {
				return nil, fmt.Errorf("item %d id: %w", i, err)
			}
			if _, dup := seen[ItemID(id)]; dup {
				return nil, fmt.Errorf("item %d: duplicate id %d", i, id)
			}
			seen[ItemID(id)] = struct{}{}
			length, err := sdnv.Read(r)
			if err != nil {
				return nil, fmt.Errorf("item %d length: %w", i, err)
			}
			if length > MaxItemLength || length > uint64(r.Len()) {
				return nil, fmt.Errorf("item %d length %d exceeds input", i, length)
			}
			raw := make([]byte, length)
			_, _ = r.Read(raw)
			m.Items = append(m.Items, Item{ID: ItemID(id), Raw: raw})
		}
	default:
		return nil, fmt.Errorf("unknown kind %d", kind)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}

func readCount(r *bytes.Reader) (uint64, error) {
	n, err := sdnv.Read(r)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	if n > MaxItems {
		return 0, fmt.Errorf("count %d exceeds %d", n, MaxItems)
	}
	return n, nil
}

// Get returns the decoded payload for id. The first call decodes and
// caches; later calls return the cached result. Items without a decoder come
// back as Unknown.
func (m *Message) Get(id ItemID) (Payload, error) {
	i := m.index(id)
	if i < 0 {
		return nil, dtn.ErrItemMissing(uint64(id))
	}
	it := &m.Items[i]
	if !it.done {
		if dec, ok := registry[id]; ok {
			it.decoded, it.err = dec(it.Raw)
			if it.err != nil {
				it.err = dtn.ErrDecode(id.String(), it.err)
			}
		} else {
			it.decoded = Unknown{ID: id, Data: it.Raw}
		}
		it.done = true
	}
	return it.decoded, it.err
}

// ValidateKnown decodes every item that has a decoder and returns the first
// failure.
func (m *Message) ValidateKnown() error {
	for _, it := range m.Items {
		if !Known(it.ID) {
			continue
		}
		if _, err := m.Get(it.ID); err != nil {
			return err
		}
	}
	return nil
}

var errWrongPayload = errors.New("unexpected payload type")

func typed[T Payload](m *Message, id ItemID) (T, error) {
	var zero T
	p, err := m.Get(id)
	if err != nil {
		return zero, err
	}
	v, ok := p.(T)
	if !ok {
		return zero, dtn.ErrDecode(id.String(), errWrongPayload)
	}
	return v, nil
}

func (m *Message) SummaryVector() (*bloom.BloomFilter, error) {
	v, err := typed[SummaryVector](m, ItemSummaryVector)
	return v.Filter, err
}

func (m *Message) PurgeVector() (*bloom.BloomFilter, error) {
	v, err := typed[PurgeVector](m, ItemPurgeVector)
	return v.Filter, err
}

func (m *Message) Predictability() ([]prophet.Entry, error) {
	v, err := typed[Predictability](m, ItemPredictability)
	return v.Entries, err
}

func (m *Message) Acknowledgements() ([]ack.Entry, error) {
	v, err := typed[Acknowledgements](m, ItemAcknowledgements)
	return v.Entries, err
}

func (m *Message) Limitations() (Limitations, error) {
	return typed[Limitations](m, ItemLimitations)
}
