package handshake

import (
	"bytes"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
)

// ItemID names a handshake item type on the wire.
type ItemID uint64

const (
	ItemSummaryVector    ItemID = 1
	ItemPurgeVector      ItemID = 2
	ItemPredictability   ItemID = 3
	ItemAcknowledgements ItemID = 4
	ItemLimitations      ItemID = 5
)

func (id ItemID) String() string {
	switch id {
	case ItemSummaryVector:
		return "summary_vector"
	case ItemPurgeVector:
		return "purge_vector"
	case ItemPredictability:
		return "predictability"
	case ItemAcknowledgements:
		return "acknowledgements"
	case ItemLimitations:
		return "limitations"
	default:
		return fmt.Sprintf("item(%d)", uint64(id))
	}
}

// Payload is a decoded item. The set of implementations is closed.
type Payload interface {
	ItemID() ItemID
	marshal() ([]byte, error)
}

// SummaryVector carries the bloom filter of bundles the sender holds.
type SummaryVector struct {
	Filter *bloom.BloomFilter
}

// PurgeVector carries the bloom filter of bundles the sender dropped.
type PurgeVector struct {
	Filter *bloom.BloomFilter
}

// Predictability carries the sender's delivery predictability map.
type Predictability struct {
	Entries []prophet.Entry
}

// Acknowledgements carries the sender's acknowledgement set.
type Acknowledgements struct {
	Entries []ack.Entry
}

// Limitations restrict what the sender is willing to receive.
type Limitations struct {
	// MaxBlockSize bounds the largest block of bundles we may send. 0 means no limit.
	MaxBlockSize uint64
	// SingletonOnly refuses bundles for group destinations.
	SingletonOnly bool
	// LocalOnly accepts only bundles addressed to the sender itself.
	LocalOnly bool
	// ForeignBlockSize bounds bundles not addressed to the sender. 0 means no limit.
	ForeignBlockSize uint64
}

// Unknown is an item whose id has no decoder. It is kept verbatim.
type Unknown struct {
	ID   ItemID
	Data []byte
}

func (SummaryVector) ItemID() ItemID    { return ItemSummaryVector }
func (PurgeVector) ItemID() ItemID      { return ItemPurgeVector }
func (Predictability) ItemID() ItemID   { return ItemPredictability }
func (Acknowledgements) ItemID() ItemID { return ItemAcknowledgements }
func (Limitations) ItemID() ItemID      { return ItemLimitations }
func (u Unknown) ItemID() ItemID        { return u.ID }

func (s SummaryVector) marshal() ([]byte, error) { return summary.EncodeFilter(s.Filter) }
func (p PurgeVector) marshal() ([]byte, error)   { return summary.EncodeFilter(p.Filter) }
func (p Predictability) marshal() ([]byte, error) {
	return prophet.MarshalWire(p.Entries), nil
}
func (a Acknowledgements) marshal() ([]byte, error) { return ack.Marshal(a.Entries), nil }
func (u Unknown) marshal() ([]byte, error)          { return u.Data, nil }

const (
	limitMaxBlockSize     = 1
	limitSingletonOnly    = 2
	limitLocalOnly        = 3
	limitForeignBlockSize = 4
)

func (l Limitations) marshal() ([]byte, error) {
	type kv struct{ k, v uint64 }
	var pairs []kv
	if l.MaxBlockSize > 0 {
		pairs = append(pairs, kv{limitMaxBlockSize, l.MaxBlockSize})
	}
	if l.SingletonOnly {
		pairs = append(pairs, kv{limitSingletonOnly, 1})
	}
	if l.LocalOnly {
		pairs = append(pairs, kv{limitLocalOnly, 1})
	}
	if l.ForeignBlockSize > 0 {
		pairs = append(pairs, kv{limitForeignBlockSize, l.ForeignBlockSize})
	}
	buf := sdnv.Append(nil, uint64(len(pairs)))
	for _, p := range pairs {
		buf = sdnv.Append(buf, p.k)
		buf = sdnv.Append(buf, p.v)
	}
	return buf, nil
}

// Allows reports whether a bundle of the given size and addressing passes.
func (l Limitations) Allows(size uint64, singleton, toPeer bool) bool {
	if l.SingletonOnly && !singleton {
		return false
	}
	if l.LocalOnly && !toPeer {
		return false
	}
	if l.MaxBlockSize > 0 && size > l.MaxBlockSize {
		return false
	}
	if !toPeer && l.ForeignBlockSize > 0 && size > l.ForeignBlockSize {
		return false
	}
	return true
}

const maxLimitations = 64

func decodeLimitations(p []byte) (Payload, error) {
	r := bytes.NewReader(p)
	n, err := sdnv.Read(r)
	if err != nil {
		return nil, err
	}
	if n > maxLimitations {
		return nil, fmt.Errorf("%d limitations: %w", n, sdnv.ErrTooLarge)
	}
	var l Limitations
	for i := uint64(0); i < n; i++ {
		k, err := sdnv.Read(r)
		if err != nil {
			return nil, err
		}
		v, err := sdnv.Read(r)
		if err != nil {
			return nil, err
		}
		switch k {
		case limitMaxBlockSize:
			l.MaxBlockSize = v
		case limitSingletonOnly:
			l.SingletonOnly = v != 0
		case limitLocalOnly:
			l.LocalOnly = v != 0
		case limitForeignBlockSize:
			l.ForeignBlockSize = v
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("limitations: %d trailing bytes", r.Len())
	}
	return l, nil
}

type decodeFunc func(p []byte) (Payload, error)

// registry maps every known item id to its decoder.
var registry = map[ItemID]decodeFunc{
	ItemSummaryVector: func(p []byte) (Payload, error) {
		f, err := summary.DecodeFilter(p)
		if err != nil {
			return nil, err
		}
		return SummaryVector{Filter: f}, nil
	},
	ItemPurgeVector: func(p []byte) (Payload, error) {
		f, err := summary.DecodeFilter(p)
		if err != nil {
			return nil, err
		}
		return PurgeVector{Filter: f}, nil
	},
	ItemPredictability: func(p []byte) (Payload, error) {
		entries, err := prophet.UnmarshalWire(p)
		if err != nil {
			return nil, err
		}
		return Predictability{Entries: entries}, nil
	},
	ItemAcknowledgements: func(p []byte) (Payload, error) {
		entries, err := ack.Unmarshal(p)
		if err != nil {
			return nil, err
		}
		return Acknowledgements{Entries: entries}, nil
	},
	ItemLimitations: decodeLimitations,
}

// Known reports whether id has a decoder.
func Known(id ItemID) bool {
	_, ok := registry[id]
	return ok
}
