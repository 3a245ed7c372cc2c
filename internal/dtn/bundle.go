package dtn

import (
	"cmp"
	"fmt"
	"io"
	"strconv"

	"github.com/nmxmxh/inos_dtn/internal/dtn/sdnv"
)

// MaxEIDLength bounds endpoint strings read from the wire.
const MaxEIDLength = 1024

// BundleID identifies a bundle by its source and creation timestamp.
type BundleID struct {
	Source    EID
	Timestamp Time
	Sequence  uint64
}

func (id BundleID) String() string {
	return string(id.Source) + "-" + strconv.FormatUint(uint64(id.Timestamp), 10) + "-" + strconv.FormatUint(id.Sequence, 10)
}

// Key is the byte form hashed into bloom filters. Both peers must derive it
// the same way.
func (id BundleID) Key() []byte {
	return []byte(id.String())
}

// Compare orders ids by source, then timestamp, then sequence.
func (id BundleID) Compare(other BundleID) int {
	if c := cmp.Compare(id.Source, other.Source); c != 0 {
		return c
	}
	if c := cmp.Compare(id.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(id.Sequence, other.Sequence)
}

// Encode writes the id as String(source) V(timestamp) V(sequence).
func (id BundleID) Encode(w io.Writer) error {
	if err := sdnv.WriteString(w, string(id.Source)); err != nil {
		return err
	}
	if err := sdnv.Write(w, uint64(id.Timestamp)); err != nil {
		return err
	}
	return sdnv.Write(w, id.Sequence)
}

// ReadBundleID decodes an id written by Encode.
func ReadBundleID(r sdnv.Reader) (BundleID, error) {
	src, err := sdnv.ReadString(r, MaxEIDLength)
	if err != nil {
		return BundleID{}, fmt.Errorf("bundle id source: %w", err)
	}
	ts, err := sdnv.Read(r)
	if err != nil {
		return BundleID{}, fmt.Errorf("bundle id timestamp: %w", err)
	}
	seq, err := sdnv.Read(r)
	if err != nil {
		return BundleID{}, fmt.Errorf("bundle id sequence: %w", err)
	}
	return BundleID{Source: EID(src), Timestamp: Time(ts), Sequence: seq}, nil
}

// BundleRef is the routing view of a stored bundle.
type BundleRef struct {
	ID          BundleID
	Destination EID
	Singleton   bool
	Custody     bool
	// Size is the length of the largest block in bytes.
	Size   uint64
	Expiry Time
}

// Expired reports whether the bundle lifetime has run out at now.
func (b BundleRef) Expired(now Time) bool {
	return b.Expiry != 0 && b.Expiry <= now
}

// Protocol names a convergence layer a neighbor can be reached through.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// PurgeReason explains why a bundle leaves local storage.
type PurgeReason int

const (
	PurgeAcknowledged PurgeReason = iota + 1
	PurgeDelivered
	PurgeExpired
)

func (r PurgeReason) String() string {
	switch r {
	case PurgeAcknowledged:
		return "acknowledged"
	case PurgeDelivered:
		return "delivered"
	case PurgeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// AbortReason explains why a transfer was given up.
type AbortReason int

const (
	AbortUnknown AbortReason = iota
	AbortRetryLimitReached
	AbortBundleDeleted
	AbortConnectionDown
	AbortRefused
)

func (r AbortReason) String() string {
	switch r {
	case AbortRetryLimitReached:
		return "retry_limit_reached"
	case AbortBundleDeleted:
		return "bundle_deleted"
	case AbortConnectionDown:
		return "connection_down"
	case AbortRefused:
		return "refused"
	default:
		return "unknown"
	}
}
