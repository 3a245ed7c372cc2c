package engine

import (
	"context"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// Filter decides whether a stored bundle is a forwarding candidate. It is an
// alias so storage implementations need not import this package.
type Filter = func(b dtn.BundleRef) bool

// BundleIndex is the query side of bundle storage.
type BundleIndex interface {
	// Select returns at most limit bundles accepted by filter.
	Select(filter Filter, limit int) ([]dtn.BundleRef, error)
	Lookup(id dtn.BundleID) (dtn.BundleRef, bool)
}

// NeighborBudget reports how many more transfers a neighbor can take.
type NeighborBudget interface {
	FreeSlots(peer dtn.EID) int
	Protocols(peer dtn.EID) []dtn.Protocol
}

// TransferSink hands bundles to a convergence layer. Submit returns an error
// matching dtn.ErrAlreadyInTransit for duplicates.
type TransferSink interface {
	Submit(ctx context.Context, peer dtn.EID, bundle dtn.BundleRef, proto dtn.Protocol) error
}

// HandshakeSender delivers an encoded handshake message to a neighbor.
type HandshakeSender interface {
	SendHandshake(ctx context.Context, peer dtn.EID, payload []byte) error
}

// Storage removes bundles.
type Storage interface {
	Purge(id dtn.BundleID, reason dtn.PurgeReason) error
}
