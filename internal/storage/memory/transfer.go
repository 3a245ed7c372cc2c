package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
)

// Budget tracks free transfer slots per neighbor.
type Budget struct {
	mu           sync.Mutex
	defaultSlots int
	slots        map[dtn.EID]int
	protocols    map[dtn.EID][]dtn.Protocol
	bus          events.Bus
}

// NewBudget gives every neighbor defaultSlots concurrent transfers.
func NewBudget(defaultSlots int, bus events.Bus) *Budget {
	return &Budget{
		defaultSlots: defaultSlots,
		slots:        make(map[dtn.EID]int),
		protocols:    make(map[dtn.EID][]dtn.Protocol),
		bus:          bus,
	}
}

// FreeSlots returns the transfers peer can still take.
func (b *Budget) FreeSlots(peer dtn.EID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free(peer)
}

func (b *Budget) free(peer dtn.EID) int {
	n, ok := b.slots[peer]
	if !ok {
		return b.defaultSlots
	}
	return n
}

// SetSlots overrides the free slot count and raises TransferSlotChanged.
func (b *Budget) SetSlots(peer dtn.EID, n int) {
	b.mu.Lock()
	b.slots[peer] = max(n, 0)
	b.mu.Unlock()
	b.bus.Raise(events.TransferSlotChanged{Peer: peer})
}

func (b *Budget) acquire(peer dtn.EID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.free(peer)
	if n <= 0 {
		return false
	}
	b.slots[peer] = n - 1
	return true
}

func (b *Budget) release(peer dtn.EID) {
	b.mu.Lock()
	b.slots[peer] = b.free(peer) + 1
	b.mu.Unlock()
	b.bus.Raise(events.TransferSlotChanged{Peer: peer})
}

// SetProtocols records how peer can be reached.
func (b *Budget) SetProtocols(peer dtn.EID, protos ...dtn.Protocol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.protocols[peer] = slices.Clone(protos)
}

// Protocols defaults to TCP for peers never configured.
func (b *Budget) Protocols(peer dtn.EID) []dtn.Protocol {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.protocols[peer]; ok {
		return slices.Clone(p)
	}
	return []dtn.Protocol{dtn.ProtocolTCP}
}

// Submission is one accepted transfer.
type Submission struct {
	Peer     dtn.EID
	Bundle   dtn.BundleRef
	Protocol dtn.Protocol
}

type transferKey struct {
	peer dtn.EID
	id   dtn.BundleID
}

// Sink accepts transfers and lets the caller decide their outcome.
type Sink struct {
	mu        sync.Mutex
	inTransit map[transferKey]Submission
	history   []Submission
	budget    *Budget
	bus       events.Bus
}

// NewSink records submissions against budget.
func NewSink(budget *Budget, bus events.Bus) *Sink {
	return &Sink{inTransit: make(map[transferKey]Submission), budget: budget, bus: bus}
}

func (s *Sink) Submit(_ context.Context, peer dtn.EID, b dtn.BundleRef, proto dtn.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := transferKey{peer, b.ID}
	if _, ok := s.inTransit[k]; ok {
		return dtn.ErrInTransit(peer, b.ID)
	}
	if s.budget != nil && !s.budget.acquire(peer) {
		return dtn.ErrNoMoreTransfers
	}
	sub := Submission{Peer: peer, Bundle: b, Protocol: proto}
	s.inTransit[k] = sub
	s.history = append(s.history, sub)
	return nil
}

// Complete finishes a transfer and raises TransferCompleted.
func (s *Sink) Complete(peer dtn.EID, id dtn.BundleID) bool {
	sub, ok := s.finish(peer, id)
	if ok {
		s.bus.Raise(events.TransferCompleted{Peer: peer, Bundle: sub.Bundle})
	}
	return ok
}

// Fail ends a transfer unsuccessfully and raises RequeueBundle.
func (s *Sink) Fail(peer dtn.EID, id dtn.BundleID) bool {
	sub, ok := s.finish(peer, id)
	if ok {
		s.bus.Raise(events.RequeueBundle{Peer: peer, ID: id, Protocol: sub.Protocol})
	}
	return ok
}

func (s *Sink) finish(peer dtn.EID, id dtn.BundleID) (Submission, bool) {
	s.mu.Lock()
	k := transferKey{peer, id}
	sub, ok := s.inTransit[k]
	delete(s.inTransit, k)
	s.mu.Unlock()
	if ok && s.budget != nil {
		s.budget.release(peer)
	}
	return sub, ok
}

// Submissions returns every accepted transfer in order.
func (s *Sink) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// InTransit counts unfinished transfers.
func (s *Sink) InTransit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inTransit)
}
