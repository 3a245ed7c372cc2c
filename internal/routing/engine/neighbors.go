package engine

import (
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sony/gobreaker"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
)

// neighbor is what the engine knows about one connected peer.
type neighbor struct {
	peer dtn.EID

	// from the last accepted handshake; nil until then
	predictability *prophet.Map
	summary        *bloom.BloomFilter
	purge          *bloom.BloomFilter
	summaryExpiry  time.Duration
	limits         handshake.Limitations
	lastHandshake  time.Duration

	inFlight map[dtn.BundleID]struct{}

	// outstanding request, if any
	awaiting   bool
	requested  time.Duration
	breakerAck func(success bool)
}

func (n *neighbor) settle(success bool) {
	if !n.awaiting {
		return
	}
	n.awaiting = false
	if n.breakerAck != nil {
		n.breakerAck(success)
		n.breakerAck = nil
	}
}

// neighborDB holds connected peers. Breakers outlive disconnects so a flaky
// peer stays throttled across reconnects.
type neighborDB struct {
	peers    map[dtn.EID]*neighbor
	breakers map[dtn.EID]*gobreaker.TwoStepCircuitBreaker
}

func newNeighborDB() neighborDB {
	return neighborDB{
		peers:    make(map[dtn.EID]*neighbor),
		breakers: make(map[dtn.EID]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (db *neighborDB) add(peer dtn.EID) *neighbor {
	if n, ok := db.peers[peer]; ok {
		return n
	}
	n := &neighbor{peer: peer, inFlight: make(map[dtn.BundleID]struct{})}
	db.peers[peer] = n
	return n
}

func (db *neighborDB) remove(peer dtn.EID) {
	if n, ok := db.peers[peer]; ok {
		n.settle(false)
		delete(db.peers, peer)
	}
}

func (db *neighborDB) connected() []dtn.EID {
	out := make([]dtn.EID, 0, len(db.peers))
	for p := range db.peers {
		out = append(out, p)
	}
	return out
}

// NeighborInfo is the inspection view of a neighbor.
type NeighborInfo struct {
	Peer              dtn.EID
	HasPredictability bool
	SummaryValid      bool
	InFlight          int
	AwaitingResponse  bool
	Breaker           string
	Limitations       handshake.Limitations
}
