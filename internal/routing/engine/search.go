package engine

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/syncx"
)

func (e *Engine) searchNextBundle(peer dtn.EID) {
	err := e.selectAndSubmit(peer)
	switch {
	case err == nil:
	case errors.Is(err, dtn.ErrNoMoreTransfers):
		e.pending.Do(func(p *map[dtn.EID]struct{}) { (*p)[peer] = struct{}{} })
		e.updateGauges()
	case errors.Is(err, dtn.ErrDatasetNotAvailable), errors.Is(err, dtn.ErrSelectorStale):
		e.logger.Debug("routing data missing, starting handshake", "peer", string(peer), "reason", err)
		e.initiateHandshake(peer)
	case errors.Is(err, dtn.ErrNotFound):
	default:
		e.logger.Warn("bundle search failed", "peer", string(peer), "error", err)
	}
}

// peerView is what a search needs from the neighbor database, copied out so
// no lock is held while storage is queried.
type peerView struct {
	predictability *prophet.Map
	summary        *bloom.BloomFilter
	purge          *bloom.BloomFilter
	summaryExpiry  time.Duration
	limits         handshake.Limitations
	inFlight       map[dtn.BundleID]struct{}
}

func (e *Engine) selectAndSubmit(peer dtn.EID) error {
	var (
		view peerView
		ok   bool
	)
	e.neighbors.View(func(db *neighborDB) {
		n, found := db.peers[peer]
		if !found {
			return
		}
		ok = true
		view = peerView{
			predictability: n.predictability,
			summary:        n.summary,
			purge:          n.purge,
			summaryExpiry:  n.summaryExpiry,
			limits:         n.limits,
			inFlight:       maps.Clone(n.inFlight),
		}
	})
	if !ok {
		return dtn.ErrPeerNotFound(peer)
	}

	free := e.budget.FreeSlots(peer)
	if free <= 0 {
		return dtn.ErrNoMoreTransfers
	}
	if view.predictability == nil {
		return dtn.ErrDatasetNotAvailable
	}
	if view.summary == nil || e.clock.Mono() >= view.summaryExpiry {
		return dtn.ErrSelectorStale
	}
	protocols := e.budget.Protocols(peer)
	if len(protocols) == 0 {
		return fmt.Errorf("no convergence layer reaches %s", peer)
	}

	local := syncx.Read(e.routing, func(s *routingState) *prophet.Map { return s.pred.Clone() })
	refs, err := e.index.Select(e.candidateFilter(peer, local, view), free)
	if err != nil {
		return fmt.Errorf("select candidates: %w", err)
	}

	for _, ref := range refs {
		err := e.sink.Submit(e.context(), peer, ref, protocols[0])
		switch {
		case err == nil:
			e.markInFlight(peer, ref.ID)
			e.metrics.BundlesSubmitted.Inc()
		case errors.Is(err, dtn.ErrAlreadyInTransit):
			e.logger.Debug("bundle already in transit", "bundle", ref.ID.String(), "peer", string(peer))
		default:
			e.logger.Warn("transfer submission failed", "bundle", ref.ID.String(), "peer", string(peer), "error", err)
		}
	}
	return nil
}

// candidateFilter accepts bundles the peer lacks and should carry. Direct
// delivery to the peer bypasses the strategy.
func (e *Engine) candidateFilter(peer dtn.EID, local *prophet.Map, view peerView) Filter {
	now := e.clock.DTN()
	node := peer.Node()
	return func(b dtn.BundleRef) bool {
		if b.Expired(now) {
			return false
		}
		if _, busy := view.inFlight[b.ID]; busy {
			return false
		}
		if b.ID.Source.Node() == node {
			return false
		}
		key := b.ID.Key()
		if view.summary.Test(key) {
			return false
		}
		if view.purge != nil && view.purge.Test(key) {
			return false
		}
		if syncx.Read(e.acks, func(s *ack.Set) bool { return s.Has(b.ID) }) {
			return false
		}
		direct := b.Destination.Node() == node
		if !view.limits.Allows(b.Size, b.Singleton, direct) {
			return false
		}
		if direct {
			return true
		}
		return e.strategy.ShallForward(local, view.predictability, b)
	}
}
