package engine

import (
	"errors"
	"slices"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/retransmit"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
	"github.com/nmxmxh/inos_dtn/internal/syncx"
)

// Snapshot is a point-in-time copy of the engine state for inspection.
type Snapshot struct {
	Local            dtn.EID
	Strategy         string
	Predictability   []prophet.Entry
	Acknowledgements int
	SummaryLen       int
	Neighbors        []NeighborInfo
	PendingPeers     []dtn.EID
	Retransmissions  int
	QueuedTasks      int
}

// Snapshot copies the routing state for inspection.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Local:    e.local,
		Strategy: e.strategy.Name(),
		Predictability: syncx.Read(e.routing, func(s *routingState) []prophet.Entry {
			return s.pred.Entries()
		}),
		Acknowledgements: syncx.Read(e.acks, func(s *ack.Set) int { return s.Len() }),
		SummaryLen:       syncx.Read(e.vector, func(v *summary.Vector) int { return v.Len() }),
		Retransmissions:  syncx.Read(e.retry, func(s *retransmit.Scheduler) int { return s.Len() }),
		QueuedTasks:      e.queue.len(),
	}

	now := e.clock.Mono()
	e.neighbors.View(func(db *neighborDB) {
		for _, n := range db.peers {
			info := NeighborInfo{
				Peer:              n.peer,
				HasPredictability: n.predictability != nil,
				SummaryValid:      n.summary != nil && now < n.summaryExpiry,
				InFlight:          len(n.inFlight),
				AwaitingResponse:  n.awaiting,
				Limitations:       n.limits,
			}
			if b, ok := db.breakers[n.peer]; ok {
				info.Breaker = b.State().String()
			}
			s.Neighbors = append(s.Neighbors, info)
		}
	})
	slices.SortFunc(s.Neighbors, func(a, b NeighborInfo) int { return compareEID(a.Peer, b.Peer) })

	e.pending.View(func(p *map[dtn.EID]struct{}) {
		for peer := range *p {
			s.PendingPeers = append(s.PendingPeers, peer)
		}
	})
	slices.SortFunc(s.PendingPeers, compareEID)
	return s
}

func compareEID(a, b dtn.EID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SaveState writes predictability, encounter history and acknowledgements.
// Data is copied under each lock and written after the lock is released.
func (e *Engine) SaveState() error {
	if e.store == nil {
		return nil
	}
	var (
		lastAging = e.clock.Mono()
		entries   []prophet.Entry
		ages      []prophet.AgeEntry
	)
	e.routing.View(func(s *routingState) {
		lastAging = s.pred.LastAging()
		entries = s.pred.Entries()
		ages = s.ages.Entries()
	})
	acks := syncx.Read(e.acks, func(s *ack.Set) []ack.Entry { return s.Entries() })

	// the local entry is pinned and rebuilt on load
	entries = slices.DeleteFunc(entries, func(en prophet.Entry) bool { return en.Peer == e.local })

	return errors.Join(
		e.store.SavePredictability(lastAging, entries),
		e.store.SaveAges(ages),
		e.store.SaveAcknowledgements(acks),
	)
}

func (e *Engine) restoreState() error {
	if e.store == nil {
		return nil
	}
	var errs []error

	lastAging, entries, err := e.store.LoadPredictability()
	switch {
	case err == nil:
		e.routing.Do(func(s *routingState) {
			s.pred.Restore(entries)
			s.pred.SetLastAging(lastAging)
		})
	case !errors.Is(err, dtn.ErrNotFound):
		errs = append(errs, err)
	}

	ages, err := e.store.LoadAges()
	switch {
	case err == nil:
		e.routing.Do(func(s *routingState) { s.ages.Restore(ages) })
	case !errors.Is(err, dtn.ErrNotFound):
		errs = append(errs, err)
	}

	acks, err := e.store.LoadAcknowledgements()
	switch {
	case err == nil:
		now := e.clock.DTN()
		e.acks.Do(func(s *ack.Set) {
			for _, a := range acks {
				s.Add(a.ID, a.Expire)
			}
			s.Expire(now)
		})
	case !errors.Is(err, dtn.ErrNotFound):
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		e.logger.Info("routing state restored",
			"predictability", len(entries),
			"ages", len(ages),
			"acknowledgements", len(acks))
	}
	return errors.Join(errs...)
}
