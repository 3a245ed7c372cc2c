package engine

import (
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
	"github.com/nmxmxh/inos_dtn/internal/syncx"
)

// exchangeItems are requested from every neighbor in each round.
var exchangeItems = []handshake.ItemID{
	handshake.ItemPredictability,
	handshake.ItemAcknowledgements,
	handshake.ItemSummaryVector,
	handshake.ItemLimitations,
}

// initiateHandshake sends a request to peer unless one is outstanding or the
// peer's breaker is open.
func (e *Engine) initiateHandshake(peer dtn.EID) {
	now := e.clock.Mono()
	outcome := ""
	e.neighbors.Do(func(db *neighborDB) {
		n, ok := db.peers[peer]
		if !ok {
			outcome = "not_connected"
			return
		}
		if n.awaiting {
			if now-n.requested < e.cfg.HandshakeTimeout {
				outcome = "in_progress"
				return
			}
			n.settle(false)
		}
		done, err := e.breakerFor(db, peer).Allow()
		if err != nil {
			outcome = "circuit_open"
			return
		}
		n.awaiting, n.requested, n.breakerAck = true, now, done
	})
	if outcome != "" {
		e.metrics.Handshakes.WithLabelValues("outbound", outcome).Inc()
		e.logger.Debug("handshake not started", "peer", string(peer), "reason", outcome)
		return
	}

	raw, err := handshake.NewRequest(exchangeItems...).MarshalBinary()
	if err == nil {
		err = e.sender.SendHandshake(e.context(), peer, raw)
	}
	if err != nil {
		e.neighbors.Do(func(db *neighborDB) {
			if n, ok := db.peers[peer]; ok {
				n.settle(false)
			}
		})
		e.metrics.Handshakes.WithLabelValues("outbound", "send_failed").Inc()
		e.logger.Warn("handshake request failed", "peer", string(peer), "error", err)
		return
	}
	e.metrics.Handshakes.WithLabelValues("outbound", "requested").Inc()
}

func (e *Engine) handleHandshake(peer dtn.EID, payload []byte) {
	msg, err := handshake.Decode(payload)
	if err != nil {
		e.rejectHandshake(peer, err)
		return
	}
	if msg.Kind == handshake.KindRequest {
		e.answerRequest(peer, msg)
		return
	}
	e.applyResponse(peer, msg)
}

// rejectHandshake drops a malformed round. No routing state changes.
func (e *Engine) rejectHandshake(peer dtn.EID, err error) {
	e.neighbors.Do(func(db *neighborDB) {
		if n, ok := db.peers[peer]; ok {
			n.settle(false)
		}
	})
	e.metrics.Handshakes.WithLabelValues("inbound", "rejected").Inc()
	e.logger.Warn("rejected handshake", "peer", string(peer), "error", err)
}

func (e *Engine) answerRequest(peer dtn.EID, req *handshake.Message) {
	if !e.limiter.Allow(string(peer)) {
		e.metrics.Handshakes.WithLabelValues("inbound", "rate_limited").Inc()
		e.logger.Debug("handshake request rate limited", "peer", string(peer))
		return
	}

	now := e.clock.Mono()
	resp := handshake.NewResponse(e.cfg.NextExchangeTimeout)
	seen := make(map[handshake.ItemID]bool, len(req.Requested))
	for _, id := range req.Requested {
		if seen[id] {
			continue
		}
		seen[id] = true

		var item handshake.Payload
		switch id {
		case handshake.ItemPredictability:
			threshold := e.cfg.Prophet.PFirstThreshold
			item = handshake.Predictability{Entries: syncx.Apply(e.routing, func(s *routingState) []prophet.Entry {
				s.pred.Age(threshold, now)
				return s.pred.Entries()
			})}
		case handshake.ItemAcknowledgements:
			dtnNow := e.clock.DTN()
			item = handshake.Acknowledgements{Entries: syncx.Apply(e.acks, func(s *ack.Set) []ack.Entry {
				s.Expire(dtnNow)
				return s.Entries()
			})}
		case handshake.ItemSummaryVector:
			item = handshake.SummaryVector{Filter: syncx.Apply(e.vector, func(v *summary.Vector) *bloom.BloomFilter {
				if v.Dirty() {
					v.Commit()
				}
				return v.Filter()
			})}
		case handshake.ItemLimitations:
			item = e.cfg.Limitations
		default:
			// unknown or unsupported items are not answered
			continue
		}
		if err := resp.Add(item); err != nil {
			e.logger.Warn("could not encode handshake item", "item", id.String(), "error", err)
		}
	}

	raw, err := resp.MarshalBinary()
	if err == nil {
		err = e.sender.SendHandshake(e.context(), peer, raw)
	}
	if err != nil {
		e.metrics.Handshakes.WithLabelValues("inbound", "send_failed").Inc()
		e.logger.Warn("handshake response failed", "peer", string(peer), "error", err)
		return
	}
	e.metrics.Handshakes.WithLabelValues("inbound", "answered").Inc()
}

// applyResponse validates every known item first, then applies the round:
// age, encounter and transitive update under one lock, ack merge, and the
// neighbor's routing data.
func (e *Engine) applyResponse(peer dtn.EID, msg *handshake.Message) {
	if err := msg.ValidateKnown(); err != nil {
		e.rejectHandshake(peer, err)
		return
	}
	connected := syncx.Read(e.neighbors, func(db *neighborDB) bool {
		_, ok := db.peers[peer]
		return ok
	})
	if !connected {
		e.metrics.Handshakes.WithLabelValues("inbound", "ignored").Inc()
		e.logger.Debug("handshake from unknown neighbor ignored", "peer", string(peer))
		return
	}

	// validated above, so the only possible error is an absent item
	remote, predErr := msg.Predictability()
	acks, ackErr := msg.Acknowledgements()
	sv, svErr := msg.SummaryVector()
	pv, pvErr := msg.PurgeVector()
	limits, limErr := msg.Limitations()

	now := e.clock.Mono()
	params := e.cfg.Prophet
	e.routing.Do(func(s *routingState) {
		s.pred.Age(params.PFirstThreshold, now)
		s.pred.Encounter(peer, now, s.ages)
		if predErr == nil {
			s.pred.Update(peer, remote, params.PEncounterFirst)
		}
	})

	var learned []dtn.BundleID
	if ackErr == nil {
		dtnNow := e.clock.DTN()
		learned = syncx.Apply(e.acks, func(s *ack.Set) []dtn.BundleID { return s.Merge(acks, dtnNow) })
	}

	var neighborMap *prophet.Map
	if predErr == nil {
		neighborMap = prophet.FromEntries(peer, params, remote)
	}
	lifetime := msg.Lifetime
	if lifetime <= 0 {
		lifetime = e.cfg.NextExchangeTimeout
	}
	e.neighbors.Do(func(db *neighborDB) {
		n, ok := db.peers[peer]
		if !ok {
			return
		}
		if neighborMap != nil {
			n.predictability = neighborMap
		}
		if svErr == nil {
			n.summary = sv
			n.summaryExpiry = now + lifetime
		}
		if pvErr == nil {
			n.purge = pv
		}
		if limErr == nil {
			n.limits = limits
		}
		n.lastHandshake = now
		n.settle(true)
	})

	e.purgeAcknowledged(learned)
	e.metrics.Handshakes.WithLabelValues("inbound", "accepted").Inc()
	e.logger.Debug("handshake applied",
		"peer", string(peer),
		"kind", msg.Kind.String(),
		"entries", len(remote),
		"acks_learned", len(learned))
	e.updateGauges()
	e.enqueue(task{kind: taskSearchNextBundle, peer: peer})
}

// purgeAcknowledged removes bundles a peer reported delivered. Group
// bundles are purged directly; singleton bundles are handed to whoever
// listens for purge requests, and custodial ones are kept.
func (e *Engine) purgeAcknowledged(ids []dtn.BundleID) {
	for _, id := range ids {
		ref, ok := e.index.Lookup(id)
		if !ok {
			continue
		}
		switch {
		case !ref.Singleton:
			if err := e.storage.Purge(id, dtn.PurgeAcknowledged); err != nil {
				e.logger.Warn("purge of acknowledged bundle failed", "bundle", id.String(), "error", err)
			}
		case ref.Custody:
			e.logger.Debug("acknowledged custodial bundle retained", "bundle", id.String())
		default:
			e.bus.Raise(events.BundlePurgeRequested{ID: id, Reason: dtn.PurgeAcknowledged})
		}
	}
}
