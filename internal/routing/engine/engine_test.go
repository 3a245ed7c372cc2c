package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
	"github.com/nmxmxh/inos_dtn/internal/storage/memory"
)

const (
	peerP dtn.EID = "dtn://p"
	nodeC dtn.EID = "dtn://c"
	nodeD dtn.EID = "dtn://d"
)

func handshakeCount(e *Engine, direction, outcome string) float64 {
	return testutil.ToFloat64(e.metrics.Handshakes.WithLabelValues(direction, outcome))
}

func TestEngine_NeighborAppearedSendsRequest(t *testing.T) {
	h := newHarness(t)
	h.attach()

	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()

	require.Equal(t, 1, h.sender.count(handshake.KindRequest))
	sent := h.sender.last()
	assert.Equal(t, peerP, sent.peer)
	assert.Equal(t, exchangeItems, sent.msg.Requested)

	// a second trigger while the request is outstanding is absorbed
	h.engine.enqueue(task{kind: taskInitiateHandshake, peer: peerP})
	h.drain()
	assert.Equal(t, 1, h.sender.count(handshake.KindRequest))
	assert.Equal(t, 1.0, handshakeCount(h.engine, "outbound", "in_progress"))

	// after the timeout the request is repeated
	h.clock.Add(31 * time.Second)
	h.engine.enqueue(task{kind: taskInitiateHandshake, peer: peerP})
	h.drain()
	assert.Equal(t, 2, h.sender.count(handshake.KindRequest))
}

func TestEngine_AnswersRequest(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.store.Add(bundleTo(nodeD, 1))
	h.engine.acks.Do(func(s *ack.Set) {
		s.Add(bundleTo(nodeD, 9).ID, dtn.TimeOf(epoch.Add(time.Hour)))
	})

	req, err := handshake.NewRequest(
		handshake.ItemPredictability,
		handshake.ItemAcknowledgements,
		handshake.ItemPredictability,
		handshake.ItemSummaryVector,
		handshake.ItemID(42),
	).MarshalBinary()
	require.NoError(t, err)

	h.engine.HandleHandshake(peerP, req)
	h.drain()

	require.Equal(t, 1, h.sender.count(handshake.KindResponse))
	resp := h.sender.last().msg
	assert.Equal(t, h.engine.cfg.NextExchangeTimeout, resp.Lifetime)
	require.Len(t, resp.Items, 3, "duplicates and unknown items are not answered")

	entries, err := resp.Predictability()
	require.NoError(t, err)
	assert.Equal(t, []prophet.Entry{{Peer: localEID, Value: 1}}, entries)

	acks, err := resp.Acknowledgements()
	require.NoError(t, err)
	require.Len(t, acks, 1)

	sv, err := resp.SummaryVector()
	require.NoError(t, err)
	assert.True(t, sv.Test(bundleTo(nodeD, 1).ID.Key()))

	assert.Equal(t, 1.0, handshakeCount(h.engine, "inbound", "answered"))
}

func TestEngine_TransitiveUpdate(t *testing.T) {
	h := newHarness(t)
	h.attach()

	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()

	// P met moments ago at 0.8, so this encounter adds nothing
	h.engine.routing.Do(func(s *routingState) {
		s.pred.Set(peerP, 0.8)
		s.ages.Touch(peerP, h.engine.clock.Mono())
	})

	h.respond(peerP, time.Minute,
		handshake.Predictability{Entries: []prophet.Entry{
			{Peer: nodeC, Value: 0.5},
			{Peer: peerP, Value: 1},
			{Peer: localEID, Value: 0.3},
		}},
	)

	pc, err := h.predictability(nodeC)
	require.NoError(t, err)
	assert.InDelta(t, 0.36, pc, 1e-6)

	pp, err := h.predictability(peerP)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, pp, 1e-6)

	self, err := h.predictability(localEID)
	require.NoError(t, err)
	assert.Equal(t, float32(1), self)

	snap := h.engine.Snapshot()
	require.Len(t, snap.Neighbors, 1)
	assert.True(t, snap.Neighbors[0].HasPredictability)
	assert.False(t, snap.Neighbors[0].SummaryValid, "no summary vector was sent")
	assert.Equal(t, 1.0, handshakeCount(h.engine, "inbound", "accepted"))
}

func TestEngine_FirstEncounter(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.connect(peerP, nil)

	v, err := h.predictability(peerP)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-6)
}

func TestEngine_ResponseFromUnknownPeerIgnored(t *testing.T) {
	h := newHarness(t)
	h.attach()

	h.respond(peerP, time.Minute,
		handshake.Predictability{Entries: []prophet.Entry{{Peer: nodeC, Value: 0.9}}},
	)

	_, err := h.predictability(nodeC)
	assert.ErrorIs(t, err, dtn.ErrNotFound)
	assert.Equal(t, 1.0, handshakeCount(h.engine, "inbound", "ignored"))
}

func TestEngine_RejectsMalformedHandshake(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()

	before := h.engine.Snapshot()

	t.Run("garbage", func(t *testing.T) {
		h.engine.HandleHandshake(peerP, []byte{0xff, 0xff})
		h.drain()
		assert.Equal(t, before.Predictability, h.engine.Snapshot().Predictability)
	})

	t.Run("one bad item spoils the round", func(t *testing.T) {
		pred := prophet.MarshalWire([]prophet.Entry{{Peer: nodeC, Value: 0.9}})
		msg := handshake.Message{
			Kind:     handshake.KindResponse,
			Lifetime: time.Minute,
			Items: []handshake.Item{
				{ID: handshake.ItemPredictability, Raw: pred},
				{ID: handshake.ItemSummaryVector, Raw: []byte{1, 2, 3}},
			},
		}
		raw, err := msg.MarshalBinary()
		require.NoError(t, err)

		h.engine.HandleHandshake(peerP, raw)
		h.drain()

		_, err = h.predictability(nodeC)
		assert.ErrorIs(t, err, dtn.ErrNotFound)
		_, err = h.predictability(peerP)
		assert.ErrorIs(t, err, dtn.ErrNotFound, "no encounter is recorded for a rejected round")
	})

	t.Run("summary vector with oversized bitset length", func(t *testing.T) {
		filter, err := summary.EncodeFilter(filterOf(bundleTo(nodeD, 1).ID))
		require.NoError(t, err)
		binary.BigEndian.PutUint64(filter[16:24], 1<<44)

		msg := handshake.Message{
			Kind:     handshake.KindResponse,
			Lifetime: time.Minute,
			Items: []handshake.Item{
				{ID: handshake.ItemPredictability, Raw: prophet.MarshalWire([]prophet.Entry{{Peer: nodeC, Value: 0.9}})},
				{ID: handshake.ItemSummaryVector, Raw: filter},
			},
		}
		raw, err := msg.MarshalBinary()
		require.NoError(t, err)

		require.NotPanics(t, func() {
			h.engine.HandleHandshake(peerP, raw)
			h.drain()
		})
		_, err = h.predictability(nodeC)
		assert.ErrorIs(t, err, dtn.ErrNotFound)
	})

	assert.Equal(t, 3.0, handshakeCount(h.engine, "inbound", "rejected"))
	assert.Empty(t, h.sink.Submissions())
}

func TestEngine_ForwardingFilter(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.LocalEID = localEID + "/routing"
	})
	h.attach()

	direct := bundleTo(peerP+"/inbox", 1)
	better := bundleTo(nodeD+"/app", 2)
	worse := bundleTo(nodeC+"/app", 3)
	known := bundleTo(nodeD+"/app", 4)
	acked := bundleTo(nodeD+"/app", 5)
	large := bundleTo(nodeD+"/app", 6)
	large.Size = 8192
	expired := bundleTo(nodeD+"/app", 7)
	expired.Expiry = dtn.TimeOf(epoch.Add(-time.Minute))
	fromPeer := bundleTo(nodeD+"/app", 8)
	fromPeer.ID.Source = peerP + "/app"

	for _, b := range []dtn.BundleRef{direct, better, worse, known, acked, large, expired, fromPeer} {
		h.store.Add(b)
	}
	h.engine.acks.Do(func(s *ack.Set) { s.Add(acked.ID, dtn.TimeOf(epoch.Add(time.Hour))) })
	h.engine.routing.Do(func(s *routingState) { s.pred.Set(nodeC, 0.9) })

	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()
	h.respond(peerP, time.Minute,
		handshake.Predictability{Entries: []prophet.Entry{
			{Peer: nodeD, Value: 0.8},
			{Peer: nodeC, Value: 0.2},
		}},
		handshake.SummaryVector{Filter: filterOf(known.ID)},
		handshake.Limitations{MaxBlockSize: 4096},
	)

	var got []dtn.BundleID
	for _, s := range h.sink.Submissions() {
		assert.Equal(t, peerP, s.Peer)
		assert.Equal(t, dtn.ProtocolTCP, s.Protocol)
		got = append(got, s.Bundle.ID)
	}
	assert.Equal(t, []dtn.BundleID{direct.ID, better.ID}, got)

	// a second search does not resubmit bundles in flight
	h.engine.enqueue(task{kind: taskSearchNextBundle, peer: peerP})
	h.drain()
	assert.Len(t, h.sink.Submissions(), 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.engine.metrics.BundlesSubmitted))
}

func TestEngine_StaleSelectorTriggersHandshake(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.connect(peerP, []prophet.Entry{{Peer: nodeD, Value: 0.9}})
	require.Equal(t, 1, h.sender.count(handshake.KindRequest))

	h.clock.Add(2 * time.Minute)
	h.store.Add(bundleTo(nodeD, 1))
	h.drain()

	assert.Equal(t, 2, h.sender.count(handshake.KindRequest))
	assert.Empty(t, h.sink.Submissions())
}

func TestEngine_DatasetNotAvailableTriggersHandshake(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()
	require.Equal(t, 1, h.sender.count(handshake.KindRequest))

	// the outstanding request times out without an answer
	h.clock.Add(time.Minute)
	h.store.Add(bundleTo(nodeD, 1))
	h.drain()

	assert.Equal(t, 2, h.sender.count(handshake.KindRequest))
}

func TestEngine_PendingPeerResumesOnSlotChange(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.budget.SetSlots(peerP, 0)
	h.store.Add(bundleTo(peerP, 1))

	h.connect(peerP, nil)
	assert.Empty(t, h.sink.Submissions())
	assert.Equal(t, []dtn.EID{peerP}, h.engine.Snapshot().PendingPeers)

	h.budget.SetSlots(peerP, 1)
	h.drain()

	require.Len(t, h.sink.Submissions(), 1)
	assert.Empty(t, h.engine.Snapshot().PendingPeers)

	// slot changes for peers that are not waiting do nothing
	h.budget.SetSlots(nodeC, 3)
	assert.Zero(t, h.engine.queue.len())
}

func TestEngine_AcknowledgementPurgePolicy(t *testing.T) {
	h := newHarness(t)
	h.attach()

	group := bundleTo(nodeD, 1)
	group.Singleton = false
	single := bundleTo(nodeD, 2)
	custody := bundleTo(nodeD, 3)
	custody.Custody = true
	for _, b := range []dtn.BundleRef{group, single, custody} {
		h.store.Add(b)
	}

	exp := dtn.TimeOf(epoch.Add(time.Hour))
	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()
	h.respond(peerP, time.Minute,
		handshake.Predictability{},
		handshake.Acknowledgements{Entries: []ack.Entry{
			{ID: group.ID, Expire: exp},
			{ID: single.ID, Expire: exp},
			{ID: custody.ID, Expire: exp},
			{ID: bundleTo(nodeD, 99).ID, Expire: dtn.TimeOf(epoch.Add(-time.Hour))},
		}},
		handshake.SummaryVector{Filter: filterOf()},
	)

	_, ok := h.store.Lookup(group.ID)
	assert.False(t, ok, "group bundle purged directly")
	_, ok = h.store.Lookup(single.ID)
	assert.True(t, ok, "singleton bundle left to storage")
	_, ok = h.store.Lookup(custody.ID)
	assert.True(t, ok)

	assert.Contains(t, h.events(), events.BundlePurged{ID: group.ID, Reason: dtn.PurgeAcknowledged})
	assert.Contains(t, h.events(), events.BundlePurgeRequested{ID: single.ID, Reason: dtn.PurgeAcknowledged})
	assert.NotContains(t, h.events(), events.BundlePurgeRequested{ID: custody.ID, Reason: dtn.PurgeAcknowledged})

	assert.Equal(t, 3, h.engine.Snapshot().Acknowledgements, "expired acks are not learned")
	assert.Empty(t, h.sink.Submissions(), "acknowledged bundles are not forwarded")
}

func TestEngine_DeliveryAcknowledges(t *testing.T) {
	h := newHarness(t)
	h.attach()

	b := bundleTo(peerP+"/inbox", 1)
	h.store.Add(b)
	h.connect(peerP, nil)
	require.Len(t, h.sink.Submissions(), 1)

	require.True(t, h.sink.Complete(peerP, b.ID))

	assert.Contains(t, h.events(), events.BundlePurgeRequested{ID: b.ID, Reason: dtn.PurgeDelivered})
	assert.Equal(t, 1, h.engine.Snapshot().Acknowledgements)
}

func TestEngine_RetryBackoffAndResubmit(t *testing.T) {
	h := newHarness(t)
	h.attach()

	b := bundleTo(nodeD, 1)
	h.store.Add(b)
	h.connect(peerP, nil)
	require.Empty(t, h.sink.Submissions(), "neighbor knows nothing about D")

	h.bus.Raise(events.RequeueBundle{Peer: peerP, ID: b.ID, Protocol: dtn.ProtocolUDP})
	assert.Equal(t, 1, h.engine.Snapshot().Retransmissions)

	// first retry is due after base^0 seconds
	h.clock.Add(500 * time.Millisecond)
	h.bus.Raise(events.TimeTick{})
	h.drain()
	assert.Empty(t, h.sink.Submissions())

	h.clock.Add(time.Second)
	h.bus.Raise(events.TimeTick{})
	h.drain()
	require.Len(t, h.sink.Submissions(), 1)
	assert.Equal(t, memory.Submission{Peer: peerP, Bundle: b, Protocol: dtn.ProtocolUDP}, h.sink.Submissions()[0])

	// completion clears the retry record
	h.sink.Complete(peerP, b.ID)
	assert.Zero(t, h.engine.Snapshot().Retransmissions)
}

func TestEngine_RetryLimitAborts(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.connect(peerP, nil)
	id := bundleTo(nodeD, 1).ID

	for i := 0; i < 8; i++ {
		h.bus.Raise(events.RequeueBundle{Peer: peerP, ID: id, Protocol: dtn.ProtocolTCP})
	}
	assert.NotContains(t, h.events(), events.TransferAborted{Peer: peerP, ID: id, Reason: dtn.AbortRetryLimitReached})

	h.bus.Raise(events.RequeueBundle{Peer: peerP, ID: id, Protocol: dtn.ProtocolTCP})
	assert.Contains(t, h.events(), events.TransferAborted{Peer: peerP, ID: id, Reason: dtn.AbortRetryLimitReached})
	assert.Zero(t, h.engine.Snapshot().Retransmissions)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.TransfersAborted.WithLabelValues("retry_limit_reached")))
}

func TestEngine_ExpiryAbortsRetries(t *testing.T) {
	h := newHarness(t)
	h.attach()
	b := bundleTo(nodeD, 1)
	h.store.Add(b)
	h.connect(peerP, nil)

	h.bus.Raise(events.RequeueBundle{Peer: peerP, ID: b.ID, Protocol: dtn.ProtocolTCP})
	h.bus.Raise(events.RequeueBundle{Peer: nodeC, ID: b.ID, Protocol: dtn.ProtocolTCP})

	h.clock.Add(48 * time.Hour)
	require.Equal(t, 1, h.store.Expire(h.engine.clock.DTN()))

	assert.Contains(t, h.events(), events.TransferAborted{Peer: peerP, ID: b.ID, Reason: dtn.AbortBundleDeleted})
	assert.Contains(t, h.events(), events.TransferAborted{Peer: nodeC, ID: b.ID, Reason: dtn.AbortBundleDeleted})
	assert.Zero(t, h.engine.Snapshot().Retransmissions)
	assert.Zero(t, h.engine.Snapshot().SummaryLen)
}

func TestEngine_GTMXLimitsReplication(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Strategy = prophet.StrategyGTMX
		cfg.NFMax = 2
	})
	h.attach()

	b := bundleTo(nodeD, 1)
	h.store.Add(b)
	peers := []dtn.EID{"dtn://n1", "dtn://n2", "dtn://n3"}
	for _, p := range peers {
		h.connect(p, []prophet.Entry{{Peer: nodeD, Value: 0.9}})
		for _, s := range h.sink.Submissions() {
			h.sink.Complete(s.Peer, s.Bundle.ID)
		}
	}

	var to []dtn.EID
	for _, s := range h.sink.Submissions() {
		to = append(to, s.Peer)
	}
	assert.Equal(t, peers[:2], to)
}

func TestEngine_BreakerOpensAfterFailures(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.BreakerFailures = 3 })
	h.attach()
	h.sender.setErr(errLinkDown)

	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	h.drain()
	for i := 0; i < 3; i++ {
		h.engine.enqueue(task{kind: taskInitiateHandshake, peer: peerP})
		h.drain()
	}

	assert.Equal(t, 3.0, handshakeCount(h.engine, "outbound", "send_failed"))
	assert.Equal(t, 1.0, handshakeCount(h.engine, "outbound", "circuit_open"))
	assert.Equal(t, "open", h.engine.Snapshot().Neighbors[0].Breaker)
}

func TestEngine_RateLimitsRequests(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RequestsPerSecond = 1
		cfg.RequestBurst = 1
	})
	h.attach()

	req, err := handshake.NewRequest(handshake.ItemPredictability).MarshalBinary()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		h.engine.HandleHandshake(peerP, req)
	}
	h.drain()

	answered := h.sender.count(handshake.KindResponse)
	assert.GreaterOrEqual(t, answered, 1)
	assert.Less(t, answered, 10)
	assert.Equal(t, float64(10-answered), handshakeCount(h.engine, "inbound", "rate_limited"))
}

func TestEngine_NeighborDisappeared(t *testing.T) {
	h := newHarness(t)
	h.attach()
	h.budget.SetSlots(peerP, 0)
	h.connect(peerP, nil)
	require.Len(t, h.engine.Snapshot().PendingPeers, 1)

	h.bus.Raise(events.NeighborDisappeared{Peer: peerP})
	snap := h.engine.Snapshot()
	assert.Empty(t, snap.Neighbors)
	assert.Empty(t, snap.PendingPeers)

	h.engine.enqueue(task{kind: taskInitiateHandshake, peer: peerP})
	h.drain()
	assert.Equal(t, 1.0, handshakeCount(h.engine, "outbound", "not_connected"))
}

type panickingIndex struct {
	*memory.Store
}

func (panickingIndex) Select(Filter, int) ([]dtn.BundleRef, error) {
	panic("index corrupted")
}

func TestEngine_TaskPanicIsContained(t *testing.T) {
	h := newHarnessWith(t, nil, []harnessOption{func(_ *Config, deps *Deps) {
		deps.Index = panickingIndex{deps.Index.(*memory.Store)}
	}})
	h.attach()

	assert.NotPanics(t, func() { h.connect(peerP, nil) })
	assert.Equal(t, 1.0, testutil.ToFloat64(h.engine.metrics.Tasks.WithLabelValues("search_next_bundle")))
}

func TestEngine_TwoNodesExchange(t *testing.T) {
	net := memory.NewNetwork()
	const a, b dtn.EID = "dtn://a", "dtn://b"

	build := func(local dtn.EID) (*Engine, *events.LocalBus, *memory.Store, *memory.Sink) {
		bus := events.NewLocalBus(16, nil)
		store := memory.NewStore(bus)
		budget := memory.NewBudget(4, bus)
		sink := memory.NewSink(budget, bus)
		cfg := DefaultConfig()
		cfg.LocalEID = local
		e, err := New(cfg, Deps{
			Index: store, Budget: budget, Sink: sink, Storage: store, Bus: bus,
			Sender: net.Endpoint(local),
		})
		require.NoError(t, err)
		for _, topic := range []events.Topic{events.TopicNeighbor, events.TopicBundle, events.TopicTransfer} {
			bus.Subscribe(topic, e.handleEvent)
		}
		net.Attach(local, e.HandleHandshake)
		return e, bus, store, sink
	}

	engA, busA, storeA, sinkA := build(a)
	engB, busB, _, sinkB := build(b)

	engB.routing.Do(func(s *routingState) { s.pred.Set(nodeD, 0.9) })
	bundle := bundleTo(nodeD+"/app", 1)
	bundle.Expiry = 0
	storeA.Add(bundle)

	busA.Raise(events.NeighborAppeared{Peer: b})
	busB.Raise(events.NeighborAppeared{Peer: a})
	for i := 0; i < 20 && (engA.queue.len() > 0 || engB.queue.len() > 0); i++ {
		drain(engA)
		drain(engB)
	}

	assert.InDelta(t, 0.5*0.9*0.9, predictabilityOf(engA, nodeD), 1e-6)

	subs := sinkA.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, b, subs[0].Peer)
	assert.Equal(t, bundle.ID, subs[0].Bundle.ID)
	assert.Empty(t, sinkB.Submissions())
}

func TestEngine_StartStopPersistsState(t *testing.T) {
	dir := t.TempDir()
	h := newHarnessWith(t, nil, []harnessOption{withPersist(dir)})

	require.NoError(t, h.engine.Start(context.Background()))
	assert.Error(t, h.engine.Start(context.Background()))

	h.bus.Raise(events.NeighborAppeared{Peer: peerP})
	require.Eventually(t, func() bool { return h.sender.count(handshake.KindRequest) == 1 },
		2*time.Second, 5*time.Millisecond)

	h.engine.routing.Do(func(s *routingState) {
		s.pred.Set(nodeC, 0.6)
		s.ages.Touch(nodeC, h.engine.clock.Mono())
	})
	h.engine.acks.Do(func(s *ack.Set) { s.Add(bundleTo(nodeD, 1).ID, dtn.TimeOf(epoch.Add(time.Hour))) })

	require.NoError(t, h.engine.Stop())
	require.NoError(t, h.engine.Stop())
	assert.Error(t, h.engine.Start(context.Background()), "a stopped engine stays stopped")
	assert.False(t, h.engine.running.Load())

	// events after Stop no longer reach the engine
	h.bus.Raise(events.NeighborAppeared{Peer: nodeC})
	assert.Equal(t, 1, h.sender.count(handshake.KindRequest))

	restored := newHarnessWith(t, nil, []harnessOption{withPersist(dir)})
	require.NoError(t, restored.engine.Start(context.Background()))
	defer restored.engine.Stop()

	v, err := restored.predictability(nodeC)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, v, 1e-6)
	assert.Equal(t, 1, restored.engine.Snapshot().Acknowledgements)
	restored.engine.routing.View(func(s *routingState) { assert.Equal(t, 1, s.ages.Len()) })
}

func TestEngine_ContextCancelStopsWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.engine.Start(ctx))
	cancel()

	done := make(chan error, 1)
	go func() { done <- h.engine.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the context was cancelled")
	}
}

func TestNew_Validation(t *testing.T) {
	bus := events.NewLocalBus(1, nil)
	store := memory.NewStore(bus)
	budget := memory.NewBudget(1, bus)
	deps := Deps{Index: store, Budget: budget, Sink: memory.NewSink(budget, bus), Sender: &recordingSender{}, Storage: store, Bus: bus}

	valid := DefaultConfig()
	valid.LocalEID = localEID

	testCases := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"missing local eid", func(c *Config, _ *Deps) { c.LocalEID = "" }},
		{"null local eid", func(c *Config, _ *Deps) { c.LocalEID = dtn.None }},
		{"bad prophet params", func(c *Config, _ *Deps) { c.Prophet.Beta = 2 }},
		{"unknown strategy", func(c *Config, _ *Deps) { c.Strategy = "epidemic" }},
		{"retry base below one", func(c *Config, _ *Deps) { c.RetryBase = 0.5 }},
		{"zero retry limit", func(c *Config, _ *Deps) { c.RetryLimit = 0 }},
		{"zero handshake timeout", func(c *Config, _ *Deps) { c.HandshakeTimeout = 0 }},
		{"lifetime too long", func(c *Config, _ *Deps) { c.NextExchangeTimeout = handshake.MaxLifetime + time.Second }},
		{"zero breaker failures", func(c *Config, _ *Deps) { c.BreakerFailures = 0 }},
		{"bad fp rate", func(c *Config, _ *Deps) { c.SummaryFPRate = 1 }},
		{"missing sender", func(_ *Config, d *Deps) { d.Sender = nil }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, d := valid, deps
			tc.mutate(&cfg, &d)
			_, err := New(cfg, d)
			require.Error(t, err)
			var derr *dtn.Error
			assert.True(t, errors.As(err, &derr))
		})
	}

	_, err := New(valid, deps)
	assert.NoError(t, err)
}
