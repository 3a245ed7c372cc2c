// Package engine drives PRoPHET routing: it reacts to daemon events, runs
// handshakes with neighbors and hands forwarding candidates to the transfer
// sink. All routing decisions are made by a single worker goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	limitstore "github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
	"github.com/nmxmxh/inos_dtn/internal/routing/ack"
	"github.com/nmxmxh/inos_dtn/internal/routing/persist"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/routing/retransmit"
	"github.com/nmxmxh/inos_dtn/internal/routing/summary"
	"github.com/nmxmxh/inos_dtn/internal/syncx"
	"github.com/nmxmxh/inos_dtn/internal/timebase"
)

// defaultAckLifetime applies to deliveries of bundles without an expiry.
const defaultAckLifetime = 24 * time.Hour

// Deps are the collaborators an engine works with. StateDir, Clock,
// Registerer and Logger are optional; without StateDir nothing is persisted.
type Deps struct {
	Index   BundleIndex
	Budget  NeighborBudget
	Sink    TransferSink
	Sender  HandshakeSender
	Storage Storage
	Bus     events.Bus

	StateDir   string
	Clock      clock.Clock
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// routingState is the predictability map together with the encounter
// history it is derived from. Both change in the same critical section.
type routingState struct {
	pred *prophet.Map
	ages *prophet.AgeMap
}

// Engine is the routing core. Create with New, then Start. An engine cannot
// be restarted after Stop.
type Engine struct {
	cfg      Config
	local    dtn.EID
	clock    *timebase.Clock
	strategy prophet.Strategy

	index   BundleIndex
	budget  NeighborBudget
	sink    TransferSink
	sender  HandshakeSender
	storage Storage
	bus     events.Bus
	store   *persist.Store

	routing   *syncx.Guarded[routingState]
	acks      *syncx.Guarded[ack.Set]
	vector    *syncx.Guarded[summary.Vector]
	retry     *syncx.Guarded[retransmit.Scheduler]
	neighbors *syncx.Guarded[neighborDB]
	pending   *syncx.Guarded[map[dtn.EID]struct{}]

	limiter *limiter.TokenBucket
	queue   *taskQueue
	metrics *Metrics

	// Lifecycle
	subs     []events.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
	logger   *slog.Logger
}

// New validates cfg and wires the engine to its collaborators.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Index == nil || deps.Budget == nil || deps.Sink == nil ||
		deps.Sender == nil || deps.Storage == nil || deps.Bus == nil {
		return nil, dtn.ErrConfig("deps", errors.New("missing collaborator"))
	}
	strategy, err := prophet.NewStrategy(cfg.Strategy, cfg.NFMax)
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(cfg.RequestsPerSecond),
			Duration: time.Second,
			Burst:    int64(cfg.RequestBurst),
		},
		limitstore.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, dtn.ErrConfig("rate_limit", err)
	}

	clk := timebase.New(deps.Clock)
	local := cfg.LocalEID.Node()

	var store *persist.Store
	if deps.StateDir != "" {
		// the store converts instants against the engine's own time base
		if store, err = persist.New(deps.StateDir, clk); err != nil {
			return nil, err
		}
	}

	e := &Engine{
		cfg:      cfg,
		local:    local,
		clock:    clk,
		strategy: strategy,
		index:    deps.Index,
		budget:   deps.Budget,
		sink:     deps.Sink,
		sender:   deps.Sender,
		storage:  deps.Storage,
		bus:      deps.Bus,
		store:    store,
		routing: syncx.NewGuarded(routingState{
			pred: prophet.NewMap(local, cfg.Prophet, clk.Mono()),
			ages: prophet.NewAgeMap(),
		}),
		acks:      syncx.NewGuarded(*ack.New()),
		vector:    syncx.NewGuarded(*summary.New(cfg.SummaryExpected, cfg.SummaryFPRate)),
		retry:     syncx.NewGuarded(*retransmit.New(cfg.RetryBase, cfg.RetryLimit)),
		neighbors: syncx.NewGuarded(newNeighborDB()),
		pending:   syncx.NewGuarded(make(map[dtn.EID]struct{})),
		limiter:   tb,
		queue:     newTaskQueue(),
		metrics:   NewMetrics(deps.Registerer),
		shutdown:  make(chan struct{}),
		logger:    logger.With("component", "routing_engine", "local", string(local)),
	}
	return e, nil
}

// Start restores persisted state, subscribes to the bus and launches the
// worker. Cancelling ctx has the same effect on the worker as Stop.
func (e *Engine) Start(ctx context.Context) error {
	select {
	case <-e.shutdown:
		return errors.New("routing engine was stopped and cannot be restarted")
	default:
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("routing engine already running")
	}

	if err := e.restoreState(); err != nil {
		e.logger.Warn("could not restore routing state, starting empty", "error", err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	for _, topic := range []events.Topic{events.TopicNeighbor, events.TopicBundle, events.TopicTransfer, events.TopicTime} {
		e.subs = append(e.subs, e.bus.Subscribe(topic, e.handleEvent))
	}

	e.wg.Add(3)
	go e.worker()
	go e.timers()
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
			e.signalShutdown()
		case <-e.shutdown:
		}
	}()

	e.logger.Info("routing engine started", "strategy", e.strategy.Name())
	return nil
}

// Stop unsubscribes from the bus, stops the worker without draining queued
// tasks and saves state. Transfers already submitted are left alone.
func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	for _, sub := range e.subs {
		sub.Unsubscribe()
	}
	e.subs = nil

	e.signalShutdown()
	e.cancel()
	e.wg.Wait()
	e.queue.close()

	e.neighbors.Do(func(db *neighborDB) {
		for _, n := range db.peers {
			n.settle(false)
		}
	})

	var err error
	if e.store != nil {
		err = e.SaveState()
	}
	e.logger.Info("routing engine stopped")
	return err
}

func (e *Engine) signalShutdown() {
	e.stopOnce.Do(func() { close(e.shutdown) })
}

func (e *Engine) context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// Metrics exposes the collectors for inspection.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// HandleHandshake queues a handshake message received from peer.
func (e *Engine) HandleHandshake(peer dtn.EID, payload []byte) {
	e.enqueue(task{kind: taskHandshakeReceived, peer: peer, payload: append([]byte(nil), payload...)})
}

func (e *Engine) enqueue(t task) {
	if !e.queue.push(t) {
		e.logger.Debug("task dropped after shutdown", "task", t.kind.String())
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		t, ok := e.queue.next(e.shutdown)
		if !ok {
			return
		}
		e.runTask(t)
	}
}

// runTask executes one task. A panic is logged and the worker carries on.
func (e *Engine) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("routing task panicked",
				"task", t.kind.String(),
				"peer", string(t.peer),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	e.metrics.Tasks.WithLabelValues(t.kind.String()).Inc()
	switch t.kind {
	case taskSearchNextBundle:
		e.searchNextBundle(t.peer)
	case taskNextExchange:
		e.nextExchange()
	case taskHandshakeReceived:
		e.handleHandshake(t.peer, t.payload)
	case taskInitiateHandshake:
		e.initiateHandshake(t.peer)
	case taskTick:
		e.tick()
	}
}

func (e *Engine) timers() {
	defer e.wg.Done()

	exchange := e.clock.Underlying().Ticker(e.cfg.NextExchangeInterval)
	defer exchange.Stop()

	var persistC <-chan time.Time
	if e.store != nil && e.cfg.PersistInterval > 0 {
		t := e.clock.Underlying().Ticker(e.cfg.PersistInterval)
		defer t.Stop()
		persistC = t.C
	}

	for {
		select {
		case <-e.shutdown:
			return
		case <-exchange.C:
			e.enqueue(task{kind: taskNextExchange})
		case <-persistC:
			if err := e.SaveState(); err != nil {
				e.logger.Warn("periodic state save failed", "error", err)
			}
		}
	}
}

func (e *Engine) handleEvent(ev events.Event) {
	switch ev := ev.(type) {
	case events.NeighborAppeared:
		e.onNeighborAppeared(ev.Peer)
	case events.NeighborDisappeared:
		e.onNeighborDisappeared(ev.Peer)
	case events.BundleQueued:
		e.onBundleQueued(ev.Bundle)
	case events.BundleExpired:
		e.onBundleGone(ev.ID)
	case events.BundlePurged:
		e.onBundleGone(ev.ID)
	case events.TransferCompleted:
		e.onTransferCompleted(ev.Peer, ev.Bundle)
	case events.TransferAborted:
		e.onTransferAborted(ev.Peer, ev.ID)
	case events.RequeueBundle:
		e.onRequeue(ev.Peer, ev.ID, ev.Protocol)
	case events.TransferSlotChanged:
		e.onSlotChanged(ev.Peer)
	case events.TimeTick:
		e.enqueue(task{kind: taskTick})
	}
}

func (e *Engine) onNeighborAppeared(peer dtn.EID) {
	e.neighbors.Do(func(db *neighborDB) { db.add(peer) })
	e.logger.Debug("neighbor appeared", "peer", string(peer))
	e.enqueue(task{kind: taskInitiateHandshake, peer: peer})
}

func (e *Engine) onNeighborDisappeared(peer dtn.EID) {
	e.neighbors.Do(func(db *neighborDB) { db.remove(peer) })
	e.pending.Do(func(p *map[dtn.EID]struct{}) { delete(*p, peer) })
	e.logger.Debug("neighbor disappeared", "peer", string(peer))
}

func (e *Engine) onBundleQueued(b dtn.BundleRef) {
	e.vector.Do(func(v *summary.Vector) { v.Add(b.ID) })
	peers := syncx.Read(e.neighbors, func(db *neighborDB) []dtn.EID { return db.connected() })
	for _, p := range peers {
		e.enqueue(task{kind: taskSearchNextBundle, peer: p})
	}
}

// onBundleGone handles expiry and purge alike: the bundle can no longer be
// sent, so pending retries are aborted.
func (e *Engine) onBundleGone(id dtn.BundleID) {
	e.vector.Do(func(v *summary.Vector) { v.Remove(id) })
	e.strategy.Forget(id)
	e.neighbors.Do(func(db *neighborDB) {
		for _, n := range db.peers {
			delete(n.inFlight, id)
		}
	})
	dropped := syncx.Apply(e.retry, func(s *retransmit.Scheduler) []retransmit.Entry { return s.Expire(id) })
	for _, entry := range dropped {
		e.abortTransfer(entry.Peer, id, dtn.AbortBundleDeleted)
	}
}

func (e *Engine) onTransferCompleted(peer dtn.EID, b dtn.BundleRef) {
	e.retry.Do(func(s *retransmit.Scheduler) { s.Complete(b.ID, peer) })
	e.neighbors.Do(func(db *neighborDB) {
		if n, ok := db.peers[peer]; ok {
			delete(n.inFlight, b.ID)
		}
	})
	e.strategy.Completed(b.ID, peer)

	if !b.Singleton || peer.Node() != b.Destination.Node() {
		return
	}
	expire := b.Expiry
	if expire == 0 {
		expire = e.clock.DTN().Add(defaultAckLifetime)
	}
	e.acks.Do(func(s *ack.Set) { s.Add(b.ID, expire) })
	e.logger.Debug("bundle delivered", "bundle", b.ID.String(), "peer", string(peer))
	e.bus.Raise(events.BundlePurgeRequested{ID: b.ID, Reason: dtn.PurgeDelivered})
}

func (e *Engine) onTransferAborted(peer dtn.EID, id dtn.BundleID) {
	e.retry.Do(func(s *retransmit.Scheduler) { s.Abort(id, peer) })
	e.neighbors.Do(func(db *neighborDB) {
		if n, ok := db.peers[peer]; ok {
			delete(n.inFlight, id)
		}
	})
}

func (e *Engine) onRequeue(peer dtn.EID, id dtn.BundleID, proto dtn.Protocol) {
	e.neighbors.Do(func(db *neighborDB) {
		if n, ok := db.peers[peer]; ok {
			delete(n.inFlight, id)
		}
	})
	e.requeue(peer, id, proto)
}

func (e *Engine) requeue(peer dtn.EID, id dtn.BundleID, proto dtn.Protocol) {
	now := e.clock.Mono()
	var (
		entry    retransmit.Entry
		decision retransmit.Decision
	)
	e.retry.Do(func(s *retransmit.Scheduler) {
		entry, decision = s.Requeue(id, peer, proto, now)
	})
	if decision == retransmit.DecisionAbort {
		e.abortTransfer(peer, id, dtn.AbortRetryLimitReached)
		return
	}
	e.logger.Debug("transfer requeued",
		"bundle", id.String(),
		"peer", string(peer),
		"attempt", entry.Count,
		"delay", (entry.Next - now).String())
}

func (e *Engine) abortTransfer(peer dtn.EID, id dtn.BundleID, reason dtn.AbortReason) {
	e.metrics.TransfersAborted.WithLabelValues(reason.String()).Inc()
	e.logger.Info("transfer aborted", "bundle", id.String(), "peer", string(peer), "reason", reason.String())
	e.bus.Raise(events.TransferAborted{Peer: peer, ID: id, Reason: reason})
}

func (e *Engine) onSlotChanged(peer dtn.EID) {
	wasPending := syncx.Apply(e.pending, func(p *map[dtn.EID]struct{}) bool {
		_, ok := (*p)[peer]
		delete(*p, peer)
		return ok
	})
	if wasPending {
		e.enqueue(task{kind: taskSearchNextBundle, peer: peer})
	}
}

func (e *Engine) nextExchange() {
	peers := syncx.Read(e.neighbors, func(db *neighborDB) []dtn.EID { return db.connected() })
	for _, p := range peers {
		e.initiateHandshake(p)
	}
}

// tick runs periodic housekeeping: handshake timeouts, aging, ack expiry and
// due retransmissions.
func (e *Engine) tick() {
	now := e.clock.Mono()

	timedOut := 0
	e.neighbors.Do(func(db *neighborDB) {
		for _, n := range db.peers {
			if n.awaiting && now-n.requested >= e.cfg.HandshakeTimeout {
				n.settle(false)
				timedOut++
			}
		}
	})
	if timedOut > 0 {
		e.metrics.Handshakes.WithLabelValues("outbound", "timeout").Add(float64(timedOut))
	}

	threshold := e.cfg.Prophet.PFirstThreshold
	e.routing.Do(func(s *routingState) { s.pred.Age(threshold, now) })
	dtnNow := e.clock.DTN()
	e.acks.Do(func(s *ack.Set) { s.Expire(dtnNow) })
	e.vector.Do(func(v *summary.Vector) {
		if v.Dirty() {
			v.Commit()
		}
	})

	due := syncx.Apply(e.retry, func(s *retransmit.Scheduler) []retransmit.Entry { return s.Due(now) })
	for _, entry := range due {
		e.retryTransfer(entry)
	}
	e.updateGauges()
}

func (e *Engine) retryTransfer(entry retransmit.Entry) {
	ref, ok := e.index.Lookup(entry.ID)
	if !ok {
		e.retry.Do(func(s *retransmit.Scheduler) { s.Complete(entry.ID, entry.Peer) })
		return
	}
	connected := syncx.Read(e.neighbors, func(db *neighborDB) bool {
		_, ok := db.peers[entry.Peer]
		return ok
	})
	if !connected {
		e.requeue(entry.Peer, entry.ID, entry.Protocol)
		return
	}

	err := e.sink.Submit(e.context(), entry.Peer, ref, entry.Protocol)
	switch {
	case err == nil:
		e.markInFlight(entry.Peer, entry.ID)
		e.metrics.BundlesSubmitted.Inc()
	case errors.Is(err, dtn.ErrAlreadyInTransit):
	default:
		e.logger.Warn("retry submission failed", "bundle", entry.ID.String(), "peer", string(entry.Peer), "error", err)
		e.requeue(entry.Peer, entry.ID, entry.Protocol)
	}
}

func (e *Engine) markInFlight(peer dtn.EID, id dtn.BundleID) {
	e.neighbors.Do(func(db *neighborDB) {
		if n, ok := db.peers[peer]; ok {
			n.inFlight[id] = struct{}{}
		}
	})
}

func (e *Engine) updateGauges() {
	e.metrics.PredictabilityEntries.Set(float64(syncx.Read(e.routing, func(s *routingState) int { return s.pred.Len() })))
	e.metrics.PendingPeers.Set(float64(syncx.Read(e.pending, func(p *map[dtn.EID]struct{}) int { return len(*p) })))
	e.metrics.Retransmissions.Set(float64(syncx.Read(e.retry, func(s *retransmit.Scheduler) int { return s.Len() })))
}

func (e *Engine) breakerFor(db *neighborDB, peer dtn.EID) *gobreaker.TwoStepCircuitBreaker {
	if b, ok := db.breakers[peer]; ok {
		return b
	}
	failures := e.cfg.BreakerFailures
	b := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        string(peer),
		MaxRequests: 1,
		Timeout:     e.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Info("handshake breaker changed state", "peer", name, "from", from.String(), "to", to.String())
		},
	})
	db.breakers[peer] = b
	return b
}
