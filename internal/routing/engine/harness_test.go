package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
	"github.com/nmxmxh/inos_dtn/internal/routing/handshake"
	"github.com/nmxmxh/inos_dtn/internal/routing/prophet"
	"github.com/nmxmxh/inos_dtn/internal/storage/memory"
)

const localEID dtn.EID = "dtn://self"

var epoch = time.Date(2024, time.May, 4, 10, 0, 0, 0, time.UTC)

type sentMessage struct {
	peer dtn.EID
	msg  *handshake.Message
}

// recordingSender decodes and keeps every handshake the engine sends.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (r *recordingSender) SendHandshake(_ context.Context, peer dtn.EID, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	m, err := handshake.Decode(payload)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentMessage{peer: peer, msg: m})
	return nil
}

func (r *recordingSender) count(kind handshake.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.msg.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingSender) last() sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func (r *recordingSender) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type harness struct {
	t      *testing.T
	clock  *clock.Mock
	bus    *events.LocalBus
	store  *memory.Store
	budget *memory.Budget
	sink   *memory.Sink
	sender *recordingSender
	engine *Engine

	mu     sync.Mutex
	raised []events.Event
}

type harnessOption func(cfg *Config, deps *Deps)

func withPersist(dir string) harnessOption {
	return func(_ *Config, deps *Deps) { deps.StateDir = dir }
}

func newHarness(t *testing.T, opts ...func(cfg *Config)) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

func newHarnessWith(t *testing.T, cfgOpts []func(cfg *Config), depOpts []harnessOption) *harness {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(epoch)

	bus := events.NewLocalBus(64, nil)
	budget := memory.NewBudget(10, bus)
	h := &harness{
		t:      t,
		clock:  mock,
		bus:    bus,
		store:  memory.NewStore(bus),
		budget: budget,
		sink:   memory.NewSink(budget, bus),
		sender: &recordingSender{},
	}

	cfg := DefaultConfig()
	cfg.LocalEID = localEID
	for _, opt := range cfgOpts {
		opt(&cfg)
	}
	deps := Deps{
		Index:   h.store,
		Budget:  h.budget,
		Sink:    h.sink,
		Sender:  h.sender,
		Storage: h.store,
		Bus:     bus,
		Clock:   mock,
	}
	for _, opt := range depOpts {
		opt(&cfg, &deps)
	}

	e, err := New(cfg, deps)
	require.NoError(t, err)
	h.engine = e

	for _, topic := range []events.Topic{events.TopicBundle, events.TopicTransfer} {
		bus.Subscribe(topic, func(ev events.Event) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.raised = append(h.raised, ev)
		})
	}
	return h
}

// attach subscribes the engine like Start does, without the goroutines.
func (h *harness) attach() {
	for _, topic := range []events.Topic{events.TopicNeighbor, events.TopicBundle, events.TopicTransfer, events.TopicTime} {
		h.bus.Subscribe(topic, h.engine.handleEvent)
	}
}

// drain runs queued tasks on the calling goroutine.
func (h *harness) drain() {
	drain(h.engine)
}

func drain(e *Engine) {
	for i := 0; i < 1000 && e.queue.len() > 0; i++ {
		t, ok := e.queue.next(nil)
		if !ok {
			return
		}
		e.runTask(t)
	}
}

func (h *harness) events() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.raised...)
}

func (h *harness) respond(peer dtn.EID, lifetime time.Duration, items ...handshake.Payload) {
	h.t.Helper()
	resp := handshake.NewResponse(lifetime)
	for _, it := range items {
		require.NoError(h.t, resp.Add(it))
	}
	raw, err := resp.MarshalBinary()
	require.NoError(h.t, err)
	h.engine.HandleHandshake(peer, raw)
	h.drain()
}

// connect brings peer up and completes one handshake round in which the
// peer reports entries and holds the bundles in has.
func (h *harness) connect(peer dtn.EID, entries []prophet.Entry, has ...dtn.BundleID) {
	h.t.Helper()
	h.bus.Raise(events.NeighborAppeared{Peer: peer})
	h.drain()

	h.respond(peer, time.Minute,
		handshake.Predictability{Entries: entries},
		handshake.Acknowledgements{},
		handshake.SummaryVector{Filter: filterOf(has...)},
	)
}

func (h *harness) predictability(peer dtn.EID) (float32, error) {
	var (
		v   float32
		err error
	)
	h.engine.routing.View(func(s *routingState) { v, err = s.pred.Get(peer) })
	return v, err
}

func predictabilityOf(e *Engine, peer dtn.EID) float32 {
	var v float32
	e.routing.View(func(s *routingState) { v, _ = s.pred.Get(peer) })
	return v
}

func filterOf(ids ...dtn.BundleID) *bloom.BloomFilter {
	f := bloom.NewWithEstimates(128, 0.001)
	for _, id := range ids {
		f.Add(id.Key())
	}
	return f
}

func bundleTo(dst dtn.EID, seq uint64) dtn.BundleRef {
	return dtn.BundleRef{
		ID:          dtn.BundleID{Source: "dtn://src/app", Timestamp: dtn.TimeOf(epoch) - 60, Sequence: seq},
		Destination: dst,
		Singleton:   true,
		Size:        512,
		Expiry:      dtn.TimeOf(epoch.Add(24 * time.Hour)),
	}
}

var errLinkDown = errors.New("link down")
