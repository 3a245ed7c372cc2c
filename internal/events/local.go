package events

import (
	"context"
	"log/slog"
	"sync"
)

// LocalBus is an in-process Bus. Queued events are dispatched by Run.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]Handler
	nextID uint64

	queue  chan Event
	closed chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewLocalBus creates a bus whose asynchronous queue holds queueSize events.
func NewLocalBus(queueSize int, logger *slog.Logger) *LocalBus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &LocalBus{
		subs:   make(map[Topic]map[uint64]Handler),
		queue:  make(chan Event, queueSize),
		closed: make(chan struct{}),
		logger: logger.With("component", "event_bus"),
	}
}

type subscription struct {
	bus   *LocalBus
	topic Topic
	id    uint64
	once  sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s.id)
		s.bus.mu.Unlock()
	})
}

func (b *LocalBus) Subscribe(topic Topic, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][b.nextID] = handler
	return &subscription{bus: b, topic: topic, id: b.nextID}
}

func (b *LocalBus) Raise(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Topic()]))
	for _, h := range b.subs[e.Topic()] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// Queue blocks while the queue is full. After Close it drops events.
func (b *LocalBus) Queue(e Event) {
	select {
	case <-b.closed:
		b.logger.Debug("bus closed, dropping event", "topic", e.Topic())
	case b.queue <- e:
	}
}

// Run dispatches queued events until ctx is done or the bus is closed.
func (b *LocalBus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.closed:
			return
		case e := <-b.queue:
			b.Raise(e)
		}
	}
}

// Close stops Run and makes Queue drop events.
func (b *LocalBus) Close() {
	b.once.Do(func() { close(b.closed) })
}
