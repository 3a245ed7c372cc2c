package engine

import (
	"sync"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

type taskKind int

const (
	taskSearchNextBundle taskKind = iota
	taskNextExchange
	taskHandshakeReceived
	taskInitiateHandshake
	taskTick
)

func (k taskKind) String() string {
	switch k {
	case taskSearchNextBundle:
		return "search_next_bundle"
	case taskNextExchange:
		return "next_exchange"
	case taskHandshakeReceived:
		return "handshake_received"
	case taskInitiateHandshake:
		return "initiate_handshake"
	case taskTick:
		return "tick"
	default:
		return "unknown"
	}
}

type task struct {
	kind    taskKind
	peer    dtn.EID
	payload []byte
}

// taskQueue is an unbounded FIFO with a single consumer. Producers never
// block, so event handlers can enqueue from any goroutine.
type taskQueue struct {
	mu     sync.Mutex
	items  []task
	notify chan struct{}
	closed bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{notify: make(chan struct{}, 1)}
}

func (q *taskQueue) push(t task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// next blocks until a task is available or done is closed.
func (q *taskQueue) next(done <-chan struct{}) (task, bool) {
	for {
		select {
		case <-done:
			return task{}, false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = task{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		q.mu.Unlock()

		select {
		case <-done:
			return task{}, false
		case <-q.notify:
		}
	}
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
