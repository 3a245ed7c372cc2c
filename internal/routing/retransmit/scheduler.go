// Package retransmit schedules retries of failed transfers with exponential
// backoff.
package retransmit

import (
	"container/heap"
	"math"
	"slices"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

const (
	DefaultBase  = 2.0
	DefaultLimit = 8
)

// Decision is the outcome of a requeue.
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionAbort
)

func (d Decision) String() string {
	if d == DecisionAbort {
		return "abort"
	}
	return "retry"
}

// Entry is the retry state of one bundle toward one peer. Next is a
// monotonic instant.
type Entry struct {
	ID       dtn.BundleID
	Peer     dtn.EID
	Protocol dtn.Protocol
	Count    int
	Next     time.Duration

	// heap position; -1 once popped by Due
	index int
}

type key struct {
	id   dtn.BundleID
	peer dtn.EID
}

// Scheduler keeps retry entries ordered by Next. An entry handed out by Due
// stays known until Complete, Abort or Expire, so a later requeue keeps
// counting. Not safe for concurrent use.
type Scheduler struct {
	base  float64
	limit int
	queue entryHeap
	byKey map[key]*Entry
}

// New creates a scheduler waiting base^(count-1) seconds before the
// count-th retry and giving up once count exceeds limit.
func New(base float64, limit int) *Scheduler {
	if base < 1 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Scheduler{base: base, limit: limit, byKey: make(map[key]*Entry)}
}

// Backoff returns the delay before attempt count.
func (s *Scheduler) Backoff(count int) time.Duration {
	secs := math.Pow(s.base, float64(count-1))
	if secs*float64(time.Second) >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs * float64(time.Second))
}

// Requeue records a failed attempt of id toward peer at now. Past the retry
// limit the entry is dropped and DecisionAbort returned.
func (s *Scheduler) Requeue(id dtn.BundleID, peer dtn.EID, proto dtn.Protocol, now time.Duration) (Entry, Decision) {
	k := key{id, peer}
	e, ok := s.byKey[k]
	if !ok {
		e = &Entry{ID: id, Peer: peer, index: -1}
		s.byKey[k] = e
	}
	e.Count++
	e.Protocol = proto

	if e.Count > s.limit {
		out := *e
		s.remove(k)
		out.index = -1
		return out, DecisionAbort
	}

	e.Next = now + s.Backoff(e.Count)
	if e.index >= 0 {
		heap.Fix(&s.queue, e.index)
	} else {
		heap.Push(&s.queue, e)
	}
	return *e, DecisionRetry
}

// Complete forgets id toward peer. Absent keys are ignored.
func (s *Scheduler) Complete(id dtn.BundleID, peer dtn.EID) bool {
	return s.remove(key{id, peer})
}

// Abort is Complete for transfers given up elsewhere.
func (s *Scheduler) Abort(id dtn.BundleID, peer dtn.EID) bool {
	return s.remove(key{id, peer})
}

func (s *Scheduler) remove(k key) bool {
	e, ok := s.byKey[k]
	if !ok {
		return false
	}
	if e.index >= 0 {
		heap.Remove(&s.queue, e.index)
	}
	delete(s.byKey, k)
	return true
}

// Expire drops every entry for id and returns them sorted by peer.
func (s *Scheduler) Expire(id dtn.BundleID) []Entry {
	var out []Entry
	for k, e := range s.byKey {
		if k.id != id {
			continue
		}
		out = append(out, *e)
		s.remove(k)
	}
	slices.SortFunc(out, func(a, b Entry) int { return compareEID(a.Peer, b.Peer) })
	return out
}

// Due pops entries whose Next has passed, earliest first.
func (s *Scheduler) Due(now time.Duration) []Entry {
	var out []Entry
	for s.queue.Len() > 0 && s.queue[0].Next <= now {
		e := heap.Pop(&s.queue).(*Entry)
		out = append(out, *e)
	}
	return out
}

// NextDue returns the earliest pending instant.
func (s *Scheduler) NextDue() (time.Duration, bool) {
	if s.queue.Len() == 0 {
		return 0, false
	}
	return s.queue[0].Next, true
}

// Len counts every known entry, queued or in flight.
func (s *Scheduler) Len() int { return len(s.byKey) }

// Queued counts entries waiting in the heap.
func (s *Scheduler) Queued() int { return s.queue.Len() }

func compareEID(a, b dtn.EID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

type entryHeap []*Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].Next < h[j].Next }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
