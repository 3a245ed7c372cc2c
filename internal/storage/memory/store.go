// Package memory provides in-process implementations of the collaborators
// the routing engine consumes: a bundle store, a transfer budget, a transfer
// sink and a loopback handshake network.
package memory

import (
	"slices"
	"sync"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
	"github.com/nmxmxh/inos_dtn/internal/events"
)

// Store indexes bundle metadata. It raises bundle events on its bus.
type Store struct {
	mu      sync.RWMutex
	bundles map[dtn.BundleID]dtn.BundleRef
	bus     events.Bus
}

// NewStore returns an empty store raising bundle events on bus.
func NewStore(bus events.Bus) *Store {
	return &Store{bundles: make(map[dtn.BundleID]dtn.BundleRef), bus: bus}
}

// Add stores b and raises BundleQueued.
func (s *Store) Add(b dtn.BundleRef) {
	s.mu.Lock()
	s.bundles[b.ID] = b
	s.mu.Unlock()
	s.bus.Raise(events.BundleQueued{Bundle: b})
}

// Select walks bundles in id order. filter runs without the store lock held.
func (s *Store) Select(filter func(dtn.BundleRef) bool, limit int) ([]dtn.BundleRef, error) {
	s.mu.RLock()
	all := make([]dtn.BundleRef, 0, len(s.bundles))
	for _, b := range s.bundles {
		all = append(all, b)
	}
	s.mu.RUnlock()
	slices.SortFunc(all, func(a, b dtn.BundleRef) int { return a.ID.Compare(b.ID) })

	var out []dtn.BundleRef
	for _, b := range all {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter == nil || filter(b) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Lookup returns the stored bundle with the given id.
func (s *Store) Lookup(id dtn.BundleID) (dtn.BundleRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bundles[id]
	return b, ok
}

// Purge removes id and raises BundlePurged.
func (s *Store) Purge(id dtn.BundleID, reason dtn.PurgeReason) error {
	s.mu.Lock()
	_, ok := s.bundles[id]
	delete(s.bundles, id)
	s.mu.Unlock()
	if !ok {
		return dtn.ErrNotFound
	}
	s.bus.Raise(events.BundlePurged{ID: id, Reason: reason})
	return nil
}

// Expire removes bundles whose lifetime ended at now and raises
// BundleExpired for each.
func (s *Store) Expire(now dtn.Time) int {
	var expired []dtn.BundleID
	s.mu.Lock()
	for id, b := range s.bundles {
		if b.Expired(now) {
			expired = append(expired, id)
			delete(s.bundles, id)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(expired, dtn.BundleID.Compare)
	for _, id := range expired {
		s.bus.Raise(events.BundleExpired{ID: id})
	}
	return len(expired)
}

// Len counts stored bundles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bundles)
}

// HandlePurgeRequests purges bundles named by BundlePurgeRequested events.
func (s *Store) HandlePurgeRequests() events.Subscription {
	return s.bus.Subscribe(events.TopicBundle, func(e events.Event) {
		if req, ok := e.(events.BundlePurgeRequested); ok {
			_ = s.Purge(req.ID, req.Reason)
		}
	})
}
