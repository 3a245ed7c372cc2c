// Package syncx holds values that may only be touched with their lock held.
package syncx

import "sync"

// Guarded owns a value of type T. The value is reachable only inside the
// closures passed to Do and View, so every access happens under the lock.
type Guarded[T any] struct {
	mu sync.RWMutex
	v  T
}

// NewGuarded takes ownership of v.
func NewGuarded[T any](v T) *Guarded[T] {
	return &Guarded[T]{v: v}
}

// Do runs fn with the exclusive lock held.
func (g *Guarded[T]) Do(fn func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.v)
}

// View runs fn with the shared lock held. fn must not mutate v.
func (g *Guarded[T]) View(fn func(v *T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(&g.v)
}

// Apply runs fn under the exclusive lock and returns its result.
func Apply[T, R any](g *Guarded[T], fn func(v *T) R) R {
	var r R
	g.Do(func(v *T) { r = fn(v) })
	return r
}

// Read runs fn under the shared lock and returns its result. Results must be
// copies; returning pointers into v defeats the lock.
func Read[T, R any](g *Guarded[T], fn func(v *T) R) R {
	var r R
	g.View(func(v *T) { r = fn(v) })
	return r
}
