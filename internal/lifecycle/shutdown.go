// Package lifecycle runs the daemon's shutdown steps in order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Shutdown collects cleanup functions and runs them last-registered first,
// so components stop before the things they depend on.
type Shutdown struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	done    bool
	logger  *slog.Logger
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// NewShutdown bounds each registered step by timeout.
func NewShutdown(timeout time.Duration, logger *slog.Logger) *Shutdown {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shutdown{timeout: timeout, logger: logger.With("component", "shutdown")}
}

// Register adds a named step.
func (s *Shutdown) Register(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// RegisterFunc adds a step that takes no context.
func (s *Shutdown) RegisterFunc(name string, fn func() error) {
	s.Register(name, func(context.Context) error { return fn() })
}

// Run executes every step once, in reverse registration order. A step still
// running when the timeout expires is abandoned and later steps are skipped.
func (s *Shutdown) Run(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	s.logger.Info("starting graceful shutdown", "steps", len(s.steps))
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		st := s.steps[i]
		result := make(chan error, 1)
		go func() { result <- st.fn(ctx) }()

		select {
		case err := <-result:
			if err != nil {
				s.logger.Error("shutdown step failed", "step", st.name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			}
		case <-ctx.Done():
			s.logger.Warn("graceful shutdown timed out", "step", st.name)
			return errors.Join(append(errs, fmt.Errorf("%s: %w", st.name, ctx.Err()))...)
		}
	}
	s.logger.Info("graceful shutdown complete")
	return errors.Join(errs...)
}
