// Package timebase pairs a monotonic process clock with the wall clock.
//
// Routing state keeps instants as monotonic offsets so clock adjustments do
// not disturb aging or backoff. Offsets do not survive a restart, so anything
// persisted goes through ToWall / FromWall.
package timebase

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// Clock reads monotonic and wall time from one underlying clock.
type Clock struct {
	clk  clock.Clock
	base time.Time
}

// New wraps clk. A nil clk means the real clock.
func New(clk clock.Clock) *Clock {
	if clk == nil {
		clk = clock.New()
	}
	return &Clock{clk: clk, base: clk.Now()}
}

// Underlying returns the wrapped clock for tickers and timers.
func (c *Clock) Underlying() clock.Clock { return c.clk }

// Mono returns the monotonic time elapsed since the clock was created.
func (c *Clock) Mono() time.Duration {
	return c.clk.Since(c.base)
}

// Wall returns the current wall-clock time.
func (c *Clock) Wall() time.Time {
	return c.clk.Now()
}

// DTN returns the current wall-clock time in DTN seconds.
func (c *Clock) DTN() dtn.Time {
	return dtn.TimeOf(c.Wall())
}

// ToWall converts a monotonic instant to the wall-clock instant it
// corresponds to right now.
func (c *Clock) ToWall(mono time.Duration) time.Time {
	return c.Wall().Add(mono - c.Mono())
}

// FromWall converts a wall-clock instant to a monotonic offset. The result
// is negative for instants before this process started.
func (c *Clock) FromWall(wall time.Time) time.Duration {
	return c.Mono() - c.Wall().Sub(wall)
}
