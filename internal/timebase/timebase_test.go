package timebase

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestClock_MonoAdvances(t *testing.T) {
	mock := clock.NewMock()
	c := New(mock)

	assert.Equal(t, time.Duration(0), c.Mono())
	mock.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Mono())
}

func TestClock_WallRoundTrip(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	c := New(mock)
	mock.Add(time.Hour)

	mono := 40 * time.Minute
	wall := c.ToWall(mono)
	assert.True(t, wall.Equal(time.Date(2025, 6, 1, 10, 40, 0, 0, time.UTC)))
	assert.Equal(t, mono, c.FromWall(wall))
}

func TestClock_FromWallAcrossRestart(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	before := New(mock)
	mock.Add(10 * time.Minute)
	saved := before.ToWall(before.Mono())

	mock.Add(5 * time.Minute)
	after := New(mock)
	assert.Equal(t, -5*time.Minute, after.FromWall(saved))
}
