package dtn

import "time"

// Epoch is the DTN epoch, 2000-01-01T00:00:00Z.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Time counts seconds since Epoch. It is a wall-clock value and is what
// bundle creation timestamps and expiry times are expressed in.
type Time uint64

// TimeOf converts a wall-clock instant to DTN time. Instants before the
// epoch map to zero.
func TimeOf(t time.Time) Time {
	if t.Before(Epoch) {
		return 0
	}
	return Time(t.Sub(Epoch) / time.Second)
}

// Time converts back to a time.Time in UTC.
func (t Time) Time() time.Time {
	return Epoch.Add(time.Duration(t) * time.Second)
}

// Add returns t+d, truncated to whole seconds.
func (t Time) Add(d time.Duration) Time {
	if d < 0 {
		s := Time(-d / time.Second)
		if s > t {
			return 0
		}
		return t - s
	}
	return t + Time(d/time.Second)
}
