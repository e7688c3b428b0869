package machine

import "time"

// Clock supplies the current wall-clock time. The machine receives its
// periodic ticks as a channel, so tests can drive both time and ticks
// without waiting.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real Clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
