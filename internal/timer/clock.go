package timer

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the monotonic media time source. Microseconds are measured from the
// moment the Clock was created plus a configurable epoch offset; milliseconds
// are derived by integer division and truncated to 32 bits, so they wrap.
// Callers comparing millisecond values must use unsigned subtraction.
type Clock struct {
	base   clock.Clock
	anchor time.Time
	epoch  atomic.Uint64
}

// NewClock wraps base. A nil base uses the real clock.
func NewClock(base clock.Clock) *Clock {
	if base == nil {
		base = clock.New()
	}
	return &Clock{
		base:   base,
		anchor: base.Now(),
	}
}

var systemClock = NewClock(nil)

// SystemClock returns the process-wide real-time Clock.
func SystemClock() *Clock {
	return systemClock
}

// SetStartTimeInMicroseconds sets the epoch offset added to every reading.
// It exists to exercise wraparound handling.
func (c *Clock) SetStartTimeInMicroseconds(us uint64) {
	c.epoch.Store(us)
}

// Microseconds returns the current time in microseconds.
func (c *Clock) Microseconds() uint64 {
	return c.epoch.Load() + uint64(c.base.Since(c.anchor)/time.Microsecond)
}

// Milliseconds returns the current time in milliseconds, wrapping at the
// 32-bit boundary.
func (c *Clock) Milliseconds() uint32 {
	return uint32(c.Microseconds() / 1000)
}

// Sleep blocks for d on the underlying clock.
func (c *Clock) Sleep(d time.Duration) {
	c.base.Sleep(d)
}

// Base returns the wrapped clock.
func (c *Clock) Base() clock.Clock {
	return c.base
}
