// Package clock provides the node's source of time. Production code uses
// the system clock; tests substitute a fake that is advanced explicitly.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock abstracts time for the sync core.
type Clock = clockwork.Clock

// NewSystemClock returns a Clock backed by the operating system.
func NewSystemClock() Clock {
	return clockwork.NewRealClock()
}

// NewFakeClock returns a Clock frozen at `t` that only moves when advanced
// by the test.
func NewFakeClock(t time.Time) clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}
