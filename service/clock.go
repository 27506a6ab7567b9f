package service

import (
	"time"

	"localmesh/helpers"
	"localmesh/interfaces"
)

// clock implements interfaces.Clock via the injected now func. Built in the
// mains with time.Now().UTC; tests pass a fixed or stepping func.
type clock struct {
	now func() time.Time
}

// NewClock creates a Clock that returns time via the given now func. Panics on nil now.
func NewClock(now func() time.Time) interfaces.Clock {
	return &clock{now: helpers.NilPanic(now, "service.clock.go: now is required")}
}

// Now returns the current time from the injected function.
func (c *clock) Now() time.Time {
	return c.now()
}

// WallClock returns a Clock backed by time.Now().UTC.
func WallClock() interfaces.Clock {
	return NewClock(func() time.Time { return time.Now().UTC() })
}
