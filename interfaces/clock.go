package interfaces

import "time"

// Clock is the source of current time. Production code injects the wall
// clock; tests inject a fixed or stepping time.
type Clock interface {
	Now() time.Time
}
