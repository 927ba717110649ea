// Package clock abstracts the timer operations used by the console so that
// coalescing ticks, debounces and kill escalation can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the subset of the time package the console depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f after d elapses. The returned Timer can cancel the
	// pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from happening. Returns false if it already
	// fired or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
