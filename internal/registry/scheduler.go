package registry

import (
	"time"

	"agent-console/internal/clock"
)

// DefaultFrameInterval approximates one display frame.
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler runs a callback on the next coalescing tick. Callbacks must run
// on the goroutine that owns the Registry.
type Scheduler interface {
	Schedule(fn func())
}

// FrameScheduler ticks after a fixed interval and hands the callback to post,
// which is expected to enqueue it on the owning goroutine's loop.
type FrameScheduler struct {
	clock    clock.Clock
	interval time.Duration
	post     func(func())
}

// NewFrameScheduler creates a clock-driven scheduler.
func NewFrameScheduler(clk clock.Clock, interval time.Duration, post func(func())) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{clock: clk, interval: interval, post: post}
}

func (s *FrameScheduler) Schedule(fn func()) {
	s.clock.AfterFunc(s.interval, func() { s.post(fn) })
}
