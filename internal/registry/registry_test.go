package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-console/internal/clock"
)

type manualScheduler struct {
	queued []func()
}

func (s *manualScheduler) Schedule(fn func()) {
	s.queued = append(s.queued, fn)
}

func (s *manualScheduler) tick() {
	fns := s.queued
	s.queued = nil
	for _, fn := range fns {
		fn()
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) handle(ev Event) {
	r.events = append(r.events, ev)
}

func (r *recorder) payloads() []string {
	var out []string
	for _, ev := range r.events {
		if d, ok := ev.(Data); ok {
			out = append(out, string(d.Payload))
		}
	}
	return out
}

func data(id, s string) Data { return Data{Terminal: id, Payload: []byte(s)} }

func TestReplay_ExactlyOnceInOrder(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)

	r.Dispatch(data("t1", "a"))
	r.Dispatch(data("t1", "b"))
	r.Dispatch(Exit{Terminal: "t1", Code: 1})
	assert.Equal(t, 3, r.Buffered("t1"))

	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)

	require.Len(t, rec.events, 3)
	assert.Equal(t, []string{"a", "b"}, rec.payloads())
	assert.Equal(t, Exit{Terminal: "t1", Code: 1}, rec.events[2])
	assert.Zero(t, r.Buffered("t1"))

	// Remount with nothing dispatched in between delivers nothing.
	r.UnregisterHandler("t1")
	second := &recorder{}
	r.RegisterHandler("t1", second.handle)
	sched.tick()
	assert.Empty(t, second.events)
}

func TestCoalescing_ConcatenatesWithinTick(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)

	r.Dispatch(data("t1", "a"))
	r.Dispatch(data("t1", "b"))
	assert.Empty(t, rec.events, "data waits for the tick")
	assert.Len(t, sched.queued, 1, "one tick armed per burst")

	sched.tick()
	assert.Equal(t, []string{"ab"}, rec.payloads())

	r.Dispatch(data("t1", "c"))
	sched.tick()
	assert.Equal(t, []string{"ab", "c"}, rec.payloads())
}

func TestCoalescing_ExitFlushesPendingDataFirst(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)

	r.Dispatch(data("t1", "x"))
	r.Dispatch(data("t1", "y"))
	r.Dispatch(Exit{Terminal: "t1", Code: 0})

	require.Len(t, rec.events, 2)
	assert.Equal(t, data("t1", "xy"), rec.events[0])
	assert.IsType(t, Exit{}, rec.events[1])

	sched.tick()
	assert.Len(t, rec.events, 2, "tick after exit has nothing left")
}

func TestCoalescing_KeepsTerminalsSeparate(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	one, two := &recorder{}, &recorder{}
	r.RegisterHandler("t1", one.handle)
	r.RegisterHandler("t2", two.handle)

	r.Dispatch(data("t1", "1"))
	r.Dispatch(data("t2", "2"))
	r.Dispatch(data("t1", "1"))
	sched.tick()

	assert.Equal(t, []string{"11"}, one.payloads())
	assert.Equal(t, []string{"2"}, two.payloads())
}

func TestUnregister_KeepsUndeliveredData(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	first := &recorder{}
	r.RegisterHandler("t1", first.handle)

	r.Dispatch(data("t1", "delivered"))
	sched.tick()
	r.Dispatch(data("t1", "pending"))
	r.UnregisterHandler("t1")
	sched.tick()
	r.Dispatch(data("t1", "later"))

	second := &recorder{}
	r.RegisterHandler("t1", second.handle)

	assert.Equal(t, []string{"delivered"}, first.payloads())
	assert.Equal(t, []string{"pending", "later"}, second.payloads())
}

func TestRegister_ReplacesSilently(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	first, second := &recorder{}, &recorder{}

	r.RegisterHandler("t1", first.handle)
	r.Dispatch(data("t1", "a"))
	r.RegisterHandler("t1", second.handle)
	sched.tick()
	r.Dispatch(data("t1", "b"))
	sched.tick()

	assert.Empty(t, first.events)
	assert.Equal(t, []string{"a", "b"}, second.payloads())
}

func TestFastRemount_NoDuplicates(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	r.Dispatch(data("t1", "boot"))

	var all []string
	for i := 0; i < 5; i++ {
		rec := &recorder{}
		r.UnregisterHandler("t1")
		r.RegisterHandler("t1", rec.handle)
		r.UnregisterHandler("t1")
		r.UnregisterHandler("t1")
		all = append(all, rec.payloads()...)
	}
	sched.tick()
	assert.Equal(t, []string{"boot"}, all)
	assert.False(t, r.Bound("t1"))
}

func TestClearBuffer(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	r.Dispatch(data("t1", "stale"))
	r.ClearBuffer("t1")

	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)
	sched.tick()
	assert.Empty(t, rec.events)

	r.Dispatch(data("t1", "pending"))
	r.ClearBuffer("t1")
	sched.tick()
	assert.Empty(t, rec.events)
}

func TestEmptyDataIgnoredWhenBound(t *testing.T) {
	sched := &manualScheduler{}
	r := New(sched)
	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)
	r.Dispatch(Data{Terminal: "t1"})
	assert.Empty(t, sched.queued)
}

func TestFrameScheduler_PostsAfterInterval(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	var posted []func()
	sched := NewFrameScheduler(clk, 0, func(fn func()) { posted = append(posted, fn) })

	ran := false
	sched.Schedule(func() { ran = true })
	assert.Empty(t, posted)

	clk.Advance(DefaultFrameInterval)
	require.Len(t, posted, 1)
	assert.False(t, ran, "callback runs only when the loop executes it")
	posted[0]()
	assert.True(t, ran)
}

func TestRegistry_WithFrameScheduler(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	sched := NewFrameScheduler(clk, 10*time.Millisecond, func(fn func()) { fn() })
	r := New(sched)
	rec := &recorder{}
	r.RegisterHandler("t1", rec.handle)

	r.Dispatch(data("t1", "a"))
	clk.Advance(5 * time.Millisecond)
	r.Dispatch(data("t1", "b"))
	clk.Advance(5 * time.Millisecond)
	r.Dispatch(data("t1", "c"))
	clk.Advance(10 * time.Millisecond)

	assert.Equal(t, []string{"ab", "c"}, rec.payloads())
}
