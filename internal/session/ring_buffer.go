package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of OutputEvents. It lets a
// late or reconnecting subscriber catch up on recent output by sequence
// number.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []OutputEvent
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]OutputEvent, capacity),
		capacity: capacity,
	}
}

// Write adds an event to the ring buffer.
func (rb *RingBuffer) Write(event OutputEvent) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = event
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all events in the buffer in chronological order.
func (rb *RingBuffer) ReadAll() []OutputEvent {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.readLocked()
}

// ReadAfter returns the buffered events with Seq greater than seq. Truncated
// is true when events after seq have already been overwritten.
func (rb *RingBuffer) ReadAfter(seq uint64) (events []OutputEvent, truncated bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	all := rb.readLocked()
	if len(all) > 0 && all[0].Seq > seq+1 {
		truncated = true
	}
	for i, e := range all {
		if e.Seq > seq {
			return all[i:], truncated
		}
	}
	return nil, truncated
}

func (rb *RingBuffer) readLocked() []OutputEvent {
	if !rb.full {
		result := make([]OutputEvent, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]OutputEvent, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
