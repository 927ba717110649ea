// Package registry multiplexes terminal output to at most one handler per
// terminal. Events for an unbound terminal are buffered and replayed exactly
// once when a handler binds; data for a bound terminal is coalesced per
// scheduler tick.
//
// A Registry is not safe for concurrent use. It is owned by a single
// goroutine, and its Scheduler must call back on that same goroutine.
package registry

// Handler receives events for one terminal.
type Handler func(Event)

// Registry binds terminal ids to handlers.
type Registry struct {
	sched    Scheduler
	handlers map[string]Handler

	// buffers holds events for unbound terminals, in arrival order.
	buffers map[string][]Event

	// pending holds coalesced data for bound terminals awaiting the next
	// tick. pendingOrder keeps flush order stable.
	pending      map[string][]byte
	pendingOrder []string
	tickArmed    bool
}

// New creates a registry that coalesces on sched's ticks.
func New(sched Scheduler) *Registry {
	return &Registry{
		sched:    sched,
		handlers: make(map[string]Handler),
		buffers:  make(map[string][]Event),
		pending:  make(map[string][]byte),
	}
}

// RegisterHandler binds h to terminalID, replacing any existing handler. Any
// buffered events are handed to h, in order, before RegisterHandler returns.
func (r *Registry) RegisterHandler(terminalID string, h Handler) {
	r.stashPending(terminalID)
	r.handlers[terminalID] = h

	buffered := r.buffers[terminalID]
	delete(r.buffers, terminalID)
	for _, ev := range buffered {
		h(ev)
	}
}

// UnregisterHandler unbinds terminalID. Data not yet delivered is kept for
// the next handler; data already delivered is never replayed. Unregistering
// an unbound terminal is a no-op.
func (r *Registry) UnregisterHandler(terminalID string) {
	if _, ok := r.handlers[terminalID]; !ok {
		return
	}
	r.stashPending(terminalID)
	delete(r.handlers, terminalID)
}

// Dispatch routes ev to its terminal's handler, or buffers it.
func (r *Registry) Dispatch(ev Event) {
	id := ev.TerminalID()
	h, bound := r.handlers[id]
	if !bound {
		r.buffers[id] = append(r.buffers[id], ev)
		return
	}

	switch ev := ev.(type) {
	case Data:
		if len(ev.Payload) == 0 {
			return
		}
		if _, ok := r.pending[id]; !ok {
			r.pendingOrder = append(r.pendingOrder, id)
		}
		r.pending[id] = append(r.pending[id], ev.Payload...)
		r.armTick()
	case Exit:
		r.flushTerminal(id, h)
		h(ev)
	}
}

// ClearBuffer drops everything held for terminalID that has not been
// delivered.
func (r *Registry) ClearBuffer(terminalID string) {
	delete(r.buffers, terminalID)
	delete(r.pending, terminalID)
}

// Flush delivers all pending coalesced data now.
func (r *Registry) Flush() {
	order := r.pendingOrder
	r.pendingOrder = nil
	for _, id := range order {
		if h, ok := r.handlers[id]; ok {
			r.flushTerminal(id, h)
		}
	}
}

// Bound reports whether terminalID has a handler.
func (r *Registry) Bound(terminalID string) bool {
	_, ok := r.handlers[terminalID]
	return ok
}

// Buffered reports how many events are held for an unbound terminal.
func (r *Registry) Buffered(terminalID string) int {
	return len(r.buffers[terminalID])
}

func (r *Registry) armTick() {
	if r.tickArmed {
		return
	}
	r.tickArmed = true
	r.sched.Schedule(func() {
		r.tickArmed = false
		r.Flush()
	})
}

func (r *Registry) flushTerminal(id string, h Handler) {
	payload, ok := r.pending[id]
	if !ok {
		return
	}
	delete(r.pending, id)
	h(Data{Terminal: id, Payload: payload})
}

// stashPending moves undelivered coalesced data into the unbound buffer so a
// later bind sees it exactly once.
func (r *Registry) stashPending(id string) {
	payload, ok := r.pending[id]
	if !ok {
		return
	}
	delete(r.pending, id)
	r.buffers[id] = append(r.buffers[id], Data{Terminal: id, Payload: payload})
}
