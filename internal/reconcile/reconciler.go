// Package reconcile merges the server's authoritative session and group
// lists into client state across reconnects, and asks the server to remove
// terminals nothing refers to any more.
package reconcile

import (
	"log/slog"

	"agent-console/internal/layout"
	"agent-console/internal/session"
)

// State is the per-connection sync state.
type State int

const (
	Disconnected State = iota
	Connected
	AwaitingResumable
	Synced
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case AwaitingResumable:
		return "awaiting-resumable"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// Sender carries the reconciler's outbound requests.
type Sender interface {
	RequestResumable() error
	RemoveSession(sessionID string) error
	UpsertGroup(g session.Group) error
}

// SessionSync summarizes one authoritative session list.
type SessionSync struct {
	Added           []string
	Linked          map[string]string
	Unlinked        []string
	Stale           []string
	RemoveRequested []string
}

// GroupSync summarizes one authoritative group list.
type GroupSync struct {
	Added    []string
	Removed  []string
	Retained []string

	// RemovedTerminals were held by removed groups.
	RemovedTerminals []string
}

// Reconciler is owned by a single goroutine; every method must be called
// from it.
type Reconciler struct {
	logger    *slog.Logger
	send      Sender
	workspace *layout.Workspace
	cache     *SessionCache

	state  State
	loaded bool

	// removeSent dedupes remove requests within one connection.
	removeSent map[string]bool

	// pending holds sessions tracked locally that no list has shown yet.
	// A list taken before they were created must not mark them stale.
	pending map[string]bool
}

func New(logger *slog.Logger, send Sender, ws *layout.Workspace, cache *SessionCache) *Reconciler {
	return &Reconciler{
		logger:     logger,
		send:       send,
		workspace:  ws,
		cache:      cache,
		removeSent: make(map[string]bool),
		pending:    make(map[string]bool),
	}
}

func (r *Reconciler) State() State { return r.state }

// Loaded reports whether the first authoritative session list of the
// current connection has been applied.
func (r *Reconciler) Loaded() bool { return r.loaded }

// OnConnect starts a connection lifecycle and requests the resumable lists.
// A failed request leaves the reconciler awaiting; the next reconnect
// retries.
func (r *Reconciler) OnConnect() {
	r.state = Connected
	r.loaded = false
	r.removeSent = make(map[string]bool)
	r.pending = make(map[string]bool)

	r.state = AwaitingResumable
	if err := r.send.RequestResumable(); err != nil {
		r.logger.Warn("request resumable sessions failed", "err", err)
	}
}

func (r *Reconciler) OnDisconnect() {
	r.state = Disconnected
}

// OnFetchFailed records a failed authoritative fetch. Nothing is pruned.
func (r *Reconciler) OnFetchFailed(reason string) {
	if r.state == Disconnected {
		return
	}
	r.state = AwaitingResumable
	r.logger.Warn("resumable session fetch failed, waiting for reconnect", "reason", reason)
}

// OnResumableSessions applies an authoritative session list. The cache is
// updated before the orphan pass runs.
func (r *Reconciler) OnResumableSessions(list []session.Session) SessionSync {
	res := SessionSync{Linked: make(map[string]string)}
	if r.state == Disconnected {
		r.logger.Debug("ignoring session list while disconnected")
		return res
	}

	groups := r.workspace.Groups()
	listed := make(map[string]bool, len(list))
	for _, s := range list {
		listed[s.ID] = true
		delete(r.pending, s.ID)
		if !r.cache.Has(s.ID) {
			res.Added = append(res.Added, s.ID)
		}

		if tid, ok := r.resumeTerminal(groups, s); ok {
			s.TerminalID = tid
			res.Linked[s.ID] = tid
		} else {
			if s.TerminalID != "" {
				res.Unlinked = append(res.Unlinked, s.ID)
			}
			s.TerminalID = ""
		}
		r.cache.Put(s)
	}

	for _, s := range r.cache.List() {
		if !listed[s.ID] && !r.pending[s.ID] && !r.cache.Stale(s.ID) {
			r.cache.markStale(s.ID)
			res.Stale = append(res.Stale, s.ID)
		}
	}

	res.RemoveRequested = r.pruneOrphans()

	if !r.loaded {
		r.loaded = true
		r.logger.Info("resumable sessions loaded", "sessions", len(list), "linked", len(res.Linked))
	}
	r.state = Synced
	return res
}

// resumeTerminal finds the terminal a listed session should re-link to: its
// recorded terminal if a pane still shows it, else the most recently used
// terminal of that session that a pane shows.
func (r *Reconciler) resumeTerminal(groups []*layout.Group, s session.Session) (string, bool) {
	if s.TerminalID != "" && layout.IsLeafTerminal(groups, s.TerminalID) {
		return s.TerminalID, true
	}
	if _, tid, ok := layout.TerminalForSessionInGroups(groups, s.ID); ok && layout.IsLeafTerminal(groups, tid) {
		return tid, true
	}
	return "", false
}

// PruneOrphans runs the orphan pass on demand. It does nothing until the
// first authoritative list of the connection has arrived.
func (r *Reconciler) PruneOrphans() []string {
	if !r.loaded || r.state == Disconnected {
		return nil
	}
	return r.pruneOrphans()
}

// pruneOrphans asks the server to remove sessions whose terminals have no
// live session and no pane. The terminal records stay until the server
// acts.
func (r *Reconciler) pruneOrphans() []string {
	var requested []string
	for _, g := range r.workspace.Groups() {
		referenced := layout.ReferencedTerminals(g.State.Tree)
		for tid, meta := range g.State.Terminals {
			if _, ok := referenced[tid]; ok {
				continue
			}
			if meta.SessionID == "" || r.cache.Live(meta.SessionID) {
				continue
			}
			if r.removeSent[meta.SessionID] {
				continue
			}
			r.removeSent[meta.SessionID] = true
			if err := r.send.RemoveSession(meta.SessionID); err != nil {
				r.logger.Warn("request session removal failed", "session", meta.SessionID, "terminal", tid, "err", err)
				delete(r.removeSent, meta.SessionID)
				continue
			}
			r.logger.Info("requested orphan session removal", "session", meta.SessionID, "terminal", tid, "group", g.ID)
			requested = append(requested, meta.SessionID)
		}
	}
	return requested
}

// OnResumableGroups merges an authoritative group list. Groups the server
// lists are acknowledged. Local groups the server has never acknowledged
// are kept and offered to the server. An acknowledged group the server no
// longer lists is removed.
func (r *Reconciler) OnResumableGroups(list []session.Group, layouts map[string]layout.GroupState) GroupSync {
	var res GroupSync
	if r.state == Disconnected {
		r.logger.Debug("ignoring group list while disconnected")
		return res
	}

	listed := make(map[string]bool, len(list))
	for _, sg := range list {
		listed[sg.ID] = true
		if g, ok := r.workspace.Group(sg.ID); ok {
			g.Label = sg.Label
			g.LastActivity = sg.LastActivity
			g.Acked = true
			continue
		}

		g := &layout.Group{
			ID:           sg.ID,
			Label:        sg.Label,
			CreatedAt:    sg.CreatedAt,
			LastActivity: sg.LastActivity,
			Acked:        true,
			State:        layout.NewGroupState(),
		}
		if st, ok := layouts[sg.ID]; ok {
			g.State = st
		}
		r.workspace.Put(g)
		res.Added = append(res.Added, sg.ID)
	}

	for _, g := range r.workspace.Groups() {
		if listed[g.ID] {
			continue
		}
		if g.Acked {
			terminals, _ := r.workspace.Remove(g.ID)
			res.Removed = append(res.Removed, g.ID)
			res.RemovedTerminals = append(res.RemovedTerminals, terminals...)
			r.logger.Info("group removed by server", "group", g.ID)
			continue
		}
		res.Retained = append(res.Retained, g.ID)
		err := r.send.UpsertGroup(session.Group{
			ID:           g.ID,
			Label:        g.Label,
			CreatedAt:    g.CreatedAt,
			LastActivity: g.LastActivity,
		})
		if err != nil {
			r.logger.Warn("offer local group failed", "group", g.ID, "err", err)
		}
	}
	return res
}

// TrackSession records a session this client just created so the orphan
// pass treats it as live until the server lists it.
func (r *Reconciler) TrackSession(s session.Session) {
	r.cache.Put(s)
	r.pending[s.ID] = true
}

// LinkTerminal binds a cached session to a terminal.
func (r *Reconciler) LinkTerminal(sessionID, terminalID string) bool {
	s, ok := r.cache.Get(sessionID)
	if !ok {
		return false
	}
	s.TerminalID = terminalID
	r.cache.sessions[sessionID] = s
	return true
}
