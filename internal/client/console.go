package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"agent-console/internal/clock"
	"agent-console/internal/layout"
	"agent-console/internal/pane"
	"agent-console/internal/protocol"
	"agent-console/internal/reconcile"
	"agent-console/internal/registry"
	"agent-console/internal/session"
)

var ErrStopped = errors.New("console stopped")

const workQueueSize = 256

// Conn sends messages to the server. *Transport implements it.
type Conn interface {
	Send(body protocol.Body) error
}

type Options struct {
	Conn   Conn
	Clock  clock.Clock
	Logger *slog.Logger

	// CoalesceInterval is the output coalescing tick.
	CoalesceInterval time.Duration

	// OnError, if set, is called on the loop for every server error.
	OnError func(protocol.Error)

	// OnSpawned, if set, is called on the loop after a spawned terminal has
	// been placed in a group.
	OnSpawned func(protocol.TerminalSpawned)
}

// Console owns all client state: the terminal registry, the workspace of
// groups, the session cache and the reconciler. Everything runs on the
// goroutine executing Run; other goroutines hand it work through Post and
// Call, and the transport through the Listener methods.
type Console struct {
	conn    Conn
	clock   clock.Clock
	logger  *slog.Logger
	onError func(protocol.Error)
	onSpawn func(protocol.TerminalSpawned)

	work chan func()
	done chan struct{}

	registry   *registry.Registry
	workspace  *layout.Workspace
	cache      *reconcile.SessionCache
	reconciler *reconcile.Reconciler

	// lastSeq is the highest output seq seen per terminal; replays at or
	// below it are dropped.
	lastSeq map[string]uint64

	// streaming holds the terminals this client wants output for. They are
	// re-attached after every reconnect.
	streaming map[string]bool

	// groupsRev is the revision of the last group list applied on this
	// connection.
	groupsRev uint64
}

func NewConsole(opts Options) *Console {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Console{
		conn:      opts.Conn,
		clock:     opts.Clock,
		logger:    opts.Logger,
		onError:   opts.OnError,
		onSpawn:   opts.OnSpawned,
		work:      make(chan func(), workQueueSize),
		done:      make(chan struct{}),
		workspace: layout.NewWorkspace(opts.Clock),
		cache:     reconcile.NewSessionCache(),
		lastSeq:   make(map[string]uint64),
		streaming: make(map[string]bool),
	}
	c.registry = registry.New(registry.NewFrameScheduler(opts.Clock, opts.CoalesceInterval, c.Post))
	c.reconciler = reconcile.New(opts.Logger, reconcileSender{c}, c.workspace, c.cache)
	return c
}

// Run executes posted work until ctx ends.
func (c *Console) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Post queues fn to run on the loop. It drops fn if the loop has stopped.
func (c *Console) Post(fn func()) {
	select {
	case c.work <- fn:
	case <-c.done:
	}
}

// Call runs fn on the loop and waits for it.
func (c *Console) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case c.work <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected implements Listener.
func (c *Console) Connected() {
	c.Post(c.onConnect)
}

// Disconnected implements Listener.
func (c *Console) Disconnected(err error) {
	c.Post(func() {
		c.logger.Debug("console disconnected", "err", err)
		c.reconciler.OnDisconnect()
	})
}

// Message implements Listener.
func (c *Console) Message(body protocol.Body) {
	c.Post(func() { c.handle(body) })
}

func (c *Console) onConnect() {
	c.groupsRev = 0
	c.reconciler.OnConnect()

	ids := make([]string, 0, len(c.streaming))
	for id := range c.streaming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.sendAttach(id)
	}
}

func (c *Console) handle(body protocol.Body) {
	switch b := body.(type) {
	case protocol.TerminalOutput:
		if b.Seq <= c.lastSeq[b.TerminalID] {
			return
		}
		c.lastSeq[b.TerminalID] = b.Seq
		c.registry.Dispatch(registry.Data{Terminal: b.TerminalID, Payload: b.Data})
	case protocol.TerminalExit:
		delete(c.streaming, b.TerminalID)
		c.registry.Dispatch(registry.Exit{Terminal: b.TerminalID, Code: b.Code, Signal: b.Signal})
		c.workspace.MarkExited(b.TerminalID, b.Code, c.clock.Now())
	case protocol.TerminalSpawned:
		c.placeSpawned(b)
	case protocol.SessionsResumable:
		c.applySessions(b.Sessions)
	case protocol.GroupsResumable:
		if b.Revision != 0 && b.Revision <= c.groupsRev {
			c.logger.Debug("ignoring older group list", "revision", b.Revision, "applied", c.groupsRev)
			return
		}
		c.groupsRev = b.Revision
		c.applyGroups(b.Groups)
	case protocol.Error:
		c.logger.Warn("server error", "code", b.Code, "request", b.Request, "terminal", b.TerminalID, "message", b.Message)
		if b.Request == protocol.TypeRequestResumable || b.Code == protocol.ErrStoreUnavailable {
			c.reconciler.OnFetchFailed(b.Message)
		}
		if b.TerminalID != "" && b.Code == protocol.ErrTerminalNotFound {
			c.markDead(b.TerminalID)
		}
		if c.onError != nil {
			c.onError(b)
		}
	default:
		c.logger.Warn("unexpected message", "type", body.MessageType())
	}
}

// placeSpawned records a terminal the server started for this client and
// shows it in a group.
func (c *Console) placeSpawned(b protocol.TerminalSpawned) {
	sess := b.Session
	c.reconciler.TrackSession(sess)
	c.reconciler.LinkTerminal(sess.ID, b.Terminal.ID)
	c.streaming[b.Terminal.ID] = true

	g := c.groupFor(sess.GroupID)
	meta := layout.TerminalMeta{
		Cwd:          b.Terminal.Cwd,
		SessionID:    sess.ID,
		ResumeHandle: sess.ResumeHandle,
		State:        layout.TerminalActive,
		Label:        sess.Label,
	}
	if _, err := c.workspace.AttachTerminal(g.ID, b.Terminal.ID, meta); err != nil {
		c.logger.Warn("place terminal failed", "terminal", b.Terminal.ID, "group", g.ID, "err", err)
		return
	}
	c.syncGroup(g.ID)
	if c.onSpawn != nil {
		c.onSpawn(b)
	}
}

// groupFor returns the group a new terminal belongs in: the requested one,
// else the active one, else a fresh group.
func (c *Console) groupFor(groupID string) *layout.Group {
	if groupID != "" {
		if g, ok := c.workspace.Group(groupID); ok {
			return g
		}
	}
	if g, ok := c.workspace.Active(); ok {
		return g
	}
	return c.workspace.NewGroup("default")
}

func (c *Console) applySessions(list []session.Session) {
	// The server's binding tells which terminals are still running.
	bound := make(map[string]string, len(list))
	for _, s := range list {
		if s.TerminalID != "" {
			bound[s.ID] = s.TerminalID
		}
	}

	res := c.reconciler.OnResumableSessions(list)
	for sid, tid := range res.Linked {
		if bound[sid] == tid && !c.streaming[tid] && !c.dead(tid) {
			c.streaming[tid] = true
			c.sendAttach(tid)
		}
	}
	if len(res.RemoveRequested) > 0 {
		c.logger.Info("orphan sessions removed", "sessions", res.RemoveRequested)
	}
}

func (c *Console) applyGroups(records []protocol.GroupRecord) {
	list := make([]session.Group, 0, len(records))
	layouts := make(map[string]layout.GroupState)
	for _, rec := range records {
		list = append(list, rec.Group)
		if rec.Layout != nil {
			layouts[rec.ID] = *rec.Layout
		}
	}
	res := c.reconciler.OnResumableGroups(list, layouts)
	for _, gid := range res.Removed {
		c.logger.Debug("group dropped", "group", gid)
	}
	for _, tid := range res.RemovedTerminals {
		c.dropStream(tid)
	}
	// New groups may reference terminals the orphan pass has not seen.
	if len(res.Added) > 0 {
		c.reconciler.PruneOrphans()
	}
}

// terminalMeta finds a terminal's record and the group that owns it.
func (c *Console) terminalMeta(terminalID string) (layout.TerminalMeta, string, bool) {
	groupID, ok := layout.GroupForTerminal(c.workspace.Groups(), terminalID)
	if !ok {
		return layout.TerminalMeta{}, "", false
	}
	g, _ := c.workspace.Group(groupID)
	return g.State.Terminals[terminalID], groupID, true
}

func (c *Console) dead(terminalID string) bool {
	meta, _, ok := c.terminalMeta(terminalID)
	return ok && meta.State == layout.TerminalDead
}

// markDead records a terminal the server no longer hosts. It is not
// attached again.
func (c *Console) markDead(terminalID string) {
	delete(c.streaming, terminalID)
	meta, groupID, ok := c.terminalMeta(terminalID)
	if !ok || meta.State != layout.TerminalActive {
		return
	}
	c.workspace.MarkDead(terminalID)
	c.logger.Info("terminal gone from server", "terminal", terminalID, "group", groupID)
	c.syncGroup(groupID)
}

// dropStream stops streaming a terminal and discards its pending output.
func (c *Console) dropStream(terminalID string) {
	delete(c.streaming, terminalID)
	delete(c.lastSeq, terminalID)
	c.registry.ClearBuffer(terminalID)
	if err := c.send(protocol.TerminalDetach{TerminalID: terminalID}); err != nil {
		c.logger.Debug("detach not sent", "terminal", terminalID, "err", err)
	}
}

func (c *Console) sendAttach(terminalID string) {
	err := c.send(protocol.TerminalAttach{TerminalID: terminalID, AfterSeq: c.lastSeq[terminalID]})
	if err != nil {
		c.logger.Debug("attach deferred until reconnect", "terminal", terminalID, "err", err)
	}
}

// syncGroup offers a group and its layout to the server.
func (c *Console) syncGroup(groupID string) {
	g, ok := c.workspace.Group(groupID)
	if !ok {
		return
	}
	st := g.State.Clone()
	err := c.send(protocol.GroupUpsert{
		Group: session.Group{
			ID:           g.ID,
			Label:        g.Label,
			CreatedAt:    g.CreatedAt,
			LastActivity: g.LastActivity,
		},
		Layout: &st,
	})
	if err != nil {
		c.logger.Debug("group sync deferred", "group", g.ID, "err", err)
	}
}

func (c *Console) send(body protocol.Body) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Send(body)
}

// The methods below must be called on the loop, from inside Post or Call.

// Bind routes a terminal's output to h, replaying anything buffered.
func (c *Console) Bind(terminalID string, h registry.Handler) {
	c.registry.RegisterHandler(terminalID, h)
}

func (c *Console) Unbind(terminalID string) {
	c.registry.UnregisterHandler(terminalID)
}

// Spawn asks the server for a new terminal. The reply is placed in a group
// when it arrives. Returns the request id.
func (c *Console) Spawn(req protocol.TerminalSpawn) (string, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.GroupID == "" {
		if g, ok := c.workspace.Active(); ok {
			req.GroupID = g.ID
		}
	}
	return req.RequestID, c.send(req)
}

// Attach starts streaming an existing terminal.
func (c *Console) Attach(terminalID string) error {
	c.streaming[terminalID] = true
	return c.send(protocol.TerminalAttach{TerminalID: terminalID, AfterSeq: c.lastSeq[terminalID]})
}

func (c *Console) Input(terminalID string, data []byte) error {
	c.workspace.Touch(terminalID)
	return c.send(protocol.TerminalInput{TerminalID: terminalID, Data: string(data)})
}

func (c *Console) Resize(terminalID string, cols, rows uint16) error {
	return c.send(protocol.TerminalResize{TerminalID: terminalID, Cols: cols, Rows: rows})
}

func (c *Console) Kill(terminalID string) error {
	return c.send(protocol.TerminalKill{TerminalID: terminalID})
}

// NewGroup creates a local group and offers it to the server.
func (c *Console) NewGroup(label string) *layout.Group {
	g := c.workspace.NewGroup(label)
	c.syncGroup(g.ID)
	return g
}

// ClosePane closes a pane, stops streaming a terminal no pane shows any
// more, and runs the orphan pass.
func (c *Console) ClosePane(groupID, paneID string) error {
	dropped, err := c.workspace.ClosePane(groupID, paneID)
	if err != nil {
		return err
	}
	if dropped != "" {
		c.dropStream(dropped)
	}
	c.syncGroup(groupID)
	c.reconciler.PruneOrphans()
	return nil
}

// CloseTerminal kills a terminal and removes it, with every pane showing
// it, from its group.
func (c *Console) CloseTerminal(terminalID string) error {
	groupID, ok := layout.GroupForTerminal(c.workspace.Groups(), terminalID)
	if !ok {
		return fmt.Errorf("%w: %s", layout.ErrTerminalNotFound, terminalID)
	}
	if err := c.workspace.CloseTerminal(terminalID); err != nil {
		return err
	}
	if err := c.send(protocol.TerminalKill{TerminalID: terminalID}); err != nil {
		c.logger.Debug("kill not sent", "terminal", terminalID, "err", err)
	}
	c.dropStream(terminalID)
	c.syncGroup(groupID)
	c.reconciler.PruneOrphans()
	return nil
}

// FocusPane focuses a pane of a group.
func (c *Console) FocusPane(groupID, paneID string) error {
	if err := c.workspace.Focus(groupID, paneID); err != nil {
		return err
	}
	c.syncGroup(groupID)
	return nil
}

// ResizeSplit sets the child sizes of a split.
func (c *Console) ResizeSplit(groupID, splitID string, sizes []float64) error {
	if err := c.workspace.Resize(groupID, splitID, sizes); err != nil {
		return err
	}
	c.syncGroup(groupID)
	return nil
}

// SplitPane splits a pane of a group.
func (c *Console) SplitPane(groupID, paneID string, o pane.Orientation) (string, error) {
	fresh, err := c.workspace.Split(groupID, paneID, o)
	if err != nil {
		return "", err
	}
	c.syncGroup(groupID)
	return fresh, nil
}

// Touch reports user activity in a session to the server.
func (c *Console) Touch(sessionID string) error {
	return c.send(protocol.SessionActivity{SessionID: sessionID})
}

// State returns the reconciler's connection state.
func (c *Console) State() reconcile.State { return c.reconciler.State() }

// Groups returns deep copies of the workspace groups.
func (c *Console) Groups() []layout.Group {
	groups := c.workspace.Groups()
	out := make([]layout.Group, 0, len(groups))
	for _, g := range groups {
		cp := *g
		cp.State = g.State.Clone()
		out = append(out, cp)
	}
	return out
}

// Sessions returns the cached sessions, oldest first. Stale ones are included.
func (c *Console) Sessions() []session.Session {
	return c.cache.List()
}

// SessionStale reports whether the server has stopped listing a cached
// session.
func (c *Console) SessionStale(id string) bool {
	return c.cache.Stale(id)
}

// Workspace exposes the workspace for read-only queries on the loop.
func (c *Console) Workspace() *layout.Workspace { return c.workspace }

// reconcileSender sends the reconciler's requests over the console's
// connection.
type reconcileSender struct {
	c *Console
}

func (s reconcileSender) RequestResumable() error {
	return s.c.send(protocol.RequestResumable{})
}

func (s reconcileSender) RemoveSession(sessionID string) error {
	return s.c.send(protocol.SessionRemove{SessionID: sessionID})
}

// UpsertGroup offers a local group, with its layout, to the server.
func (s reconcileSender) UpsertGroup(g session.Group) error {
	body := protocol.GroupUpsert{Group: g}
	if lg, ok := s.c.workspace.Group(g.ID); ok {
		st := lg.State.Clone()
		body.Layout = &st
	}
	return s.c.send(body)
}
