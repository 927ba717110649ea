package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"agent-console/internal/clock"
	"agent-console/internal/layout"
	"agent-console/internal/logging"
	"agent-console/internal/pane"
	"agent-console/internal/protocol"
	"agent-console/internal/reconcile"
	"agent-console/internal/registry"
	"agent-console/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu   sync.Mutex
	sent []protocol.Body
}

func (f *fakeConn) Send(body protocol.Body) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeConn) ofType(msgType string) []protocol.Body {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Body
	for _, b := range f.sent {
		if b.MessageType() == msgType {
			out = append(out, b)
		}
	}
	return out
}

func startConsole(t *testing.T, conn Conn, clk clock.Clock) *Console {
	t.Helper()
	c := NewConsole(Options{Conn: conn, Clock: clk, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c
}

func call(t *testing.T, c *Console, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Call(ctx, fn))
}

// connect runs a connect and an empty resumable exchange so the console
// reaches Synced.
func connect(t *testing.T, c *Console) {
	t.Helper()
	c.Connected()
	c.Message(protocol.GroupsResumable{})
	c.Message(protocol.SessionsResumable{})
	call(t, c, func() {})
}

func spawned(terminalID, sessionID string) protocol.TerminalSpawned {
	return protocol.TerminalSpawned{
		Terminal: session.Terminal{ID: terminalID, Cwd: "/work"},
		Session:  session.Session{ID: sessionID, Cwd: "/work", TerminalID: terminalID, Label: "build"},
	}
}

type recorder struct {
	events []registry.Event
}

func (r *recorder) handle(ev registry.Event) { r.events = append(r.events, ev) }

func (r *recorder) data() string {
	var s string
	for _, ev := range r.events {
		if d, ok := ev.(registry.Data); ok {
			s += string(d.Payload)
		}
	}
	return s
}

func TestConsole_ConnectRequestsResumable(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))

	c.Connected()
	var state reconcile.State
	call(t, c, func() { state = c.State() })

	assert.Equal(t, reconcile.AwaitingResumable, state)
	assert.Len(t, conn.ofType(protocol.TypeRequestResumable), 1)
}

func TestConsole_ResumesSavedLayout(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))

	st := layout.NewGroupState()
	leaf := pane.Leaves(st.Tree)[0]
	tree, err := pane.SetContent(st.Tree, leaf.ID, pane.TerminalContent("t1"))
	require.NoError(t, err)
	st.Tree = tree
	st.Terminals["t1"] = layout.TerminalMeta{Cwd: "/work", SessionID: "s1", State: layout.TerminalActive}

	c.Connected()
	c.Message(protocol.GroupsResumable{Groups: []protocol.GroupRecord{
		{Group: session.Group{ID: "g1", Label: "main"}, Layout: &st},
	}})
	c.Message(protocol.SessionsResumable{Sessions: []session.Session{
		{ID: "s1", Cwd: "/work", TerminalID: "t1"},
	}})

	var (
		state  reconcile.State
		groups []layout.Group
		cached []session.Session
	)
	call(t, c, func() {
		state = c.State()
		groups = c.Groups()
		cached = c.Sessions()
	})

	assert.Equal(t, reconcile.Synced, state)
	require.Len(t, groups, 1)
	assert.Equal(t, "g1", groups[0].ID)
	assert.True(t, groups[0].Acked)
	require.Len(t, cached, 1)
	assert.Equal(t, "t1", cached[0].TerminalID)

	attaches := conn.ofType(protocol.TypeTerminalAttach)
	require.Len(t, attaches, 1)
	assert.Equal(t, protocol.TerminalAttach{TerminalID: "t1"}, attaches[0])
	assert.Empty(t, conn.ofType(protocol.TypeSessionRemove))
}

func TestConsole_DropsReplayedOutput(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	c := startConsole(t, &fakeConn{}, clk)
	rec := &recorder{}
	call(t, c, func() { c.Bind("t1", rec.handle) })

	c.Message(protocol.TerminalOutput{TerminalID: "t1", Seq: 1, Data: []byte("a")})
	c.Message(protocol.TerminalOutput{TerminalID: "t1", Seq: 1, Data: []byte("a")})
	c.Message(protocol.TerminalOutput{TerminalID: "t1", Seq: 2, Data: []byte("b")})
	call(t, c, func() {})
	assert.Empty(t, rec.events, "output is held until the frame tick")

	clk.Advance(registry.DefaultFrameInterval)
	call(t, c, func() {})

	require.Len(t, rec.events, 1)
	assert.Equal(t, "ab", rec.data())
}

func TestConsole_BuffersUntilBound(t *testing.T) {
	c := startConsole(t, &fakeConn{}, clock.Fake(time.Unix(0, 0)))

	c.Message(protocol.TerminalOutput{TerminalID: "t1", Seq: 1, Data: []byte("early")})
	rec := &recorder{}
	call(t, c, func() { c.Bind("t1", rec.handle) })

	assert.Equal(t, "early", rec.data())
}

func TestConsole_PlacesSpawnedTerminal(t *testing.T) {
	conn := &fakeConn{}
	var placed []string
	c := NewConsole(Options{
		Conn:      conn,
		Clock:     clock.Fake(time.Unix(0, 0)),
		Logger:    logging.Discard(),
		OnSpawned: func(b protocol.TerminalSpawned) { placed = append(placed, b.Terminal.ID) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	connect(t, c)
	c.Message(spawned("t1", "s1"))

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })

	require.Len(t, groups, 1)
	meta, ok := groups[0].State.Terminals["t1"]
	require.True(t, ok)
	assert.Equal(t, "s1", meta.SessionID)
	assert.Equal(t, "build", meta.Label)
	assert.Equal(t, []string{"t1"}, pane.TerminalIDs(groups[0].State.Tree))
	assert.Equal(t, []string{"t1"}, placed)

	upserts := conn.ofType(protocol.TypeGroupUpsert)
	require.NotEmpty(t, upserts)
	last := upserts[len(upserts)-1].(protocol.GroupUpsert)
	assert.Equal(t, groups[0].ID, last.Group.ID)
	require.NotNil(t, last.Layout)
	assert.Contains(t, last.Layout.Terminals, "t1")
}

func TestConsole_SpawnTargetsActiveGroup(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))

	var (
		g     *layout.Group
		reqID string
		err   error
	)
	call(t, c, func() {
		g = c.NewGroup("work")
		reqID, err = c.Spawn(protocol.TerminalSpawn{Command: "cat", Cwd: "/work"})
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reqID)

	spawns := conn.ofType(protocol.TypeTerminalSpawn)
	require.Len(t, spawns, 1)
	req := spawns[0].(protocol.TerminalSpawn)
	assert.Equal(t, g.ID, req.GroupID)
	assert.Equal(t, reqID, req.RequestID)
}

func TestConsole_ExitMarksTerminal(t *testing.T) {
	c := startConsole(t, &fakeConn{}, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))

	rec := &recorder{}
	call(t, c, func() { c.Bind("t1", rec.handle) })
	c.Message(protocol.TerminalExit{TerminalID: "t1", Code: 3})

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })

	meta := groups[0].State.Terminals["t1"]
	assert.Equal(t, layout.TerminalExited, meta.State)
	require.NotNil(t, meta.ExitCode)
	assert.Equal(t, 3, *meta.ExitCode)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, registry.Exit{Terminal: "t1", Code: 3}, rec.events[len(rec.events)-1])
}

func TestConsole_ReconnectResumesFromLastSeq(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))
	for seq := uint64(1); seq <= 3; seq++ {
		c.Message(protocol.TerminalOutput{TerminalID: "t1", Seq: seq, Data: []byte("x")})
	}

	c.Disconnected(nil)
	var state reconcile.State
	call(t, c, func() { state = c.State() })
	assert.Equal(t, reconcile.Disconnected, state)

	c.Connected()
	call(t, c, func() {})

	attaches := conn.ofType(protocol.TypeTerminalAttach)
	require.NotEmpty(t, attaches)
	assert.Equal(t, protocol.TerminalAttach{TerminalID: "t1", AfterSeq: 3}, attaches[len(attaches)-1])
	assert.Len(t, conn.ofType(protocol.TypeRequestResumable), 2)
}

func TestConsole_ClosePaneDetaches(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))

	var (
		groups []layout.Group
		err    error
	)
	call(t, c, func() { groups = c.Groups() })
	require.Len(t, groups, 1)
	leaf, ok := pane.FindLeafByTerminal(groups[0].State.Tree, "t1")
	require.True(t, ok)

	call(t, c, func() {
		err = c.ClosePane(groups[0].ID, leaf.ID)
		groups = c.Groups()
	})
	require.NoError(t, err)

	assert.Equal(t, []protocol.Body{protocol.TerminalDetach{TerminalID: "t1"}}, conn.ofType(protocol.TypeTerminalDetach))
	assert.NotContains(t, groups[0].State.Terminals, "t1")

	// A reconnect no longer re-attaches the closed terminal.
	c.Connected()
	call(t, c, func() {})
	for _, b := range conn.ofType(protocol.TypeTerminalAttach) {
		assert.NotEqual(t, "t1", b.(protocol.TerminalAttach).TerminalID)
	}
}

// ackedGroup returns the single workspace group as a server record.
func ackedGroup(t *testing.T, c *Console) protocol.GroupRecord {
	t.Helper()
	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })
	require.Len(t, groups, 1)
	st := groups[0].State
	return protocol.GroupRecord{Group: session.Group{ID: groups[0].ID, Label: groups[0].Label}, Layout: &st}
}

func TestConsole_IgnoresOlderGroupList(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))
	rec := ackedGroup(t, c)

	// The list acknowledging the group arrives before an older snapshot
	// taken when the group did not exist yet.
	c.Message(protocol.GroupsResumable{Groups: []protocol.GroupRecord{rec}, Revision: 5})
	c.Message(protocol.GroupsResumable{Revision: 4})

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })
	require.Len(t, groups, 1)
	assert.Equal(t, rec.ID, groups[0].ID)
	assert.Contains(t, groups[0].State.Terminals, "t1")
	assert.Empty(t, conn.ofType(protocol.TypeTerminalDetach))

	// Revisions restart with the connection.
	c.Connected()
	c.Message(protocol.GroupsResumable{Groups: []protocol.GroupRecord{rec}, Revision: 1})
	call(t, c, func() { groups = c.Groups() })
	require.Len(t, groups, 1)
}

func TestConsole_RemovedGroupDetachesTerminals(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))
	rec := ackedGroup(t, c)

	c.Message(protocol.GroupsResumable{Groups: []protocol.GroupRecord{rec}, Revision: 1})
	c.Message(protocol.GroupsResumable{Revision: 2})

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })
	assert.Empty(t, groups)
	assert.Equal(t, []protocol.Body{protocol.TerminalDetach{TerminalID: "t1"}}, conn.ofType(protocol.TypeTerminalDetach))

	c.Connected()
	call(t, c, func() {})
	assert.Empty(t, conn.ofType(protocol.TypeTerminalAttach))
}

func TestConsole_MissingTerminalMarkedDead(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))

	c.Message(protocol.Error{
		Code:       protocol.ErrTerminalNotFound,
		Message:    "terminal not found: t1",
		Request:    protocol.TypeTerminalAttach,
		TerminalID: "t1",
	})
	// The server still reports the old binding.
	c.Message(protocol.SessionsResumable{Sessions: []session.Session{{ID: "s1", Cwd: "/work", TerminalID: "t1"}}})

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })
	require.Len(t, groups, 1)
	assert.Equal(t, layout.TerminalDead, groups[0].State.Terminals["t1"].State)
	assert.Equal(t, []string{"t1"}, pane.TerminalIDs(groups[0].State.Tree), "the pane stays")

	upserts := conn.ofType(protocol.TypeGroupUpsert)
	last := upserts[len(upserts)-1].(protocol.GroupUpsert)
	assert.Equal(t, layout.TerminalDead, last.Layout.Terminals["t1"].State)

	c.Connected()
	call(t, c, func() {})
	assert.Empty(t, conn.ofType(protocol.TypeTerminalAttach))
}

func TestConsole_ExitedTerminalNotMarkedDead(t *testing.T) {
	c := startConsole(t, &fakeConn{}, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))
	c.Message(protocol.TerminalExit{TerminalID: "t1", Code: 0})
	c.Message(protocol.Error{Code: protocol.ErrTerminalNotFound, TerminalID: "t1"})

	var groups []layout.Group
	call(t, c, func() { groups = c.Groups() })
	assert.Equal(t, layout.TerminalExited, groups[0].State.Terminals["t1"].State)
}

func TestConsole_CloseTerminal(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))

	var (
		groups     []layout.Group
		err        error
		unknownErr error
	)
	call(t, c, func() {
		err = c.CloseTerminal("t1")
		unknownErr = c.CloseTerminal("t1")
		groups = c.Groups()
	})
	require.NoError(t, err)
	assert.ErrorIs(t, unknownErr, layout.ErrTerminalNotFound)

	require.Len(t, groups, 1)
	assert.NotContains(t, groups[0].State.Terminals, "t1")
	assert.Empty(t, pane.TerminalIDs(groups[0].State.Tree))
	assert.Equal(t, []protocol.Body{protocol.TerminalKill{TerminalID: "t1"}}, conn.ofType(protocol.TypeTerminalKill))
	assert.Equal(t, []protocol.Body{protocol.TerminalDetach{TerminalID: "t1"}}, conn.ofType(protocol.TypeTerminalDetach))
}

func TestConsole_FocusAndResizePanes(t *testing.T) {
	conn := &fakeConn{}
	c := startConsole(t, conn, clock.Fake(time.Unix(0, 0)))
	connect(t, c)
	c.Message(spawned("t1", "s1"))

	var (
		groups []layout.Group
		fresh  string
		err    error
	)
	call(t, c, func() { groups = c.Groups() })
	g := groups[0]
	leaf, ok := pane.FindLeafByTerminal(g.State.Tree, "t1")
	require.True(t, ok)

	call(t, c, func() {
		fresh, err = c.SplitPane(g.ID, leaf.ID, pane.Vertical)
		if err != nil {
			return
		}
		if err = c.FocusPane(g.ID, fresh); err != nil {
			return
		}
		groups = c.Groups()
		err = c.ResizeSplit(g.ID, groups[0].State.Tree.ID, []float64{0.25, 0.75})
	})
	require.NoError(t, err)

	upserts := conn.ofType(protocol.TypeGroupUpsert)
	last := upserts[len(upserts)-1].(protocol.GroupUpsert)
	require.NotNil(t, last.Layout)
	assert.Equal(t, fresh, last.Layout.FocusedPaneID)
	require.Len(t, last.Layout.Tree.Sizes, 2)
	assert.InDelta(t, 0.25, last.Layout.Tree.Sizes[0], 1e-9)

	call(t, c, func() { err = c.FocusPane(g.ID, "no-such-pane") })
	assert.ErrorIs(t, err, pane.ErrLeafNotFound)
}

func TestConsole_FetchFailureKeepsAwaiting(t *testing.T) {
	var errs []protocol.Error
	c := NewConsole(Options{
		Conn:    &fakeConn{},
		Clock:   clock.Fake(time.Unix(0, 0)),
		Logger:  logging.Discard(),
		OnError: func(e protocol.Error) { errs = append(errs, e) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	c.Connected()
	c.Message(protocol.Error{
		Code:    protocol.ErrStoreUnavailable,
		Message: "database is locked",
		Request: protocol.TypeRequestResumable,
	})

	var state reconcile.State
	call(t, c, func() { state = c.State() })

	assert.Equal(t, reconcile.AwaitingResumable, state)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.ErrStoreUnavailable, errs[0].Code)
}

func TestConsole_StaleSessionKept(t *testing.T) {
	c := startConsole(t, &fakeConn{}, clock.Fake(time.Unix(0, 0)))
	c.Connected()
	c.Message(protocol.GroupsResumable{})
	c.Message(protocol.SessionsResumable{Sessions: []session.Session{{ID: "s1", Cwd: "/a"}}})
	c.Message(protocol.SessionsResumable{})

	var (
		stale  bool
		cached []session.Session
	)
	call(t, c, func() {
		stale = c.SessionStale("s1")
		cached = c.Sessions()
	})
	assert.True(t, stale)
	assert.Len(t, cached, 1)
}

func TestConsole_CallAfterStop(t *testing.T) {
	c := NewConsole(Options{Conn: &fakeConn{}, Logger: logging.Discard()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Run(ctx), context.Canceled)

	err := c.Call(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrStopped)
}
