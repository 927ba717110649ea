package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agent-console/internal/clock"
	"agent-console/internal/launch"
	"agent-console/internal/layout"
	"agent-console/internal/protocol"
	"agent-console/internal/pty"
	"agent-console/internal/session"
	"agent-console/internal/store"
	"agent-console/internal/watcher"
)

const (
	pingInterval   = 30 * time.Second
	readDeadline   = 60 * time.Second
	writeDeadline  = 10 * time.Second
	requestTimeout = 10 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// SessionStore is the persistence the server needs. *store.Store
// implements it.
type SessionStore interface {
	Create(ctx context.Context, sess session.Session) error
	Get(ctx context.Context, id string) (session.Session, error)
	ListActive(ctx context.Context) ([]session.Session, error)
	ListArchived(ctx context.Context) ([]session.Session, error)
	ListAll(ctx context.Context) ([]session.Session, error)
	Archive(ctx context.Context, id string, terminals []string, at time.Time) error
	Restore(ctx context.Context, id string) error
	UpdateActivity(ctx context.Context, id string, at time.Time) error
	UpdateTerminal(ctx context.Context, id, terminalID string) error
	SetStatus(ctx context.Context, id string, status session.Status) error
	Delete(ctx context.Context, id string) error
	UpsertGroup(ctx context.Context, g session.Group) error
	ListGroups(ctx context.Context) ([]session.Group, error)
	SaveLayout(ctx context.Context, groupID string, st layout.GroupState) error
	LoadLayouts(ctx context.Context) (map[string]layout.GroupState, []error, error)
}

// Options configures a Server. Watcher may be nil.
type Options struct {
	Manager        *session.Manager
	Store          SessionStore
	Watcher        *watcher.Watcher
	Clock          clock.Clock
	Logger         *slog.Logger
	StaticDir      string
	OneShotTimeout time.Duration
}

// Server manages WebSocket connections and routes messages between
// clients, the terminal host, and the session store.
type Server struct {
	mgr       *session.Manager
	store     SessionStore
	fileWatch *watcher.Watcher
	clock     clock.Clock
	logger    *slog.Logger
	staticDir string

	oneShotTimeout time.Duration

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// groupsMu orders group snapshots with their revisions.
	groupsMu  sync.Mutex
	groupsRev uint64
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	ctx    context.Context
	cancel context.CancelFunc

	// subs maps terminal id to the forwarder streaming it to this client.
	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	terminalID string
	stop       chan struct{}

	// subID is the manager subscription currently feeding the forwarder.
	// Guarded by client.mu.
	subID string
}

// New creates a new realtime server and hooks it to terminal exits.
func New(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.OneShotTimeout <= 0 {
		opts.OneShotTimeout = 2 * time.Minute
	}
	s := &Server{
		mgr:            opts.Manager,
		store:          opts.Store,
		fileWatch:      opts.Watcher,
		clock:          opts.Clock,
		logger:         opts.Logger,
		staticDir:      opts.StaticDir,
		oneShotTimeout: opts.OneShotTimeout,
		clients:        make(map[*client]bool),
	}
	s.mgr.OnExit(s.onTerminalExit)
	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/archive", s.handleArchiveSession)
	mux.HandleFunc("POST /sessions/{id}/restore", s.handleRestoreSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /groups", s.handleListGroups)
	mux.HandleFunc("GET /terminals", s.handleListTerminals)
	mux.HandleFunc("POST /terminals", s.handleSpawnTerminal)
	mux.HandleFunc("POST /oneshot", s.handleOneShot)

	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket. Nothing is
// pushed until the client asks for the resumable lists or attaches.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade error", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		server: s,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()

	go c.writePump()
	go c.readPump()
}

// CloseClients disconnects every WebSocket client.
func (s *Server) CloseClients() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.cancel()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.cancel()

	c.mu.Lock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.detach(id)
		s.forgetIfUnused(id)
	}
}

// handleMessage processes one raw client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	body, err := protocol.DecodeClient(raw)
	if err != nil {
		c.sendError(protocol.Error{Code: protocol.ErrInvalidMessage, Message: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	switch b := body.(type) {
	case protocol.RequestResumable:
		err = s.sendResumable(ctx, c)
	case protocol.SessionRemove:
		if err = s.removeSession(ctx, b.SessionID); err == nil {
			s.broadcastSessions(ctx)
		}
	case protocol.SessionActivity:
		err = s.touchSession(ctx, b.SessionID)
	case protocol.TerminalSpawn:
		var spawned protocol.TerminalSpawned
		if spawned, err = s.spawn(ctx, b); err == nil {
			c.sendBody(spawned)
			err = c.attach(spawned.Terminal.ID, 0)
			s.broadcastSessions(ctx)
		}
	case protocol.TerminalAttach:
		err = c.attach(b.TerminalID, b.AfterSeq)
	case protocol.TerminalDetach:
		c.detach(b.TerminalID)
		s.forgetIfUnused(b.TerminalID)
	case protocol.TerminalInput:
		err = s.mgr.Write(b.TerminalID, []byte(b.Data))
	case protocol.TerminalResize:
		err = s.mgr.Resize(b.TerminalID, b.Cols, b.Rows)
	case protocol.TerminalKill:
		err = s.mgr.Kill(b.TerminalID)
	case protocol.GroupUpsert:
		if err = s.upsertGroup(ctx, b); err == nil {
			s.broadcastGroups(ctx)
		}
	default:
		err = fmt.Errorf("unhandled message type: %s", body.MessageType())
	}

	if err != nil {
		c.sendError(protocol.Error{
			Code:       errorCode(err),
			Message:    err.Error(),
			Request:    body.MessageType(),
			TerminalID: terminalOf(body),
		})
	}
}

// terminalOf returns the terminal a client message addresses.
func terminalOf(body protocol.Body) string {
	switch b := body.(type) {
	case protocol.TerminalAttach:
		return b.TerminalID
	case protocol.TerminalDetach:
		return b.TerminalID
	case protocol.TerminalInput:
		return b.TerminalID
	case protocol.TerminalResize:
		return b.TerminalID
	case protocol.TerminalKill:
		return b.TerminalID
	}
	return ""
}

// sendResumable answers a resumable-list request. Groups go first so the
// client has its layouts when it links sessions to terminals.
func (s *Server) sendResumable(ctx context.Context, c *client) error {
	s.groupsMu.Lock()
	groups, err := s.groupSnapshot(ctx)
	s.groupsMu.Unlock()
	if err != nil {
		return err
	}
	sessions, err := s.resumableSessions(ctx)
	if err != nil {
		return err
	}
	c.sendBody(groups)
	c.sendBody(sessions)
	return nil
}

func (s *Server) resumableSessions(ctx context.Context) (protocol.SessionsResumable, error) {
	list, err := s.store.ListActive(ctx)
	if err != nil {
		return protocol.SessionsResumable{}, storeErr(err)
	}
	if list == nil {
		list = []session.Session{}
	}
	return protocol.SessionsResumable{Sessions: list}, nil
}

func (s *Server) resumableGroups(ctx context.Context) (protocol.GroupsResumable, error) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		return protocol.GroupsResumable{}, storeErr(err)
	}
	layouts, bad, err := s.store.LoadLayouts(ctx)
	if err != nil {
		return protocol.GroupsResumable{}, storeErr(err)
	}
	for _, e := range bad {
		s.logger.Warn("skipping unreadable layout", "err", e)
	}

	out := protocol.GroupsResumable{Groups: make([]protocol.GroupRecord, 0, len(groups))}
	for _, g := range groups {
		rec := protocol.GroupRecord{Group: g}
		if st, ok := layouts[g.ID]; ok {
			rec.Layout = &st
		}
		out.Groups = append(out.Groups, rec)
	}
	return out, nil
}

func (s *Server) broadcastSessions(ctx context.Context) {
	body, err := s.resumableSessions(ctx)
	if err != nil {
		s.logger.Warn("broadcast sessions failed", "err", err)
		return
	}
	s.broadcast(body)
}

// groupSnapshot reads the group list and stamps it with the next revision.
// The caller holds groupsMu.
func (s *Server) groupSnapshot(ctx context.Context) (protocol.GroupsResumable, error) {
	body, err := s.resumableGroups(ctx)
	if err != nil {
		return body, err
	}
	s.groupsRev++
	body.Revision = s.groupsRev
	return body, nil
}

func (s *Server) broadcastGroups(ctx context.Context) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	body, err := s.groupSnapshot(ctx)
	if err != nil {
		s.logger.Warn("broadcast groups failed", "err", err)
		return
	}
	s.broadcast(body)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(body protocol.Body) {
	data, err := protocol.Encode(body)
	if err != nil {
		s.logger.Error("encode broadcast", "type", body.MessageType(), "err", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// spawn starts a terminal for a new or existing session.
func (s *Server) spawn(ctx context.Context, req protocol.TerminalSpawn) (protocol.TerminalSpawned, error) {
	now := s.clock.Now().UTC()

	var (
		sess    session.Session
		created bool
		err     error
	)
	if req.SessionID != "" {
		if sess, err = s.store.Get(ctx, req.SessionID); err != nil {
			return protocol.TerminalSpawned{}, storeErr(err)
		}
		if sess.Archived() {
			if err := s.store.Restore(ctx, sess.ID); err != nil {
				return protocol.TerminalSpawned{}, storeErr(err)
			}
			sess.ArchivedAt = nil
			sess.ArchivedTerminals = nil
		}
	} else {
		sess = session.Session{
			ID:        uuid.NewString(),
			Cwd:       req.Cwd,
			Status:    session.StatusActive,
			Label:     req.Label,
			CreatedAt: now,
			Provider:  req.Provider,
			Model:     req.Model,
			Effort:    req.Effort,
			Env:       req.Env,
			GroupID:   req.GroupID,
		}
		if err := s.store.Create(ctx, sess); err != nil {
			return protocol.TerminalSpawned{}, storeErr(err)
		}
		created = true
	}

	lr := launch.Request{
		Provider:        launch.Provider(firstNonEmpty(req.Provider, sess.Provider)),
		Command:         req.Command,
		Model:           firstNonEmpty(req.Model, sess.Model),
		Effort:          firstNonEmpty(req.Effort, sess.Effort),
		Env:             sess.Env,
		ResumeHandle:    sess.ResumeHandle,
		SkipPermissions: req.SkipPermissions,
	}
	if req.Env != nil {
		lr.Env = req.Env
	}
	cwd := firstNonEmpty(req.Cwd, sess.Cwd)

	term, err := s.mgr.Spawn(session.SpawnRequest{
		Launch:    lr,
		Cwd:       cwd,
		SessionID: sess.ID,
		Cols:      req.Cols,
		Rows:      req.Rows,
	})
	if err != nil {
		if created {
			if derr := s.store.Delete(ctx, sess.ID); derr != nil {
				s.logger.Warn("rollback session failed", "session", sess.ID, "err", derr)
			}
		}
		if errors.Is(err, session.ErrMaxTerminals) {
			return protocol.TerminalSpawned{}, err
		}
		return protocol.TerminalSpawned{}, withCode(protocol.ErrSpawnFailed, err)
	}

	if err := s.store.UpdateTerminal(ctx, sess.ID, term.ID); err != nil {
		s.logger.Warn("record session terminal failed", "session", sess.ID, "terminal", term.ID, "err", err)
	}
	if err := s.store.UpdateActivity(ctx, sess.ID, now); err != nil {
		s.logger.Warn("record session activity failed", "session", sess.ID, "err", err)
	}
	sess.TerminalID = term.ID
	sess.Status = session.StatusActive
	sess.LastActivity = &now

	if s.fileWatch != nil {
		if err := s.fileWatch.Watch(sess.ID, cwd); err != nil {
			s.logger.Warn("failed to start file watcher", "session", sess.ID, "err", err)
		}
	}

	return protocol.TerminalSpawned{RequestID: req.RequestID, Terminal: term, Session: sess}, nil
}

// stopSessionTerminals kills the running terminals of a session and
// returns the ids of all its terminals.
func (s *Server) stopSessionTerminals(sessionID string) []string {
	var ids []string
	for _, t := range s.mgr.ForSession(sessionID) {
		ids = append(ids, t.ID)
		if t.State != session.TerminalRunning {
			continue
		}
		if err := s.mgr.Kill(t.ID); err != nil {
			s.logger.Warn("kill session terminal failed", "session", sessionID, "terminal", t.ID, "err", err)
		}
	}
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(sessionID)
	}
	return ids
}

// removeSession deletes a session and stops its terminals. Their records
// are dropped once they exit.
func (s *Server) removeSession(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return storeErr(err)
	}
	for _, tid := range s.stopSessionTerminals(id) {
		if err := s.mgr.Forget(tid); err != nil {
			s.logger.Debug("forget session terminal failed", "terminal", tid, "err", err)
		}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return storeErr(err)
	}
	s.logger.Info("session removed", "session", id)
	return nil
}

// archiveSession moves a session out of the active set, remembering the
// terminals it had.
func (s *Server) archiveSession(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return storeErr(err)
	}
	ids := s.stopSessionTerminals(id)
	if err := s.store.Archive(ctx, id, ids, s.clock.Now().UTC()); err != nil {
		return storeErr(err)
	}
	s.logger.Info("session archived", "session", id, "terminals", len(ids))
	return nil
}

func (s *Server) touchSession(ctx context.Context, id string) error {
	if err := s.store.UpdateActivity(ctx, id, s.clock.Now().UTC()); err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Server) upsertGroup(ctx context.Context, b protocol.GroupUpsert) error {
	g := b.Group
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.clock.Now().UTC()
	}
	if err := s.store.UpsertGroup(ctx, g); err != nil {
		return storeErr(err)
	}
	if b.Layout != nil {
		if err := s.store.SaveLayout(ctx, g.ID, *b.Layout); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// OnActivity records filesystem activity for a session. It is the
// watcher's callback.
func (s *Server) OnActivity(sessionID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.store.UpdateActivity(ctx, sessionID, at.UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) && s.fileWatch != nil {
			s.fileWatch.Unwatch(sessionID)
		}
		s.logger.Debug("activity update failed", "session", sessionID, "err", err)
	}
}

// onTerminalExit unbinds the session from an exited terminal, marks it
// idle and tells every client. A terminal nobody is attached to is
// forgotten.
func (s *Server) onTerminalExit(t session.Terminal) {
	defer s.forgetIfUnused(t.ID)
	if t.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sess, err := s.store.Get(ctx, t.SessionID)
	if err != nil {
		return
	}
	if sess.TerminalID == t.ID {
		if err := s.store.UpdateTerminal(ctx, sess.ID, ""); err != nil {
			s.logger.Warn("unbind session terminal failed", "session", sess.ID, "err", err)
		}
		if err := s.store.SetStatus(ctx, sess.ID, session.StatusIdle); err != nil {
			s.logger.Warn("mark session idle failed", "session", sess.ID, "err", err)
		}
		s.broadcastSessions(ctx)
	}

	for _, other := range s.mgr.ForSession(sess.ID) {
		if other.State == session.TerminalRunning {
			return
		}
	}
	if s.fileWatch != nil {
		s.fileWatch.Unwatch(sess.ID)
	}
}

// attached reports whether any client holds a stream of terminalID.
func (s *Server) attached(terminalID string) bool {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		c.mu.Lock()
		_, ok := c.subs[terminalID]
		c.mu.Unlock()
		if ok {
			return true
		}
	}
	return false
}

// forgetIfUnused drops an exited terminal no client is attached to.
func (s *Server) forgetIfUnused(terminalID string) {
	t, err := s.mgr.Get(terminalID)
	if err != nil || t.State != session.TerminalExited || s.attached(terminalID) {
		return
	}
	if err := s.mgr.Forget(terminalID); err == nil {
		s.logger.Debug("terminal forgotten", "terminal", terminalID)
	}
}

// attach starts streaming a terminal to the client from afterSeq. An
// existing stream of the same terminal is replaced.
func (c *client) attach(terminalID string, afterSeq uint64) error {
	if _, err := c.server.mgr.Get(terminalID); err != nil {
		return err
	}
	c.detach(terminalID)

	sub := &subscription{terminalID: terminalID, stop: make(chan struct{})}
	c.mu.Lock()
	c.subs[terminalID] = sub
	c.mu.Unlock()

	go c.forward(sub, afterSeq)
	return nil
}

func (c *client) detach(terminalID string) {
	c.mu.Lock()
	sub, ok := c.subs[terminalID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, terminalID)
	close(sub.stop)
	subID := sub.subID
	c.mu.Unlock()

	if subID != "" {
		c.server.mgr.Unsubscribe(terminalID, subID)
	}
}

// bind records the manager subscription feeding sub. It returns false if
// sub was detached meanwhile.
func (c *client) bind(sub *subscription, subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-sub.stop:
		return false
	default:
	}
	sub.subID = subID
	return true
}

// release drops sub after its subscription failed.
func (c *client) release(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.terminalID] == sub {
		delete(c.subs, sub.terminalID)
	}
}

// forward is the single writer of one terminal's stream to this client.
// When the manager drops it for falling behind, it re-subscribes from the
// last seq it sent.
func (c *client) forward(sub *subscription, afterSeq uint64) {
	mgr := c.server.mgr
	last := afterSeq
	for {
		subID, live, history, truncated, err := mgr.Subscribe(sub.terminalID, last)
		if err != nil {
			select {
			case <-sub.stop:
			default:
				c.sendError(protocol.Error{
					Code:       errorCode(err),
					Message:    err.Error(),
					Request:    protocol.TypeTerminalAttach,
					TerminalID: sub.terminalID,
				})
				c.release(sub)
			}
			return
		}
		if !c.bind(sub, subID) {
			mgr.Unsubscribe(sub.terminalID, subID)
			return
		}
		if truncated {
			c.server.logger.Debug("replay truncated", "terminal", sub.terminalID, "after", last)
		}

		exited := false
		deliver := func(ev session.OutputEvent) bool {
			if !c.sendEvent(sub, ev) {
				return false
			}
			last = ev.Seq
			if ev.Type == session.OutputExit {
				exited = true
			}
			return true
		}
		for _, ev := range history {
			if !deliver(ev) {
				return
			}
		}
		for ev := range live {
			if !deliver(ev) {
				return
			}
		}

		// An exited terminal keeps its subscription until the client
		// detaches, so the record outlives the stream.
		if exited {
			return
		}
		select {
		case <-sub.stop:
			return
		case <-c.ctx.Done():
			return
		default:
		}
	}
}

func (c *client) sendEvent(sub *subscription, ev session.OutputEvent) bool {
	var body protocol.Body
	switch ev.Type {
	case session.OutputExit:
		body = protocol.TerminalExit{TerminalID: ev.TerminalID, Code: ev.Code, Signal: ev.Signal}
	default:
		body = protocol.TerminalOutput{TerminalID: ev.TerminalID, Seq: ev.Seq, Data: ev.Data}
	}
	data, err := protocol.Encode(body)
	if err != nil {
		c.server.logger.Error("encode terminal event", "terminal", ev.TerminalID, "err", err)
		return true
	}
	select {
	case c.send <- data:
		return true
	case <-sub.stop:
		return false
	case <-c.ctx.Done():
		return false
	}
}

// sendBody queues a reply, giving up if the client goes away.
func (c *client) sendBody(body protocol.Body) {
	data, err := protocol.Encode(body)
	if err != nil {
		c.server.logger.Error("encode message", "type", body.MessageType(), "err", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

func (c *client) sendError(e protocol.Error) {
	c.sendBody(e)
}

// codedError pins the wire error code for err.
type codedError struct {
	code string
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code string, err error) error {
	return &codedError{code: code, err: err}
}

// storeErr classifies a store failure.
func storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return withCode(protocol.ErrSessionNotFound, err)
	}
	return withCode(protocol.ErrStoreUnavailable, err)
}

func errorCode(err error) string {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	var spawnErr *pty.SpawnError
	switch {
	case errors.Is(err, session.ErrTerminalNotFound):
		return protocol.ErrTerminalNotFound
	case errors.Is(err, session.ErrTerminalExited):
		return protocol.ErrTerminalExited
	case errors.Is(err, session.ErrMaxTerminals):
		return protocol.ErrMaxTerminals
	case errors.As(err, &spawnErr):
		return protocol.ErrSpawnFailed
	default:
		return protocol.ErrInvalidMessage
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
