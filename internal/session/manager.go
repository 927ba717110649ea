package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"agent-console/internal/clock"
	"agent-console/internal/launch"
	"agent-console/internal/pty"
)

const (
	defaultRingBufCapacity  = 2000
	defaultSubscriberBufCap = 256
)

var (
	ErrTerminalNotFound = errors.New("terminal not found")
	ErrTerminalExited   = errors.New("terminal exited")
	ErrMaxTerminals     = errors.New("maximum terminal limit reached")
)

// OutputEventType distinguishes output chunks from the exit event.
type OutputEventType string

const (
	OutputData OutputEventType = "data"
	OutputExit OutputEventType = "exit"
)

// OutputEvent is one numbered event of a terminal's stream. Seq starts at 1
// and increases by one per event.
type OutputEvent struct {
	TerminalID string          `json:"terminalId"`
	Seq        uint64          `json:"seq"`
	Type       OutputEventType `json:"type"`
	Data       []byte          `json:"data,omitempty"`
	Code       int             `json:"code,omitempty"`
	Signal     string          `json:"signal,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SpawnRequest asks the Manager for a new terminal.
type SpawnRequest struct {
	Launch    launch.Request
	Cwd       string
	SessionID string
	Cols      uint16
	Rows      uint16
}

// OneShotRequest is a bounded run whose output is returned rather than
// streamed.
type OneShotRequest struct {
	Launch  launch.Request
	Cwd     string
	Prompt  string
	Timeout time.Duration
}

// Manager hosts pseudoterminal processes and fans their output out to
// subscribers.
type Manager struct {
	mu           sync.RWMutex
	terminals    map[string]*managedTerminal
	maxTerminals int
	ringCapacity int

	// reserved counts spawns between the limit check and registration.
	reserved int

	sup    *pty.Supervisor
	clock  clock.Clock
	logger *slog.Logger

	exitHooks []func(Terminal)
}

type managedTerminal struct {
	// Terminal is guarded by Manager.mu.
	Terminal *Terminal
	proc     *pty.Process
	ringBuf  *RingBuffer

	// subMu orders sequence assignment, ring writes and fan-out so a
	// subscriber's history and live stream never overlap or leave a gap.
	subMu       sync.Mutex
	seq         uint64
	subscribers map[string]chan OutputEvent
	exited      bool

	// forget drops the record once the process exits. Guarded by
	// Manager.mu.
	forget bool
}

// NewManager creates a terminal host. ringCapacity is the number of events
// kept per terminal for replay.
func NewManager(sup *pty.Supervisor, clk clock.Clock, logger *slog.Logger, maxTerminals, ringCapacity int) *Manager {
	if ringCapacity <= 0 {
		ringCapacity = defaultRingBufCapacity
	}
	return &Manager{
		terminals:    make(map[string]*managedTerminal),
		maxTerminals: maxTerminals,
		ringCapacity: ringCapacity,
		sup:          sup,
		clock:        clk,
		logger:       logger,
	}
}

// OnExit registers fn to run after any terminal exits. Not safe to call
// concurrently with Spawn.
func (m *Manager) OnExit(fn func(Terminal)) {
	m.exitHooks = append(m.exitHooks, fn)
}

func validateWorkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}
	return nil
}

// Spawn resolves the launch, starts the process, and registers the
// terminal.
func (m *Manager) Spawn(req SpawnRequest) (Terminal, error) {
	if err := validateWorkDir(req.Cwd); err != nil {
		return Terminal{}, err
	}

	m.mu.Lock()
	running := 0
	for _, mt := range m.terminals {
		if mt.Terminal.State == TerminalRunning {
			running++
		}
	}
	if running+m.reserved >= m.maxTerminals {
		m.mu.Unlock()
		return Terminal{}, fmt.Errorf("%w (%d)", ErrMaxTerminals, m.maxTerminals)
	}
	m.reserved++
	m.mu.Unlock()

	spec := launch.Resolve(req.Launch)
	proc, err := m.sup.Spawn(spec.Command, spec.Args, pty.Options{
		Dir:  req.Cwd,
		Env:  spec.Env,
		Cols: req.Cols,
		Rows: req.Rows,
	})
	if err != nil {
		m.mu.Lock()
		m.reserved--
		m.mu.Unlock()
		return Terminal{}, err
	}

	term := &Terminal{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		Command:   spec.Command,
		PID:       proc.PID(),
		State:     TerminalRunning,
		CreatedAt: m.clock.Now().UTC(),
	}
	mt := &managedTerminal{
		Terminal:    term,
		proc:        proc,
		ringBuf:     NewRingBuffer(m.ringCapacity),
		subscribers: make(map[string]chan OutputEvent),
	}

	m.mu.Lock()
	m.reserved--
	m.terminals[term.ID] = mt
	snapshot := *term
	m.mu.Unlock()

	proc.OnData(func(chunk []byte) {
		m.record(mt, OutputEvent{Type: OutputData, Data: chunk})
	})
	proc.OnExit(func(st pty.ExitStatus) {
		m.handleExit(mt, st)
	})

	m.logger.Info("terminal spawned", "terminal", term.ID, "session", req.SessionID, "command", spec.Command, "pid", term.PID)
	return snapshot, nil
}

// record numbers ev, stores it, and fans it out.
func (m *Manager) record(mt *managedTerminal, ev OutputEvent) {
	mt.subMu.Lock()
	defer mt.subMu.Unlock()

	mt.seq++
	ev.TerminalID = mt.Terminal.ID
	ev.Seq = mt.seq
	ev.Timestamp = m.clock.Now().UTC()
	mt.ringBuf.Write(ev)

	m.mu.Lock()
	mt.Terminal.LastSeq = ev.Seq
	m.mu.Unlock()

	for id, ch := range mt.subscribers {
		select {
		case ch <- ev:
		default:
			// The subscriber resumes from its last seen seq.
			m.logger.Warn("subscriber fell behind, disconnecting", "terminal", ev.TerminalID, "subscriber", id)
			close(ch)
			delete(mt.subscribers, id)
		}
	}
}

func (m *Manager) handleExit(mt *managedTerminal, st pty.ExitStatus) {
	m.mu.Lock()
	code := st.Code
	mt.Terminal.State = TerminalExited
	mt.Terminal.ExitCode = &code
	mt.Terminal.Signal = st.Signal
	snapshot := *mt.Terminal
	m.mu.Unlock()

	m.record(mt, OutputEvent{Type: OutputExit, Code: st.Code, Signal: st.Signal})

	mt.subMu.Lock()
	mt.exited = true
	for id, ch := range mt.subscribers {
		close(ch)
		delete(mt.subscribers, id)
	}
	mt.subMu.Unlock()

	m.logger.Info("terminal exited", "terminal", snapshot.ID, "code", st.Code, "signal", st.Signal)
	for _, fn := range m.exitHooks {
		fn(snapshot)
	}

	m.mu.Lock()
	if mt.forget && m.terminals[snapshot.ID] == mt {
		delete(m.terminals, snapshot.ID)
	}
	m.mu.Unlock()
}

func (m *Manager) lookup(id string) (*managedTerminal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	return mt, nil
}

// Get returns a snapshot of a terminal.
func (m *Manager) Get(id string) (Terminal, error) {
	mt, err := m.lookup(id)
	if err != nil {
		return Terminal{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *mt.Terminal, nil
}

// List returns all terminals, oldest first.
func (m *Manager) List() []Terminal {
	m.mu.RLock()
	result := make([]Terminal, 0, len(m.terminals))
	for _, mt := range m.terminals {
		result = append(result, *mt.Terminal)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// ForSession lists the terminals bound to sessionID.
func (m *Manager) ForSession(sessionID string) []Terminal {
	var out []Terminal
	for _, t := range m.List() {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// Write sends input to a running terminal.
func (m *Manager) Write(id string, data []byte) error {
	mt, err := m.lookup(id)
	if err != nil {
		return err
	}
	if mt.proc.Exited() {
		return fmt.Errorf("%w: %s", ErrTerminalExited, id)
	}
	_, err = mt.proc.Write(data)
	return err
}

// Resize changes a terminal's window size.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	mt, err := m.lookup(id)
	if err != nil {
		return err
	}
	return mt.proc.Resize(cols, rows)
}

// Kill sends SIGTERM and, if the process is still alive after the grace
// window, SIGKILL. Killing an exited terminal is a no-op.
func (m *Manager) Kill(id string) error {
	mt, err := m.lookup(id)
	if err != nil {
		return err
	}
	if mt.proc.Exited() {
		return nil
	}
	if err := mt.proc.Kill(syscall.SIGTERM); err != nil {
		return err
	}
	m.clock.AfterFunc(pty.KillGrace, func() {
		if mt.proc.Exited() {
			return
		}
		m.logger.Warn("terminal ignored SIGTERM, killing", "terminal", id)
		if err := mt.proc.Kill(os.Kill); err != nil {
			m.logger.Warn("force kill failed", "terminal", id, "err", err)
		}
	})
	return nil
}

// Forget drops a terminal's record and history. A running terminal is
// dropped once it exits and its exit hooks have run.
func (m *Manager) Forget(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.terminals[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTerminalNotFound, id)
	}
	if mt.Terminal.State != TerminalExited {
		mt.forget = true
		return nil
	}
	delete(m.terminals, id)
	return nil
}

// Subscribe returns the buffered events after afterSeq and a channel of
// live events. The channel is closed after the exit event, on Unsubscribe,
// or when the subscriber falls behind; in the last case the caller
// re-subscribes from the last seq it saw. Truncated reports that events
// after afterSeq were already dropped from the buffer.
func (m *Manager) Subscribe(id string, afterSeq uint64) (subID string, live <-chan OutputEvent, history []OutputEvent, truncated bool, err error) {
	mt, err := m.lookup(id)
	if err != nil {
		return "", nil, nil, false, err
	}

	subID = uuid.NewString()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	mt.subMu.Lock()
	history, truncated = mt.ringBuf.ReadAfter(afterSeq)
	if mt.exited {
		close(ch)
	} else {
		mt.subscribers[subID] = ch
	}
	mt.subMu.Unlock()

	return subID, ch, history, truncated, nil
}

// Unsubscribe removes a subscriber.
func (m *Manager) Unsubscribe(terminalID, subID string) {
	mt, err := m.lookup(terminalID)
	if err != nil {
		return
	}

	mt.subMu.Lock()
	if ch, exists := mt.subscribers[subID]; exists {
		close(ch)
		delete(mt.subscribers, subID)
	}
	mt.subMu.Unlock()
}

// RunOnce performs a bounded one-shot run.
func (m *Manager) RunOnce(ctx context.Context, req OneShotRequest) (string, error) {
	if req.Cwd != "" {
		if err := validateWorkDir(req.Cwd); err != nil {
			return "", err
		}
	}
	spec := launch.Resolve(req.Launch)
	return m.sup.Run(ctx, spec.Command, spec.Args, pty.RunOptions{
		Options: pty.Options{Dir: req.Cwd, Env: spec.Env},
		Prompt:  req.Prompt,
		Timeout: req.Timeout,
	})
}

// Shutdown terminates all running terminals and waits for them to exit or
// for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	var running []*managedTerminal
	for _, mt := range m.terminals {
		if mt.Terminal.State == TerminalRunning {
			running = append(running, mt)
		}
	}
	m.mu.RUnlock()

	for _, mt := range running {
		if err := m.Kill(mt.Terminal.ID); err != nil {
			m.logger.Warn("shutdown kill failed", "terminal", mt.Terminal.ID, "err", err)
		}
	}

	for _, mt := range running {
		select {
		case <-mt.proc.Done():
		case <-ctx.Done():
			m.logger.Warn("shutdown deadline reached, forcing remaining terminals")
			for _, rest := range running {
				_ = rest.proc.Kill(os.Kill)
			}
			return
		}
	}
}
