// Package pty spawns interactive processes behind a pseudoterminal and owns
// their lifetime: writes, signals, forced termination, and bounded one-shot
// runs.
package pty

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"agent-console/internal/clock"
)

const (
	defaultCols = 120
	defaultRows = 32

	readBufSize = 32 * 1024

	// drainWindow bounds how long exit delivery waits for the output reader
	// after the process has been reaped. A grandchild holding the slave
	// side open would otherwise keep the reader blocked.
	drainWindow = time.Second
)

// Options configure a spawned process.
type Options struct {
	Dir string

	// Env is the full environment. Nil inherits the supervisor's
	// environment.
	Env []string

	Cols uint16
	Rows uint16
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports a zero exit without a signal.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == ""
}

// Supervisor spawns processes. The zero value is not usable; use New.
type Supervisor struct {
	clock  clock.Clock
	logger *slog.Logger
	goos   string
}

// New creates a supervisor for the current platform.
func New(clk clock.Clock, logger *slog.Logger) *Supervisor {
	return &Supervisor{clock: clk, logger: logger, goos: runtime.GOOS}
}

// CommandCandidates lists the executable names tried for command on goos,
// in order.
func CommandCandidates(command, goos string) []string {
	if goos != "windows" || filepath.Ext(command) != "" {
		return []string{command}
	}
	return []string{command + ".cmd", command + ".exe", command}
}

// EndOfInput is the byte sequence that closes a process's input stream on
// goos.
func EndOfInput(goos string) []byte {
	if goos == "windows" {
		return []byte{0x1a, '\r'}
	}
	return []byte{0x04}
}

// Spawn starts command behind a new pseudoterminal. Each platform candidate
// is tried in order; when all fail the returned *SpawnError wraps the last
// failure.
func (s *Supervisor) Spawn(command string, args []string, opts Options) (*Process, error) {
	candidates := CommandCandidates(command, s.goos)
	var lastErr error
	for _, name := range candidates {
		p, err := s.start(name, args, opts)
		if err == nil {
			return p, nil
		}
		s.logger.Debug("spawn candidate failed", "candidate", name, "err", err)
		lastErr = err
	}
	return nil, &SpawnError{Command: command, Candidates: candidates, Err: lastErr}
}

func (s *Supervisor) start(name string, args []string, opts Options) (*Process, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &Process{
		cmd:      cmd,
		ptmx:     ptmx,
		logger:   s.logger,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go p.readLoop()
	go p.waitLoop()
	return p, nil
}

// Disposable removes a registered handler.
type Disposable interface {
	Dispose()
}

type disposeFunc func()

func (f disposeFunc) Dispose() { f() }

type dataHandler struct {
	id int
	fn func([]byte)
}

type exitHandler struct {
	id int
	fn func(ExitStatus)
}

// Process is a running (or finished) pseudoterminal process.
//
// Handlers run on the supervisor's reader goroutine and must not register
// further handlers from inside the callback.
type Process struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	logger *slog.Logger

	// deliverMu serializes delivery so that held early output reaches the
	// first handler before any newer chunk does.
	deliverMu sync.Mutex

	mu           sync.Mutex
	nextID       int
	dataHandlers []dataHandler
	exitHandlers []exitHandler
	early        [][]byte
	exited       bool
	status       ExitStatus

	writeMu sync.Mutex

	done     chan struct{}
	readDone chan struct{}
}

// PID returns the OS process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Write sends input to the process.
func (p *Process) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.Exited() {
		return 0, fmt.Errorf("process %d exited", p.PID())
	}
	return p.ptmx.Write(data)
}

// Resize changes the pseudoterminal window size.
func (p *Process) Resize(cols, rows uint16) error {
	if p.Exited() {
		return nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Kill sends sig to the process, SIGHUP when sig is nil. Signalling a
// process that already exited is not an error.
func (p *Process) Kill(sig os.Signal) error {
	if sig == nil {
		sig = syscall.SIGHUP
	}
	if p.cmd.Process == nil || p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %v: %w", sig, err)
	}
	return nil
}

// Exited reports whether the exit event has been delivered.
func (p *Process) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Done is closed after the exit handlers have run.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Status returns the exit status once Done is closed.
func (p *Process) Status() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// OnData registers fn for output chunks. Output produced before the first
// handler was registered is handed to that handler first.
func (p *Process) OnData(fn func([]byte)) Disposable {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.dataHandlers = append(p.dataHandlers, dataHandler{id: id, fn: fn})
	held := p.early
	p.early = nil
	p.mu.Unlock()

	for _, chunk := range held {
		fn(chunk)
	}

	return disposeFunc(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, h := range p.dataHandlers {
			if h.id == id {
				p.dataHandlers = append(p.dataHandlers[:i], p.dataHandlers[i+1:]...)
				return
			}
		}
	})
}

// OnExit registers fn for the exit event. If the process already exited fn
// is called immediately.
func (p *Process) OnExit(fn func(ExitStatus)) Disposable {
	p.mu.Lock()
	if p.exited {
		status := p.status
		p.mu.Unlock()
		fn(status)
		return disposeFunc(func() {})
	}
	p.nextID++
	id := p.nextID
	p.exitHandlers = append(p.exitHandlers, exitHandler{id: id, fn: fn})
	p.mu.Unlock()

	return disposeFunc(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, h := range p.exitHandlers {
			if h.id == id {
				p.exitHandlers = append(p.exitHandlers[:i], p.exitHandlers[i+1:]...)
				return
			}
		}
	})
}

func (p *Process) readLoop() {
	defer close(p.readDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.deliver(chunk)
		}
		if err != nil {
			// EIO is how Linux reports the slave side closing.
			if err != io.EOF && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug("pty read error", "pid", p.PID(), "err", err)
			}
			return
		}
	}
}

func (p *Process) deliver(chunk []byte) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if len(p.dataHandlers) == 0 {
		p.early = append(p.early, chunk)
		p.mu.Unlock()
		return
	}
	handlers := make([]dataHandler, len(p.dataHandlers))
	copy(handlers, p.dataHandlers)
	p.mu.Unlock()

	for _, h := range handlers {
		h.fn(chunk)
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	status := exitStatus(p.cmd.ProcessState, err)

	select {
	case <-p.readDone:
	case <-time.After(drainWindow):
		p.ptmx.Close()
		<-p.readDone
	}
	p.ptmx.Close()

	// No data event may follow the exit event.
	p.deliverMu.Lock()
	p.mu.Lock()
	p.exited = true
	p.status = status
	p.dataHandlers = nil
	handlers := p.exitHandlers
	p.exitHandlers = nil
	p.mu.Unlock()
	p.deliverMu.Unlock()

	for _, h := range handlers {
		h.fn(status)
	}
	close(p.done)
}

func exitStatus(state *os.ProcessState, waitErr error) ExitStatus {
	if state == nil {
		if waitErr != nil {
			return ExitStatus{Code: -1}
		}
		return ExitStatus{}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: strings.ToUpper(signalName(ws.Signal()))}
	}
	return ExitStatus{Code: state.ExitCode()}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGHUP:
		return "sighup"
	case syscall.SIGINT:
		return "sigint"
	case syscall.SIGKILL:
		return "sigkill"
	case syscall.SIGTERM:
		return "sigterm"
	default:
		return sig.String()
	}
}
