package pty

import (
	"bytes"
	"context"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

// KillGrace is how long a terminated one-shot process gets before it is
// killed outright.
const KillGrace = 3 * time.Second

// RunOptions configure a bounded one-shot invocation.
type RunOptions struct {
	Options

	// Prompt is written to the process followed by the end-of-input
	// sequence. Empty writes nothing.
	Prompt string

	// Timeout of zero means no deadline other than ctx.
	Timeout time.Duration
}

var lineBreaks = regexp.MustCompile(`\r+\n|\r`)

// NormalizeOutput converts CR/LF variants to LF and trims surrounding
// whitespace.
func NormalizeOutput(s string) string {
	return strings.TrimSpace(lineBreaks.ReplaceAllString(s, "\n"))
}

// Run spawns command, feeds it opts.Prompt, and waits for it to exit. A
// zero exit returns the normalized output. A non-zero exit returns an
// *ExitError. When opts.Timeout expires the process is sent SIGTERM, then
// SIGKILL after KillGrace, and Run returns a *TimeoutError immediately.
func (s *Supervisor) Run(ctx context.Context, command string, args []string, opts RunOptions) (string, error) {
	p, err := s.Spawn(command, args, opts.Options)
	if err != nil {
		return "", err
	}

	var (
		mu  sync.Mutex
		out bytes.Buffer
	)
	p.OnData(func(chunk []byte) {
		mu.Lock()
		out.Write(chunk)
		mu.Unlock()
	})
	output := func() string {
		mu.Lock()
		defer mu.Unlock()
		return NormalizeOutput(out.String())
	}

	exitCh := make(chan ExitStatus, 1)
	p.OnExit(func(status ExitStatus) { exitCh <- status })

	if opts.Prompt != "" {
		if _, err := p.Write([]byte(opts.Prompt)); err != nil {
			s.logger.Warn("write prompt failed", "pid", p.PID(), "err", err)
		} else if _, err := p.Write(EndOfInput(s.goos)); err != nil {
			s.logger.Warn("write end of input failed", "pid", p.PID(), "err", err)
		}
	}

	expired := make(chan struct{})
	if opts.Timeout > 0 {
		timer := s.clock.AfterFunc(opts.Timeout, func() { close(expired) })
		defer timer.Stop()
	}

	select {
	case status := <-exitCh:
		if status.Success() {
			return output(), nil
		}
		return "", &ExitError{Status: status, Output: output()}
	case <-expired:
		s.logger.Warn("one-shot run timed out", "command", command, "pid", p.PID(), "timeout", opts.Timeout)
		s.terminate(p)
		return "", &TimeoutError{Timeout: opts.Timeout, Output: output()}
	case <-ctx.Done():
		s.terminate(p)
		return "", ctx.Err()
	}
}

// terminate sends SIGTERM and schedules SIGKILL if the process is still
// alive after KillGrace.
func (s *Supervisor) terminate(p *Process) {
	if err := p.Kill(syscall.SIGTERM); err != nil {
		s.logger.Warn("terminate failed", "pid", p.PID(), "err", err)
	}
	s.clock.AfterFunc(KillGrace, func() {
		if p.Exited() {
			return
		}
		s.logger.Warn("process ignored SIGTERM, killing", "pid", p.PID())
		if err := p.Kill(os.Kill); err != nil {
			s.logger.Warn("kill failed", "pid", p.PID(), "err", err)
		}
	})
}
