package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"agent-console/internal/client"
	"agent-console/internal/registry"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

func terminalSize() (cols, rows uint16, ok bool) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return uint16(w), uint16(h), true
}

// attach streams a terminal to stdout and stdin to the terminal until the
// terminal exits, the user presses the detach key, or ctx ends.
func attach(ctx context.Context, con *client.Console, terminalID string) error {
	exited := make(chan int, 1)
	handler := func(ev registry.Event) {
		switch ev := ev.(type) {
		case registry.Data:
			os.Stdout.Write(ev.Payload)
		case registry.Exit:
			select {
			case exited <- ev.Code:
			default:
			}
		}
	}

	var attachErr error
	err := con.Call(ctx, func() {
		con.Bind(terminalID, handler)
		attachErr = con.Attach(terminalID)
	})
	if err != nil {
		return err
	}
	if attachErr != nil {
		return fmt.Errorf("attach %s: %w", terminalID, attachErr)
	}
	defer con.Call(context.Background(), func() { con.Unbind(terminalID) })

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer term.Restore(stdinFd, oldState)
	}

	resize := func() {
		if cols, rows, ok := terminalSize(); ok {
			con.Post(func() { con.Resize(terminalID, cols, rows) })
		}
	}
	resize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	detached := make(chan error, 1)
	go func() { detached <- pumpInput(con, terminalID, os.Stdin) }()

	for {
		select {
		case <-winch:
			resize()
		case code := <-exited:
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		case err := <-detached:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpInput forwards r to the terminal until the detach key or EOF.
func pumpInput(con *client.Console, terminalID string, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			detach := false
			for i, b := range data {
				if b == detachKey {
					data, detach = data[:i], true
					break
				}
			}
			if len(data) > 0 {
				chunk := append([]byte(nil), data...)
				con.Post(func() { con.Input(terminalID, chunk) })
			}
			if detach {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
