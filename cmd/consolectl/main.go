// consolectl is a terminal client for the agent console server. It lists
// sessions and groups, starts terminals, and attaches the local terminal to
// a running one.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"agent-console/internal/client"
	"agent-console/internal/clock"
	"agent-console/internal/config"
	"agent-console/internal/logging"
	"agent-console/internal/pane"
	"agent-console/internal/protocol"
	"agent-console/internal/reconcile"
)

const syncTimeout = 10 * time.Second

// exitError carries the exit code of an attached terminal to main.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("terminal exited with code %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		serverURL  string
		spawn      protocol.TerminalSpawn
	)
	flags := pflag.NewFlagSet("consolectl", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "config file (.toml or .yaml)")
	flags.StringVar(&serverURL, "server", "", "server WebSocket URL (overrides config)")
	flags.StringVar(&spawn.Provider, "provider", "", "agent provider for new")
	flags.StringVar(&spawn.Command, "command", "", "command line for new, instead of a provider")
	flags.StringVar(&spawn.Cwd, "cwd", "", "working directory for new (default: current directory)")
	flags.StringVar(&spawn.Model, "model", "", "model for new")
	flags.StringVar(&spawn.Label, "label", "", "session label for new")
	flags.StringVar(&spawn.SessionID, "session", "", "existing session to resume for new")
	flags.SetInterspersed(true)
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(flags)
		return errors.New("missing command")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	logger := logging.New(cfg)

	switch cmd := rest[0]; cmd {
	case "ls":
		return withConsole(cfg, logger, nil, list)
	case "attach":
		if len(rest) != 2 {
			return errors.New("usage: consolectl attach <terminal-id>")
		}
		return withConsole(cfg, logger, nil, func(ctx context.Context, con *client.Console) error {
			return attach(ctx, con, rest[1])
		})
	case "new":
		if spawn.Cwd == "" {
			if spawn.Cwd, err = os.Getwd(); err != nil {
				return err
			}
		}
		return newTerminal(cfg, logger, spawn)
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `consolectl talks to an agent console server.

Usage:
  consolectl [flags] ls
  consolectl [flags] attach <terminal-id>
  consolectl [flags] new [--provider NAME | --command CMD] [--cwd DIR]

Detach from an attached terminal with Ctrl-].

Flags:
`)
	flags.SetOutput(os.Stderr)
	flags.PrintDefaults()
}

// withConsole connects a console to the server, waits for the first sync
// and runs fn against it.
func withConsole(cfg config.Config, logger *slog.Logger, onSpawned func(protocol.TerminalSpawned), fn func(context.Context, *client.Console) error) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := client.NewTransport(client.TransportOptions{
		URL:        cfg.ServerURL,
		MinBackoff: cfg.ReconnectMin.Duration,
		MaxBackoff: cfg.ReconnectMax.Duration,
		Logger:     logger,
	})
	con := client.NewConsole(client.Options{
		Conn:             transport,
		Clock:            clock.Real(),
		Logger:           logger,
		CoalesceInterval: cfg.CoalesceInterval.Duration,
		OnError: func(e protocol.Error) {
			if e.Request != "" {
				logger.Error("request failed", "request", e.Request, "code", e.Code, "message", e.Message)
			}
		},
		OnSpawned: onSpawned,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(con.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(transport.Run(gctx, con)) })
	g.Go(func() error {
		defer cancel()
		if err := waitSynced(gctx, con); err != nil {
			return err
		}
		return fn(gctx, con)
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func waitSynced(ctx context.Context, con *client.Console) error {
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		var state reconcile.State
		if err := con.Call(ctx, func() { state = con.State() }); err != nil {
			return fmt.Errorf("waiting for server: %w", err)
		}
		if state == reconcile.Synced {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("waiting for server: %w", ctx.Err())
		}
	}
}

func list(ctx context.Context, con *client.Console) error {
	var out strings.Builder
	err := con.Call(ctx, func() {
		tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tSTATUS\tTERMINAL\tLABEL\tCWD")
		for _, s := range con.Sessions() {
			status := string(s.Status)
			if con.SessionStale(s.ID) {
				status += " (stale)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, status, dash(s.TerminalID), dash(s.Label), s.Cwd)
		}
		tw.Flush()

		out.WriteString("\n")
		tw = tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "GROUP\tLABEL\tTERMINALS")
		for _, g := range con.Groups() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", g.ID, dash(g.Label), dash(strings.Join(pane.TerminalIDs(g.State.Tree), ",")))
		}
		tw.Flush()
	})
	if err != nil {
		return err
	}
	_, err = os.Stdout.WriteString(out.String())
	return err
}

// newTerminal spawns a terminal and attaches to it once the server has
// placed it.
func newTerminal(cfg config.Config, logger *slog.Logger, req protocol.TerminalSpawn) error {
	spawned := make(chan protocol.TerminalSpawned, 1)
	var requestID string
	onSpawned := func(b protocol.TerminalSpawned) {
		if b.RequestID == requestID {
			select {
			case spawned <- b:
			default:
			}
		}
	}

	return withConsole(cfg, logger, onSpawned, func(ctx context.Context, con *client.Console) error {
		if cols, rows, ok := terminalSize(); ok {
			req.Cols, req.Rows = cols, rows
		}
		var err error
		if callErr := con.Call(ctx, func() { requestID, err = con.Spawn(req) }); callErr != nil {
			return callErr
		}
		if err != nil {
			return fmt.Errorf("spawn: %w", err)
		}

		select {
		case b := <-spawned:
			fmt.Fprintf(os.Stderr, "session %s, terminal %s\r\n", b.Session.ID, b.Terminal.ID)
			return attach(ctx, con, b.Terminal.ID)
		case <-time.After(syncTimeout):
			return errors.New("timed out waiting for the terminal to start")
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
