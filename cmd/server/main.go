package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"agent-console/internal/clock"
	"agent-console/internal/config"
	"agent-console/internal/logging"
	"agent-console/internal/pty"
	"agent-console/internal/realtime"
	"agent-console/internal/session"
	"agent-console/internal/store"
	"agent-console/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		port       int
		staticDir  string
		dbPath     string
		logLevel   string
	)
	flags := pflag.NewFlagSet("agent-console-server", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "config file (.toml or .yaml)")
	flags.IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	flags.StringVar(&staticDir, "static-dir", "", "directory served at / (overrides config)")
	flags.StringVar(&dbPath, "db", "", "session database path (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}
	if staticDir != "" {
		cfg.StaticDir = staticDir
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger := logging.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	// No terminal survives a restart.
	if n, err := st.ResetTerminals(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("reset sessions from previous run", "count", n)
	}

	clk := clock.Real()
	sup := pty.New(clk, logger)
	mgr := session.NewManager(sup, clk, logger, cfg.MaxTerminals, cfg.RingBufferCapacity)

	// The watcher reports to the server, which is created after it.
	var srv *realtime.Server
	activity := watcher.New(clk, logger, cfg.ActivityDebounce.Duration, func(sessionID string, at time.Time) {
		if srv != nil {
			srv.OnActivity(sessionID, at)
		}
	})

	srv = realtime.New(realtime.Options{
		Manager:        mgr,
		Store:          st,
		Watcher:        activity,
		Clock:          clk,
		Logger:         logger,
		StaticDir:      cfg.StaticDir,
		OneShotTimeout: cfg.OneShotTimeout.Duration,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agent console server running", "addr", "http://localhost"+httpServer.Addr, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		srv.CloseClients()
		activity.Shutdown()
		mgr.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
