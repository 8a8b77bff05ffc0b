package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/mattjoyce/pt2/internal/api"
	"github.com/mattjoyce/pt2/internal/auth"
	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/lock"
	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/manager"
	"github.com/mattjoyce/pt2/internal/requestlog"
	"github.com/mattjoyce/pt2/internal/storage"
	"github.com/mattjoyce/pt2/internal/tui"
)

// shutdownTimeout bounds backend shutdown after a signal.
const shutdownTimeout = time.Minute

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("pt2 starting", "version", version, "config", cfg.Path)

	if err := storage.CheckLocalFilesystem(cfg.State.Path); err != nil {
		logger.Error("unsafe state path", "error", err)
		return 1
	}

	pidLock, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer func() { _ = pidLock.Release() }()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := requestlog.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open request log", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer func() { _ = journal.Close() }()
	if n, err := journal.AbandonPending(ctx); err != nil {
		logger.Warn("failed to close out requests from a previous run", "error", err)
	} else if n > 0 {
		logger.Info("requests from a previous run marked abandoned", "count", n)
	}

	registry, err := discovery.Discover(cfg.BackendsDir, log.WithComponent("discovery"))
	if err != nil {
		logger.Error("backend discovery failed", "backends_dir", cfg.BackendsDir, "error", err)
		return 1
	}
	logger.Info("backend discovery complete", "count", registry.Len())

	hub := events.NewHub(256)
	mgr := manager.New(manager.Options{Hub: hub, Journal: journal})
	defer mgr.Close()
	if err := mgr.Load(registry, cfg, manager.ProcessFactory(cfg.Service)); err != nil {
		logger.Error("failed to load backends", "error", err)
		return 1
	}
	logger.Info("autostart complete", "launched", mgr.Autostart(ctx))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		server := api.New(apiConfig(cfg), mgr, journal, hub, log.WithComponent("api"))
		g.Go(func() error { return server.Start(gctx) })
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("pt2 running (press Ctrl+C to stop)")
	<-gctx.Done()
	if ctx.Err() != nil {
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	code := 0
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("backend shutdown incomplete", "error", err)
		code = 1
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", "error", err)
		code = 1
	}

	logger.Info("pt2 stopped")
	return code
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "API URL")
	apiKey := fs.String("api-key", os.Getenv("PT2_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "pt2 watch needs a terminal; use GET /events for a stream")
		return 1
	}

	if err := tui.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
