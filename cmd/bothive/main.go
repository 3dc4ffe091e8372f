package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/solmak/bothive/internal/agent"
	"github.com/solmak/bothive/internal/catalog"
	"github.com/solmak/bothive/internal/engine"
	"github.com/solmak/bothive/internal/logging"
	"github.com/solmak/bothive/internal/nodes"
	"github.com/solmak/bothive/internal/queue"
	"github.com/solmak/bothive/internal/scheduler"
	"github.com/solmak/bothive/internal/store"
	"github.com/solmak/bothive/internal/streaming"
)

func main() {
	cfg := loadConfig()
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()

	taskQueue := queue.NewScheduler(st, hub, logger)
	manager := agent.NewManager(st, taskQueue, hub, logger)
	manager.RegisterFactory("fake", agent.FakeFactory(map[string]int{
		"oak_log": 64, "stone": 128, "iron_ore": 16,
	}))

	eng, err := engine.New(engine.Config{
		Store:    st,
		Hub:      hub,
		Catalog:  catalog.Builtin(),
		Registry: nodes.NewRegistry(),
		Agents:   manager,
		Enqueuer: manager,
		Workers:  cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(st, eng, cfg.tickInterval(), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	// The event sink's only transport: websocket fan-out of task and
	// execution events.
	mux := http.NewServeMux()
	mux.Handle("/events", streaming.NewWSBroadcaster(hub, logger))
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info("event stream listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("event stream server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("agent shutdown incomplete", "error", err)
	}
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
