package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"claudebroker/internal/api"
	"claudebroker/internal/config"
	"claudebroker/internal/core"
	"claudebroker/internal/logging"
	"claudebroker/internal/maintenance"
	brokermcp "claudebroker/internal/mcp"
	"claudebroker/internal/session"
	"claudebroker/internal/store"
	"claudebroker/internal/webhook"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			logger.Error("write pid file", "err", err)
			os.Exit(1)
		}
		defer os.Remove(cfg.PidFile)
	}

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Error("ensure state dir", "err", err)
		os.Exit(1)
	}

	tasks := store.OpenTasks(cfg.StateDir)
	sessions := store.OpenSessions(cfg.StateDir)
	var stats *store.StatsStore
	if cfg.Statistics.Enabled {
		stats = store.OpenStats(cfg.StateDir)
	}

	var dispatcher *webhook.Dispatcher
	if cfg.Webhook.Enabled {
		dispatcher = webhook.NewDispatcher(webhook.Options{
			DefaultURL: cfg.Webhook.DefaultURL,
			Timeout:    cfg.Webhook.Timeout,
			MaxRetries: cfg.Webhook.Retries,
		}, logger)
	}

	executor := core.NewClaudeExecutor(cfg.ExecutorBinary, cfg.TaskQueue.DefaultTimeout, logger)

	var taskNotifier core.TaskNotifier
	var sessionNotifier session.Notifier
	if dispatcher != nil {
		taskNotifier = dispatcher
		sessionNotifier = dispatcher
	}
	var recorder core.RequestRecorder
	if stats != nil {
		recorder = stats
	}

	sessionManager := session.NewManager(sessions, stats, executor, sessionNotifier, logger)
	scheduler := core.NewScheduler(tasks, sessions, recorder, taskNotifier, executor, logger, core.SchedulerOptions{
		Concurrency: cfg.TaskQueue.Concurrency,
		TaskTimeout: cfg.TaskQueue.DefaultTimeout,
	})
	if err := scheduler.Start(); err != nil {
		logger.Error("start scheduler", "err", err)
		os.Exit(1)
	}

	runner := maintenance.NewRunner(tasks, sessions, stats, logger, cfg.Retention, cfg.Statistics.CollectionInterval)
	if err := runner.Start(); err != nil {
		logger.Error("start maintenance", "err", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, tasks, scheduler, sessionManager, stats, executor, dispatcher, runner, logger)
	case "mcp":
		runMCPMode(tasks, scheduler, sessionManager, runner, logger)
	case "both":
		runBothMode(cfg, tasks, scheduler, sessionManager, stats, executor, dispatcher, runner, logger)
	}
}

func runHTTPMode(cfg *config.Config, tasks *store.TaskStore, scheduler *core.Scheduler, sessions *session.Manager, stats *store.StatsStore, executor core.Executor, dispatcher *webhook.Dispatcher, runner *maintenance.Runner, logger *slog.Logger) {
	server := api.NewServer(cfg, tasks, scheduler, sessions, stats, executor, dispatcher, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		os.Exit(1)
	}

	shutdown(cfg, server, scheduler, runner, logger)
}

func runMCPMode(tasks *store.TaskStore, scheduler *core.Scheduler, sessions *session.Manager, runner *maintenance.Runner, logger *slog.Logger) {
	mcpServer := brokermcp.NewMCPServer(tasks, scheduler, sessions, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down")
		scheduler.Stop()
		runner.Stop()
		os.Exit(0)
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

func runBothMode(cfg *config.Config, tasks *store.TaskStore, scheduler *core.Scheduler, sessions *session.Manager, stats *store.StatsStore, executor core.Executor, dispatcher *webhook.Dispatcher, runner *maintenance.Runner, logger *slog.Logger) {
	mcpServer := brokermcp.NewMCPServer(tasks, scheduler, sessions, logger)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg, tasks, scheduler, sessions, stats, executor, dispatcher, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		os.Exit(1)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}

	shutdown(cfg, server, scheduler, runner, logger)
}

func shutdown(cfg *config.Config, server *api.Server, scheduler *core.Scheduler, runner *maintenance.Runner, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	scheduler.Stop()
	runner.Stop()
	logger.Info("shutdown complete")
}

func writePidFile(path string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
