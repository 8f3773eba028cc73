package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"claudebroker/internal/config"
	"claudebroker/internal/core"
	"claudebroker/internal/session"
	"claudebroker/internal/store"
	"claudebroker/internal/webhook"
)

// Server holds the HTTP API state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	cfg        *config.Config
	tasks      *store.TaskStore
	scheduler  *core.Scheduler
	sessions   *session.Manager
	stats      *store.StatsStore
	executor   core.Executor
	webhooks   *webhook.Dispatcher
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer constructs the HTTP API server.
func NewServer(cfg *config.Config, tasks *store.TaskStore, scheduler *core.Scheduler, sessions *session.Manager, stats *store.StatsStore, executor core.Executor, webhooks *webhook.Dispatcher, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		cfg:       cfg,
		tasks:     tasks,
		scheduler: scheduler,
		sessions:  sessions,
		stats:     stats,
		executor:  executor,
		webhooks:  webhooks,
		logger:    logger,
		startedAt: time.Now(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		if s.cfg.Server.AuthToken != "" {
			r.Use(AuthMiddleware(s.cfg.Server.AuthToken))
		}
		if s.cfg.RateLimit.Enabled {
			window := time.Duration(s.cfg.RateLimit.WindowMs) * time.Millisecond
			r.Use(httprate.Limit(s.cfg.RateLimit.MaxRequests, window, httprate.WithKeyFuncs(httprate.KeyByRealIP)))
		}

		r.Post("/claude", s.handleClaude)
		r.Post("/claude/batch", s.handleClaudeBatch)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/async", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/queue/status", s.handleQueueStatus)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/priority", s.handleUpdatePriority)
				r.Delete("/", s.handleCancelTask)
			})
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Get("/search", s.handleSearchSessions)
			r.Get("/stats", s.handleSessionStats)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Patch("/status", s.handleUpdateSessionStatus)
				r.Delete("/", s.handleDeleteSession)
				r.Post("/continue", s.handleContinueSession)
			})
		})

		r.Get("/statistics", s.handleStatistics)
		r.Get("/statistics/daily", s.handleDailyStatistics)
		r.Post("/webhooks/test", s.handleWebhookTest)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"status":       "ok",
		"uptime_s":     int(time.Since(s.startedAt).Seconds()),
		"queue":        status,
		"active_tasks": len(status.ActiveTasks),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// writeLookupError maps store errors onto the response envelope.
func writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound), errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrInvalidState):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
