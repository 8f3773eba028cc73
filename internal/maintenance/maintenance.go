package maintenance

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"claudebroker/internal/config"
	"claudebroker/internal/store"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron validates a 5-field cron expression and returns its schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Runner owns the background housekeeping: retention cleanup on a cron
// schedule and a periodic statistics snapshot.
type Runner struct {
	tasks    *store.TaskStore
	sessions *store.SessionStore
	stats    *store.StatsStore
	logger   *slog.Logger
	cfg      config.RetentionConfig
	interval time.Duration

	cron      *cron.Cron
	startedAt time.Time
	stop      chan struct{}
}

// NewRunner constructs the maintenance runner. interval of 0 disables
// the statistics snapshot.
func NewRunner(tasks *store.TaskStore, sessions *store.SessionStore, stats *store.StatsStore, logger *slog.Logger, cfg config.RetentionConfig, interval time.Duration) *Runner {
	return &Runner{
		tasks:    tasks,
		sessions: sessions,
		stats:    stats,
		logger:   logger,
		cfg:      cfg,
		interval: interval,
		cron:     cron.New(cron.WithParser(cronParser)),
		stop:     make(chan struct{}),
	}
}

// Start schedules the cleanup job and launches the snapshot loop.
func (r *Runner) Start() error {
	r.startedAt = time.Now()
	schedule, err := ParseCron(r.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("maintenance schedule: %w", err)
	}
	r.cron.Schedule(schedule, cron.FuncJob(r.runCleanup))
	r.cron.Start()
	if r.interval > 0 {
		go r.snapshotLoop()
	}
	return nil
}

// Stop halts scheduling and the snapshot loop.
func (r *Runner) Stop() {
	r.cron.Stop()
	close(r.stop)
}

// Uptime reports how long the runner has been alive.
func (r *Runner) Uptime() time.Duration {
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

func (r *Runner) runCleanup() {
	if deleted, err := r.tasks.Cleanup(r.cfg.TaskDays); err != nil {
		r.logger.Error("task cleanup", "err", err)
	} else if deleted > 0 {
		r.logger.Info("task cleanup", "deleted", deleted)
	}
	if deleted, err := r.sessions.Cleanup(r.cfg.SessionDays); err != nil {
		r.logger.Error("session cleanup", "err", err)
	} else if deleted > 0 {
		r.logger.Info("session cleanup", "deleted", deleted)
	}
	if r.stats != nil {
		if dropped, err := r.stats.Prune(r.cfg.StatsDays); err != nil {
			r.logger.Error("stats prune", "err", err)
		} else if dropped > 0 {
			r.logger.Info("stats prune", "dropped", dropped)
		}
	}
}

func (r *Runner) snapshotLoop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			r.logger.Debug("statistics snapshot",
				"uptime", r.Uptime().Round(time.Second),
				"heap_alloc_bytes", mem.HeapAlloc,
				"goroutines", runtime.NumGoroutine(),
			)
		}
	}
}
