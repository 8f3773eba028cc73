package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TaskRepo abstracts the task persistence used by the scheduler.
type TaskRepo interface {
	Create(nt NewTask) (*Task, error)
	Get(id string) (*Task, error)
	NextPending() (*Task, error)
	MarkProcessing(id string) (*Task, error)
	MarkCompleted(id, result string, costUSD float64) (*Task, error)
	MarkFailed(id, message string) (*Task, error)
	Cancel(id string) (*Task, error)
	ResetProcessing() (int, error)
}

// SessionAccrual is the slice of the session store the scheduler needs to
// credit successful executions.
type SessionAccrual interface {
	AddCost(id string, delta float64) (*Session, error)
	IncrementMessages(id string) (*Session, error)
}

// RequestRecorder receives one event per authoritative request outcome.
type RequestRecorder interface {
	RecordRequest(ev RequestEvent) error
}

// TaskNotifier receives lifecycle events for delivery. Implementations
// must not block.
type TaskNotifier interface {
	NotifyTask(event string, task *Task)
}

// SchedulerOptions tune the dispatch behavior.
type SchedulerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	DrainGrace   time.Duration
}

const (
	defaultConcurrency  = 3
	defaultPollInterval = time.Second
	defaultTaskTimeout  = 300 * time.Second
	defaultDrainGrace   = 10 * time.Second
)

type activeTask struct {
	task      *Task
	startedAt time.Time
	cancel    context.CancelFunc
}

// Scheduler drives queued tasks through the executor under bounded
// concurrency, priority ordering, and per-task timeout, keeping the
// persistent store consistent across restarts.
type Scheduler struct {
	tasks    TaskRepo
	sessions SessionAccrual
	stats    RequestRecorder
	notifier TaskNotifier
	executor Executor
	logger   *slog.Logger
	opts     SchedulerOptions

	mu      sync.Mutex
	running bool
	active  map[string]*activeTask

	wake     chan struct{}
	loopCtx  context.Context
	loopStop context.CancelFunc
	wg       sync.WaitGroup
}

// NewScheduler constructs a scheduler. sessions, stats, and notifier may
// be nil when the corresponding feature is disabled.
func NewScheduler(tasks TaskRepo, sessions SessionAccrual, stats RequestRecorder, notifier TaskNotifier, executor Executor, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}
	return &Scheduler{
		tasks:    tasks,
		sessions: sessions,
		stats:    stats,
		notifier: notifier,
		executor: executor,
		logger:   logger,
		opts:     opts,
		active:   map[string]*activeTask{},
		wake:     make(chan struct{}, 1),
	}
}

// Start recovers interrupted tasks and begins the dispatch loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.loopCtx, s.loopStop = context.WithCancel(context.Background())
	s.mu.Unlock()

	// Tasks left processing by a previous process have no surviving
	// execution state; make them eligible again.
	recovered, err := s.tasks.ResetProcessing()
	if err != nil {
		s.loopStop()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted tasks", "count", recovered)
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	return nil
}

// Stop refuses new admissions and waits for active tasks to drain,
// bounded by the drain grace period. Executions still in flight past the
// deadline keep their processing records and are recovered on next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.loopStop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.DrainGrace):
		s.mu.Lock()
		abandoned := len(s.active)
		s.mu.Unlock()
		s.logger.Warn("scheduler stop deadline reached, abandoning in-flight tasks", "count", abandoned)
	}
}

// Submit creates a pending task and signals the dispatcher.
func (s *Scheduler) Submit(nt NewTask) (*Task, error) {
	task, err := s.tasks.Create(nt)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task submitted", "task_id", task.ID, "priority", task.Priority)
	s.kick()
	return task, nil
}

// CancelTask cancels a pending or processing task. Cancellation of a
// running task is best-effort: the execution context is cancelled and
// the concurrency slot released, and any late executor result is
// discarded because the record is already terminal.
func (s *Scheduler) CancelTask(id string) (*Task, error) {
	task, err := s.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return nil, ErrInvalidState
	}
	cancelled, err := s.tasks.Cancel(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	at, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if ok && at.cancel != nil {
		at.cancel()
	}

	s.logger.Info("task cancelled", "task_id", id)
	s.notify(EventTaskCancelled, cancelled)
	s.kick()
	return cancelled, nil
}

// QueueStatus is the scheduler's live view.
type QueueStatus struct {
	Running     bool     `json:"running"`
	Concurrency int      `json:"concurrency"`
	ActiveTasks []string `json:"active_tasks"`
}

// Status reports the lifecycle flag, configured concurrency, and the ids
// currently holding slots.
func (s *Scheduler) Status() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	return QueueStatus{Running: s.running, Concurrency: s.opts.Concurrency, ActiveTasks: ids}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.dispatch()
	}
}

// dispatch admits pending tasks while slots are free. The in-memory slot
// is reserved before the persistent transition so parallel invocations
// cannot oversubscribe the concurrency budget.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if !s.running || len(s.active) >= s.opts.Concurrency {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		task, err := s.tasks.NextPending()
		if err != nil {
			s.logger.Error("fetch next pending task", "err", err)
			return
		}
		if task == nil {
			return
		}

		s.mu.Lock()
		if _, exists := s.active[task.ID]; exists {
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.active[task.ID] = &activeTask{task: task, startedAt: time.Now().UTC(), cancel: cancel}
		s.mu.Unlock()

		marked, err := s.tasks.MarkProcessing(task.ID)
		if err != nil {
			s.mu.Lock()
			delete(s.active, task.ID)
			s.mu.Unlock()
			cancel()
			if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrTaskNotFound) {
				// Raced with a cancellation; look for other work.
				continue
			}
			s.logger.Error("mark task processing", "task_id", task.ID, "err", err)
			return
		}

		s.wg.Add(1)
		go s.executeTask(ctx, marked)
	}
}

func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	defer s.wg.Done()
	defer s.finish(task.ID)
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("executor panic: %v", r)
			s.logger.Error("executor panicked", "task_id", task.ID, "err", r)
			if _, err := s.tasks.MarkFailed(task.ID, msg); err == nil {
				s.notify(EventTaskError, task)
			}
		}
	}()

	var timedOut atomic.Bool
	timer := time.AfterFunc(s.opts.TaskTimeout, func() {
		timedOut.Store(true)
		s.handleTimeout(task)
	})
	defer timer.Stop()

	result := s.executor.Execute(ctx, RequestForTask(task))
	timer.Stop()
	if timedOut.Load() {
		return
	}
	if result.Success {
		s.handleSuccess(task, result)
	} else {
		s.handleFailure(task, result)
	}
}

func (s *Scheduler) handleSuccess(task *Task, result ExecuteResult) {
	completed, err := s.tasks.MarkCompleted(task.ID, result.Result, result.CostUSD)
	if err != nil {
		// Terminal already (cancelled or timed out); the result is
		// discarded per contract.
		if !errors.Is(err, ErrInvalidState) {
			s.logger.Error("mark task completed", "task_id", task.ID, "err", err)
		}
		return
	}
	if task.SessionID != nil && s.sessions != nil {
		if _, err := s.sessions.AddCost(*task.SessionID, result.CostUSD); err != nil {
			s.logger.Warn("accrue session cost", "session_id", *task.SessionID, "err", err)
		}
		if _, err := s.sessions.IncrementMessages(*task.SessionID); err != nil {
			s.logger.Warn("increment session messages", "session_id", *task.SessionID, "err", err)
		}
	}
	s.record(RequestEvent{
		Success:      true,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CostUSD:      result.CostUSD,
		Model:        task.Model,
	})
	s.logger.Info("task completed", "task_id", task.ID, "duration_ms", result.DurationMs, "cost_usd", result.CostUSD)
	s.notify(EventTaskCompleted, completed)
}

func (s *Scheduler) handleFailure(task *Task, result ExecuteResult) {
	failed, err := s.tasks.MarkFailed(task.ID, result.Error)
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			s.logger.Error("mark task failed", "task_id", task.ID, "err", err)
		}
		return
	}
	s.record(RequestEvent{Success: false, Model: task.Model})
	s.logger.Warn("task failed", "task_id", task.ID, "err", result.Error)
	s.notify(EventTaskFailed, failed)
}

func (s *Scheduler) handleTimeout(task *Task) {
	// Cancel the execution context first so the child process is reaped;
	// the terminal state below is what governs the task either way.
	s.mu.Lock()
	if at, ok := s.active[task.ID]; ok && at.cancel != nil {
		at.cancel()
	}
	s.mu.Unlock()

	failed, err := s.tasks.MarkFailed(task.ID, TimeoutErrorMessage)
	if err != nil {
		if !errors.Is(err, ErrInvalidState) {
			s.logger.Error("mark task timed out", "task_id", task.ID, "err", err)
		}
		return
	}
	s.record(RequestEvent{Success: false, Model: task.Model})
	s.logger.Warn("task timed out", "task_id", task.ID, "timeout", s.opts.TaskTimeout)
	s.notify(EventTaskTimeout, failed)
}

func (s *Scheduler) finish(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
	s.kick()
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) notify(event string, task *Task) {
	if s.notifier != nil {
		s.notifier.NotifyTask(event, task)
	}
}

func (s *Scheduler) record(ev RequestEvent) {
	if s.stats == nil {
		return
	}
	if err := s.stats.RecordRequest(ev); err != nil {
		s.logger.Warn("record request stats", "err", err)
	}
}
