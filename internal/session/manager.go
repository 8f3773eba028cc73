package session

import (
	"context"
	"fmt"
	"log/slog"

	"claudebroker/internal/core"
	"claudebroker/internal/store"
)

// Notifier receives session lifecycle events for delivery.
type Notifier interface {
	NotifySession(event string, session *core.Session)
}

// Manager orchestrates session lifecycle over the session store and runs
// session continuations through the executor.
type Manager struct {
	sessions *store.SessionStore
	stats    *store.StatsStore
	executor core.Executor
	notifier Notifier
	logger   *slog.Logger
}

// NewManager constructs a session manager. stats and notifier may be nil.
func NewManager(sessions *store.SessionStore, stats *store.StatsStore, executor core.Executor, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{sessions: sessions, stats: stats, executor: executor, notifier: notifier, logger: logger}
}

// Create starts a new active session.
func (m *Manager) Create(ns store.NewSession) (*core.Session, error) {
	sess, err := m.sessions.Create(ns)
	if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", sess.ID)
	if m.notifier != nil {
		m.notifier.NotifySession(core.EventSessionCreated, sess)
	}
	return sess, nil
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*core.Session, error) {
	return m.sessions.Get(id)
}

// List returns sessions matching the filter, newest activity first.
func (m *Manager) List(f store.SessionFilter) ([]core.Session, error) {
	return m.sessions.List(f)
}

// Search matches sessions by id or metadata.
func (m *Manager) Search(query string, limit int) ([]core.Session, error) {
	return m.sessions.Search(query, limit)
}

// Delete removes the session.
func (m *Manager) Delete(id string) error {
	sess, err := m.sessions.Get(id)
	if err != nil {
		return err
	}
	if err := m.sessions.Delete(id); err != nil {
		return err
	}
	m.logger.Info("session deleted", "session_id", id)
	if m.notifier != nil {
		m.notifier.NotifySession(core.EventSessionDeleted, sess)
	}
	return nil
}

// UpdateStatus moves the session between active and archived.
func (m *Manager) UpdateStatus(id string, status core.SessionStatus) (*core.Session, error) {
	return m.sessions.Update(id, store.SessionPatch{Status: &status})
}

// Stats summarizes stored sessions.
func (m *Manager) Stats() (store.SessionStats, error) {
	return m.sessions.Stats()
}

// AddCost accrues execution cost onto the session.
func (m *Manager) AddCost(id string, delta float64) (*core.Session, error) {
	return m.sessions.AddCost(id, delta)
}

// IncrementMessages bumps the session's message counter.
func (m *Manager) IncrementMessages(id string) (*core.Session, error) {
	return m.sessions.IncrementMessages(id)
}

// CleanupExpired purges sessions idle longer than the retention window.
func (m *Manager) CleanupExpired(retentionDays int) (int, error) {
	return m.sessions.Cleanup(retentionDays)
}

// ContinueRequest carries the fields of a session continuation.
type ContinueRequest struct {
	Prompt       string
	SystemPrompt string
	MaxBudgetUSD float64
	Stream       bool
}

// Continue runs one more prompt in an existing session, using its stored
// project path and model, and accrues cost and message count on success.
func (m *Manager) Continue(ctx context.Context, id string, req ContinueRequest) (core.ExecuteResult, error) {
	sess, err := m.sessions.Get(id)
	if err != nil {
		return core.ExecuteResult{}, err
	}
	if sess.Status != core.SessionStatusActive {
		return core.ExecuteResult{}, fmt.Errorf("session %s is %s: %w", id, sess.Status, core.ErrInvalidState)
	}

	result := m.executor.Execute(ctx, core.ExecuteRequest{
		Prompt:       req.Prompt,
		ProjectPath:  sess.ProjectPath,
		Model:        sess.Model,
		SessionID:    sess.ID,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
		Stream:       req.Stream,
	})
	if result.Success {
		if _, err := m.sessions.AddCost(sess.ID, result.CostUSD); err != nil {
			m.logger.Warn("accrue session cost", "session_id", sess.ID, "err", err)
		}
		if _, err := m.sessions.IncrementMessages(sess.ID); err != nil {
			m.logger.Warn("increment session messages", "session_id", sess.ID, "err", err)
		}
	}
	if m.stats != nil {
		ev := core.RequestEvent{
			Success:      result.Success,
			InputTokens:  result.Usage.InputTokens,
			OutputTokens: result.Usage.OutputTokens,
			CostUSD:      result.CostUSD,
			Model:        sess.Model,
		}
		if err := m.stats.RecordRequest(ev); err != nil {
			m.logger.Warn("record request stats", "err", err)
		}
	}
	return result, nil
}
