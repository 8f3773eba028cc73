package store

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"claudebroker/internal/core"
)

type sessionsDoc struct {
	Sessions []core.Session `json:"sessions"`
}

// SessionStore persists session records in sessions.json.
type SessionStore struct {
	doc *Document[sessionsDoc]
}

// OpenSessions opens the session store under stateDir.
func OpenSessions(stateDir string) *SessionStore {
	path := filepath.Join(stateDir, "sessions.json")
	return &SessionStore{doc: NewDocument(path, func() *sessionsDoc { return &sessionsDoc{Sessions: []core.Session{}} })}
}

// NewSession carries the caller-supplied fields for session creation.
type NewSession struct {
	ID          string
	Model       string
	ProjectPath string
	Metadata    map[string]any
}

// Create appends a new active session. An explicit ID (from the executor)
// is honored; otherwise one is generated.
func (s *SessionStore) Create(ns NewSession) (*core.Session, error) {
	now := time.Now().UTC()
	sess := core.Session{
		ID:          ns.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
		Model:       ns.Model,
		ProjectPath: ns.ProjectPath,
		Status:      core.SessionStatusActive,
		Metadata:    ns.Metadata,
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	err := s.doc.Update(func(d *sessionsDoc) error {
		d.Sessions = append(d.Sessions, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneSession(&sess), nil
}

// Get returns the session by id.
func (s *SessionStore) Get(id string) (*core.Session, error) {
	var found *core.Session
	err := s.doc.View(func(d *sessionsDoc) error {
		if sess := findSession(d, id); sess != nil {
			found = cloneSession(sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, core.ErrSessionNotFound
	}
	return found, nil
}

// SessionPatch carries the patchable session fields.
type SessionPatch struct {
	Status   *core.SessionStatus
	Model    *string
	Metadata map[string]any
}

// Update applies a patch to the session.
func (s *SessionStore) Update(id string, patch SessionPatch) (*core.Session, error) {
	var updated *core.Session
	err := s.doc.Update(func(d *sessionsDoc) error {
		sess := findSession(d, id)
		if sess == nil {
			return core.ErrSessionNotFound
		}
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.Model != nil {
			sess.Model = *patch.Model
		}
		if patch.Metadata != nil {
			if sess.Metadata == nil {
				sess.Metadata = map[string]any{}
			}
			for k, v := range patch.Metadata {
				sess.Metadata[k] = v
			}
		}
		sess.UpdatedAt = time.Now().UTC()
		updated = cloneSession(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the session record.
func (s *SessionStore) Delete(id string) error {
	return s.doc.Update(func(d *sessionsDoc) error {
		for i := range d.Sessions {
			if d.Sessions[i].ID == id {
				d.Sessions = append(d.Sessions[:i], d.Sessions[i+1:]...)
				return nil
			}
		}
		return core.ErrSessionNotFound
	})
}

// SessionFilter narrows List results.
type SessionFilter struct {
	Status      *core.SessionStatus
	ProjectPath string
	Limit       int
}

// List returns sessions ordered by updated_at descending.
func (s *SessionStore) List(f SessionFilter) ([]core.Session, error) {
	var out []core.Session
	err := s.doc.View(func(d *sessionsDoc) error {
		for i := range d.Sessions {
			sess := &d.Sessions[i]
			if f.Status != nil && sess.Status != *f.Status {
				continue
			}
			if f.ProjectPath != "" && sess.ProjectPath != f.ProjectPath {
				continue
			}
			out = append(out, *cloneSession(sess))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Search matches the query case-insensitively against the session id and
// a JSON rendering of its metadata. Results order like List.
func (s *SessionStore) Search(query string, limit int) ([]core.Session, error) {
	query = strings.ToLower(query)
	var out []core.Session
	err := s.doc.View(func(d *sessionsDoc) error {
		for i := range d.Sessions {
			sess := &d.Sessions[i]
			if !strings.Contains(strings.ToLower(sess.ID), query) && !metadataMatches(sess.Metadata, query) {
				continue
			}
			out = append(out, *cloneSession(sess))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// IncrementMessages bumps the session's message counter.
func (s *SessionStore) IncrementMessages(id string) (*core.Session, error) {
	return s.mutate(id, func(sess *core.Session) {
		sess.MessagesCount++
	})
}

// AddCost accrues execution cost onto the session.
func (s *SessionStore) AddCost(id string, delta float64) (*core.Session, error) {
	return s.mutate(id, func(sess *core.Session) {
		sess.TotalCostUSD += delta
	})
}

// Cleanup removes sessions whose updated_at is older than the retention
// cutoff.
func (s *SessionStore) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.doc.Update(func(d *sessionsDoc) error {
		kept := d.Sessions[:0]
		for i := range d.Sessions {
			if d.Sessions[i].UpdatedAt.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, d.Sessions[i])
		}
		d.Sessions = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// SessionStats summarizes the stored records.
type SessionStats struct {
	Total         int     `json:"total"`
	Active        int     `json:"active"`
	Archived      int     `json:"archived"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TotalMessages int     `json:"total_messages"`
}

// Stats counts sessions per status and sums cost and messages.
func (s *SessionStore) Stats() (SessionStats, error) {
	var st SessionStats
	err := s.doc.View(func(d *sessionsDoc) error {
		for i := range d.Sessions {
			sess := &d.Sessions[i]
			st.Total++
			st.TotalCostUSD += sess.TotalCostUSD
			st.TotalMessages += sess.MessagesCount
			switch sess.Status {
			case core.SessionStatusActive:
				st.Active++
			case core.SessionStatusArchived:
				st.Archived++
			}
		}
		return nil
	})
	return st, err
}

func (s *SessionStore) mutate(id string, fn func(*core.Session)) (*core.Session, error) {
	var updated *core.Session
	err := s.doc.Update(func(d *sessionsDoc) error {
		sess := findSession(d, id)
		if sess == nil {
			return core.ErrSessionNotFound
		}
		fn(sess)
		sess.UpdatedAt = time.Now().UTC()
		updated = cloneSession(sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func findSession(d *sessionsDoc, id string) *core.Session {
	for i := range d.Sessions {
		if d.Sessions[i].ID == id {
			return &d.Sessions[i]
		}
	}
	return nil
}

func metadataMatches(metadata map[string]any, query string) bool {
	if len(metadata) == 0 {
		return false
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), query)
}

func cloneSession(sess *core.Session) *core.Session {
	c := *sess
	if sess.Metadata != nil {
		c.Metadata = make(map[string]any, len(sess.Metadata))
		for k, v := range sess.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
