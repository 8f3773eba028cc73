package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"claudebroker/internal/core"
)

type tasksDoc struct {
	Tasks []core.Task `json:"tasks"`
}

// TaskStore persists task records in tasks.json.
type TaskStore struct {
	doc *Document[tasksDoc]
}

// OpenTasks opens the task store under stateDir.
func OpenTasks(stateDir string) *TaskStore {
	path := filepath.Join(stateDir, "tasks.json")
	return &TaskStore{doc: NewDocument(path, func() *tasksDoc { return &tasksDoc{Tasks: []core.Task{}} })}
}

// Create appends a new pending task with defaults filled in.
func (s *TaskStore) Create(nt core.NewTask) (*core.Task, error) {
	now := time.Now().UTC()
	task := core.Task{
		ID:          core.NewID(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      core.TaskStatusPending,
		Priority:    nt.Priority,
		Prompt:      nt.Prompt,
		ProjectPath: nt.ProjectPath,
		Model:       nt.Model,
		SessionID:   nt.SessionID,
		Metadata:    nt.Metadata,
	}
	if task.Priority < core.PriorityMin || task.Priority > core.PriorityMax {
		task.Priority = core.PriorityDefault
	}
	err := s.doc.Update(func(d *tasksDoc) error {
		d.Tasks = append(d.Tasks, task)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cloneTask(&task), nil
}

// Get returns the task by id.
func (s *TaskStore) Get(id string) (*core.Task, error) {
	var found *core.Task
	err := s.doc.View(func(d *tasksDoc) error {
		if t := findTask(d, id); t != nil {
			found = cloneTask(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, core.ErrTaskNotFound
	}
	return found, nil
}

// TaskPatch carries the patchable task fields. Status transitions go
// through the dedicated helpers, not the patch.
type TaskPatch struct {
	Priority *int
	Metadata map[string]any
}

// Update applies a patch to the task. Priority changes are refused on
// terminal records.
func (s *TaskStore) Update(id string, patch TaskPatch) (*core.Task, error) {
	var updated *core.Task
	err := s.doc.Update(func(d *tasksDoc) error {
		t := findTask(d, id)
		if t == nil {
			return core.ErrTaskNotFound
		}
		if patch.Priority != nil {
			if t.Status.Terminal() {
				return core.ErrInvalidState
			}
			if *patch.Priority < core.PriorityMin || *patch.Priority > core.PriorityMax {
				return fmt.Errorf("priority out of range: %d", *patch.Priority)
			}
			t.Priority = *patch.Priority
		}
		if patch.Metadata != nil {
			if t.Metadata == nil {
				t.Metadata = map[string]any{}
			}
			for k, v := range patch.Metadata {
				t.Metadata[k] = v
			}
		}
		t.UpdatedAt = time.Now().UTC()
		updated = cloneTask(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the task record.
func (s *TaskStore) Delete(id string) error {
	return s.doc.Update(func(d *tasksDoc) error {
		for i := range d.Tasks {
			if d.Tasks[i].ID == id {
				d.Tasks = append(d.Tasks[:i], d.Tasks[i+1:]...)
				return nil
			}
		}
		return core.ErrTaskNotFound
	})
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status *core.TaskStatus
	Limit  int
}

// List returns tasks ordered by priority descending, then created_at
// ascending, with id as the final tie-break.
func (s *TaskStore) List(f TaskFilter) ([]core.Task, error) {
	var out []core.Task
	err := s.doc.View(func(d *tasksDoc) error {
		for i := range d.Tasks {
			t := &d.Tasks[i]
			if f.Status != nil && t.Status != *f.Status {
				continue
			}
			out = append(out, *cloneTask(t))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// NextPending returns the highest-priority oldest pending task, or nil.
func (s *TaskStore) NextPending() (*core.Task, error) {
	var best *core.Task
	err := s.doc.View(func(d *tasksDoc) error {
		for i := range d.Tasks {
			t := &d.Tasks[i]
			if t.Status != core.TaskStatusPending {
				continue
			}
			if best == nil || taskBefore(t, best) {
				best = t
			}
		}
		if best != nil {
			best = cloneTask(best)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return best, nil
}

// MarkProcessing transitions a pending task to processing and stamps
// started_at.
func (s *TaskStore) MarkProcessing(id string) (*core.Task, error) {
	return s.transition(id, func(t *core.Task, now time.Time) error {
		if t.Status != core.TaskStatusPending {
			return core.ErrInvalidState
		}
		t.Status = core.TaskStatusProcessing
		t.StartedAt = &now
		return nil
	})
}

// MarkCompleted finishes a processing task with its result and cost.
func (s *TaskStore) MarkCompleted(id, result string, costUSD float64) (*core.Task, error) {
	return s.transition(id, func(t *core.Task, now time.Time) error {
		if t.Status != core.TaskStatusProcessing {
			return core.ErrInvalidState
		}
		t.Status = core.TaskStatusCompleted
		t.Result = &result
		t.CostUSD = costUSD
		t.CompletedAt = &now
		t.DurationMs = durationSince(t.StartedAt, now)
		return nil
	})
}

// MarkFailed finishes a processing task with an error message.
func (s *TaskStore) MarkFailed(id, message string) (*core.Task, error) {
	return s.transition(id, func(t *core.Task, now time.Time) error {
		if t.Status != core.TaskStatusProcessing {
			return core.ErrInvalidState
		}
		t.Status = core.TaskStatusFailed
		t.Error = &message
		t.CompletedAt = &now
		t.DurationMs = durationSince(t.StartedAt, now)
		return nil
	})
}

// Cancel transitions a pending or processing task to cancelled. Terminal
// records are refused.
func (s *TaskStore) Cancel(id string) (*core.Task, error) {
	return s.transition(id, func(t *core.Task, now time.Time) error {
		if t.Status.Terminal() {
			return core.ErrInvalidState
		}
		t.Status = core.TaskStatusCancelled
		t.CompletedAt = &now
		t.DurationMs = durationSince(t.StartedAt, now)
		return nil
	})
}

// ResetProcessing returns every processing task to pending. Used on
// startup: in-memory execution state did not survive the restart, so the
// records must become eligible again. started_at is kept for
// observability.
func (s *TaskStore) ResetProcessing() (int, error) {
	count := 0
	err := s.doc.Update(func(d *tasksDoc) error {
		now := time.Now().UTC()
		for i := range d.Tasks {
			if d.Tasks[i].Status == core.TaskStatusProcessing {
				d.Tasks[i].Status = core.TaskStatusPending
				d.Tasks[i].UpdatedAt = now
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Cleanup removes terminal tasks whose completed_at (or created_at when
// never completed) is older than the retention cutoff.
func (s *TaskStore) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	err := s.doc.Update(func(d *tasksDoc) error {
		kept := d.Tasks[:0]
		for i := range d.Tasks {
			t := d.Tasks[i]
			ref := t.CreatedAt
			if t.CompletedAt != nil {
				ref = *t.CompletedAt
			}
			if t.Status.Terminal() && ref.Before(cutoff) {
				deleted++
				continue
			}
			kept = append(kept, t)
		}
		d.Tasks = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// TaskStats summarizes the stored records.
type TaskStats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Processing   int     `json:"processing"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Cancelled    int     `json:"cancelled"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Stats counts tasks per status and sums cost.
func (s *TaskStore) Stats() (TaskStats, error) {
	var st TaskStats
	err := s.doc.View(func(d *tasksDoc) error {
		for i := range d.Tasks {
			t := &d.Tasks[i]
			st.Total++
			st.TotalCostUSD += t.CostUSD
			switch t.Status {
			case core.TaskStatusPending:
				st.Pending++
			case core.TaskStatusProcessing:
				st.Processing++
			case core.TaskStatusCompleted:
				st.Completed++
			case core.TaskStatusFailed:
				st.Failed++
			case core.TaskStatusCancelled:
				st.Cancelled++
			}
		}
		return nil
	})
	return st, err
}

func (s *TaskStore) transition(id string, fn func(t *core.Task, now time.Time) error) (*core.Task, error) {
	var updated *core.Task
	err := s.doc.Update(func(d *tasksDoc) error {
		t := findTask(d, id)
		if t == nil {
			return core.ErrTaskNotFound
		}
		now := time.Now().UTC()
		if err := fn(t, now); err != nil {
			return err
		}
		t.UpdatedAt = now
		updated = cloneTask(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func findTask(d *tasksDoc, id string) *core.Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

func taskBefore(a, b *core.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortTasks(tasks []core.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return taskBefore(&tasks[i], &tasks[j])
	})
}

func durationSince(start *time.Time, now time.Time) *int64 {
	if start == nil {
		return nil
	}
	ms := now.Sub(*start).Milliseconds()
	return &ms
}

func cloneTask(t *core.Task) *core.Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Result != nil {
		v := *t.Result
		c.Result = &v
	}
	if t.Error != nil {
		v := *t.Error
		c.Error = &v
	}
	if t.DurationMs != nil {
		v := *t.DurationMs
		c.DurationMs = &v
	}
	if t.SessionID != nil {
		v := *t.SessionID
		c.SessionID = &v
	}
	return &c
}
