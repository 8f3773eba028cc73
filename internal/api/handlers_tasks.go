package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"claudebroker/internal/core"
	"claudebroker/internal/store"
)

// handleCreateTask creates an async task without the sync escape hatch.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req claudeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.applyDefaults(&req)

	var sessionID *string
	if req.SessionID != "" {
		if _, err := s.sessions.Get(req.SessionID); err != nil {
			writeLookupError(w, err)
			return
		}
		sessionID = &req.SessionID
	}
	task, err := s.scheduler.Submit(core.NewTask{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		SessionID:   sessionID,
		Metadata:    taskMetadata(&req),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "task": task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

// handleUpdatePriority patches a task's priority. The change takes
// effect at the next dispatch tick.
func (s *Server) handleUpdatePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Priority < core.PriorityMin || req.Priority > core.PriorityMax {
		writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}
	task, err := s.tasks.Update(chi.URLParam(r, "taskID"), store.TaskPatch{Priority: &req.Priority})
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.scheduler.CancelTask(chi.URLParam(r, "taskID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": task})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter store.TaskFilter
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusPending, core.TaskStatusProcessing, core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCancelled:
			filter.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}
	filter.Limit = parseIntDefault(r.URL.Query().Get("limit"), 0)
	tasks, err := s.tasks.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	stats, err := s.tasks.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"running":        status.Running,
		"concurrency":    status.Concurrency,
		"active_tasks":   status.ActiveTasks,
		"total":          stats.Total,
		"pending":        stats.Pending,
		"processing":     stats.Processing,
		"completed":      stats.Completed,
		"failed":         stats.Failed,
		"cancelled":      stats.Cancelled,
		"total_cost_usd": stats.TotalCostUSD,
	})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
