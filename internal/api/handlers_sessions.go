package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"claudebroker/internal/core"
	"claudebroker/internal/session"
	"claudebroker/internal/store"
)

type createSessionRequest struct {
	Model       string         `json:"model"`
	ProjectPath string         `json:"project_path"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Defaults.Model
	}
	if req.ProjectPath == "" {
		req.ProjectPath = s.cfg.Defaults.ProjectPath
	}
	sess, err := s.sessions.Create(store.NewSession{
		Model:       req.Model,
		ProjectPath: req.ProjectPath,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "session": sess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var filter store.SessionFilter
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.SessionStatus(status)
		switch st {
		case core.SessionStatusActive, core.SessionStatusArchived:
			filter.Status = &st
		default:
			writeError(w, http.StatusBadRequest, "status must be active or archived")
			return
		}
	}
	filter.ProjectPath = r.URL.Query().Get("project_path")
	filter.Limit = parseIntDefault(r.URL.Query().Get("limit"), 0)
	sessions, err := s.sessions.List(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSearchSessions(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	sessions, err := s.sessions.Search(query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions": sessions, "count": len(sessions)})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess})
}

type sessionStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleUpdateSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req sessionStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	status := core.SessionStatus(req.Status)
	if status != core.SessionStatusActive && status != core.SessionStatusArchived {
		writeError(w, http.StatusBadRequest, "status must be active or archived")
		return
	}
	sess, err := s.sessions.UpdateStatus(chi.URLParam(r, "sessionID"), status)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(chi.URLParam(r, "sessionID")); err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type continueRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt"`
	MaxBudgetUSD float64 `json:"max_budget_usd"`
	Stream       bool    `json:"stream"`
}

func (s *Server) handleContinueSession(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "streaming is not implemented")
		return
	}
	result, err := s.sessions.Continue(r.Context(), chi.URLParam(r, "sessionID"), session.ContinueRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		MaxBudgetUSD: req.MaxBudgetUSD,
	})
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     result.Success,
		"result":      result.Result,
		"error":       result.Error,
		"duration_ms": result.DurationMs,
		"cost_usd":    result.CostUSD,
		"session_id":  result.SessionID,
		"usage":       result.Usage,
	})
}
