package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"claudebroker/internal/core"
	"claudebroker/internal/store"
)

type claudeRequest struct {
	Prompt          string         `json:"prompt"`
	ProjectPath     string         `json:"project_path"`
	Model           string         `json:"model"`
	SessionID       string         `json:"session_id"`
	Priority        int            `json:"priority"`
	Async           bool           `json:"async"`
	WebhookURL      string         `json:"webhook_url"`
	SystemPrompt    string         `json:"system_prompt"`
	MaxBudgetUSD    float64        `json:"max_budget_usd"`
	AllowedTools    []string       `json:"allowed_tools"`
	DisallowedTools []string       `json:"disallowed_tools"`
	Agent           string         `json:"agent"`
	MCPConfig       string         `json:"mcp_config"`
	Stream          bool           `json:"stream"`
	Metadata        map[string]any `json:"metadata"`
}

func (req *claudeRequest) validate() error {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return errors.New("prompt is required")
	}
	if req.Priority != 0 && (req.Priority < core.PriorityMin || req.Priority > core.PriorityMax) {
		return fmt.Errorf("priority must be between %d and %d", core.PriorityMin, core.PriorityMax)
	}
	if req.WebhookURL != "" {
		if _, err := url.ParseRequestURI(req.WebhookURL); err != nil {
			return errors.New("webhook_url is not a valid URL")
		}
	}
	if req.Stream {
		return errors.New("streaming is not implemented")
	}
	return nil
}

func (s *Server) applyDefaults(req *claudeRequest) {
	if req.ProjectPath == "" {
		req.ProjectPath = s.cfg.Defaults.ProjectPath
	}
	if req.Model == "" {
		req.Model = s.cfg.Defaults.Model
	}
	if req.Priority == 0 {
		req.Priority = core.PriorityDefault
	}
}

// handleClaude executes a prompt synchronously, or queues it as an async
// task when async=true.
func (s *Server) handleClaude(w http.ResponseWriter, r *http.Request) {
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

	if req.Async {
		s.submitAsync(w, &req)
		return
	}
	s.executeSync(w, r, &req)
}

func (s *Server) submitAsync(w http.ResponseWriter, req *claudeRequest) {
	sessionID := req.SessionID
	if sessionID == "" {
		sess, err := s.sessions.Create(store.NewSession{
			Model:       req.Model,
			ProjectPath: req.ProjectPath,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("create session: %v", err))
			return
		}
		sessionID = sess.ID
	} else if _, err := s.sessions.Get(sessionID); err != nil {
		writeLookupError(w, err)
		return
	}

	task, err := s.scheduler.Submit(core.NewTask{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
		Model:       req.Model,
		Priority:    req.Priority,
		SessionID:   &sessionID,
		Metadata:    taskMetadata(req),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("submit task: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":     true,
		"task_id":     task.ID,
		"status":      task.Status,
		"priority":    task.Priority,
		"session_id":  sessionID,
		"webhook_url": req.WebhookURL,
	})
}

func (s *Server) executeSync(w http.ResponseWriter, r *http.Request, req *claudeRequest) {
	if req.SessionID != "" {
		if _, err := s.sessions.Get(req.SessionID); err != nil {
			writeLookupError(w, err)
			return
		}
	}
	result := s.executor.Execute(r.Context(), core.ExecuteRequest{
		Prompt:          req.Prompt,
		ProjectPath:     req.ProjectPath,
		Model:           req.Model,
		SessionID:       req.SessionID,
		SystemPrompt:    req.SystemPrompt,
		MaxBudgetUSD:    req.MaxBudgetUSD,
		AllowedTools:    req.AllowedTools,
		DisallowedTools: req.DisallowedTools,
		Agent:           req.Agent,
		MCPConfig:       req.MCPConfig,
	})
	s.recordRequest(result, req.Model)
	if result.Success && req.SessionID != "" {
		s.accrueSession(req.SessionID, result.CostUSD)
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

type batchRequest struct {
	Prompts     []string `json:"prompts"`
	ProjectPath string   `json:"project_path"`
	Model       string   `json:"model"`
}

const batchLimit = 10

// handleClaudeBatch executes up to ten prompts concurrently and returns
// per-item results plus a summary.
func (s *Server) handleClaudeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if len(req.Prompts) == 0 || len(req.Prompts) > batchLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("prompts must contain between 1 and %d entries", batchLimit))
		return
	}
	for _, p := range req.Prompts {
		if strings.TrimSpace(p) == "" {
			writeError(w, http.StatusBadRequest, "prompts must be non-empty")
			return
		}
	}
	if req.ProjectPath == "" {
		req.ProjectPath = s.cfg.Defaults.ProjectPath
	}
	if req.Model == "" {
		req.Model = s.cfg.Defaults.Model
	}

	start := time.Now()
	results := make([]core.ExecuteResult, len(req.Prompts))
	var wg sync.WaitGroup
	for i, prompt := range req.Prompts {
		wg.Add(1)
		go func(i int, prompt string) {
			defer wg.Done()
			results[i] = s.executor.Execute(r.Context(), core.ExecuteRequest{
				Prompt:      prompt,
				ProjectPath: req.ProjectPath,
				Model:       req.Model,
			})
		}(i, prompt)
	}
	wg.Wait()

	successful := 0
	totalCost := 0.0
	items := make([]map[string]any, len(results))
	for i, res := range results {
		s.recordRequest(res, req.Model)
		if res.Success {
			successful++
			totalCost += res.CostUSD
		}
		items[i] = map[string]any{
			"index":       i,
			"success":     res.Success,
			"result":      res.Result,
			"error":       res.Error,
			"duration_ms": res.DurationMs,
			"cost_usd":    res.CostUSD,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": items,
		"summary": map[string]any{
			"total":          len(results),
			"successful":     successful,
			"failed":         len(results) - successful,
			"total_cost_usd": totalCost,
			"duration_ms":    time.Since(start).Milliseconds(),
		},
	})
}

func taskMetadata(req *claudeRequest) map[string]any {
	metadata := map[string]any{}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.WebhookURL != "" {
		metadata[core.MetaWebhookURL] = req.WebhookURL
	}
	if req.SystemPrompt != "" {
		metadata[core.MetaSystemPrompt] = req.SystemPrompt
	}
	if req.MaxBudgetUSD > 0 {
		metadata[core.MetaMaxBudgetUSD] = req.MaxBudgetUSD
	}
	if len(req.AllowedTools) > 0 {
		metadata[core.MetaAllowedTools] = req.AllowedTools
	}
	if len(req.DisallowedTools) > 0 {
		metadata[core.MetaDisallowedTools] = req.DisallowedTools
	}
	if req.Agent != "" {
		metadata[core.MetaAgent] = req.Agent
	}
	if req.MCPConfig != "" {
		metadata[core.MetaMCPConfig] = req.MCPConfig
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func (s *Server) recordRequest(res core.ExecuteResult, model string) {
	if s.stats == nil {
		return
	}
	ev := core.RequestEvent{
		Success:      res.Success,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		CostUSD:      res.CostUSD,
		Model:        model,
	}
	if err := s.stats.RecordRequest(ev); err != nil {
		s.logger.Warn("record request stats", "err", err)
	}
}

func (s *Server) accrueSession(sessionID string, costUSD float64) {
	if _, err := s.sessions.AddCost(sessionID, costUSD); err != nil {
		s.logger.Warn("accrue session cost", "session_id", sessionID, "err", err)
	}
	if _, err := s.sessions.IncrementMessages(sessionID); err != nil {
		s.logger.Warn("increment session messages", "session_id", sessionID, "err", err)
	}
}
