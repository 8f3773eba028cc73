package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// SessionStatus describes the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

const (
	// PriorityMin and PriorityMax bound the accepted task priority range.
	PriorityMin = 1
	PriorityMax = 10
	// PriorityDefault is used when a task is created without a priority.
	PriorityDefault = 5
)

// Task represents a persisted unit of work driven through the queue.
type Task struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    int            `json:"priority"`
	Prompt      string         `json:"prompt"`
	ProjectPath string         `json:"project_path"`
	Model       string         `json:"model"`
	Result      *string        `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	DurationMs  *int64         `json:"duration_ms,omitempty"`
	CostUSD     float64        `json:"cost_usd"`
	SessionID   *string        `json:"session_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetadataString returns a string metadata value, or "" when absent.
func (t *Task) MetadataString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if v, ok := t.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Session groups executions that share model and project context.
type Session struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	Model         string         `json:"model"`
	ProjectPath   string         `json:"project_path"`
	Status        SessionStatus  `json:"status"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	MessagesCount int            `json:"messages_count"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Usage carries token counts reported by the executor.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ExecuteRequest describes one executor invocation.
type ExecuteRequest struct {
	Prompt          string
	ProjectPath     string
	Model           string
	SessionID       string
	SystemPrompt    string
	MaxBudgetUSD    float64
	AllowedTools    []string
	DisallowedTools []string
	Agent           string
	MCPConfig       string
	Stream          bool
}

// ExecuteResult is the outcome of one executor invocation.
type ExecuteResult struct {
	Success    bool    `json:"success"`
	Result     string  `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	Usage      Usage   `json:"usage"`
}

// Metadata keys recognized on tasks. They carry per-task executor options
// and the webhook delivery override.
const (
	MetaWebhookURL      = "webhook_url"
	MetaSystemPrompt    = "system_prompt"
	MetaMaxBudgetUSD    = "max_budget_usd"
	MetaAllowedTools    = "allowed_tools"
	MetaDisallowedTools = "disallowed_tools"
	MetaAgent           = "agent"
	MetaMCPConfig       = "mcp_config"
)

// RequestForTask builds the executor request for a queued task, folding in
// metadata-derived options.
func RequestForTask(t *Task) ExecuteRequest {
	req := ExecuteRequest{
		Prompt:       t.Prompt,
		ProjectPath:  t.ProjectPath,
		Model:        t.Model,
		SystemPrompt: t.MetadataString(MetaSystemPrompt),
		Agent:        t.MetadataString(MetaAgent),
		MCPConfig:    t.MetadataString(MetaMCPConfig),
	}
	if t.SessionID != nil {
		req.SessionID = *t.SessionID
	}
	if t.Metadata != nil {
		if v, ok := t.Metadata[MetaMaxBudgetUSD].(float64); ok {
			req.MaxBudgetUSD = v
		}
		req.AllowedTools = metadataStrings(t.Metadata[MetaAllowedTools])
		req.DisallowedTools = metadataStrings(t.Metadata[MetaDisallowedTools])
	}
	return req
}

func metadataStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
