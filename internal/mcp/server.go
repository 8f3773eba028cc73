package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"claudebroker/internal/core"
	"claudebroker/internal/session"
	"claudebroker/internal/store"
)

// MCPServer exposes the broker over the Model Context Protocol on stdio.
type MCPServer struct {
	tasks     *store.TaskStore
	scheduler *core.Scheduler
	sessions  *session.Manager
	logger    *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(tasks *store.TaskStore, scheduler *core.Scheduler, sessions *session.Manager, logger *slog.Logger) *MCPServer {
	return &MCPServer{tasks: tasks, scheduler: scheduler, sessions: sessions, logger: logger}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"claudebroker",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("broker_submit_task",
		mcp.WithDescription("Queue a prompt for asynchronous execution through the broker"),
		mcp.WithString("prompt",
			mcp.Required(),
			mcp.Description("Prompt to execute"),
		),
		mcp.WithString("project_path",
			mcp.Description("Working directory for the execution"),
		),
		mcp.WithString("model",
			mcp.Description("Model identifier; when omitted the task has no model and the executor runs without --model"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Priority 1-10, 10 highest (default 5)"),
			mcp.Min(1),
			mcp.Max(10),
		),
		mcp.WithString("session_id",
			mcp.Description("Existing session to bind the task to"),
		),
	), s.handleSubmitTask)

	mcpServer.AddTool(mcp.NewTool("broker_get_task",
		mcp.WithDescription("Get task details by id"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("broker_cancel_task",
		mcp.WithDescription("Cancel a pending or processing task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("broker_list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Status filter"),
			mcp.Enum("pending", "processing", "completed", "failed", "cancelled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tasks to return"),
			mcp.Min(1),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("broker_queue_status",
		mcp.WithDescription("Show scheduler state and task counts"),
	), s.handleQueueStatus)

	mcpServer.AddTool(mcp.NewTool("broker_list_sessions",
		mcp.WithDescription("List sessions, newest activity first"),
		mcp.WithString("status",
			mcp.Description("Status filter"),
			mcp.Enum("active", "archived"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of sessions to return"),
			mcp.Min(1),
		),
	), s.handleListSessions)
}

func (s *MCPServer) handleSubmitTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt := strings.TrimSpace(mcp.ParseString(request, "prompt", ""))
	if prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	nt := core.NewTask{
		Prompt:      prompt,
		ProjectPath: mcp.ParseString(request, "project_path", ""),
		Model:       mcp.ParseString(request, "model", ""),
		Priority:    int(mcp.ParseFloat64(request, "priority", 0)),
	}
	if sessionID := mcp.ParseString(request, "session_id", ""); sessionID != "" {
		if _, err := s.sessions.Get(sessionID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("session lookup failed: %v", err)), nil
		}
		nt.SessionID = &sessionID
	}
	task, err := s.scheduler.Submit(nt)
	if err != nil {
		s.logger.Error("submit task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task queued\nID: %s\nPriority: %d\nStatus: %s",
		task.ID, task.Priority, task.Status)), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.tasks.Get(taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get task failed: %v", err)), nil
	}
	result := fmt.Sprintf("Task ID: %s\nStatus: %s\nPriority: %d\nPrompt: %s\n",
		task.ID, task.Status, task.Priority, truncateString(task.Prompt, 80))
	if task.Model != "" {
		result += fmt.Sprintf("Model: %s\n", task.Model)
	}
	if task.SessionID != nil {
		result += fmt.Sprintf("Session: %s\n", *task.SessionID)
	}
	if task.DurationMs != nil {
		result += fmt.Sprintf("Duration: %d ms\n", *task.DurationMs)
	}
	if task.CostUSD > 0 {
		result += fmt.Sprintf("Cost: $%.4f\n", task.CostUSD)
	}
	if task.Error != nil {
		result += fmt.Sprintf("Error: %s\n", *task.Error)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.scheduler.CancelTask(taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
		}
		if errors.Is(err, core.ErrInvalidState) {
			return mcp.NewToolResultError("task is already in a terminal state"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled\nID: %s", task.ID)), nil
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter store.TaskFilter
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		filter.Status = &status
	}
	filter.Limit = int(mcp.ParseFloat64(request, "limit", 0))
	tasks, err := s.tasks.List(filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}
	result := fmt.Sprintf("Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		result += fmt.Sprintf("%s [%s] prio=%d\n", t.ID, t.Status, t.Priority)
		result += fmt.Sprintf("  Prompt: %s\n", truncateString(t.Prompt, 60))
		if t.SessionID != nil {
			result += fmt.Sprintf("  Session: %s\n", *t.SessionID)
		}
		result += "\n"
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleQueueStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := s.scheduler.Status()
	stats, err := s.tasks.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("queue status failed: %v", err)), nil
	}
	result := fmt.Sprintf("Running: %v\nConcurrency: %d\nActive: %d\n\n",
		status.Running, status.Concurrency, len(status.ActiveTasks))
	result += fmt.Sprintf("Pending: %d\nProcessing: %d\nCompleted: %d\nFailed: %d\nCancelled: %d\nTotal cost: $%.4f\n",
		stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Cancelled, stats.TotalCostUSD)
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var filter store.SessionFilter
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.SessionStatus(statusStr)
		filter.Status = &status
	}
	filter.Limit = int(mcp.ParseFloat64(request, "limit", 0))
	sessions, err := s.sessions.List(filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list sessions failed: %v", err)), nil
	}
	if len(sessions) == 0 {
		return mcp.NewToolResultText("No sessions found"), nil
	}
	result := fmt.Sprintf("Found %d sessions:\n\n", len(sessions))
	for _, sess := range sessions {
		result += fmt.Sprintf("%s [%s]\n", sess.ID, sess.Status)
		result += fmt.Sprintf("  Model: %s\n  Messages: %d\n  Cost: $%.4f\n\n",
			sess.Model, sess.MessagesCount, sess.TotalCostUSD)
	}
	return mcp.NewToolResultText(result), nil
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
