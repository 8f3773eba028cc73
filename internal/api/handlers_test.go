package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudebroker/internal/config"
	"claudebroker/internal/core"
	"claudebroker/internal/session"
	"claudebroker/internal/store"
	"claudebroker/internal/webhook"
)

type stubExecutor struct {
	result core.ExecuteResult
}

func (s *stubExecutor) Execute(ctx context.Context, req core.ExecuteRequest) core.ExecuteResult {
	if s.result.Success || s.result.Error != "" {
		return s.result
	}
	return core.ExecuteResult{Success: true, Result: "ok: " + req.Prompt, CostUSD: 0.01}
}

type testEnv struct {
	server   *httptest.Server
	tasks    *store.TaskStore
	sessions *session.Manager
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()
	logger := slog.Default()
	dir := t.TempDir()

	cfg := &config.Config{}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Defaults.Model = "test-model"
	cfg.Defaults.ProjectPath = dir
	cfg.TaskQueue.Concurrency = 1
	cfg.TaskQueue.DefaultTimeout = 30 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	tasks := store.OpenTasks(dir)
	sessionStore := store.OpenSessions(dir)
	stats := store.OpenStats(dir)
	exec := &stubExecutor{}
	dispatcher := webhook.NewDispatcher(webhook.Options{
		Timeout:     time.Second,
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
	}, logger)
	sessions := session.NewManager(sessionStore, stats, exec, dispatcher, logger)
	// The scheduler is deliberately left stopped so queued tasks stay
	// pending and handler behavior is deterministic.
	scheduler := core.NewScheduler(tasks, sessionStore, stats, dispatcher, exec, logger, core.SchedulerOptions{Concurrency: 1})

	srv := NewServer(cfg, tasks, scheduler, sessions, stats, exec, dispatcher, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, tasks: tasks, sessions: sessions}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestSyncExecute(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/claude", map[string]any{"prompt": "hello"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "ok: hello", body["result"])
}

func TestSyncExecuteValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	cases := []map[string]any{
		{"prompt": ""},
		{"prompt": "p", "priority": 11},
		{"prompt": "p", "webhook_url": "not a url"},
		{"prompt": "p", "stream": true},
	}
	for _, payload := range cases {
		resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/claude", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload %v", payload)
		assert.Equal(t, false, body["success"])
		assert.NotEmpty(t, body["error"])
	}
}

func TestAsyncSubmitAutoCreatesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/claude", map[string]any{
		"prompt":   "queued work",
		"async":    true,
		"priority": 8,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, float64(8), body["priority"])

	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	task, err := env.tasks.Get(taskID)
	require.NoError(t, err)
	require.NotNil(t, task.SessionID)
	assert.Equal(t, sessionID, *task.SessionID)

	_, err = env.sessions.Get(sessionID)
	require.NoError(t, err)
}

func TestAsyncSubmitUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/claude", map[string]any{
		"prompt":     "p",
		"async":      true,
		"session_id": "missing",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateTaskEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/tasks/async", map[string]any{
		"prompt":      "do it",
		"webhook_url": "http://example.com/hook",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	task, ok := body["task"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pending", task["status"])
	metadata, ok := task["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://example.com/hook", metadata["webhook_url"])
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/tasks/absent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestPatchPriority(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.tasks.Create(core.NewTask{Prompt: "p", Priority: 3})
	require.NoError(t, err)

	url := fmt.Sprintf("%s/api/tasks/%s/priority", env.server.URL, task.ID)
	resp, body := doJSON(t, http.MethodPatch, url, map[string]any{"priority": 9})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	patched, _ := body["task"].(map[string]any)
	assert.Equal(t, float64(9), patched["priority"])

	resp, _ = doJSON(t, http.MethodPatch, url, map[string]any{"priority": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatchPriorityOnTerminalTask(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.tasks.Create(core.NewTask{Prompt: "p"})
	require.NoError(t, err)
	_, err = env.tasks.Cancel(task.ID)
	require.NoError(t, err)

	url := fmt.Sprintf("%s/api/tasks/%s/priority", env.server.URL, task.ID)
	resp, _ := doJSON(t, http.MethodPatch, url, map[string]any{"priority": 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelTaskTwice(t *testing.T) {
	env := newTestEnv(t, nil)
	task, err := env.tasks.Create(core.NewTask{Prompt: "p"})
	require.NoError(t, err)

	url := fmt.Sprintf("%s/api/tasks/%s", env.server.URL, task.ID)
	resp, body := doJSON(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled, _ := body["task"].(map[string]any)
	assert.Equal(t, "cancelled", cancelled["status"])

	resp, _ = doJSON(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListTasksFilter(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.tasks.Create(core.NewTask{Prompt: "a"})
	require.NoError(t, err)
	done, err := env.tasks.Create(core.NewTask{Prompt: "b"})
	require.NoError(t, err)
	_, err = env.tasks.MarkProcessing(done.ID)
	require.NoError(t, err)
	_, err = env.tasks.MarkCompleted(done.ID, "r", 0)
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/tasks?status=pending", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = doJSON(t, http.MethodGet, env.server.URL+"/api/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.tasks.Create(core.NewTask{Prompt: "p"})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/tasks/queue/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, float64(1), body["concurrency"])
	assert.Equal(t, float64(1), body["pending"])
	assert.Equal(t, float64(1), body["total"])
}

func TestBatchExecute(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/claude/batch", map[string]any{
		"prompts": []string{"one", "two"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	results, _ := body["results"].([]any)
	assert.Len(t, results, 2)
	summary, _ := body["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["total"])
	assert.Equal(t, float64(2), summary["successful"])
}

func TestBatchValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := doJSON(t, http.MethodPost, env.server.URL+"/api/claude/batch", map[string]any{"prompts": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	prompts := make([]string, 11)
	for i := range prompts {
		prompts[i] = "p"
	}
	resp, _ = doJSON(t, http.MethodPost, env.server.URL+"/api/claude/batch", map[string]any{"prompts": prompts})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/sessions", map[string]any{
		"model":    "m",
		"metadata": map[string]any{"label": "review run"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	sess, _ := body["session"].(map[string]any)
	sessionID, _ := sess["id"].(string)
	require.NotEmpty(t, sessionID)

	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/sessions?status=active", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/sessions/search?q=review", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = doJSON(t, http.MethodPost, env.server.URL+"/api/sessions/"+sessionID+"/continue", map[string]any{
		"prompt": "continue please",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, _ = doJSON(t, http.MethodPatch, env.server.URL+"/api/sessions/"+sessionID+"/status", map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, env.server.URL+"/api/sessions/"+sessionID+"/continue", map[string]any{"prompt": "p"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, env.server.URL+"/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodGet, env.server.URL+"/api/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatisticsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = doJSON(t, http.MethodPost, env.server.URL+"/api/claude", map[string]any{"prompt": "hello"})

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/api/statistics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	stats, _ := body["statistics"].(map[string]any)
	requests, _ := stats["requests"].(map[string]any)
	assert.Equal(t, float64(1), requests["total"])

	resp, body = doJSON(t, http.MethodGet, env.server.URL+"/api/statistics/daily", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestWebhookTestEndpoint(t *testing.T) {
	received := make(chan struct{}, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	env := newTestEnv(t, nil)
	resp, body := doJSON(t, http.MethodPost, env.server.URL+"/api/webhooks/test", map[string]any{
		"event": "custom.ping",
		"url":   hook.URL,
		"data":  map[string]any{"hello": "world"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	delivery, _ := body["delivery"].(map[string]any)
	assert.Equal(t, true, delivery["success"])
	assert.Equal(t, float64(1), delivery["attempt"])
	select {
	case <-received:
	default:
		t.Fatal("webhook endpoint was not called")
	}
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.AuthToken = "secret"
	})

	resp, _ := doJSON(t, http.MethodGet, env.server.URL+"/api/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	// Health stays open.
	health, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
