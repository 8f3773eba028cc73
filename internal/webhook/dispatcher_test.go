package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudebroker/internal/core"
)

func testDispatcher(defaultURL string) *Dispatcher {
	return NewDispatcher(Options{
		DefaultURL:  defaultURL,
		Timeout:     2 * time.Second,
		MaxRetries:  3,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}, slog.Default())
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	var mu sync.Mutex
	var timestamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		timestamps = append(timestamps, time.Now())
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Send(context.Background(), "task.completed", "", map[string]any{"task_id": "t1"})

	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, int32(3), calls.Load())

	// Backoff doubles between attempts: second gap >= first gap.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, timestamps, 3)
	first := timestamps[1].Sub(timestamps[0])
	second := timestamps[2].Sub(timestamps[1])
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.GreaterOrEqual(t, second, 40*time.Millisecond)
}

func TestDeliveryGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	res := d.Send(context.Background(), "task.failed", "", nil)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempt)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendSkipsWithoutURL(t *testing.T) {
	d := testDispatcher("")
	res := d.Send(context.Background(), "task.completed", "", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "no_url", res.Skipped)
}

func TestNotifyTaskEnvelopeAndHeaders(t *testing.T) {
	type received struct {
		body        map[string]any
		contentType string
		userAgent   string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		got <- received{body: body, contentType: r.Header.Get("Content-Type"), userAgent: r.Header.Get("User-Agent")}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(srv.URL)
	result := "done"
	d.NotifyTask(core.EventTaskCompleted, &core.Task{
		ID:       "t1",
		Status:   core.TaskStatusCompleted,
		Priority: 5,
		Result:   &result,
		CostUSD:  0.01,
	})
	d.Wait()

	select {
	case r := <-got:
		assert.Equal(t, "application/json", r.contentType)
		assert.Equal(t, userAgent, r.userAgent)
		assert.Equal(t, core.EventTaskCompleted, r.body["event"])
		assert.NotEmpty(t, r.body["timestamp"])
		data, ok := r.body["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "t1", data["task_id"])
		assert.Equal(t, "done", data["result"])
	default:
		t.Fatal("no webhook delivery received")
	}
}

func TestNotifyTaskHonorsMetadataOverride(t *testing.T) {
	hits := make(chan string, 2)
	override := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- "override"
		w.WriteHeader(http.StatusOK)
	}))
	defer override.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- "default"
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	d := testDispatcher(fallback.URL)
	d.NotifyTask(core.EventTaskFailed, &core.Task{
		ID:       "t1",
		Metadata: map[string]any{core.MetaWebhookURL: override.URL},
	})
	d.Wait()

	select {
	case target := <-hits:
		assert.Equal(t, "override", target)
	default:
		t.Fatal("no webhook delivery received")
	}
	assert.Empty(t, hits)
}
