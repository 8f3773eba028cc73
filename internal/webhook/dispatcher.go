package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"claudebroker/internal/core"
)

const userAgent = "claudebroker-webhook/1.0"

// Options tune the dispatcher.
type Options struct {
	DefaultURL string
	Timeout    time.Duration
	MaxRetries int
	// BaseBackoff is the first retry delay; subsequent delays double up
	// to MaxBackoff. Overridden in tests.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delivery is the outcome of one event delivery.
type Delivery struct {
	Success bool   `json:"success"`
	Status  int    `json:"status,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Skipped string `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// envelope is the wire form of a lifecycle event.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher delivers lifecycle events to HTTP callbacks with bounded
// retries. Deliveries are fire-and-forget: failures are logged and never
// propagate to the caller.
type Dispatcher struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero DefaultURL means events
// without a per-task override are skipped.
func NewDispatcher(opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Dispatcher{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// NotifyTask delivers a task lifecycle event in the background. The
// per-task webhook_url metadata override takes precedence over the
// configured default.
func (d *Dispatcher) NotifyTask(event string, task *core.Task) {
	url := d.opts.DefaultURL
	if override := task.MetadataString(core.MetaWebhookURL); override != "" {
		url = override
	}
	d.dispatch(event, url, taskPayload(task))
}

// NotifySession delivers a session lifecycle event to the default URL.
func (d *Dispatcher) NotifySession(event string, session *core.Session) {
	d.dispatch(event, d.opts.DefaultURL, map[string]any{
		"session_id":     session.ID,
		"status":         session.Status,
		"total_cost_usd": session.TotalCostUSD,
	})
}

// Send delivers an arbitrary event to the given URL (or the default when
// empty) and waits for the outcome. Used by the custom-event API.
func (d *Dispatcher) Send(ctx context.Context, event, url string, data any) Delivery {
	if url == "" {
		url = d.opts.DefaultURL
	}
	if url == "" {
		return Delivery{Success: false, Skipped: "no_url"}
	}
	return d.deliver(ctx, event, url, data)
}

// Wait blocks until all in-flight deliveries finish. Used in shutdown
// and tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(event, url string, data any) {
	if url == "" {
		d.logger.Debug("webhook delivery skipped", "event", event, "reason", "no_url")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res := d.deliver(context.Background(), event, url, data)
		if !res.Success {
			d.logger.Warn("webhook delivery failed", "event", event, "url", url, "attempts", res.Attempt, "err", res.Error)
		}
	}()
}

// deliver POSTs the event envelope, retrying on any failure with
// exponential backoff capped at MaxBackoff. Success is any 2xx status.
func (d *Dispatcher) deliver(ctx context.Context, event, url string, data any) Delivery {
	body, err := json.Marshal(envelope{Event: event, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return Delivery{Success: false, Error: fmt.Sprintf("encode event: %v", err)}
	}

	var lastErr string
	var lastStatus int
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := d.opts.BaseBackoff << (attempt - 2)
			if delay > d.opts.MaxBackoff {
				delay = d.opts.MaxBackoff
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Delivery{Success: false, Attempt: attempt - 1, Error: ctx.Err().Error()}
			}
		}
		status, err := d.post(ctx, url, body)
		if err != nil {
			lastErr = err.Error()
			continue
		}
		lastStatus = status
		if status >= 200 && status < 300 {
			return Delivery{Success: true, Status: status, Attempt: attempt}
		}
		lastErr = fmt.Sprintf("unexpected status %d", status)
	}
	return Delivery{Success: false, Status: lastStatus, Attempt: d.opts.MaxRetries, Error: lastErr}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func taskPayload(t *core.Task) map[string]any {
	payload := map[string]any{
		"task_id":  t.ID,
		"status":   t.Status,
		"priority": t.Priority,
		"cost_usd": t.CostUSD,
	}
	if t.SessionID != nil {
		payload["session_id"] = *t.SessionID
	}
	if t.Result != nil {
		payload["result"] = *t.Result
	}
	if t.Error != nil {
		payload["error"] = *t.Error
	}
	if t.DurationMs != nil {
		payload["duration_ms"] = *t.DurationMs
	}
	return payload
}
