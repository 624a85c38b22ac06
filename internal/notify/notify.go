// Package notify delivers fire-and-forget task completion webhooks. Delivery
// failures are logged and dropped; notification is advisory and must never
// affect task state.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harrier-ai/harrier/internal/guard"
	"github.com/harrier-ai/harrier/internal/queue"
)

// Webhook POSTs finished tasks to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier. An empty URL disables delivery.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// TaskFinished delivers a finished task. The payload is sanitized before it
// leaves the process; the receiver gets redacted content like any other log
// surface.
func (w *Webhook) TaskFinished(ctx context.Context, task *queue.Task) {
	if w.url == "" || task == nil {
		return
	}

	payload := struct {
		ID          string         `json:"id"`
		Status      queue.Status   `json:"status"`
		Priority    queue.Priority `json:"priority"`
		Result      string         `json:"result,omitempty"`
		Error       string         `json:"error,omitempty"`
		CompletedAt *time.Time     `json:"completed_at,omitempty"`
	}{
		ID:          task.ID,
		Status:      task.Status,
		Priority:    task.Priority,
		Result:      guard.Sanitize(task.Result),
		Error:       guard.Sanitize(task.Error),
		CompletedAt: task.CompletedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("notify_encode_failed")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("url", w.url).Msg("notify_request_failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Harrier-Event", "task.finished")

	resp, err := w.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", w.url).Msg("notify_delivery_failed")
		return
	}
	defer resp.Body.Close()

	log.Debug().
		Int("status", resp.StatusCode).
		Str("task_id", task.ID).
		Msg("notify_delivered")
}
