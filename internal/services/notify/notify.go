// Package notify delivers upload events to users and other systems.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kbupload/internal/services/upload"

	"github.com/go-resty/resty/v2"
)

// LogNotifier writes every event to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, event upload.Event) {
	switch event.Kind {
	case upload.EventQueued:
		n.logger.InfoContext(ctx, "files added to upload queue",
			"count", event.Count,
			"target_id", event.TargetID)
	case upload.EventCompleted:
		n.logger.InfoContext(ctx, "file processed",
			"task_id", event.TaskID,
			"filename", event.Filename,
			"target_id", event.TargetID)
	case upload.EventFailed:
		n.logger.WarnContext(ctx, "file upload failed",
			"task_id", event.TaskID,
			"filename", event.Filename,
			"target_id", event.TargetID,
			"error", event.Message)
	default:
		n.logger.InfoContext(ctx, "upload event", "kind", event.Kind, "task_id", event.TaskID)
	}
}

// WebhookNotifier POSTs each event as JSON to a fixed URL. Delivery happens
// in the background and failures are only logged.
type WebhookNotifier struct {
	url     string
	http    *resty.Client
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewWebhookNotifier creates a webhook sink. Each delivery is bounded by
// timeout.
func NewWebhookNotifier(url string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url: url,
		http: resty.New().
			SetHeader("User-Agent", "kbupload").
			SetHeader("Content-Type", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		timeout: timeout,
		logger:  logger.With("component", "webhook_notifier"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event upload.Event) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		resp, err := n.http.R().
			SetContext(sendCtx).
			SetBody(event).
			Post(n.url)
		if err != nil {
			n.logger.Warn("webhook delivery failed", "kind", event.Kind, "task_id", event.TaskID, "error", err)
			return
		}
		if resp.IsError() {
			n.logger.Warn("webhook rejected event",
				"kind", event.Kind,
				"task_id", event.TaskID,
				"status", resp.StatusCode())
		}
	}()
}

// Wait blocks until every pending delivery has finished.
func (n *WebhookNotifier) Wait() {
	n.wg.Wait()
}

// Multi fans an event out to several notifiers in order.
type Multi []upload.Notifier

func (m Multi) Notify(ctx context.Context, event upload.Event) {
	for _, n := range m {
		n.Notify(ctx, event)
	}
}
