package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/events"
	"github.com/spec-kit/ticket-billing/internal/observability"
)

const maxWebhookBackoff = 30 * time.Second

// WebhookWorker posts billing events to the tenant-facing webhook endpoint. Events
// are queued by the dispatcher handler and delivered by a fixed pool of goroutines,
// so a slow endpoint never blocks a billing job.
type WebhookWorker struct {
	url         string
	client      *http.Client
	queue       chan events.Event
	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	metrics     *observability.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWebhookWorker returns nil when no webhook URL is configured.
func NewWebhookWorker(cfg config.NotificationConfig, logger *zap.Logger, metrics *observability.Metrics) *WebhookWorker {
	if cfg.WebhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.WebhookWorkers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.WebhookQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	attempts := cfg.WebhookMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &WebhookWorker{
		url:         cfg.WebhookURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan events.Event, queueSize),
		workers:     workers,
		maxAttempts: attempts,
		backoff:     500 * time.Millisecond,
		logger:      logger,
		metrics:     metrics,
	}
}

// Register subscribes the worker to billing notifications and transitions.
func (w *WebhookWorker) Register(dispatcher events.Dispatcher) {
	if w == nil || dispatcher == nil {
		return
	}
	dispatcher.Subscribe(events.EventNotificationRequested, w.enqueue)
	dispatcher.Subscribe(events.EventSubscriptionTransitioned, w.enqueue)
}

// Start launches the delivery goroutines.
func (w *WebhookWorker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop cancels in-flight deliveries and waits for the goroutines to exit.
func (w *WebhookWorker) Stop() {
	if w == nil || w.cancel == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
}

// enqueue never blocks the publisher; a full queue drops the event.
func (w *WebhookWorker) enqueue(_ context.Context, event events.Event) error {
	select {
	case w.queue <- event:
	default:
		w.logger.Warn("webhook queue full, event dropped",
			zap.String("event_id", event.ID),
			zap.String("type", string(event.Type)))
		w.metrics.RecordNotification(webhookKind(event), "webhook_dropped")
	}
	return nil
}

func (w *WebhookWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.queue:
			if err := w.deliver(ctx, event); err != nil {
				w.logger.Warn("webhook delivery failed",
					zap.String("event_id", event.ID),
					zap.String("tenant_id", event.TenantID),
					zap.Error(err))
				w.metrics.RecordNotification(webhookKind(event), "webhook_failed")
				continue
			}
			w.metrics.RecordNotification(webhookKind(event), "webhook_delivered")
		}
	}
}

func (w *WebhookWorker) deliver(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.backoffFor(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = w.post(ctx, event, body); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("after %d attempts: %w", w.maxAttempts, lastErr)
}

func (w *WebhookWorker) post(ctx context.Context, event events.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Billing-Event", string(event.Type))
	req.Header.Set("X-Billing-Delivery", event.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook returned status %d", resp.StatusCode)
}

func (w *WebhookWorker) backoffFor(attempt int) time.Duration {
	d := w.backoff << (attempt - 1)
	if d <= 0 || d > maxWebhookBackoff {
		return maxWebhookBackoff
	}
	return d
}

func webhookKind(event events.Event) string {
	if p, ok := event.Payload.(events.NotificationPayload); ok {
		return string(p.Type)
	}
	return string(event.Type)
}
