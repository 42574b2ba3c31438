package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/events"
	"github.com/spec-kit/ticket-billing/internal/observability"
)

// NotificationService turns billing notifications into dispatched events. Webhook
// delivery is done by worker.WebhookWorker subscribing to the same dispatcher.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	metrics    *observability.Metrics
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig, metrics *observability.Metrics) *NotificationService {
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     nopIfNil(logger),
		cfg:        cfg,
		metrics:    metrics,
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventNotificationRequested, n.handleNotificationRequested)
	n.dispatcher.Subscribe(events.EventSubscriptionTransitioned, n.handleSubscriptionTransitioned)
}

// Send publishes a notification request. It never fails the caller.
func (n *NotificationService) Send(ctx context.Context, tenantID string, notificationType domain.NotificationType, payload map[string]any) {
	if n.dispatcher == nil {
		n.logger.Warn("notification dropped: no dispatcher",
			zap.String("tenant_id", tenantID),
			zap.String("type", string(notificationType)))
		n.metrics.RecordNotification(string(notificationType), "dropped")
		return
	}

	event := events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventNotificationRequested,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Payload:   events.NotificationPayload{Type: notificationType, Context: payload},
	}
	if subID, ok := payload["subscription_id"].(string); ok {
		event.SubscriptionID = subID
	}

	if err := n.dispatcher.Publish(ctx, event); err != nil {
		n.logger.Warn("notification delivery failed",
			zap.String("tenant_id", tenantID),
			zap.String("type", string(notificationType)),
			zap.Error(err))
		n.metrics.RecordNotification(string(notificationType), "failed")
		return
	}
	n.metrics.RecordNotification(string(notificationType), "sent")
}

func (n *NotificationService) handleNotificationRequested(ctx context.Context, event events.Event) error {
	payload, _ := event.Payload.(events.NotificationPayload)
	n.logger.Info("BillingNotification",
		zap.String("tenant_id", event.TenantID),
		zap.String("type", string(payload.Type)),
		zap.Any("context", payload.Context))
	n.sendEmailNotificationStub(ctx, event, string(payload.Type))
	return nil
}

func (n *NotificationService) handleSubscriptionTransitioned(_ context.Context, event events.Event) error {
	n.logger.Info("SubscriptionTransitioned",
		zap.String("tenant_id", event.TenantID),
		zap.String("subscription_id", event.SubscriptionID),
		zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) sendEmailNotificationStub(_ context.Context, event events.Event, kind string) {
	if strings.TrimSpace(n.cfg.EmailFrom) == "" {
		return
	}
	n.logger.Debug("sendEmailNotificationStub",
		zap.String("from", n.cfg.EmailFrom),
		zap.String("tenant_id", event.TenantID),
		zap.String("kind", kind))
}
