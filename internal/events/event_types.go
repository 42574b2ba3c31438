package events

import (
	"time"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventNotificationRequested    EventType = "notification_requested"
	EventSubscriptionTransitioned EventType = "subscription_transitioned"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID             string      `json:"id"`
	Type           EventType   `json:"type"`
	TenantID       string      `json:"tenant_id"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Payload        interface{} `json:"payload"`
}

// NotificationPayload asks for a tenant-facing notification.
type NotificationPayload struct {
	Type    domain.NotificationType `json:"type"`
	Context map[string]any          `json:"context,omitempty"`
}

// SubscriptionTransitionedPayload payload.
type SubscriptionTransitionedPayload struct {
	FromStatus domain.SubscriptionStatus `json:"from_status"`
	ToStatus   domain.SubscriptionStatus `json:"to_status"`
	Trigger    domain.TransitionTrigger  `json:"trigger"`
}
