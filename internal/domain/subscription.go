package domain

import "time"

// SubscriptionStatus enumerates lifecycle states for a tenant subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "trial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// AllSubscriptionStatuses lists every known status in lifecycle order.
var AllSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusTrial,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusSuspended,
	SubscriptionStatusCancelled,
}

// IsValid reports whether s is a known status.
func (s SubscriptionStatus) IsValid() bool {
	for _, known := range AllSubscriptionStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled
}

// GrantsAccess reports whether tenants in this status may consume plan resources.
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusTrial:     {SubscriptionStatusActive, SubscriptionStatusCancelled},
	SubscriptionStatusActive:    {SubscriptionStatusPastDue, SubscriptionStatusCancelled},
	SubscriptionStatusPastDue:   {SubscriptionStatusActive, SubscriptionStatusSuspended, SubscriptionStatusCancelled},
	SubscriptionStatusSuspended: {SubscriptionStatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from one status to another.
func CanTransition(from, to SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionTrigger records why a subscription changed status.
type TransitionTrigger string

const (
	TriggerTrialStarted       TransitionTrigger = "trial_started"
	TriggerTrialConverted     TransitionTrigger = "trial_converted"
	TriggerTrialCancelled     TransitionTrigger = "trial_cancelled"
	TriggerTrialExpired       TransitionTrigger = "trial_expired"
	TriggerTrialExtended      TransitionTrigger = "trial_extended"
	TriggerPaymentFailed      TransitionTrigger = "payment_failed"
	TriggerPaymentRecovered   TransitionTrigger = "payment_recovered"
	TriggerPaymentEscalated   TransitionTrigger = "payment_escalated"
	TriggerCancelledByUser    TransitionTrigger = "cancelled_by_user"
	TriggerCancelScheduled    TransitionTrigger = "cancel_scheduled"
	TriggerPeriodEndCancelled TransitionTrigger = "period_end_cancellation"
)

// Subscription is the per-tenant billing aggregate.
type Subscription struct {
	ID                      string
	TenantID                string
	PlanID                  string
	Status                  SubscriptionStatus
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	TrialEnd                *time.Time
	CancelAtPeriodEnd       bool
	ExternalCustomerRef     *string
	ExternalSubscriptionRef *string
	PaymentMethodRef        *string
	CancellationReason      *string
	CancelledAt             *time.Time
	Metadata                map[string]any
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HasExternalRef reports whether the subscription is linked to the payment gateway.
func (s *Subscription) HasExternalRef() bool {
	return s.ExternalSubscriptionRef != nil && *s.ExternalSubscriptionRef != ""
}

// IsTrialExpiredAt reports whether the trial window closed before now.
func (s *Subscription) IsTrialExpiredAt(now time.Time) bool {
	if s.Status != SubscriptionStatusTrial || s.TrialEnd == nil {
		return false
	}
	return s.TrialEnd.Before(now)
}

// TrialDaysRemainingAt returns whole days left in the trial, rounding partial days up.
func (s *Subscription) TrialDaysRemainingAt(now time.Time) int {
	if s.Status != SubscriptionStatusTrial || s.TrialEnd == nil {
		return 0
	}
	remaining := s.TrialEnd.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// SubscriptionEvent is an immutable audit entry for a lifecycle change.
type SubscriptionEvent struct {
	ID             string
	SubscriptionID string
	TenantID       string
	FromStatus     *SubscriptionStatus
	ToStatus       SubscriptionStatus
	Trigger        TransitionTrigger
	Details        map[string]any
	CreatedAt      time.Time
}
