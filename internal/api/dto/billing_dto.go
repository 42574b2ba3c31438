package dto

import (
	"time"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// AdminLoginRequest payload for operator login.
type AdminLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// AuthResponse standard response for auth endpoints.
type AuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartTrialRequest opens a trial for the tenant in the path.
type StartTrialRequest struct {
	Plan             string         `json:"plan" validate:"required"`
	TrialDays        int            `json:"trial_days" validate:"gte=0"`
	SendWelcomeEmail bool           `json:"send_welcome_email"`
	Metadata         map[string]any `json:"metadata"`
}

// ConvertTrialRequest attaches a payment method and activates the subscription.
type ConvertTrialRequest struct {
	PaymentMethodRef        string `json:"payment_method_ref" validate:"required"`
	ExternalCustomerRef     string `json:"external_customer_ref"`
	ExternalSubscriptionRef string `json:"external_subscription_ref"`
	SendWelcomeEmail        bool   `json:"send_welcome_email"`
}

// CancelRequest cancels a subscription now or at period end.
type CancelRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason" validate:"max=500"`
}

// ExtendTrialRequest pushes a trial end forward.
type ExtendTrialRequest struct {
	AdditionalDays int    `json:"additional_days" validate:"required,gt=0"`
	Reason         string `json:"reason" validate:"max=500"`
}

// SubscriptionResponse is the public view of a subscription.
type SubscriptionResponse struct {
	ID                      string                    `json:"id"`
	TenantID                string                    `json:"tenant_id"`
	PlanID                  string                    `json:"plan_id"`
	Status                  domain.SubscriptionStatus `json:"status"`
	CurrentPeriodStart      time.Time                 `json:"current_period_start"`
	CurrentPeriodEnd        time.Time                 `json:"current_period_end"`
	TrialEnd                *time.Time                `json:"trial_end,omitempty"`
	TrialDaysRemaining      int                       `json:"trial_days_remaining,omitempty"`
	CancelAtPeriodEnd       bool                      `json:"cancel_at_period_end"`
	CancelledAt             *time.Time                `json:"cancelled_at,omitempty"`
	CancellationReason      *string                   `json:"cancellation_reason,omitempty"`
	ExternalSubscriptionRef *string                   `json:"external_subscription_ref,omitempty"`
	Metadata                map[string]any            `json:"metadata,omitempty"`
	CreatedAt               time.Time                 `json:"created_at"`
	UpdatedAt               time.Time                 `json:"updated_at"`
}

// NewSubscriptionResponse maps the domain model.
func NewSubscriptionResponse(sub *domain.Subscription, now time.Time) SubscriptionResponse {
	return SubscriptionResponse{
		ID:                      sub.ID,
		TenantID:                sub.TenantID,
		PlanID:                  sub.PlanID,
		Status:                  sub.Status,
		CurrentPeriodStart:      sub.CurrentPeriodStart,
		CurrentPeriodEnd:        sub.CurrentPeriodEnd,
		TrialEnd:                sub.TrialEnd,
		TrialDaysRemaining:      sub.TrialDaysRemainingAt(now),
		CancelAtPeriodEnd:       sub.CancelAtPeriodEnd,
		CancelledAt:             sub.CancelledAt,
		CancellationReason:      sub.CancellationReason,
		ExternalSubscriptionRef: sub.ExternalSubscriptionRef,
		Metadata:                sub.Metadata,
		CreatedAt:               sub.CreatedAt,
		UpdatedAt:               sub.UpdatedAt,
	}
}

// SubscriptionEventResponse is one entry of the transition audit log.
type SubscriptionEventResponse struct {
	ID         string                     `json:"id"`
	FromStatus *domain.SubscriptionStatus `json:"from_status"`
	ToStatus   domain.SubscriptionStatus  `json:"to_status"`
	Trigger    domain.TransitionTrigger   `json:"trigger"`
	Details    map[string]any             `json:"details,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
}

// UsageResponse is the usage view returned to tenants.
type UsageResponse struct {
	TenantID       string               `json:"tenant_id"`
	SubscriptionID string               `json:"subscription_id"`
	PlanID         string               `json:"plan_id"`
	Usage          domain.UsageSnapshot `json:"usage"`
	Limits         *domain.PlanLimits   `json:"limits,omitempty"`
	LimitStatus    domain.LimitStatus   `json:"limit_status"`
}
