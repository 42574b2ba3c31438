package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/repository"
)

const day = 24 * time.Hour

// TrialPolicy bounds trial lengths and reminders.
type TrialPolicy struct {
	DefaultTrialDays   int
	MaxTrialDays       int
	ReminderWindowDays int
	MaxExtensionDays   int
}

func (p TrialPolicy) withDefaults() TrialPolicy {
	if p.DefaultTrialDays <= 0 {
		p.DefaultTrialDays = 14
	}
	if p.MaxTrialDays <= 0 {
		p.MaxTrialDays = 90
	}
	if p.ReminderWindowDays <= 0 {
		p.ReminderWindowDays = 3
	}
	if p.MaxExtensionDays <= 0 {
		p.MaxExtensionDays = 90
	}
	return p
}

// TrialOptions configures StartTrial.
type TrialOptions struct {
	TrialDays        int
	SendWelcomeEmail bool
	Metadata         map[string]any
}

// ConvertOptions configures ConvertTrialToPaid.
type ConvertOptions struct {
	PaymentMethodRef        string
	ExternalCustomerRef     string
	ExternalSubscriptionRef string
	SendWelcomeEmail        bool
}

// TrialSweepResult summarizes ProcessExpiredTrials.
type TrialSweepResult struct {
	Processed int `json:"processed"`
	Cancelled int `json:"cancelled"`
	Errors    int `json:"errors"`
}

// ReminderResult summarizes SendTrialReminders.
type ReminderResult struct {
	Processed int `json:"processed"`
	Notified  int `json:"notified"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// TrialManager runs trial lifecycle operations on top of the subscription service.
type TrialManager struct {
	subscriptions *SubscriptionService
	repo          repository.SubscriptionRepository
	plans         PlanCatalog
	notifier      Notifier
	ledger        ReminderLedger
	policy        TrialPolicy
	logger        *zap.Logger
	now           func() time.Time
}

// TrialDependencies bundles collaborators for the trial manager.
type TrialDependencies struct {
	Subscriptions    *SubscriptionService
	SubscriptionRepo repository.SubscriptionRepository
	Plans            PlanCatalog
	Notifier         Notifier
	Ledger           ReminderLedger
	Policy           TrialPolicy
	Logger           *zap.Logger
	Clock            func() time.Time
}

// NewTrialManager constructs the manager.
func NewTrialManager(deps TrialDependencies) *TrialManager {
	return &TrialManager{
		subscriptions: deps.Subscriptions,
		repo:          deps.SubscriptionRepo,
		plans:         deps.Plans,
		notifier:      deps.Notifier,
		ledger:        deps.Ledger,
		policy:        deps.Policy.withDefaults(),
		logger:        nopIfNil(deps.Logger),
		now:           clockOrDefault(deps.Clock),
	}
}

// Policy returns the effective trial policy.
func (t *TrialManager) Policy() TrialPolicy {
	return t.policy
}

// StartTrial opens a trial subscription for a tenant on the given plan.
func (t *TrialManager) StartTrial(ctx context.Context, tenantID, planSlug string, opts TrialOptions) (*domain.Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant id required")
	}
	plan, err := t.plans.GetPlanBySlug(ctx, planSlug)
	if err != nil {
		return nil, err
	}

	days := opts.TrialDays
	if days == 0 {
		days = plan.TrialDays
	}
	if days == 0 {
		days = t.policy.DefaultTrialDays
	}
	if days < 0 || days > t.policy.MaxTrialDays {
		return nil, fmt.Errorf("%w: %d days (max %d)", domain.ErrInvalidTrialLength, days, t.policy.MaxTrialDays)
	}

	_, err = t.repo.GetCurrentByTenant(ctx, tenantID)
	switch {
	case err == nil:
		return nil, domain.ErrSubscriptionExists
	case !isNotFound(err):
		return nil, err
	}

	now := t.now()
	trialEnd := now.Add(time.Duration(days) * day)
	sub := &domain.Subscription{
		TenantID:           tenantID,
		PlanID:             plan.ID,
		Status:             domain.SubscriptionStatusTrial,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		TrialEnd:           &trialEnd,
		Metadata:           opts.Metadata,
	}
	details := map[string]any{"plan_slug": plan.Slug, "trial_days": days}
	if err := t.subscriptions.Create(ctx, sub, domain.TriggerTrialStarted, details); err != nil {
		return nil, err
	}

	t.logger.Info("trial started",
		zap.String("tenant_id", tenantID),
		zap.String("subscription_id", sub.ID),
		zap.String("plan_id", plan.ID),
		zap.Int("trial_days", days))
	if opts.SendWelcomeEmail {
		t.notify(ctx, sub, domain.NotificationTrialStarted, map[string]any{
			"plan_name": plan.Name,
			"trial_end": trialEnd,
		})
	}
	return sub, nil
}

// ConvertTrialToPaid moves a trial to active and attaches the payment references.
func (t *TrialManager) ConvertTrialToPaid(ctx context.Context, subscriptionID string, opts ConvertOptions) (*domain.Subscription, error) {
	if strings.TrimSpace(opts.PaymentMethodRef) == "" {
		return nil, domain.ErrPaymentMethodRequired
	}
	now := t.now()
	result, err := t.subscriptions.Transition(ctx, subscriptionID, domain.SubscriptionStatusActive, TransitionChange{
		Trigger:     domain.TriggerTrialConverted,
		RequireFrom: []domain.SubscriptionStatus{domain.SubscriptionStatusTrial},
		Details:     map[string]any{"payment_method_ref": opts.PaymentMethodRef},
		Mutate: func(sub *domain.Subscription) {
			sub.PaymentMethodRef = ptr(opts.PaymentMethodRef)
			if opts.ExternalCustomerRef != "" {
				sub.ExternalCustomerRef = ptr(opts.ExternalCustomerRef)
			}
			if opts.ExternalSubscriptionRef != "" {
				sub.ExternalSubscriptionRef = ptr(opts.ExternalSubscriptionRef)
			}
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = now.AddDate(0, 1, 0)
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		t.notify(ctx, result.Subscription, domain.NotificationTrialConverted, map[string]any{
			"send_welcome_email": opts.SendWelcomeEmail,
		})
	}
	return result.Subscription, nil
}

// CancelTrial ends a trial immediately.
func (t *TrialManager) CancelTrial(ctx context.Context, subscriptionID, reason string) (*domain.Subscription, error) {
	result, err := t.subscriptions.Transition(ctx, subscriptionID, domain.SubscriptionStatusCancelled, TransitionChange{
		Trigger:     domain.TriggerTrialCancelled,
		RequireFrom: []domain.SubscriptionStatus{domain.SubscriptionStatusTrial},
		Details:     map[string]any{"reason": reason},
		Mutate: func(sub *domain.Subscription) {
			if reason != "" {
				sub.CancellationReason = ptr(reason)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		t.notify(ctx, result.Subscription, domain.NotificationTrialCancelled, map[string]any{"reason": reason})
	}
	return result.Subscription, nil
}

// ExtendTrial pushes the trial end forward. Extending a trial whose end already
// passed counts the extra days from now.
func (t *TrialManager) ExtendTrial(ctx context.Context, subscriptionID string, additionalDays int, reason string) (*domain.Subscription, error) {
	if additionalDays <= 0 || additionalDays > t.policy.MaxExtensionDays {
		return nil, fmt.Errorf("%w: extension of %d days (max %d)", domain.ErrInvalidTrialLength, additionalDays, t.policy.MaxExtensionDays)
	}
	sub, err := t.repo.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != domain.SubscriptionStatusTrial {
		return nil, fmt.Errorf("%w: subscription is %s, not trial", domain.ErrInvalidTransition, sub.Status)
	}

	base := t.now()
	if sub.TrialEnd != nil && sub.TrialEnd.After(base) {
		base = *sub.TrialEnd
	}
	previous := sub.TrialEnd
	newEnd := base.Add(time.Duration(additionalDays) * day)
	sub.TrialEnd = &newEnd
	sub.CurrentPeriodEnd = newEnd

	details := map[string]any{
		"additional_days": additionalDays,
		"reason":          reason,
		"new_trial_end":   newEnd,
	}
	if previous != nil {
		details["previous_trial_end"] = *previous
	}
	won, err := t.subscriptions.Amend(ctx, sub, domain.TriggerTrialExtended, details)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, domain.ErrStaleStatus
	}
	t.notify(ctx, sub, domain.NotificationTrialExtended, map[string]any{
		"trial_end":       newEnd,
		"additional_days": additionalDays,
	})
	return sub, nil
}

// ProcessExpiredTrials cancels every trial whose end passed without conversion.
func (t *TrialManager) ProcessExpiredTrials(ctx context.Context) (TrialSweepResult, error) {
	var result TrialSweepResult
	trials, err := t.repo.ListByStatuses(ctx, []domain.SubscriptionStatus{domain.SubscriptionStatusTrial})
	if err != nil {
		return result, err
	}

	now := t.now()
	for i := range trials {
		sub := trials[i]
		if !sub.IsTrialExpiredAt(now) {
			continue
		}
		result.Processed++
		err := isolate(func() error {
			res, err := t.subscriptions.Transition(ctx, sub.ID, domain.SubscriptionStatusCancelled, TransitionChange{
				Trigger:     domain.TriggerTrialExpired,
				RequireFrom: []domain.SubscriptionStatus{domain.SubscriptionStatusTrial},
				Details:     map[string]any{"trial_end": *sub.TrialEnd},
				Mutate: func(next *domain.Subscription) {
					next.CancellationReason = ptr("trial_expired")
				},
			})
			if err != nil {
				return err
			}
			if res.Changed {
				result.Cancelled++
				t.notify(ctx, res.Subscription, domain.NotificationTrialExpired, map[string]any{"trial_end": *sub.TrialEnd})
			}
			return nil
		})
		if err != nil {
			result.Errors++
			t.logger.Error("expire trial failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		}
	}
	return result, nil
}

// SendTrialReminders notifies tenants whose trial ends within the reminder window.
// Each trial end is reminded at most once.
func (t *TrialManager) SendTrialReminders(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult
	now := t.now()
	window := now.Add(time.Duration(t.policy.ReminderWindowDays) * day)
	trials, err := t.repo.ListTrialsEndingBetween(ctx, now, window)
	if err != nil {
		return result, err
	}

	for i := range trials {
		sub := trials[i]
		if sub.TrialEnd == nil {
			continue
		}
		result.Processed++
		err := isolate(func() error {
			if t.ledger != nil {
				first, err := t.ledger.MarkSent(ctx, sub.ID, *sub.TrialEnd)
				if err != nil {
					return err
				}
				if !first {
					result.Skipped++
					return nil
				}
			}
			t.notify(ctx, &sub, domain.NotificationTrialEndingSoon, map[string]any{
				"trial_end":      *sub.TrialEnd,
				"days_remaining": sub.TrialDaysRemainingAt(now),
			})
			result.Notified++
			return nil
		})
		if err != nil {
			result.Errors++
			t.logger.Error("trial reminder failed", zap.String("subscription_id", sub.ID), zap.Error(err))
		}
	}
	return result, nil
}

func (t *TrialManager) notify(ctx context.Context, sub *domain.Subscription, notificationType domain.NotificationType, extra map[string]any) {
	if t.notifier == nil {
		return
	}
	payload := map[string]any{
		"subscription_id": sub.ID,
		"plan_id":         sub.PlanID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	t.notifier.Send(ctx, sub.TenantID, notificationType, payload)
}
