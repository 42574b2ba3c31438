package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/events"
	"github.com/spec-kit/ticket-billing/internal/observability"
	"github.com/spec-kit/ticket-billing/internal/repository"
)

// SubscriptionService owns the subscription status machine. Every status change
// goes through Transition so the guard, audit trail and side effects stay in one place.
type SubscriptionService struct {
	subscriptions repository.SubscriptionRepository
	history       repository.SubscriptionEventRepository
	dispatcher    events.Dispatcher
	notifier      Notifier
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
}

// SubscriptionDependencies bundles collaborators for the subscription service.
type SubscriptionDependencies struct {
	SubscriptionRepo repository.SubscriptionRepository
	EventRepo        repository.SubscriptionEventRepository
	Dispatcher       events.Dispatcher
	Notifier         Notifier
	Logger           *zap.Logger
	Metrics          *observability.Metrics
	Clock            func() time.Time
}

// NewSubscriptionService constructs the service.
func NewSubscriptionService(deps SubscriptionDependencies) *SubscriptionService {
	return &SubscriptionService{
		subscriptions: deps.SubscriptionRepo,
		history:       deps.EventRepo,
		dispatcher:    deps.Dispatcher,
		notifier:      deps.Notifier,
		logger:        nopIfNil(deps.Logger),
		metrics:       deps.Metrics,
		now:           clockOrDefault(deps.Clock),
	}
}

// TransitionChange describes a requested status change.
type TransitionChange struct {
	Trigger domain.TransitionTrigger
	Details map[string]any
	// RequireFrom restricts the statuses the change may start from.
	RequireFrom []domain.SubscriptionStatus
	// Mutate applies extra field changes in the same write as the status change.
	Mutate func(sub *domain.Subscription)
}

// TransitionResult reports what a transition did.
type TransitionResult struct {
	Subscription *domain.Subscription
	From         domain.SubscriptionStatus
	Changed      bool
}

// CancelOptions controls explicit cancellation.
type CancelOptions struct {
	Immediate bool
	Reason    string
}

// Get returns a subscription by id.
func (s *SubscriptionService) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	return s.subscriptions.GetByID(ctx, id)
}

// GetForTenant returns the tenant's open subscription.
func (s *SubscriptionService) GetForTenant(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	return s.subscriptions.GetCurrentByTenant(ctx, tenantID)
}

// History returns the audit trail of a subscription, oldest first.
func (s *SubscriptionService) History(ctx context.Context, id string) ([]domain.SubscriptionEvent, error) {
	if s.history == nil {
		return []domain.SubscriptionEvent{}, nil
	}
	return s.history.ListBySubscription(ctx, id)
}

// Create persists a new subscription and records its initial audit entry.
func (s *SubscriptionService) Create(ctx context.Context, sub *domain.Subscription, trigger domain.TransitionTrigger, details map[string]any) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if !sub.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, sub.Status)
	}
	if err := s.subscriptions.Create(ctx, sub); err != nil {
		return err
	}
	s.recordEvent(ctx, sub, nil, trigger, details)
	return nil
}

// Transition moves a subscription to the target status. The write is guarded on the
// status that was read, so concurrent callers race on the store: exactly one wins and
// the others observe Changed=false. Entering suspended notifies the tenant once, from
// the winner only.
func (s *SubscriptionService) Transition(ctx context.Context, id string, to domain.SubscriptionStatus, change TransitionChange) (*TransitionResult, error) {
	sub, err := s.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transitionFrom(ctx, sub, to, change)
}

func (s *SubscriptionService) transitionFrom(ctx context.Context, sub *domain.Subscription, to domain.SubscriptionStatus, change TransitionChange) (*TransitionResult, error) {
	from := sub.Status
	if from == to {
		return &TransitionResult{Subscription: sub, From: from}, nil
	}
	if len(change.RequireFrom) > 0 && !containsStatus(change.RequireFrom, from) {
		return nil, fmt.Errorf("%w: %s is not one of %v", domain.ErrInvalidTransition, from, change.RequireFrom)
	}
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	next := *sub
	next.Status = to
	if to == domain.SubscriptionStatusCancelled {
		now := s.now()
		next.CancelledAt = &now
	}
	if change.Mutate != nil {
		change.Mutate(&next)
	}

	won, err := s.subscriptions.UpdateIfStatus(ctx, &next, from)
	if err != nil {
		return nil, err
	}
	if !won {
		current, err := s.subscriptions.GetByID(ctx, sub.ID)
		if err != nil {
			return nil, err
		}
		if current.Status == to {
			return &TransitionResult{Subscription: current, From: current.Status}, nil
		}
		return nil, fmt.Errorf("%w: expected %s, found %s", domain.ErrStaleStatus, from, current.Status)
	}

	s.metrics.RecordTransition(string(from), string(to))
	s.logger.Info("subscription transitioned",
		zap.String("subscription_id", next.ID),
		zap.String("tenant_id", next.TenantID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(change.Trigger)))
	s.recordEvent(ctx, &next, &from, change.Trigger, change.Details)
	s.publishTransition(ctx, &next, from, change.Trigger)

	if to == domain.SubscriptionStatusSuspended {
		s.notify(ctx, &next, domain.NotificationSubscriptionSuspended, change.Details)
	}
	return &TransitionResult{Subscription: &next, From: from, Changed: true}, nil
}

// Amend persists non-status changes guarded on the current status.
func (s *SubscriptionService) Amend(ctx context.Context, sub *domain.Subscription, trigger domain.TransitionTrigger, details map[string]any) (bool, error) {
	won, err := s.subscriptions.UpdateIfStatus(ctx, sub, sub.Status)
	if err != nil || !won {
		return won, err
	}
	status := sub.Status
	s.recordEvent(ctx, sub, &status, trigger, details)
	return true, nil
}

// DeriveStatus is the single rule deciding what an invoice observation means for the
// owning subscription. Suspension is never derived here; it is owned by the failed
// payments job.
func DeriveStatus(current domain.SubscriptionStatus, invoiceStatus domain.BillingRecordStatus, attemptCount int) domain.SubscriptionStatus {
	switch {
	case invoiceStatus == domain.BillingStatusPaid && current == domain.SubscriptionStatusPastDue:
		return domain.SubscriptionStatusActive
	case invoiceStatus == domain.BillingStatusOpen && attemptCount > 0 && current == domain.SubscriptionStatusActive:
		return domain.SubscriptionStatusPastDue
	default:
		return current
	}
}

// ApplyInvoiceOutcome re-derives the subscription status from the invoice state and
// applies the resulting transition, if any.
func (s *SubscriptionService) ApplyInvoiceOutcome(ctx context.Context, subscriptionID string, record *domain.BillingRecord) (*TransitionResult, error) {
	sub, err := s.subscriptions.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	target := DeriveStatus(sub.Status, record.Status, record.AttemptCount)
	if target == sub.Status {
		return &TransitionResult{Subscription: sub, From: sub.Status}, nil
	}

	trigger := domain.TriggerPaymentFailed
	if target == domain.SubscriptionStatusActive {
		trigger = domain.TriggerPaymentRecovered
	}
	result, err := s.transitionFrom(ctx, sub, target, TransitionChange{
		Trigger: trigger,
		Details: map[string]any{
			"billing_record_id": record.ID,
			"invoice_ref":       record.ExternalInvoiceRef,
			"attempt_count":     record.AttemptCount,
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Changed && target == domain.SubscriptionStatusActive {
		s.notify(ctx, result.Subscription, domain.NotificationPaymentRecovered, map[string]any{
			"invoice_ref": record.ExternalInvoiceRef,
		})
	}
	return result, nil
}

// Cancel cancels a subscription immediately or schedules it for the end of the period.
func (s *SubscriptionService) Cancel(ctx context.Context, id string, opts CancelOptions) (*domain.Subscription, error) {
	sub, err := s.subscriptions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: subscription already cancelled", domain.ErrInvalidTransition)
	}

	var reason *string
	if opts.Reason != "" {
		reason = ptr(opts.Reason)
	}
	details := map[string]any{"reason": opts.Reason, "immediate": opts.Immediate}

	if !opts.Immediate && sub.Status != domain.SubscriptionStatusTrial {
		if sub.CancelAtPeriodEnd {
			return sub, nil
		}
		sub.CancelAtPeriodEnd = true
		sub.CancellationReason = reason
		won, err := s.Amend(ctx, sub, domain.TriggerCancelScheduled, details)
		if err != nil {
			return nil, err
		}
		if !won {
			return nil, domain.ErrStaleStatus
		}
		return sub, nil
	}

	result, err := s.transitionFrom(ctx, sub, domain.SubscriptionStatusCancelled, TransitionChange{
		Trigger: domain.TriggerCancelledByUser,
		Details: details,
		Mutate: func(next *domain.Subscription) {
			next.CancellationReason = reason
		},
	})
	if err != nil {
		return nil, err
	}
	if result.Changed {
		s.notify(ctx, result.Subscription, domain.NotificationSubscriptionCancelled, details)
	}
	return result.Subscription, nil
}

// ProcessPeriodEndCancellations cancels subscriptions scheduled to end whose period closed.
func (s *SubscriptionService) ProcessPeriodEndCancellations(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	due, err := s.subscriptions.ListPendingPeriodEndCancellations(ctx, s.now())
	if err != nil {
		return result, err
	}

	for i := range due {
		sub := due[i]
		result.Processed++
		err := isolate(func() error {
			res, err := s.transitionFrom(ctx, &sub, domain.SubscriptionStatusCancelled, TransitionChange{
				Trigger: domain.TriggerPeriodEndCancelled,
				Details: map[string]any{"period_end": sub.CurrentPeriodEnd},
			})
			if err != nil {
				return err
			}
			if !res.Changed {
				result.Skipped++
				return nil
			}
			result.Changed++
			s.notify(ctx, res.Subscription, domain.NotificationSubscriptionCancelled, map[string]any{
				"period_end": sub.CurrentPeriodEnd,
			})
			return nil
		})
		if err != nil {
			result.Errors++
			s.logger.Error("period end cancellation failed",
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		}
	}
	return result, nil
}

func (s *SubscriptionService) notify(ctx context.Context, sub *domain.Subscription, notificationType domain.NotificationType, extra map[string]any) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"subscription_id": sub.ID,
		"plan_id":         sub.PlanID,
		"status":          string(sub.Status),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.notifier.Send(ctx, sub.TenantID, notificationType, payload)
}

func (s *SubscriptionService) recordEvent(ctx context.Context, sub *domain.Subscription, from *domain.SubscriptionStatus, trigger domain.TransitionTrigger, details map[string]any) {
	if s.history == nil {
		return
	}
	entry := &domain.SubscriptionEvent{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		FromStatus:     from,
		ToStatus:       sub.Status,
		Trigger:        trigger,
		Details:        details,
	}
	if err := s.history.Create(ctx, entry); err != nil {
		s.logger.Warn("failed to record subscription event",
			zap.String("subscription_id", sub.ID),
			zap.String("trigger", string(trigger)),
			zap.Error(err))
	}
}

func (s *SubscriptionService) publishTransition(ctx context.Context, sub *domain.Subscription, from domain.SubscriptionStatus, trigger domain.TransitionTrigger) {
	if s.dispatcher == nil {
		return
	}
	err := s.dispatcher.Publish(ctx, events.Event{
		ID:             uuid.NewString(),
		Type:           events.EventSubscriptionTransitioned,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Timestamp:      s.now(),
		Payload: events.SubscriptionTransitionedPayload{
			FromStatus: from,
			ToStatus:   sub.Status,
			Trigger:    trigger,
		},
	})
	if err != nil {
		s.logger.Warn("subscription event handler failed", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
}

func containsStatus(list []domain.SubscriptionStatus, status domain.SubscriptionStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

// isNotFound reports whether err means the subscription does not exist.
func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrSubscriptionNotFound)
}
