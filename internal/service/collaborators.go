package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// Notifier dispatches tenant-facing notifications. Delivery is fire-and-forget:
// failures are logged by the implementation and never returned to callers.
type Notifier interface {
	Send(ctx context.Context, tenantID string, notificationType domain.NotificationType, payload map[string]any)
}

// PlanCatalog resolves plan definitions.
type PlanCatalog interface {
	GetPlan(ctx context.Context, planID string) (*domain.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*domain.Plan, error)
}

// UsageCache stores short-lived usage snapshots.
type UsageCache interface {
	Get(ctx context.Context, tenantID string) (*domain.UsageSnapshot, bool, error)
	Set(ctx context.Context, tenantID string, snapshot *domain.UsageSnapshot) error
	Invalidate(ctx context.Context, tenantID string) error
}

// ReminderLedger deduplicates trial reminders across repeated sweeps.
type ReminderLedger interface {
	MarkSent(ctx context.Context, subscriptionID string, trialEnd time.Time) (bool, error)
}

// SweepResult summarizes a scheduled sweep over subscriptions.
type SweepResult struct {
	Processed int `json:"processed"`
	Changed   int `json:"changed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// isolate runs fn and converts a panic into an error so one unit of work
// cannot take down the rest of a batch.
func isolate(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func clockOrDefault(clock func() time.Time) func() time.Time {
	if clock == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return clock
}

func ptr[T any](v T) *T {
	return &v
}
