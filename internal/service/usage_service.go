package service

import (
	"context"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/observability"
	"github.com/spec-kit/ticket-billing/internal/repository"
)

// Gating denial reasons.
const (
	ReasonNoSubscription        = "no_subscription"
	ReasonSubscriptionInactive  = "subscription_inactive"
	ReasonPlanUnavailable       = "plan_unavailable"
	ReasonUsageUnavailable      = "usage_unavailable"
	ReasonActiveTicketLimit     = "active_ticket_limit_reached"
	ReasonTotalTicketLimit      = "total_ticket_limit_reached"
	ReasonCompletedTicketLimit  = "completed_ticket_limit_reached"
	defaultActivityLimit        = 10
	maxActivityLimit            = 100
	defaultNearLimitPercent     = 80.0
	defaultApproachingThreshold = 75.0
)

// GateDecision answers whether a tenant may perform a limited action.
type GateDecision struct {
	Allowed     bool                  `json:"allowed"`
	Reason      string                `json:"reason,omitempty"`
	PlanID      string                `json:"plan_id,omitempty"`
	Usage       *domain.UsageSnapshot `json:"usage,omitempty"`
	LimitStatus *domain.LimitStatus   `json:"limit_status,omitempty"`
}

// TenantUsage is one row of the approaching-limits scan.
type TenantUsage struct {
	TenantID       string               `json:"tenant_id"`
	SubscriptionID string               `json:"subscription_id"`
	PlanID         string               `json:"plan_id"`
	Usage          domain.UsageSnapshot `json:"usage"`
	LimitStatus    domain.LimitStatus   `json:"limit_status"`
}

// UsageTracker evaluates tenant consumption against plan limits.
type UsageTracker struct {
	subscriptions    repository.SubscriptionRepository
	counter          repository.TicketUsageRepository
	plans            PlanCatalog
	cache            UsageCache
	logger           *zap.Logger
	metrics          *observability.Metrics
	nearLimitPercent float64
	approachingLimit float64
}

// UsageDependencies bundles collaborators for the usage tracker.
type UsageDependencies struct {
	SubscriptionRepo         repository.SubscriptionRepository
	TicketCounter            repository.TicketUsageRepository
	Plans                    PlanCatalog
	Cache                    UsageCache
	Logger                   *zap.Logger
	Metrics                  *observability.Metrics
	NearLimitPercent         float64
	ApproachingLimitsPercent float64
}

// NewUsageTracker constructs the tracker.
func NewUsageTracker(deps UsageDependencies) *UsageTracker {
	near := deps.NearLimitPercent
	if near <= 0 {
		near = defaultNearLimitPercent
	}
	approaching := deps.ApproachingLimitsPercent
	if approaching <= 0 {
		approaching = defaultApproachingThreshold
	}
	return &UsageTracker{
		subscriptions:    deps.SubscriptionRepo,
		counter:          deps.TicketCounter,
		plans:            deps.Plans,
		cache:            deps.Cache,
		logger:           nopIfNil(deps.Logger),
		metrics:          deps.Metrics,
		nearLimitPercent: near,
		approachingLimit: approaching,
	}
}

// CanCreateTicket checks the active and total ticket limits.
func (u *UsageTracker) CanCreateTicket(ctx context.Context, tenantID string) GateDecision {
	decision := u.gate(ctx, tenantID, func(usage *domain.UsageSnapshot, limits domain.PlanLimits) string {
		if domain.LimitReached(usage.ActiveTickets, limits.ActiveTickets) {
			return ReasonActiveTicketLimit
		}
		if domain.LimitReached(usage.TotalTickets, limits.TotalTickets) {
			return ReasonTotalTicketLimit
		}
		return ""
	})
	u.metrics.RecordGatingDecision("create_ticket", decision.Allowed, decision.Reason)
	return decision
}

// CanCompleteTicket checks the completed ticket limit.
func (u *UsageTracker) CanCompleteTicket(ctx context.Context, tenantID string) GateDecision {
	decision := u.gate(ctx, tenantID, func(usage *domain.UsageSnapshot, limits domain.PlanLimits) string {
		if domain.LimitReached(usage.CompletedTickets, limits.CompletedTickets) {
			return ReasonCompletedTicketLimit
		}
		return ""
	})
	u.metrics.RecordGatingDecision("complete_ticket", decision.Allowed, decision.Reason)
	return decision
}

// gate fails closed: any lookup error becomes a denial with a reason code.
func (u *UsageTracker) gate(ctx context.Context, tenantID string, check func(*domain.UsageSnapshot, domain.PlanLimits) string) GateDecision {
	sub, err := u.subscriptions.GetCurrentByTenant(ctx, tenantID)
	if err != nil {
		if isNotFound(err) {
			return GateDecision{Reason: ReasonNoSubscription}
		}
		u.logger.Warn("gating denied: subscription lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		return GateDecision{Reason: ReasonUsageUnavailable}
	}
	if !sub.Status.GrantsAccess() {
		return GateDecision{Reason: ReasonSubscriptionInactive, PlanID: sub.PlanID}
	}

	plan, err := u.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		u.logger.Warn("gating denied: plan lookup failed",
			zap.String("tenant_id", tenantID),
			zap.String("plan_id", sub.PlanID),
			zap.Error(err))
		return GateDecision{Reason: ReasonPlanUnavailable, PlanID: sub.PlanID}
	}

	usage, err := u.usageForGating(ctx, tenantID, plan.Limits)
	if err != nil {
		u.logger.Warn("gating denied: usage unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return GateDecision{Reason: ReasonUsageUnavailable, PlanID: plan.ID}
	}

	status := EvaluateLimits(*usage, plan.Limits, u.nearLimitPercent)
	decision := GateDecision{
		Allowed:     true,
		PlanID:      plan.ID,
		Usage:       usage,
		LimitStatus: &status,
	}
	if reason := check(usage, plan.Limits); reason != "" {
		decision.Allowed = false
		decision.Reason = reason
	}
	return decision
}

// usageForGating trusts a cached snapshot only while it shows headroom below the
// near-limit percentage on every limited dimension. Near the limit a fresh read is
// required so a stale count can never allow overshoot.
func (u *UsageTracker) usageForGating(ctx context.Context, tenantID string, limits domain.PlanLimits) (*domain.UsageSnapshot, error) {
	if u.cache != nil {
		cached, ok, err := u.cache.Get(ctx, tenantID)
		if err != nil {
			u.logger.Debug("usage cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		if ok && err == nil {
			status := EvaluateLimits(*cached, limits, u.nearLimitPercent)
			if !status.IsAtLimit && !status.IsNearLimit {
				return cached, nil
			}
		}
	}
	return u.freshUsage(ctx, tenantID)
}

func (u *UsageTracker) freshUsage(ctx context.Context, tenantID string) (*domain.UsageSnapshot, error) {
	usage, err := u.counter.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if usage == nil {
		return nil, errors.New("ticket counter returned no usage")
	}
	if u.cache != nil {
		if err := u.cache.Set(ctx, tenantID, usage); err != nil {
			u.logger.Debug("usage cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	return usage, nil
}

// GetCurrentUsage returns the tenant's live usage and its limit status.
func (u *UsageTracker) GetCurrentUsage(ctx context.Context, tenantID string) (*TenantUsage, error) {
	sub, err := u.subscriptions.GetCurrentByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return u.usageFor(ctx, sub)
}

func (u *UsageTracker) usageFor(ctx context.Context, sub *domain.Subscription) (*TenantUsage, error) {
	plan, err := u.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	usage, err := u.freshUsage(ctx, sub.TenantID)
	if err != nil {
		return nil, err
	}
	return &TenantUsage{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		Usage:          *usage,
		LimitStatus:    EvaluateLimits(*usage, plan.Limits, u.nearLimitPercent),
	}, nil
}

// GetUsageForPeriod reports ticket activity within [from, to).
func (u *UsageTracker) GetUsageForPeriod(ctx context.Context, tenantID string, period domain.UsagePeriod) (*domain.PeriodUsage, error) {
	if !period.End.After(period.Start) {
		return nil, errors.New("period end must be after start")
	}
	return u.counter.GetUsageForPeriod(ctx, tenantID, period)
}

// GetRecentActivity returns recently updated tickets, newest first.
func (u *UsageTracker) GetRecentActivity(ctx context.Context, tenantID string, limit int) ([]domain.TicketActivity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return u.counter.ListRecentActivity(ctx, tenantID, limit)
}

// InvalidateUsage drops the cached snapshot after the ticket store changed.
func (u *UsageTracker) InvalidateUsage(ctx context.Context, tenantID string) error {
	if u.cache == nil {
		return nil
	}
	return u.cache.Invalidate(ctx, tenantID)
}

// GetUsersApproachingLimits scans every tenant holding access and returns those whose
// usage on any dimension exceeds thresholdPercent. A non-positive threshold uses the
// configured default. Tenants whose usage cannot be read are logged and skipped.
func (u *UsageTracker) GetUsersApproachingLimits(ctx context.Context, thresholdPercent float64) ([]TenantUsage, error) {
	if thresholdPercent <= 0 {
		thresholdPercent = u.approachingLimit
	}
	subs, err := u.subscriptions.ListByStatuses(ctx, []domain.SubscriptionStatus{
		domain.SubscriptionStatusTrial,
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusPastDue,
	})
	if err != nil {
		return nil, err
	}

	out := make([]TenantUsage, 0)
	for i := range subs {
		row, err := u.usageFor(ctx, &subs[i])
		if err != nil {
			u.logger.Warn("skipping tenant in limits scan",
				zap.String("tenant_id", subs[i].TenantID),
				zap.Error(err))
			continue
		}
		if row.LimitStatus.PercentageUsed.Max() > thresholdPercent {
			out = append(out, *row)
		}
	}
	return out, nil
}

// EvaluateLimits compares usage to limits. Unlimited dimensions report 0% and never
// count toward at-limit or near-limit.
func EvaluateLimits(usage domain.UsageSnapshot, limits domain.PlanLimits, nearLimitPercent float64) domain.LimitStatus {
	type dimension struct {
		used  int64
		limit int64
		pct   *float64
	}
	var status domain.LimitStatus
	dims := []dimension{
		{usage.ActiveTickets, limits.ActiveTickets, &status.PercentageUsed.Active},
		{usage.CompletedTickets, limits.CompletedTickets, &status.PercentageUsed.Completed},
		{usage.TotalTickets, limits.TotalTickets, &status.PercentageUsed.Total},
	}
	for _, d := range dims {
		*d.pct = PercentOf(d.used, d.limit)
		if d.limit == domain.Unlimited {
			continue
		}
		if domain.LimitReached(d.used, d.limit) {
			status.IsAtLimit = true
		}
		if *d.pct >= nearLimitPercent {
			status.IsNearLimit = true
		}
	}
	return status
}

// PercentOf returns used as a percentage of limit, rounded to two decimals.
func PercentOf(used, limit int64) float64 {
	switch {
	case limit == domain.Unlimited:
		return 0
	case limit <= 0:
		return 100
	}
	return math.Round(float64(used)*100/float64(limit)*100) / 100
}
