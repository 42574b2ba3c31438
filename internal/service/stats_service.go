package service

import (
	"context"
	"fmt"
	"time"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/repository"
)

// SubscriptionStats is the operator overview of the subscription base.
type SubscriptionStats struct {
	ExpiredTrials    int                                 `json:"expired_trials"`
	ExpiringSoon     int                                 `json:"expiring_soon"`
	NearLimitTenants int                                 `json:"near_limit_tenants"`
	ByStatus         map[domain.SubscriptionStatus]int64 `json:"by_status"`
	GeneratedAt      time.Time                           `json:"generated_at"`
}

// StatsService answers the admin "subscription stats" query.
type StatsService struct {
	subscriptions repository.SubscriptionRepository
	usage         *UsageTracker
	trials        *TrialManager
	now           func() time.Time
}

// NewStatsService constructs the service.
func NewStatsService(subscriptions repository.SubscriptionRepository, usage *UsageTracker, trials *TrialManager, clock func() time.Time) *StatsService {
	return &StatsService{
		subscriptions: subscriptions,
		usage:         usage,
		trials:        trials,
		now:           clockOrDefault(clock),
	}
}

// GetSubscriptionStats counts unswept expired trials, trials ending inside the reminder
// window and tenants above the approaching-limits threshold.
func (s *StatsService) GetSubscriptionStats(ctx context.Context) (*SubscriptionStats, error) {
	now := s.now()
	stats := &SubscriptionStats{GeneratedAt: now}

	trials, err := s.subscriptions.ListByStatuses(ctx, []domain.SubscriptionStatus{domain.SubscriptionStatusTrial})
	if err != nil {
		return nil, fmt.Errorf("list trials: %w", err)
	}
	window := now.Add(time.Duration(s.trials.Policy().ReminderWindowDays) * day)
	for i := range trials {
		switch {
		case trials[i].IsTrialExpiredAt(now):
			stats.ExpiredTrials++
		case trials[i].TrialEnd != nil && trials[i].TrialEnd.Before(window):
			stats.ExpiringSoon++
		}
	}

	nearLimit, err := s.usage.GetUsersApproachingLimits(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("scan usage: %w", err)
	}
	stats.NearLimitTenants = len(nearLimit)

	byStatus, err := s.subscriptions.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	stats.ByStatus = byStatus
	return stats, nil
}
