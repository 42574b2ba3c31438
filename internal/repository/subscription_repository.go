package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// SubscriptionRepository encapsulates subscription persistence.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	GetByID(ctx context.Context, id string) (*domain.Subscription, error)
	GetCurrentByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error)
	ListByStatuses(ctx context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error)
	ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error)
	ListPendingPeriodEndCancellations(ctx context.Context, now time.Time) ([]domain.Subscription, error)
	// UpdateIfStatus persists sub only while the stored status still equals expected.
	UpdateIfStatus(ctx context.Context, sub *domain.Subscription, expected domain.SubscriptionStatus) (bool, error)
	CountByStatus(ctx context.Context) (map[domain.SubscriptionStatus]int64, error)
	CountByStatusCreatedBetween(ctx context.Context, from, to time.Time) (map[domain.SubscriptionStatus]int64, error)
}

type subscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepository returns a Postgres-backed implementation.
func NewSubscriptionRepository(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepository{pool: pool}
}

const subscriptionColumns = `id, tenant_id, plan_id, status, current_period_start, current_period_end,
        trial_end, cancel_at_period_end, external_customer_ref, external_subscription_ref,
        payment_method_ref, cancellation_reason, cancelled_at, metadata, created_at, updated_at`

func (r *subscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	const query = `
        INSERT INTO subscriptions (id, tenant_id, plan_id, status, current_period_start, current_period_end,
            trial_end, cancel_at_period_end, external_customer_ref, external_subscription_ref,
            payment_method_ref, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        RETURNING created_at, updated_at`
	metadata := sub.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	err := r.pool.QueryRow(ctx, query,
		sub.ID,
		sub.TenantID,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.ExternalCustomerRef,
		sub.ExternalSubscriptionRef,
		sub.PaymentMethodRef,
		metadata,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrSubscriptionExists
	}
	return err
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=$1`
	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translateNotFound(err, domain.ErrSubscriptionNotFound)
	}
	return sub, nil
}

func (r *subscriptionRepository) GetCurrentByTenant(ctx context.Context, tenantID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE tenant_id=$1 AND status <> 'cancelled'
        ORDER BY created_at DESC LIMIT 1`
	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, tenantID))
	if err != nil {
		return nil, translateNotFound(err, domain.ErrSubscriptionNotFound)
	}
	return sub, nil
}

func (r *subscriptionRepository) ListByStatuses(ctx context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE status = ANY($1) ORDER BY created_at ASC`
	return r.list(ctx, query, statusStrings(statuses))
}

func (r *subscriptionRepository) ListTrialsEndingBetween(ctx context.Context, from, to time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE status = 'trial' AND trial_end >= $1 AND trial_end < $2
        ORDER BY trial_end ASC`
	return r.list(ctx, query, from, to)
}

func (r *subscriptionRepository) ListPendingPeriodEndCancellations(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
        WHERE cancel_at_period_end AND status <> 'cancelled' AND current_period_end < $1
        ORDER BY current_period_end ASC`
	return r.list(ctx, query, now)
}

func (r *subscriptionRepository) UpdateIfStatus(ctx context.Context, sub *domain.Subscription, expected domain.SubscriptionStatus) (bool, error) {
	const query = `
        UPDATE subscriptions SET plan_id=$1, status=$2, current_period_start=$3, current_period_end=$4,
            trial_end=$5, cancel_at_period_end=$6, external_customer_ref=$7, external_subscription_ref=$8,
            payment_method_ref=$9, cancellation_reason=$10, cancelled_at=$11, metadata=$12, updated_at=NOW()
        WHERE id=$13 AND status=$14
        RETURNING updated_at`
	metadata := sub.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	err := r.pool.QueryRow(ctx, query,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.TrialEnd,
		sub.CancelAtPeriodEnd,
		sub.ExternalCustomerRef,
		sub.ExternalSubscriptionRef,
		sub.PaymentMethodRef,
		sub.CancellationReason,
		sub.CancelledAt,
		metadata,
		sub.ID,
		expected,
	).Scan(&sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *subscriptionRepository) CountByStatus(ctx context.Context) (map[domain.SubscriptionStatus]int64, error) {
	const query = `SELECT status, COUNT(*) FROM subscriptions GROUP BY status`
	return r.countByStatus(ctx, query)
}

func (r *subscriptionRepository) CountByStatusCreatedBetween(ctx context.Context, from, to time.Time) (map[domain.SubscriptionStatus]int64, error) {
	const query = `SELECT status, COUNT(*) FROM subscriptions
        WHERE created_at >= $1 AND created_at < $2 GROUP BY status`
	return r.countByStatus(ctx, query, from, to)
}

func (r *subscriptionRepository) countByStatus(ctx context.Context, query string, args ...any) (map[domain.SubscriptionStatus]int64, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.SubscriptionStatus]int64)
	for rows.Next() {
		var (
			status domain.SubscriptionStatus
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *subscriptionRepository) list(ctx context.Context, query string, args ...any) ([]domain.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		result = append(result, *sub)
	}
	return result, rows.Err()
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := row.Scan(
		&sub.ID,
		&sub.TenantID,
		&sub.PlanID,
		&sub.Status,
		&sub.CurrentPeriodStart,
		&sub.CurrentPeriodEnd,
		&sub.TrialEnd,
		&sub.CancelAtPeriodEnd,
		&sub.ExternalCustomerRef,
		&sub.ExternalSubscriptionRef,
		&sub.PaymentMethodRef,
		&sub.CancellationReason,
		&sub.CancelledAt,
		&sub.Metadata,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sub, nil
}

func statusStrings(statuses []domain.SubscriptionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
