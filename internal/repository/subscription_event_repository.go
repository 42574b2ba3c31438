package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// SubscriptionEventRepository stores lifecycle audit entries.
type SubscriptionEventRepository interface {
	Create(ctx context.Context, event *domain.SubscriptionEvent) error
	ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.SubscriptionEvent, error)
}

type subscriptionEventRepository struct {
	pool *pgxpool.Pool
}

// NewSubscriptionEventRepository builds repository.
func NewSubscriptionEventRepository(pool *pgxpool.Pool) SubscriptionEventRepository {
	return &subscriptionEventRepository{pool: pool}
}

func (r *subscriptionEventRepository) Create(ctx context.Context, event *domain.SubscriptionEvent) error {
	const query = `
        INSERT INTO subscription_events (subscription_id, tenant_id, from_status, to_status, trigger, details)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING id, created_at`
	details := event.Details
	if details == nil {
		details = map[string]any{}
	}
	return r.pool.QueryRow(ctx, query,
		event.SubscriptionID,
		event.TenantID,
		event.FromStatus,
		event.ToStatus,
		event.Trigger,
		details,
	).Scan(&event.ID, &event.CreatedAt)
}

func (r *subscriptionEventRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.SubscriptionEvent, error) {
	const query = `
        SELECT id, subscription_id, tenant_id, from_status, to_status, trigger, details, created_at
        FROM subscription_events WHERE subscription_id=$1 ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.SubscriptionEvent
	for rows.Next() {
		var event domain.SubscriptionEvent
		if err := rows.Scan(
			&event.ID,
			&event.SubscriptionID,
			&event.TenantID,
			&event.FromStatus,
			&event.ToStatus,
			&event.Trigger,
			&event.Details,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, rows.Err()
}
