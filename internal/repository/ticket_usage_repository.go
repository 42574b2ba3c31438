package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// TicketUsageRepository reads per-tenant consumption from the ticket store.
// The tickets table is owned by the ticket subsystem; this repository only reads it.
type TicketUsageRepository interface {
	GetUsage(ctx context.Context, tenantID string) (*domain.UsageSnapshot, error)
	GetUsageForPeriod(ctx context.Context, tenantID string, period domain.UsagePeriod) (*domain.PeriodUsage, error)
	ListRecentActivity(ctx context.Context, tenantID string, limit int) ([]domain.TicketActivity, error)
}

type ticketUsageRepository struct {
	pool *pgxpool.Pool
}

// NewTicketUsageRepository instantiates repository.
func NewTicketUsageRepository(pool *pgxpool.Pool) TicketUsageRepository {
	return &ticketUsageRepository{pool: pool}
}

func (r *ticketUsageRepository) GetUsage(ctx context.Context, tenantID string) (*domain.UsageSnapshot, error) {
	const query = `
        SELECT COUNT(*) FILTER (WHERE archived_at IS NULL AND status = ANY($2)),
               COUNT(*) FILTER (WHERE archived_at IS NULL AND status = ANY($3)),
               COUNT(*) FILTER (WHERE archived_at IS NULL),
               COUNT(*) FILTER (WHERE archived_at IS NOT NULL)
        FROM tickets WHERE tenant_id=$1`
	var usage domain.UsageSnapshot
	if err := r.pool.QueryRow(ctx, query,
		tenantID,
		ticketStatusStrings(domain.ActiveTicketStatuses),
		ticketStatusStrings(domain.CompletedTicketStatuses),
	).Scan(
		&usage.ActiveTickets,
		&usage.CompletedTickets,
		&usage.TotalTickets,
		&usage.ArchivedTickets,
	); err != nil {
		return nil, err
	}
	return &usage, nil
}

func (r *ticketUsageRepository) GetUsageForPeriod(ctx context.Context, tenantID string, period domain.UsagePeriod) (*domain.PeriodUsage, error) {
	const query = `
        SELECT COUNT(*) FILTER (WHERE created_at >= $2 AND created_at < $3),
               COUNT(*) FILTER (WHERE closed_at >= $2 AND closed_at < $3)
        FROM tickets WHERE tenant_id=$1`
	usage := domain.PeriodUsage{Start: period.Start, End: period.End}
	if err := r.pool.QueryRow(ctx, query, tenantID, period.Start, period.End).Scan(
		&usage.TicketsCreated,
		&usage.TicketsCompleted,
	); err != nil {
		return nil, err
	}
	return &usage, nil
}

func (r *ticketUsageRepository) ListRecentActivity(ctx context.Context, tenantID string, limit int) ([]domain.TicketActivity, error) {
	const query = `
        SELECT id, external_key, title, status, updated_at
        FROM tickets WHERE tenant_id=$1
        ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.TicketActivity
	for rows.Next() {
		var activity domain.TicketActivity
		if err := rows.Scan(
			&activity.TicketID,
			&activity.ExternalKey,
			&activity.Title,
			&activity.Status,
			&activity.UpdatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, activity)
	}
	return result, rows.Err()
}

func ticketStatusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
