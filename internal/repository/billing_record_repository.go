package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// BillingRecordRepository encapsulates local invoice persistence.
type BillingRecordRepository interface {
	Create(ctx context.Context, record *domain.BillingRecord) error
	// Update rewrites a record unless it is already paid or void.
	Update(ctx context.Context, record *domain.BillingRecord) (bool, error)
	GetByExternalRef(ctx context.Context, externalInvoiceRef string) (*domain.BillingRecord, error)
	ListByStatus(ctx context.Context, status domain.BillingRecordStatus) ([]domain.BillingRecord, error)
	// IncrementAttemptCount bumps attempt_count by one only if it still equals expected.
	IncrementAttemptCount(ctx context.Context, id string, expected int) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.BillingRecordStatus) (int64, error)
	RevenueBetween(ctx context.Context, from, to time.Time) ([]domain.RevenueStats, error)
	FailedPaymentsBetween(ctx context.Context, from, to time.Time) (domain.FailedPaymentStats, error)
}

type billingRecordRepository struct {
	pool *pgxpool.Pool
}

// NewBillingRecordRepository returns a Postgres-backed implementation.
func NewBillingRecordRepository(pool *pgxpool.Pool) BillingRecordRepository {
	return &billingRecordRepository{pool: pool}
}

const billingRecordColumns = `id, subscription_id, external_invoice_ref, status, amount_due, amount_paid,
        amount_remaining, currency, billing_date, due_date, paid_at, voided_at, attempt_count,
        line_items, created_at, updated_at`

func (r *billingRecordRepository) Create(ctx context.Context, record *domain.BillingRecord) error {
	const query = `
        INSERT INTO billing_records (id, subscription_id, external_invoice_ref, status, amount_due, amount_paid,
            amount_remaining, currency, billing_date, due_date, paid_at, voided_at, attempt_count, line_items)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		record.ID,
		record.SubscriptionID,
		record.ExternalInvoiceRef,
		record.Status,
		record.AmountDue,
		record.AmountPaid,
		record.AmountRemaining,
		record.Currency,
		record.BillingDate,
		record.DueDate,
		record.PaidAt,
		record.VoidedAt,
		record.AttemptCount,
		lineItems(record.LineItems),
	).Scan(&record.CreatedAt, &record.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateInvoice
	}
	return err
}

func (r *billingRecordRepository) Update(ctx context.Context, record *domain.BillingRecord) (bool, error) {
	const query = `
        UPDATE billing_records SET status=$1, amount_due=$2, amount_paid=$3, amount_remaining=$4, currency=$5,
            billing_date=$6, due_date=$7, paid_at=$8, voided_at=$9,
            attempt_count=GREATEST(attempt_count, $10), line_items=$11, updated_at=NOW()
        WHERE id=$12 AND status NOT IN ('paid', 'void')`
	cmd, err := r.pool.Exec(ctx, query,
		record.Status,
		record.AmountDue,
		record.AmountPaid,
		record.AmountRemaining,
		record.Currency,
		record.BillingDate,
		record.DueDate,
		record.PaidAt,
		record.VoidedAt,
		record.AttemptCount,
		lineItems(record.LineItems),
		record.ID,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *billingRecordRepository) GetByExternalRef(ctx context.Context, externalInvoiceRef string) (*domain.BillingRecord, error) {
	query := `SELECT ` + billingRecordColumns + ` FROM billing_records WHERE external_invoice_ref=$1`
	record, err := scanBillingRecord(r.pool.QueryRow(ctx, query, externalInvoiceRef))
	if err != nil {
		return nil, translateNotFound(err, domain.ErrBillingRecordNotFound)
	}
	return record, nil
}

func (r *billingRecordRepository) ListByStatus(ctx context.Context, status domain.BillingRecordStatus) ([]domain.BillingRecord, error) {
	query := `SELECT ` + billingRecordColumns + ` FROM billing_records WHERE status=$1 ORDER BY billing_date ASC`
	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.BillingRecord
	for rows.Next() {
		record, err := scanBillingRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *record)
	}
	return result, rows.Err()
}

func (r *billingRecordRepository) IncrementAttemptCount(ctx context.Context, id string, expected int) (bool, error) {
	const query = `
        UPDATE billing_records SET attempt_count = attempt_count + 1, updated_at=NOW()
        WHERE id=$1 AND attempt_count=$2 AND status NOT IN ('paid', 'void')`
	cmd, err := r.pool.Exec(ctx, query, id, expected)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *billingRecordRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []domain.BillingRecordStatus) (int64, error) {
	const query = `DELETE FROM billing_records WHERE billing_date < $1 AND status = ANY($2)`
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	cmd, err := r.pool.Exec(ctx, query, cutoff, names)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (r *billingRecordRepository) RevenueBetween(ctx context.Context, from, to time.Time) ([]domain.RevenueStats, error) {
	const query = `
        SELECT currency,
               COUNT(*),
               COUNT(*) FILTER (WHERE status = 'paid'),
               COALESCE(SUM(amount_due), 0),
               COALESCE(SUM(amount_paid), 0)
        FROM billing_records
        WHERE billing_date >= $1 AND billing_date < $2 AND status <> 'void'
        GROUP BY currency ORDER BY currency`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.RevenueStats
	for rows.Next() {
		var stats domain.RevenueStats
		if err := rows.Scan(&stats.Currency, &stats.InvoiceCount, &stats.PaidCount, &stats.AmountBilled, &stats.AmountCollected); err != nil {
			return nil, err
		}
		result = append(result, stats)
	}
	return result, rows.Err()
}

func (r *billingRecordRepository) FailedPaymentsBetween(ctx context.Context, from, to time.Time) (domain.FailedPaymentStats, error) {
	const query = `
        SELECT COUNT(*), COALESCE(SUM(amount_remaining), 0)
        FROM billing_records
        WHERE billing_date >= $1 AND billing_date < $2
          AND attempt_count > 0 AND status IN ('open', 'uncollectible')`
	var stats domain.FailedPaymentStats
	err := r.pool.QueryRow(ctx, query, from, to).Scan(&stats.Count, &stats.TotalAmount)
	return stats, err
}

func scanBillingRecord(row pgx.Row) (*domain.BillingRecord, error) {
	var record domain.BillingRecord
	if err := row.Scan(
		&record.ID,
		&record.SubscriptionID,
		&record.ExternalInvoiceRef,
		&record.Status,
		&record.AmountDue,
		&record.AmountPaid,
		&record.AmountRemaining,
		&record.Currency,
		&record.BillingDate,
		&record.DueDate,
		&record.PaidAt,
		&record.VoidedAt,
		&record.AttemptCount,
		&record.LineItems,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

func lineItems(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return []domain.LineItem{}
	}
	return items
}
