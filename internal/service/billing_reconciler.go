package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/gateway"
	"github.com/spec-kit/ticket-billing/internal/repository"
)

// BillingPolicy holds the reconciliation thresholds.
type BillingPolicy struct {
	SuspendAfterAttempts int
	WarningAttempt       int
	SyncLookback         time.Duration
	RetentionYears       int
	GatewayTimeout       time.Duration
}

func (p BillingPolicy) withDefaults() BillingPolicy {
	if p.SuspendAfterAttempts <= 0 {
		p.SuspendAfterAttempts = 4
	}
	if p.WarningAttempt <= 0 {
		p.WarningAttempt = 2
	}
	if p.SyncLookback <= 0 {
		p.SyncLookback = 30 * day
	}
	if p.RetentionYears <= 0 {
		p.RetentionYears = 2
	}
	if p.GatewayTimeout <= 0 {
		p.GatewayTimeout = 15 * time.Second
	}
	return p
}

// FailedPaymentsResult summarizes ProcessFailedPayments.
type FailedPaymentsResult struct {
	Processed int `json:"processed"`
	Retried   int `json:"retried"`
	Suspended int `json:"suspended"`
	Notified  int `json:"notified"`
	Errors    int `json:"errors"`
}

// SyncResult summarizes SyncBillingRecords. Synced counts invoices reconciled in this
// run, whether or not they changed.
type SyncResult struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// CleanupResult summarizes CleanupOldBillingRecords.
type CleanupResult struct {
	Deleted int64     `json:"deleted"`
	Cutoff  time.Time `json:"cutoff"`
}

// MonthlyBillingReport aggregates one calendar month.
type MonthlyBillingReport struct {
	Year                  int                                 `json:"year"`
	Month                 int                                 `json:"month"`
	PeriodStart           time.Time                           `json:"period_start"`
	PeriodEnd             time.Time                           `json:"period_end"`
	Revenue               []domain.RevenueStats               `json:"revenue"`
	FailedPayments        domain.FailedPaymentStats           `json:"failed_payments"`
	SubscriptionsByStatus map[domain.SubscriptionStatus]int64 `json:"subscriptions_by_status"`
	GeneratedAt           time.Time                           `json:"generated_at"`
}

// RunAllJobsResult carries each job's own outcome.
type RunAllJobsResult struct {
	FailedPayments JobOutcome[FailedPaymentsResult] `json:"failed_payments"`
	Sync           JobOutcome[SyncResult]           `json:"sync"`
	Cleanup        JobOutcome[CleanupResult]        `json:"cleanup"`
	StartedAt      time.Time                        `json:"started_at"`
	FinishedAt     time.Time                        `json:"finished_at"`
}

// OK reports whether every job completed.
func (r RunAllJobsResult) OK() bool {
	return r.FailedPayments.OK() && r.Sync.OK() && r.Cleanup.OK()
}

// BillingReconciler runs the scheduled billing jobs.
type BillingReconciler struct {
	records       repository.BillingRecordRepository
	subscriptions repository.SubscriptionRepository
	lifecycle     *SubscriptionService
	gateway       gateway.PaymentGateway
	notifier      Notifier
	runner        *JobRunner
	policy        BillingPolicy
	logger        *zap.Logger
	now           func() time.Time
}

// BillingDependencies bundles collaborators for the reconciler.
type BillingDependencies struct {
	BillingRecordRepo repository.BillingRecordRepository
	SubscriptionRepo  repository.SubscriptionRepository
	Subscriptions     *SubscriptionService
	Gateway           gateway.PaymentGateway
	Notifier          Notifier
	Runner            *JobRunner
	Policy            BillingPolicy
	Logger            *zap.Logger
	Clock             func() time.Time
}

// NewBillingReconciler constructs the reconciler.
func NewBillingReconciler(deps BillingDependencies) *BillingReconciler {
	logger := nopIfNil(deps.Logger)
	runner := deps.Runner
	if runner == nil {
		runner = NewJobRunner(logger, nil)
	}
	gw := deps.Gateway
	if gw == nil {
		gw = gateway.Unconfigured{}
	}
	return &BillingReconciler{
		records:       deps.BillingRecordRepo,
		subscriptions: deps.SubscriptionRepo,
		lifecycle:     deps.Subscriptions,
		gateway:       gw,
		notifier:      deps.Notifier,
		runner:        runner,
		policy:        deps.Policy.withDefaults(),
		logger:        logger,
		now:           clockOrDefault(deps.Clock),
	}
}

// Policy returns the effective policy.
func (r *BillingReconciler) Policy() BillingPolicy {
	return r.policy
}

// ProcessFailedPayments retries open invoices and escalates exhausted ones to suspension.
// Records are handled independently; a failure on one is counted and logged.
func (r *BillingReconciler) ProcessFailedPayments(ctx context.Context) (FailedPaymentsResult, error) {
	var result FailedPaymentsResult
	open, err := r.records.ListByStatus(ctx, domain.BillingStatusOpen)
	if err != nil {
		return result, fmt.Errorf("list open billing records: %w", err)
	}

	for i := range open {
		rec := open[i]
		result.Processed++
		if err := isolate(func() error { return r.processFailedRecord(ctx, &rec, &result) }); err != nil {
			result.Errors++
			r.logger.Error("failed payment processing error",
				zap.String("billing_record_id", rec.ID),
				zap.String("subscription_id", rec.SubscriptionID),
				zap.Int("attempt_count", rec.AttemptCount),
				zap.Error(err))
		}
	}
	return result, nil
}

func (r *BillingReconciler) processFailedRecord(ctx context.Context, rec *domain.BillingRecord, result *FailedPaymentsResult) error {
	if rec.AttemptCount >= r.policy.SuspendAfterAttempts {
		suspended, err := r.escalate(ctx, rec)
		if err != nil {
			return fmt.Errorf("escalate: %w", err)
		}
		if suspended {
			result.Suspended++
			result.Notified++
		}
		return nil
	}

	retry, err := r.retryInvoice(ctx, rec.ExternalInvoiceRef)
	if err != nil {
		return fmt.Errorf("retry invoice %s: %w", rec.ExternalInvoiceRef, err)
	}
	if retry.Success {
		result.Retried++
		if retry.Invoice != nil {
			return r.applyRetriedInvoice(ctx, rec, *retry.Invoice)
		}
		return nil
	}

	won, err := r.records.IncrementAttemptCount(ctx, rec.ID, rec.AttemptCount)
	if err != nil {
		return fmt.Errorf("increment attempt count: %w", err)
	}
	if !won {
		r.logger.Debug("attempt already recorded by a concurrent pass",
			zap.String("billing_record_id", rec.ID),
			zap.Int("attempt_count", rec.AttemptCount))
		return nil
	}
	rec.AttemptCount++
	r.logger.Warn("payment retry failed",
		zap.String("billing_record_id", rec.ID),
		zap.String("subscription_id", rec.SubscriptionID),
		zap.String("invoice_ref", rec.ExternalInvoiceRef),
		zap.Int("attempt_count", rec.AttemptCount),
		zap.String("reason", retry.Reason))

	sub, err := r.subscriptions.GetByID(ctx, rec.SubscriptionID)
	if err != nil {
		return err
	}
	if rec.AttemptCount == r.policy.WarningAttempt {
		r.notify(ctx, sub, domain.NotificationPaymentFailedWarning, map[string]any{
			"invoice_ref":   rec.ExternalInvoiceRef,
			"attempt_count": rec.AttemptCount,
			"amount_due":    rec.AmountRemaining,
			"currency":      rec.Currency,
			"reason":        retry.Reason,
		})
		result.Notified++
	}
	if _, err := r.lifecycle.ApplyInvoiceOutcome(ctx, sub.ID, rec); err != nil {
		return fmt.Errorf("apply invoice outcome: %w", err)
	}
	return nil
}

// escalate suspends the owning subscription. An active subscription passes through
// past_due first. It reports whether this call performed the suspension.
func (r *BillingReconciler) escalate(ctx context.Context, rec *domain.BillingRecord) (bool, error) {
	sub, err := r.subscriptions.GetByID(ctx, rec.SubscriptionID)
	if err != nil {
		return false, err
	}
	switch sub.Status {
	case domain.SubscriptionStatusSuspended, domain.SubscriptionStatusCancelled:
		return false, nil
	}

	details := map[string]any{
		"billing_record_id": rec.ID,
		"invoice_ref":       rec.ExternalInvoiceRef,
		"attempt_count":     rec.AttemptCount,
	}
	if sub.Status == domain.SubscriptionStatusActive {
		if _, err := r.lifecycle.transitionFrom(ctx, sub, domain.SubscriptionStatusPastDue, TransitionChange{
			Trigger: domain.TriggerPaymentFailed,
			Details: details,
		}); err != nil {
			return false, err
		}
	}

	res, err := r.lifecycle.Transition(ctx, sub.ID, domain.SubscriptionStatusSuspended, TransitionChange{
		Trigger: domain.TriggerPaymentEscalated,
		Details: details,
	})
	if err != nil {
		return false, err
	}
	if res.Changed {
		r.logger.Warn("subscription suspended after repeated payment failures",
			zap.String("subscription_id", sub.ID),
			zap.String("tenant_id", sub.TenantID),
			zap.String("billing_record_id", rec.ID),
			zap.Int("attempt_count", rec.AttemptCount))
	}
	return res.Changed, nil
}

func (r *BillingReconciler) retryInvoice(ctx context.Context, invoiceRef string) (*gateway.RetryResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.policy.GatewayTimeout)
	defer cancel()
	res, err := r.gateway.RetryInvoice(callCtx, invoiceRef)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("gateway returned no retry result")
	}
	return res, nil
}

// applyRetriedInvoice stores what the gateway reported after a successful retry and
// lets the status rule react to it.
func (r *BillingReconciler) applyRetriedInvoice(ctx context.Context, rec *domain.BillingRecord, inv gateway.Invoice) error {
	if inv.ID != rec.ExternalInvoiceRef {
		return nil
	}
	if err := inv.Validate(); err != nil {
		return err
	}
	next := mergeInvoice(rec, inv)
	if !recordsEqual(rec, next) {
		if _, err := r.records.Update(ctx, next); err != nil {
			return fmt.Errorf("store retried invoice: %w", err)
		}
	}
	if _, err := r.lifecycle.ApplyInvoiceOutcome(ctx, rec.SubscriptionID, next); err != nil {
		return fmt.Errorf("apply invoice outcome: %w", err)
	}
	return nil
}

type upsertOutcome int

const (
	upsertUnchanged upsertOutcome = iota
	upsertCreated
	upsertUpdated
)

// SyncBillingRecords reconciles local billing records with the gateway for every
// linked subscription that can still be billed. Re-running it over unchanged gateway
// data writes nothing.
func (r *BillingReconciler) SyncBillingRecords(ctx context.Context) (SyncResult, error) {
	var result SyncResult
	subs, err := r.subscriptions.ListByStatuses(ctx, []domain.SubscriptionStatus{
		domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrial,
		domain.SubscriptionStatusPastDue,
	})
	if err != nil {
		return result, fmt.Errorf("list billable subscriptions: %w", err)
	}

	since := r.now().Add(-r.policy.SyncLookback)
	for i := range subs {
		sub := subs[i]
		if !sub.HasExternalRef() {
			continue
		}
		if err := isolate(func() error { return r.syncSubscription(ctx, &sub, since, &result) }); err != nil {
			result.Errors++
			r.logger.Error("subscription sync failed",
				zap.String("subscription_id", sub.ID),
				zap.String("tenant_id", sub.TenantID),
				zap.String("external_ref", *sub.ExternalSubscriptionRef),
				zap.Error(err))
		}
	}
	return result, nil
}

func (r *BillingReconciler) syncSubscription(ctx context.Context, sub *domain.Subscription, since time.Time, result *SyncResult) error {
	callCtx, cancel := context.WithTimeout(ctx, r.policy.GatewayTimeout)
	invoices, err := r.gateway.ListInvoices(callCtx, *sub.ExternalSubscriptionRef, since)
	cancel()
	if err != nil {
		return fmt.Errorf("list invoices: %w", err)
	}

	var latest *domain.BillingRecord
	for _, inv := range invoices {
		var (
			rec     *domain.BillingRecord
			outcome upsertOutcome
		)
		err := isolate(func() error {
			var err error
			rec, outcome, err = r.upsertInvoice(ctx, sub, inv)
			return err
		})
		if err != nil {
			result.Errors++
			r.logger.Error("invoice sync failed",
				zap.String("subscription_id", sub.ID),
				zap.String("invoice_ref", inv.ID),
				zap.Error(err))
			continue
		}
		result.Synced++
		switch outcome {
		case upsertCreated:
			result.Created++
		case upsertUpdated:
			result.Updated++
		}
		if latest == nil || !rec.BillingDate.Before(latest.BillingDate) {
			latest = rec
		}
	}

	if latest == nil {
		return nil
	}
	if _, err := r.lifecycle.ApplyInvoiceOutcome(ctx, sub.ID, latest); err != nil {
		return fmt.Errorf("apply invoice outcome: %w", err)
	}
	return nil
}

func (r *BillingReconciler) upsertInvoice(ctx context.Context, sub *domain.Subscription, inv gateway.Invoice) (*domain.BillingRecord, upsertOutcome, error) {
	if err := inv.Validate(); err != nil {
		return nil, upsertUnchanged, err
	}

	existing, err := r.records.GetByExternalRef(ctx, inv.ID)
	if errors.Is(err, domain.ErrBillingRecordNotFound) {
		rec := recordFromInvoice(sub.ID, inv)
		err = r.records.Create(ctx, rec)
		if err == nil {
			return rec, upsertCreated, nil
		}
		if !errors.Is(err, domain.ErrDuplicateInvoice) {
			return nil, upsertUnchanged, err
		}
		// Another run inserted it between the lookup and the insert.
		existing, err = r.records.GetByExternalRef(ctx, inv.ID)
	}
	if err != nil {
		return nil, upsertUnchanged, err
	}

	if existing.SubscriptionID != sub.ID {
		return nil, upsertUnchanged, fmt.Errorf("%w: invoice %s belongs to subscription %s", domain.ErrMalformedInvoice, inv.ID, existing.SubscriptionID)
	}
	if existing.Status.IsSettled() {
		return existing, upsertUnchanged, nil
	}

	next := mergeInvoice(existing, inv)
	if recordsEqual(existing, next) {
		return existing, upsertUnchanged, nil
	}
	updated, err := r.records.Update(ctx, next)
	if err != nil {
		return nil, upsertUnchanged, err
	}
	if !updated {
		// Settled concurrently; the stored copy wins.
		current, err := r.records.GetByExternalRef(ctx, inv.ID)
		if err != nil {
			return nil, upsertUnchanged, err
		}
		return current, upsertUnchanged, nil
	}
	return next, upsertUpdated, nil
}

func recordFromInvoice(subscriptionID string, inv gateway.Invoice) *domain.BillingRecord {
	return &domain.BillingRecord{
		ID:                 uuid.NewString(),
		SubscriptionID:     subscriptionID,
		ExternalInvoiceRef: inv.ID,
		Status:             inv.Status,
		AmountDue:          inv.AmountDue,
		AmountPaid:         inv.AmountPaid,
		AmountRemaining:    inv.AmountRemaining,
		Currency:           inv.Currency,
		BillingDate:        inv.Created,
		DueDate:            inv.DueDate,
		PaidAt:             inv.PaidAt,
		VoidedAt:           inv.VoidedAt,
		AttemptCount:       inv.AttemptCount,
		LineItems:          inv.Lines,
	}
}

// mergeInvoice overlays gateway data on a stored record. The attempt counter never
// moves backwards.
func mergeInvoice(existing *domain.BillingRecord, inv gateway.Invoice) *domain.BillingRecord {
	next := *existing
	next.Status = inv.Status
	next.AmountDue = inv.AmountDue
	next.AmountPaid = inv.AmountPaid
	next.AmountRemaining = inv.AmountRemaining
	next.Currency = inv.Currency
	next.BillingDate = inv.Created
	next.DueDate = inv.DueDate
	next.PaidAt = inv.PaidAt
	next.VoidedAt = inv.VoidedAt
	next.AttemptCount = max(existing.AttemptCount, inv.AttemptCount)
	next.LineItems = inv.Lines
	return &next
}

func recordsEqual(a, b *domain.BillingRecord) bool {
	return a.Status == b.Status &&
		a.AmountDue == b.AmountDue &&
		a.AmountPaid == b.AmountPaid &&
		a.AmountRemaining == b.AmountRemaining &&
		a.Currency == b.Currency &&
		a.BillingDate.Equal(b.BillingDate) &&
		equalTime(a.DueDate, b.DueDate) &&
		equalTime(a.PaidAt, b.PaidAt) &&
		equalTime(a.VoidedAt, b.VoidedAt) &&
		a.AttemptCount == b.AttemptCount &&
		slices.Equal(a.LineItems, b.LineItems)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// GenerateMonthlyBillingReport aggregates one calendar month (UTC). A zero year or
// month selects the previous calendar month.
func (r *BillingReconciler) GenerateMonthlyBillingReport(ctx context.Context, year, month int) (*MonthlyBillingReport, error) {
	now := r.now().UTC()
	if year == 0 || month == 0 {
		prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		year, month = prev.Year(), int(prev.Month())
	}
	if month < 1 || month > 12 {
		return nil, fmt.Errorf("invalid month %d", month)
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	revenue, err := r.records.RevenueBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("revenue stats: %w", err)
	}
	failed, err := r.records.FailedPaymentsBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed payment stats: %w", err)
	}
	byStatus, err := r.subscriptions.CountByStatusCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("subscription stats: %w", err)
	}
	if revenue == nil {
		revenue = []domain.RevenueStats{}
	}

	return &MonthlyBillingReport{
		Year:                  year,
		Month:                 month,
		PeriodStart:           from,
		PeriodEnd:             to,
		Revenue:               revenue,
		FailedPayments:        failed,
		SubscriptionsByStatus: byStatus,
		GeneratedAt:           now,
	}, nil
}

// CleanupOldBillingRecords deletes settled records older than the retention window.
// Unsettled records are kept regardless of age.
func (r *BillingReconciler) CleanupOldBillingRecords(ctx context.Context) (CleanupResult, error) {
	cutoff := r.now().AddDate(-r.policy.RetentionYears, 0, 0)
	deleted, err := r.records.DeleteOlderThan(ctx, cutoff, []domain.BillingRecordStatus{
		domain.BillingStatusPaid,
		domain.BillingStatusVoid,
	})
	if err != nil {
		return CleanupResult{Cutoff: cutoff}, fmt.Errorf("delete settled records: %w", err)
	}
	return CleanupResult{Deleted: deleted, Cutoff: cutoff}, nil
}

// RunAllJobs runs failed-payment processing, sync and cleanup concurrently and waits
// for all of them. Each job reports its own result or error; none aborts the others.
func (r *BillingReconciler) RunAllJobs(ctx context.Context) RunAllJobsResult {
	out := RunAllJobsResult{StartedAt: r.now()}

	var g errgroup.Group
	g.Go(func() error {
		res, err := RunJob(ctx, r.runner, JobFailedPayments, r.ProcessFailedPayments)
		out.FailedPayments = settle(res, err)
		return nil
	})
	g.Go(func() error {
		res, err := RunJob(ctx, r.runner, JobSyncBillingRecords, r.SyncBillingRecords)
		out.Sync = settle(res, err)
		return nil
	})
	g.Go(func() error {
		res, err := RunJob(ctx, r.runner, JobCleanupBillingRecords, r.CleanupOldBillingRecords)
		out.Cleanup = settle(res, err)
		return nil
	})
	_ = g.Wait()

	out.FinishedAt = r.now()
	return out
}

func (r *BillingReconciler) notify(ctx context.Context, sub *domain.Subscription, notificationType domain.NotificationType, extra map[string]any) {
	if r.notifier == nil {
		return
	}
	payload := map[string]any{"subscription_id": sub.ID}
	for k, v := range extra {
		payload[k] = v
	}
	r.notifier.Send(ctx, sub.TenantID, notificationType, payload)
}
