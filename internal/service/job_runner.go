package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/observability"
)

// Job names used in logs, metrics and the CLI.
const (
	JobFailedPayments         = "failed_payments"
	JobSyncBillingRecords     = "sync_billing_records"
	JobMonthlyBillingReport   = "monthly_billing_report"
	JobCleanupBillingRecords  = "cleanup_billing_records"
	JobExpireTrials           = "expire_trials"
	JobTrialReminders         = "trial_reminders"
	JobPeriodEndCancellations = "period_end_cancellations"
)

// JobRunner wraps scheduled jobs with logging, metrics and panic recovery.
type JobRunner struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewJobRunner constructs a runner.
func NewJobRunner(logger *zap.Logger, metrics *observability.Metrics) *JobRunner {
	return &JobRunner{logger: nopIfNil(logger), metrics: metrics}
}

// JobOutcome holds either a job's summary or the error that stopped it.
type JobOutcome[T any] struct {
	Result *T     `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// OK reports whether the job completed.
func (o JobOutcome[T]) OK() bool {
	return o.Err == nil
}

func settle[T any](result T, err error) JobOutcome[T] {
	if err != nil {
		return JobOutcome[T]{Err: err, Error: err.Error()}
	}
	return JobOutcome[T]{Result: &result}
}

// RunJob executes fn under the runner. A panic inside fn is returned as an error.
func RunJob[T any](ctx context.Context, r *JobRunner, name string, fn func(context.Context) (T, error)) (result T, err error) {
	if r == nil {
		r = NewJobRunner(nil, nil)
	}
	start := time.Now()
	r.logger.Info("billing job started", zap.String("job", name))

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", name, rec)
		}
		elapsed := time.Since(start)
		if err != nil {
			r.metrics.RecordJobRun(name, "error", elapsed)
			r.logger.Error("billing job failed",
				zap.String("job", name),
				zap.Duration("duration", elapsed),
				zap.Error(err))
			return
		}
		r.metrics.RecordJobRun(name, "success", elapsed)
		r.logger.Info("billing job finished",
			zap.String("job", name),
			zap.Duration("duration", elapsed),
			zap.Any("summary", result))
	}()

	return fn(ctx)
}

// JobFunc runs one named job and returns its summary.
type JobFunc func(context.Context) (any, error)

// Jobs returns every periodic job keyed by name, each executed under the runner.
// The monthly report covers the previous calendar month.
func Jobs(r *JobRunner, billing *BillingReconciler, trials *TrialManager, subscriptions *SubscriptionService) map[string]JobFunc {
	return map[string]JobFunc{
		JobFailedPayments:        named(r, JobFailedPayments, billing.ProcessFailedPayments),
		JobSyncBillingRecords:    named(r, JobSyncBillingRecords, billing.SyncBillingRecords),
		JobCleanupBillingRecords: named(r, JobCleanupBillingRecords, billing.CleanupOldBillingRecords),
		JobMonthlyBillingReport: named(r, JobMonthlyBillingReport, func(ctx context.Context) (*MonthlyBillingReport, error) {
			return billing.GenerateMonthlyBillingReport(ctx, 0, 0)
		}),
		JobExpireTrials:           named(r, JobExpireTrials, trials.ProcessExpiredTrials),
		JobTrialReminders:         named(r, JobTrialReminders, trials.SendTrialReminders),
		JobPeriodEndCancellations: named(r, JobPeriodEndCancellations, subscriptions.ProcessPeriodEndCancellations),
	}
}

func named[T any](r *JobRunner, name string, fn func(context.Context) (T, error)) JobFunc {
	return func(ctx context.Context) (any, error) {
		res, err := RunJob(ctx, r, name, fn)
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}
