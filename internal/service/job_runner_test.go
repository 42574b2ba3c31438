package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-billing/internal/observability"
)

func TestRunJobRecoversPanics(t *testing.T) {
	runner := NewJobRunner(nil, nil)

	_, err := RunJob(context.Background(), runner, "boom", func(context.Context) (SweepResult, error) {
		panic("nil map")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job boom panicked")
}

func TestRunJobPassesResultsThrough(t *testing.T) {
	runner := NewJobRunner(nil, nil)

	res, err := RunJob(context.Background(), runner, "ok", func(context.Context) (SweepResult, error) {
		return SweepResult{Processed: 3, Changed: 2}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 3, Changed: 2}, res)

	_, err = RunJob[SweepResult](context.Background(), nil, "nil runner", func(context.Context) (SweepResult, error) {
		return SweepResult{}, errors.New("db down")
	})
	assert.EqualError(t, err, "db down")
}

func TestRunJobRecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	runner := NewJobRunner(nil, metrics)

	_, _ = RunJob(context.Background(), runner, JobExpireTrials, func(context.Context) (TrialSweepResult, error) {
		return TrialSweepResult{}, nil
	})
	_, _ = RunJob(context.Background(), runner, JobExpireTrials, func(context.Context) (TrialSweepResult, error) {
		return TrialSweepResult{}, errors.New("list failed")
	})

	count, err := testutil.GatherAndCount(metrics.Registry(), "ticket_billing_job_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSettle(t *testing.T) {
	ok := settle(CleanupResult{Deleted: 4}, nil)
	assert.True(t, ok.OK())
	require.NotNil(t, ok.Result)
	assert.Equal(t, int64(4), ok.Result.Deleted)

	failed := settle(CleanupResult{}, errors.New("timeout"))
	assert.False(t, failed.OK())
	assert.Nil(t, failed.Result)
	assert.Equal(t, "timeout", failed.Error)
}

func TestJobsCoversEveryPeriodicJob(t *testing.T) {
	f := newTrialFixture(trialSub("sub-1", "tenant-1", testNow.Add(-time.Hour)))
	jobs := Jobs(nil, f.reconciler, f.trials, f.lifecycle)

	assert.Len(t, jobs, 7)
	res, err := jobs[JobExpireTrials](context.Background())
	require.NoError(t, err)
	assert.Equal(t, TrialSweepResult{Processed: 1, Cancelled: 1}, res)

	report, err := jobs[JobMonthlyBillingReport](context.Background())
	require.NoError(t, err)
	require.IsType(t, &MonthlyBillingReport{}, report)
	assert.Equal(t, 2, report.(*MonthlyBillingReport).Month)
}
