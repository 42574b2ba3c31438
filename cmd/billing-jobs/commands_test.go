package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/service"
)

type fakeEngine struct {
	jobs      map[string]service.JobFunc
	runAll    service.RunAllJobsResult
	reportFor [2]int
	scheduled bool
	closed    bool
}

func (f *fakeEngine) Jobs() map[string]service.JobFunc { return f.jobs }

func (f *fakeEngine) RunAllJobs(context.Context) service.RunAllJobsResult { return f.runAll }

func (f *fakeEngine) MonthlyReport(_ context.Context, year, month int) (*service.MonthlyBillingReport, error) {
	f.reportFor = [2]int{year, month}
	return &service.MonthlyBillingReport{Year: year, Month: month}, nil
}

func (f *fakeEngine) Schedule(ctx context.Context) error {
	f.scheduled = true
	<-ctx.Done()
	return nil
}

func (f *fakeEngine) Close() { f.closed = true }

func testEnv(e *fakeEngine) cliEnv {
	return cliEnv{
		loadConfig: func() (*config.Config, error) {
			return &config.Config{Auth: config.AuthConfig{BcryptCost: 4}}, nil
		},
		open: func(context.Context, *config.Config) (engine, error) { return e, nil },
	}
}

func execute(t *testing.T, env cliEnv, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(env)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	old := Version
	defer func() { Version = old }()
	Version = "1.4.0"

	out, err := execute(t, testEnv(&fakeEngine{}), "", "version")
	require.NoError(t, err)
	assert.Equal(t, "billing-jobs 1.4.0\n", out)
}

func TestSingleJobCommandPrintsResult(t *testing.T) {
	e := &fakeEngine{jobs: map[string]service.JobFunc{
		service.JobExpireTrials: func(context.Context) (any, error) {
			return service.TrialSweepResult{Processed: 2, Cancelled: 2}, nil
		},
	}}

	out, err := execute(t, testEnv(e), "", "expire-trials")
	require.NoError(t, err)
	assert.True(t, e.closed)

	var body struct {
		Job    string                   `json:"job"`
		Result service.TrialSweepResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, service.JobExpireTrials, body.Job)
	assert.Equal(t, 2, body.Result.Cancelled)
}

func TestSingleJobFailureExitsNonZero(t *testing.T) {
	e := &fakeEngine{jobs: map[string]service.JobFunc{
		service.JobSyncBillingRecords: func(context.Context) (any, error) {
			return nil, errors.New("gateway unavailable")
		},
	}}

	out, err := execute(t, testEnv(e), "", "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway unavailable")
	assert.Contains(t, out, `"error": "gateway unavailable"`)
}

func TestEverySingleJobCommandIsRegistered(t *testing.T) {
	root := newRootCmd(testEnv(&fakeEngine{}))
	for _, j := range singleJobs {
		cmd, _, err := root.Find([]string{j.use})
		require.NoError(t, err, j.use)
		assert.Equal(t, j.use, cmd.Name())
	}
}

func TestRunAllReportsFailure(t *testing.T) {
	failed := errors.New("boom")
	e := &fakeEngine{runAll: service.RunAllJobsResult{
		FailedPayments: service.JobOutcome[service.FailedPaymentsResult]{Result: &service.FailedPaymentsResult{}},
		Sync:           service.JobOutcome[service.SyncResult]{Err: failed, Error: failed.Error()},
		Cleanup:        service.JobOutcome[service.CleanupResult]{Result: &service.CleanupResult{Deleted: 3}},
	}}

	out, err := execute(t, testEnv(e), "", "run-all")
	require.Error(t, err)
	assert.Contains(t, out, `"error": "boom"`)
	assert.Contains(t, out, `"deleted": 3`)
}

func TestRunAllSucceeds(t *testing.T) {
	e := &fakeEngine{runAll: service.RunAllJobsResult{
		FailedPayments: service.JobOutcome[service.FailedPaymentsResult]{Result: &service.FailedPaymentsResult{}},
		Sync:           service.JobOutcome[service.SyncResult]{Result: &service.SyncResult{}},
		Cleanup:        service.JobOutcome[service.CleanupResult]{Result: &service.CleanupResult{}},
	}}

	_, err := execute(t, testEnv(e), "", "run-all")
	require.NoError(t, err)
}

func TestReportFlags(t *testing.T) {
	e := &fakeEngine{}

	_, err := execute(t, testEnv(e), "", "report", "--month", "3")
	require.Error(t, err)

	_, err = execute(t, testEnv(e), "", "report", "--year", "2026", "--month", "13")
	require.Error(t, err)

	out, err := execute(t, testEnv(e), "", "report", "--year", "2026", "--month", "3")
	require.NoError(t, err)
	assert.Equal(t, [2]int{2026, 3}, e.reportFor)
	assert.Contains(t, out, `"month": 3`)

	_, err = execute(t, testEnv(e), "", "report")
	require.NoError(t, err)
	assert.Equal(t, [2]int{0, 0}, e.reportFor)
}

func TestOpenFailureIsReturned(t *testing.T) {
	env := testEnv(&fakeEngine{})
	env.open = func(context.Context, *config.Config) (engine, error) {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	_, err := execute(t, env, "", "cleanup")
	require.EqualError(t, err, "POSTGRES_DSN is required")
}

func TestHashPassword(t *testing.T) {
	env := testEnv(&fakeEngine{})

	out, err := execute(t, env, "", "hash-password", "correct-horse")
	require.NoError(t, err)
	assert.NoError(t, auth.ComparePassword(strings.TrimSpace(out), "correct-horse"))

	out, err = execute(t, env, "from-stdin\n", "hash-password", "--cost", "5")
	require.NoError(t, err)
	assert.NoError(t, auth.ComparePassword(strings.TrimSpace(out), "from-stdin"))

	_, err = execute(t, env, "", "hash-password")
	require.EqualError(t, err, "password is required")
}

func TestScheduleStopsWithContext(t *testing.T) {
	e := &fakeEngine{}
	cmd := newRootCmd(testEnv(e))
	cmd.SetArgs([]string{"schedule"})
	cmd.SetOut(&bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.True(t, e.scheduled)
	assert.True(t, e.closed)
}
