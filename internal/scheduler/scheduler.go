package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/service"
)

// Job is a named unit of periodic work.
type Job struct {
	Name string
	Spec string
	Run  func(context.Context) error
}

// Scheduler runs billing jobs on cron schedules. Overlapping runs of the same job are
// skipped and panics are recovered by the cron chain.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	jobs   map[string]cron.EntryID
}

// New builds an idle scheduler evaluating schedules in UTC.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Register adds a job. Jobs with an empty spec are disabled and ignored.
func (s *Scheduler) Register(job Job) error {
	if job.Spec == "" {
		s.logger.Info("job disabled", zap.String("job", job.Name))
		return nil
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	id, err := s.cron.AddFunc(job.Spec, func() {
		if err := job.Run(s.ctx); err != nil {
			s.logger.Warn("scheduled job returned error", zap.String("job", job.Name), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	s.jobs[job.Name] = id
	return nil
}

// RegisterAll adds every job, stopping at the first invalid schedule.
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

// Next returns the next activation of a registered job.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	id, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	if !entry.Next.IsZero() {
		return entry.Next, true
	}
	return entry.Schedule.Next(time.Now().UTC()), true
}

// Len reports how many jobs are scheduled.
func (s *Scheduler) Len() int {
	return len(s.jobs)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	for name := range s.jobs {
		next, _ := s.Next(name)
		s.logger.Info("job scheduled", zap.String("job", name), zap.Time("next", next))
	}
}

// Stop cancels running jobs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BillingJobs pairs each named job with its configured schedule. Jobs missing from
// jobs are skipped.
func BillingJobs(cfg config.SchedulerConfig, jobs map[string]service.JobFunc) []Job {
	specs := []struct{ name, spec string }{
		{service.JobFailedPayments, cfg.FailedPaymentsSpec},
		{service.JobSyncBillingRecords, cfg.SyncSpec},
		{service.JobCleanupBillingRecords, cfg.CleanupSpec},
		{service.JobMonthlyBillingReport, cfg.MonthlyReportSpec},
		{service.JobExpireTrials, cfg.ExpiredTrialsSpec},
		{service.JobTrialReminders, cfg.TrialRemindersSpec},
		{service.JobPeriodEndCancellations, cfg.PeriodEndCancelationSpec},
	}
	out := make([]Job, 0, len(specs))
	for _, s := range specs {
		run, ok := jobs[s.name]
		if !ok {
			continue
		}
		out = append(out, Job{Name: s.name, Spec: s.spec, Run: func(ctx context.Context) error {
			_, err := run(ctx)
			return err
		}})
	}
	return out
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
