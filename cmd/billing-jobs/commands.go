package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/bootstrap"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/observability"
	"github.com/spec-kit/ticket-billing/internal/service"
)

// engine is what the commands need from the service container.
type engine interface {
	Jobs() map[string]service.JobFunc
	RunAllJobs(ctx context.Context) service.RunAllJobsResult
	MonthlyReport(ctx context.Context, year, month int) (*service.MonthlyBillingReport, error)
	Schedule(ctx context.Context) error
	Close()
}

type cliEnv struct {
	loadConfig func() (*config.Config, error)
	open       func(ctx context.Context, cfg *config.Config) (engine, error)
}

func defaultEnv() cliEnv {
	return cliEnv{loadConfig: config.Load, open: openContainer}
}

// singleJobs maps subcommand names to job names.
var singleJobs = []struct {
	use   string
	job   string
	short string
}{
	{"failed-payments", service.JobFailedPayments, "Escalate subscriptions with unpaid invoices"},
	{"sync", service.JobSyncBillingRecords, "Sync billing records from the payment gateway"},
	{"cleanup", service.JobCleanupBillingRecords, "Delete settled billing records past retention"},
	{"expire-trials", service.JobExpireTrials, "Cancel trials that ended without conversion"},
	{"trial-reminders", service.JobTrialReminders, "Send trial ending reminders"},
	{"period-end-cancellations", service.JobPeriodEndCancellations, "Cancel subscriptions flagged for period end"},
}

func newRootCmd(env cliEnv) *cobra.Command {
	root := &cobra.Command{
		Use:           "billing-jobs",
		Short:         "Run ticket billing maintenance jobs",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunAllCmd(env))
	for _, j := range singleJobs {
		root.AddCommand(newJobCmd(env, j.use, j.job, j.short))
	}
	root.AddCommand(newReportCmd(env))
	root.AddCommand(newScheduleCmd(env))
	root.AddCommand(newHashPasswordCmd(env))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "billing-jobs %s\n", Version)
		},
	})
	return root
}

func newRunAllCmd(env cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "run-all",
		Short: "Run failed payments, sync and cleanup concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, env, func(ctx context.Context, e engine) error {
				result := e.RunAllJobs(ctx)
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
				if !result.OK() {
					return errors.New("one or more billing jobs failed")
				}
				return nil
			})
		},
	}
}

func newJobCmd(env cliEnv, use, job, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, env, func(ctx context.Context, e engine) error {
				run, ok := e.Jobs()[job]
				if !ok {
					return fmt.Errorf("job %s is not registered", job)
				}
				result, err := run(ctx)
				if err != nil {
					_ = writeJSON(cmd.OutOrStdout(), map[string]any{"job": job, "error": err.Error()})
					return fmt.Errorf("%s: %w", job, err)
				}
				return writeJSON(cmd.OutOrStdout(), map[string]any{"job": job, "result": result})
			})
		},
	}
}

func newReportCmd(env cliEnv) *cobra.Command {
	var year, month int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate the monthly billing report (previous month by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (year == 0) != (month == 0) {
				return errors.New("--year and --month must be given together")
			}
			if month < 0 || month > 12 || year < 0 {
				return fmt.Errorf("invalid period %d-%02d", year, month)
			}
			return withEngine(cmd, env, func(ctx context.Context, e engine) error {
				report, err := e.MonthlyReport(ctx, year, month)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "report year")
	cmd.Flags().IntVar(&month, "month", 0, "report month (1-12)")
	return cmd
}

func newScheduleCmd(env cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run every job on its cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withEngine(cmd, env, func(ctx context.Context, e engine) error {
				return e.Schedule(ctx)
			})
		},
	}
}

func newHashPasswordCmd(env cliEnv) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for AUTH_ADMIN_PASSWORD_HASH",
		Long:  "Print a bcrypt hash for AUTH_ADMIN_PASSWORD_HASH. The password is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password := ""
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return auth.ErrEmptyPassword
			}
			if cost == 0 {
				cfg, err := env.loadConfig()
				if err != nil {
					return err
				}
				cost = cfg.Auth.BcryptCost
			}
			hash, err := auth.HashPassword(password, cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (defaults to AUTH_BCRYPT_COST)")
	return cmd
}

func withEngine(cmd *cobra.Command, env cliEnv, fn func(ctx context.Context, e engine) error) error {
	cfg, err := env.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := env.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type containerEngine struct {
	*bootstrap.Container
}

func openContainer(ctx context.Context, cfg *config.Config) (engine, error) {
	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	c, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &containerEngine{Container: c}, nil
}

func (e *containerEngine) RunAllJobs(ctx context.Context) service.RunAllJobsResult {
	return e.Billing.RunAllJobs(ctx)
}

func (e *containerEngine) MonthlyReport(ctx context.Context, year, month int) (*service.MonthlyBillingReport, error) {
	return e.Billing.GenerateMonthlyBillingReport(ctx, year, month)
}

func (e *containerEngine) Schedule(ctx context.Context) error {
	sched, err := e.Scheduler()
	if err != nil {
		return err
	}
	sched.Start()
	e.Logger.Info("scheduler started", zap.Int("jobs", sched.Len()))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}

func (e *containerEngine) Close() {
	e.Container.Close()
	_ = e.Logger.Sync()
}
