// Package bootstrap wires configuration, storage and services for the binaries.
package bootstrap

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/cache"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/events"
	"github.com/spec-kit/ticket-billing/internal/gateway"
	"github.com/spec-kit/ticket-billing/internal/observability"
	"github.com/spec-kit/ticket-billing/internal/persistence"
	"github.com/spec-kit/ticket-billing/internal/plans"
	"github.com/spec-kit/ticket-billing/internal/repository"
	"github.com/spec-kit/ticket-billing/internal/scheduler"
	"github.com/spec-kit/ticket-billing/internal/service"
	"github.com/spec-kit/ticket-billing/internal/worker"
)

// ErrDatabaseRequired is returned when POSTGRES_DSN is not set.
var ErrDatabaseRequired = errors.New("POSTGRES_DSN is required")

// Container holds every long-lived dependency of the billing engine.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	Postgres   *persistence.Postgres
	Redis      *persistence.Redis
	Dispatcher events.Dispatcher
	Webhooks   *worker.WebhookWorker
	Plans      *plans.Catalog

	Notifications *service.NotificationService
	Subscriptions *service.SubscriptionService
	Usage         *service.UsageTracker
	Trials        *service.TrialManager
	Billing       *service.BillingReconciler
	Stats         *service.StatsService
	Auth          *service.AuthService
	Runner        *service.JobRunner
}

// New connects to Postgres and Redis and builds the service graph. Webhook
// delivery runs until ctx is cancelled or Close is called.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Container, error) {
	catalog, err := plans.Load(cfg.Plans.Path)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		return nil, err
	}
	pool := pg.PoolHandle()
	if pool == nil {
		return nil, ErrDatabaseRequired
	}
	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pool, cfg.Postgres.MigrationsDir, logger); err != nil {
			pg.Close()
			return nil, err
		}
	}

	rdb := persistence.NewRedis(ctx, cfg.Redis, logger)
	if err := metrics.Register(append(pg.Collectors(metrics.Namespace()), rdb.Collectors(metrics.Namespace())...)...); err != nil {
		logger.Warn("pool metrics not registered", zap.Error(err))
	}
	dispatcher := events.NewInMemoryDispatcher()

	subscriptionRepo := repository.NewSubscriptionRepository(pool)
	eventRepo := repository.NewSubscriptionEventRepository(pool)
	billingRepo := repository.NewBillingRecordRepository(pool)
	usageRepo := repository.NewTicketUsageRepository(pool)

	notifications := service.NewNotificationService(dispatcher, logger, cfg.Notification, metrics)
	notifications.RegisterHandlers()
	webhooks := worker.NewWebhookWorker(cfg.Notification, logger, metrics)
	webhooks.Register(dispatcher)
	webhooks.Start(ctx)

	runner := service.NewJobRunner(logger, metrics)
	subscriptions := service.NewSubscriptionService(service.SubscriptionDependencies{
		SubscriptionRepo: subscriptionRepo,
		EventRepo:        eventRepo,
		Dispatcher:       dispatcher,
		Notifier:         notifications,
		Logger:           logger,
		Metrics:          metrics,
	})
	usage := service.NewUsageTracker(service.UsageDependencies{
		SubscriptionRepo:         subscriptionRepo,
		TicketCounter:            usageRepo,
		Plans:                    catalog,
		Cache:                    cache.NewUsageCache(rdb.Client, cfg.Usage.CacheTTL()),
		Logger:                   logger,
		Metrics:                  metrics,
		NearLimitPercent:         cfg.Usage.NearLimitPercent,
		ApproachingLimitsPercent: cfg.Usage.ApproachingLimitsPercent,
	})
	trials := service.NewTrialManager(service.TrialDependencies{
		Subscriptions:    subscriptions,
		SubscriptionRepo: subscriptionRepo,
		Plans:            catalog,
		Notifier:         notifications,
		Ledger:           cache.NewReminderLedger(rdb.Client, 0),
		Policy: service.TrialPolicy{
			DefaultTrialDays:   cfg.Trial.DefaultTrialDays,
			MaxTrialDays:       cfg.Trial.MaxTrialDays,
			ReminderWindowDays: cfg.Trial.ReminderWindowDays,
			MaxExtensionDays:   cfg.Trial.MaxExtensionDays,
		},
		Logger: logger,
	})
	billing := service.NewBillingReconciler(service.BillingDependencies{
		BillingRecordRepo: billingRepo,
		SubscriptionRepo:  subscriptionRepo,
		Subscriptions:     subscriptions,
		Gateway:           newGateway(cfg.Gateway, logger),
		Notifier:          notifications,
		Runner:            runner,
		Policy: service.BillingPolicy{
			SuspendAfterAttempts: cfg.Billing.SuspendAfterAttempts,
			WarningAttempt:       cfg.Billing.WarningAttempt,
			SyncLookback:         time.Duration(cfg.Billing.SyncLookbackDays) * 24 * time.Hour,
			RetentionYears:       cfg.Billing.RetentionYears,
			GatewayTimeout:       cfg.Gateway.CallTimeout(),
		},
		Logger: logger,
	})

	if cfg.Auth.AdminPasswordHash == "" {
		logger.Warn("AUTH_ADMIN_PASSWORD_HASH not set; admin login disabled")
	} else if _, err := auth.ValidateHash(cfg.Auth.AdminPasswordHash); err != nil {
		logger.Warn("admin login will always fail", zap.Error(err))
	}

	return &Container{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Postgres:      pg,
		Redis:         rdb,
		Dispatcher:    dispatcher,
		Webhooks:      webhooks,
		Plans:         catalog,
		Notifications: notifications,
		Subscriptions: subscriptions,
		Usage:         usage,
		Trials:        trials,
		Billing:       billing,
		Stats:         service.NewStatsService(subscriptionRepo, usage, trials, nil),
		Auth:          service.NewAuthService(cfg.Auth, auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)),
		Runner:        runner,
	}, nil
}

// Scheduler returns a scheduler loaded with the configured billing jobs.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(c.Logger)
	if err := s.RegisterAll(scheduler.BillingJobs(c.Config.Scheduler, c.Jobs())); err != nil {
		return nil, err
	}
	return s, nil
}

// Jobs returns the named periodic jobs.
func (c *Container) Jobs() map[string]service.JobFunc {
	return service.Jobs(c.Runner, c.Billing, c.Trials, c.Subscriptions)
}

// Close stops webhook delivery and releases connections.
func (c *Container) Close() {
	c.Webhooks.Stop()
	c.Redis.Close()
	c.Postgres.Close()
}

func newGateway(cfg config.GatewayConfig, logger *zap.Logger) gateway.PaymentGateway {
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not provided; gateway calls will fail")
		return gateway.Unconfigured{}
	}
	return gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:         cfg.StripeSecretKey,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
	})
}
