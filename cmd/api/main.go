package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-billing/internal/api/http"
	"github.com/spec-kit/ticket-billing/internal/api/http/handlers"
	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/bootstrap"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}
	defer c.Close()

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, c.Metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version,
			handlers.Dependency{Name: "postgres", Pinger: c.Postgres},
			handlers.Dependency{Name: "redis", Pinger: c.Redis, Optional: true},
		),
		Auth:          handlers.NewAuthHandler(c.Auth),
		Usage:         handlers.NewUsageHandler(c.Usage, c.Plans),
		Subscriptions: handlers.NewSubscriptionHandler(c.Subscriptions, c.Trials),
		Admin: handlers.NewAdminHandler(handlers.AdminDependencies{
			Billing: c.Billing,
			Stats:   c.Stats,
			Usage:   c.Usage,
			Trials:  c.Trials,
			Plans:   c.Plans,
			Jobs:    c.Jobs(),
		}),
		AuthMiddleware: auth.NewAuthMiddleware(c.Auth.TokenManager()),
		Metrics:        c.Metrics.Handler(),
	})

	if cfg.Scheduler.Enabled {
		sched, err := c.Scheduler()
		if err != nil {
			logger.Fatal("failed to register scheduled jobs", zap.Error(err))
		}
		sched.Start()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := sched.Stop(stopCtx); err != nil {
				logger.Warn("scheduler did not drain", zap.Error(err))
			}
		}()
	}

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.ShutdownWithTimeout(10 * time.Second)
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
