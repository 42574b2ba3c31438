package http

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/ticket-billing/internal/api/http/handlers"
	"github.com/spec-kit/ticket-billing/internal/auth"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Auth           *handlers.AuthHandler
	Usage          *handlers.UsageHandler
	Subscriptions  *handlers.SubscriptionHandler
	Admin          *handlers.AdminHandler
	AuthMiddleware *auth.AuthMiddleware
	Metrics        http.Handler
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics))
	}

	authGroup := app.Group("/auth")
	authGroup.Post("/admin/login", cfg.Auth.AdminLogin)

	api := app.Group("/api/v1", cfg.AuthMiddleware.Handle)

	tenant := api.Group("/tenants/:tenantId", auth.RequireTenantAccess("tenantId"))
	tenant.Get("/usage", cfg.Usage.Current)
	tenant.Get("/usage/period", cfg.Usage.Period)
	tenant.Get("/usage/activity", cfg.Usage.Activity)
	tenant.Get("/usage/check/create", cfg.Usage.CheckCreate)
	tenant.Get("/usage/check/complete", cfg.Usage.CheckComplete)
	tenant.Post("/usage/invalidate", cfg.Usage.Invalidate)

	tenant.Post("/trial", cfg.Subscriptions.StartTrial)
	tenant.Get("/subscription", cfg.Subscriptions.Get)
	tenant.Get("/subscription/history", cfg.Subscriptions.History)
	tenant.Post("/subscription/convert", cfg.Subscriptions.Convert)
	tenant.Post("/subscription/cancel-trial", cfg.Subscriptions.CancelTrial)
	tenant.Post("/subscription/cancel", cfg.Subscriptions.Cancel)

	admin := api.Group("/admin", auth.RequireAdmin())
	admin.Get("/plans", cfg.Admin.Plans)
	admin.Post("/subscriptions/:id/extend-trial", cfg.Admin.ExtendTrial)
	admin.Post("/billing/jobs/run", cfg.Admin.RunAllJobs)
	admin.Post("/billing/jobs/:job", cfg.Admin.RunJob)
	admin.Get("/billing/stats", cfg.Admin.Stats)
	admin.Get("/billing/report", cfg.Admin.Report)
	admin.Get("/usage/approaching", cfg.Admin.Approaching)
}
