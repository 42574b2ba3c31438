package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-billing/internal/api/dto"
	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/service"
	apperrors "github.com/spec-kit/ticket-billing/pkg/util"
)

// BillingOperations are the operator-triggered billing actions.
type BillingOperations interface {
	RunAllJobs(ctx context.Context) service.RunAllJobsResult
	GenerateMonthlyBillingReport(ctx context.Context, year, month int) (*service.MonthlyBillingReport, error)
}

// StatsReader answers the subscription overview query.
type StatsReader interface {
	GetSubscriptionStats(ctx context.Context) (*service.SubscriptionStats, error)
}

// LimitScanner finds tenants close to their plan limits.
type LimitScanner interface {
	GetUsersApproachingLimits(ctx context.Context, thresholdPercent float64) ([]service.TenantUsage, error)
}

// PlanLister lists the plan catalog.
type PlanLister interface {
	List() []domain.Plan
}

// AdminDependencies bundles collaborators for the admin handler.
type AdminDependencies struct {
	Billing BillingOperations
	Stats   StatsReader
	Usage   LimitScanner
	Trials  TrialLifecycle
	Plans   PlanLister
	Jobs    map[string]service.JobFunc
}

// AdminHandler exposes operator endpoints.
type AdminHandler struct {
	deps AdminDependencies
	now  func() time.Time
}

// NewAdminHandler constructs handler.
func NewAdminHandler(deps AdminDependencies) *AdminHandler {
	return &AdminHandler{deps: deps, now: time.Now}
}

// Plans GET /api/v1/admin/plans.
func (h *AdminHandler) Plans(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.deps.Plans.List()})
}

// ExtendTrial POST /api/v1/admin/subscriptions/:id/extend-trial.
func (h *AdminHandler) ExtendTrial(c *fiber.Ctx) error {
	var req dto.ExtendTrialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := h.deps.Trials.ExtendTrial(c.UserContext(), c.Params("id"), req.AdditionalDays, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(sub, h.now())})
}

// RunAllJobs POST /api/v1/admin/billing/jobs/run.
func (h *AdminHandler) RunAllJobs(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.deps.Billing.RunAllJobs(c.UserContext())})
}

// RunJob POST /api/v1/admin/billing/jobs/:job.
func (h *AdminHandler) RunJob(c *fiber.Ctx) error {
	name := c.Params("job")
	run, ok := h.deps.Jobs[name]
	if !ok {
		known := make([]string, 0, len(h.deps.Jobs))
		for k := range h.deps.Jobs {
			known = append(known, k)
		}
		sort.Strings(known)
		return apperrors.NewNotFound("job", map[string]any{"job": name, "known": known})
	}
	result, err := run(c.UserContext())
	if err != nil {
		return apperrors.NewInternalError(err)
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"job": name, "result": result}})
}

// Stats GET /api/v1/admin/billing/stats.
func (h *AdminHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.deps.Stats.GetSubscriptionStats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

// Report GET /api/v1/admin/billing/report?year=&month=.
func (h *AdminHandler) Report(c *fiber.Ctx) error {
	year := c.QueryInt("year", 0)
	month := c.QueryInt("month", 0)
	if (year == 0) != (month == 0) {
		return apperrors.NewValidationError("year and month must be given together", nil)
	}
	if month < 0 || month > 12 || year < 0 {
		return apperrors.NewValidationError("invalid year or month", nil)
	}
	report, err := h.deps.Billing.GenerateMonthlyBillingReport(c.UserContext(), year, month)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": report})
}

// Approaching GET /api/v1/admin/usage/approaching?threshold=.
func (h *AdminHandler) Approaching(c *fiber.Ctx) error {
	threshold := c.QueryFloat("threshold", 0)
	if threshold < 0 || threshold > 100 {
		return apperrors.NewValidationError("threshold must be between 0 and 100", nil)
	}
	tenants, err := h.deps.Usage.GetUsersApproachingLimits(c.UserContext(), threshold)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": tenants})
}
