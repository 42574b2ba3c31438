package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-billing/internal/api/dto"
	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/service"
	apperrors "github.com/spec-kit/ticket-billing/pkg/util"
)

// UsageReader is the usage surface exposed to tenants.
type UsageReader interface {
	GetCurrentUsage(ctx context.Context, tenantID string) (*service.TenantUsage, error)
	GetUsageForPeriod(ctx context.Context, tenantID string, period domain.UsagePeriod) (*domain.PeriodUsage, error)
	GetRecentActivity(ctx context.Context, tenantID string, limit int) ([]domain.TicketActivity, error)
	CanCreateTicket(ctx context.Context, tenantID string) service.GateDecision
	CanCompleteTicket(ctx context.Context, tenantID string) service.GateDecision
	InvalidateUsage(ctx context.Context, tenantID string) error
}

// UsageHandler serves tenant usage and gating queries.
type UsageHandler struct {
	usage UsageReader
	plans service.PlanCatalog
}

// NewUsageHandler constructs handler.
func NewUsageHandler(usage UsageReader, plans service.PlanCatalog) *UsageHandler {
	return &UsageHandler{usage: usage, plans: plans}
}

// Current GET /api/v1/tenants/:tenantId/usage.
func (h *UsageHandler) Current(c *fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	usage, err := h.usage.GetCurrentUsage(c.UserContext(), tenantID)
	if err != nil {
		return mapServiceError(err)
	}
	resp := dto.UsageResponse{
		TenantID:       usage.TenantID,
		SubscriptionID: usage.SubscriptionID,
		PlanID:         usage.PlanID,
		Usage:          usage.Usage,
		LimitStatus:    usage.LimitStatus,
	}
	if plan, err := h.plans.GetPlan(c.UserContext(), usage.PlanID); err == nil {
		resp.Limits = &plan.Limits
	}
	return c.JSON(fiber.Map{"data": resp})
}

// Period GET /api/v1/tenants/:tenantId/usage/period?from=&to=.
func (h *UsageHandler) Period(c *fiber.Ctx) error {
	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		return apperrors.NewValidationError("from must be an RFC3339 timestamp", nil)
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		return apperrors.NewValidationError("to must be an RFC3339 timestamp", nil)
	}
	if !to.After(from) {
		return apperrors.NewValidationError("to must be after from", nil)
	}
	usage, err := h.usage.GetUsageForPeriod(c.UserContext(), c.Params("tenantId"), domain.UsagePeriod{Start: from, End: to})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": usage})
}

// Activity GET /api/v1/tenants/:tenantId/usage/activity?limit=.
func (h *UsageHandler) Activity(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return apperrors.NewValidationError("limit must be positive", nil)
	}
	items, err := h.usage.GetRecentActivity(c.UserContext(), c.Params("tenantId"), limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": items})
}

// CheckCreate GET /api/v1/tenants/:tenantId/usage/check/create.
func (h *UsageHandler) CheckCreate(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.usage.CanCreateTicket(c.UserContext(), c.Params("tenantId"))})
}

// CheckComplete GET /api/v1/tenants/:tenantId/usage/check/complete.
func (h *UsageHandler) CheckComplete(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"data": h.usage.CanCompleteTicket(c.UserContext(), c.Params("tenantId"))})
}

// Invalidate POST /api/v1/tenants/:tenantId/usage/invalidate, called by the ticket
// subsystem after it changed the tenant's tickets.
func (h *UsageHandler) Invalidate(c *fiber.Ctx) error {
	if err := h.usage.InvalidateUsage(c.UserContext(), c.Params("tenantId")); err != nil {
		return apperrors.NewServiceUnavailable("usage cache unavailable", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
