package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-billing/internal/api/dto"
	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/service"
)

// SubscriptionLifecycle is the subscription surface exposed over HTTP.
type SubscriptionLifecycle interface {
	GetForTenant(ctx context.Context, tenantID string) (*domain.Subscription, error)
	History(ctx context.Context, id string) ([]domain.SubscriptionEvent, error)
	Cancel(ctx context.Context, id string, opts service.CancelOptions) (*domain.Subscription, error)
}

// TrialLifecycle is the trial surface exposed over HTTP.
type TrialLifecycle interface {
	StartTrial(ctx context.Context, tenantID, planSlug string, opts service.TrialOptions) (*domain.Subscription, error)
	ConvertTrialToPaid(ctx context.Context, subscriptionID string, opts service.ConvertOptions) (*domain.Subscription, error)
	CancelTrial(ctx context.Context, subscriptionID, reason string) (*domain.Subscription, error)
	ExtendTrial(ctx context.Context, subscriptionID string, additionalDays int, reason string) (*domain.Subscription, error)
}

// SubscriptionHandler manages a tenant's own subscription. The subscription is always
// resolved from the tenant in the path.
type SubscriptionHandler struct {
	subscriptions SubscriptionLifecycle
	trials        TrialLifecycle
	now           func() time.Time
}

// NewSubscriptionHandler constructs handler.
func NewSubscriptionHandler(subscriptions SubscriptionLifecycle, trials TrialLifecycle) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions, trials: trials, now: time.Now}
}

// StartTrial POST /api/v1/tenants/:tenantId/trial.
func (h *SubscriptionHandler) StartTrial(c *fiber.Ctx) error {
	var req dto.StartTrialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := h.trials.StartTrial(c.UserContext(), c.Params("tenantId"), req.Plan, service.TrialOptions{
		TrialDays:        req.TrialDays,
		SendWelcomeEmail: req.SendWelcomeEmail,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": dto.NewSubscriptionResponse(sub, h.now())})
}

// Get GET /api/v1/tenants/:tenantId/subscription.
func (h *SubscriptionHandler) Get(c *fiber.Ctx) error {
	sub, err := h.current(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(sub, h.now())})
}

// History GET /api/v1/tenants/:tenantId/subscription/history.
func (h *SubscriptionHandler) History(c *fiber.Ctx) error {
	sub, err := h.current(c)
	if err != nil {
		return err
	}
	history, err := h.subscriptions.History(c.UserContext(), sub.ID)
	if err != nil {
		return mapServiceError(err)
	}
	items := make([]dto.SubscriptionEventResponse, 0, len(history))
	for _, e := range history {
		items = append(items, dto.SubscriptionEventResponse{
			ID:         e.ID,
			FromStatus: e.FromStatus,
			ToStatus:   e.ToStatus,
			Trigger:    e.Trigger,
			Details:    e.Details,
			CreatedAt:  e.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"data": items})
}

// Convert POST /api/v1/tenants/:tenantId/subscription/convert.
func (h *SubscriptionHandler) Convert(c *fiber.Ctx) error {
	var req dto.ConvertTrialRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := h.current(c)
	if err != nil {
		return err
	}
	converted, err := h.trials.ConvertTrialToPaid(c.UserContext(), sub.ID, service.ConvertOptions{
		PaymentMethodRef:        req.PaymentMethodRef,
		ExternalCustomerRef:     req.ExternalCustomerRef,
		ExternalSubscriptionRef: req.ExternalSubscriptionRef,
		SendWelcomeEmail:        req.SendWelcomeEmail,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(converted, h.now())})
}

// CancelTrial POST /api/v1/tenants/:tenantId/subscription/cancel-trial.
func (h *SubscriptionHandler) CancelTrial(c *fiber.Ctx) error {
	var req dto.CancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := h.current(c)
	if err != nil {
		return err
	}
	cancelled, err := h.trials.CancelTrial(c.UserContext(), sub.ID, req.Reason)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(cancelled, h.now())})
}

// Cancel POST /api/v1/tenants/:tenantId/subscription/cancel.
func (h *SubscriptionHandler) Cancel(c *fiber.Ctx) error {
	var req dto.CancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := h.current(c)
	if err != nil {
		return err
	}
	updated, err := h.subscriptions.Cancel(c.UserContext(), sub.ID, service.CancelOptions{
		Immediate: req.Immediate,
		Reason:    req.Reason,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(updated, h.now())})
}

func (h *SubscriptionHandler) current(c *fiber.Ctx) (*domain.Subscription, error) {
	sub, err := h.subscriptions.GetForTenant(c.UserContext(), c.Params("tenantId"))
	if err != nil {
		return nil, mapServiceError(err)
	}
	return sub, nil
}
