package handlers

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/service"
	apperrors "github.com/spec-kit/ticket-billing/pkg/util"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// bind parses the JSON body into req and validates its struct tags.
func bind(c *fiber.Ctx, req any) error {
	if len(c.Body()) > 0 {
		if err := c.BodyParser(req); err != nil {
			return apperrors.NewValidationError("invalid payload", nil)
		}
	}
	if err := validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make(map[string]any, len(fieldErrs))
			for _, fe := range fieldErrs {
				details[strings.ToLower(fe.Field())] = fe.Tag()
			}
			return apperrors.NewValidationError("invalid payload", details)
		}
		return apperrors.NewValidationError("invalid payload", nil)
	}
	return nil
}

// mapServiceError translates service errors into HTTP-aware domain errors.
func mapServiceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return apperrors.NewNotFound("subscription", nil)
	case errors.Is(err, domain.ErrPlanNotFound):
		return apperrors.NewValidationError("unknown plan", nil)
	case errors.Is(err, domain.ErrInvalidTrialLength):
		return apperrors.NewValidationError(err.Error(), nil)
	case errors.Is(err, domain.ErrPaymentMethodRequired):
		return apperrors.NewValidationError("payment_method_ref required", nil)
	case errors.Is(err, domain.ErrInvalidTransition):
		return apperrors.NewInvalidTransition(err)
	case errors.Is(err, domain.ErrStaleStatus):
		return apperrors.NewConflict("subscription changed concurrently; retry", nil)
	case errors.Is(err, domain.ErrSubscriptionExists):
		return apperrors.NewConflict("tenant already has an open subscription", nil)
	case errors.Is(err, service.ErrInvalidCredentials):
		return apperrors.NewUnauthorized("invalid credentials")
	}
	return err
}
