package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-billing/internal/api/dto"
)

// AdminAuthenticator issues operator tokens.
type AdminAuthenticator interface {
	LoginAdmin(ctx context.Context, email, password string) (string, time.Time, error)
}

// AuthHandler exposes the operator login endpoint.
type AuthHandler struct {
	auth AdminAuthenticator
}

// NewAuthHandler constructs handler.
func NewAuthHandler(auth AdminAuthenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// AdminLogin handles POST /auth/admin/login.
func (h *AuthHandler) AdminLogin(c *fiber.Ctx) error {
	var req dto.AdminLoginRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	token, exp, err := h.auth.LoginAdmin(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(fiber.Map{"data": dto.AuthResponse{Token: token, ExpiresAt: exp}})
}
