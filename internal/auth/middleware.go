package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/spec-kit/ticket-billing/internal/domain"
	apperrors "github.com/spec-kit/ticket-billing/pkg/util"
)

const principalKey = "auth_principal"

// AuthMiddleware resolves the bearer token into a tenant or operator principal.
type AuthMiddleware struct {
	tokens *TokenManager
}

// NewAuthMiddleware constructs middleware.
func NewAuthMiddleware(tokens *TokenManager) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Handle rejects requests without a valid bearer token. Rejections carry a
// WWW-Authenticate challenge so clients can tell an expired token from a bad one.
func (m *AuthMiddleware) Handle(c *fiber.Ctx) error {
	raw, err := bearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return challenge(c, "", err.Error())
	}

	claims, err := m.tokens.ParseToken(raw)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return challenge(c, "invalid_token", "token expired")
	case err != nil:
		return challenge(c, "invalid_token", "invalid token")
	}

	principal, err := claims.Principal()
	if err != nil {
		return challenge(c, "invalid_token", err.Error())
	}

	c.Locals(principalKey, principal)
	return c.Next()
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.New("invalid authorization header")
	}
	return token, nil
}

func challenge(c *fiber.Ctx, code, message string) error {
	value := `Bearer realm="billing"`
	if code != "" {
		value += `, error="` + code + `"`
	}
	c.Set(fiber.HeaderWWWAuthenticate, value)
	return apperrors.NewUnauthorized(message)
}

// PrincipalFromContext retrieves the authenticated entity.
func PrincipalFromContext(c *fiber.Ctx) (*domain.Principal, bool) {
	principal, ok := c.Locals(principalKey).(*domain.Principal)
	return principal, ok && principal != nil
}
