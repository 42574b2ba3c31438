package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/domain"
)

// ErrInvalidCredentials is returned for any failed login.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService issues operator tokens for the admin billing surface.
type AuthService struct {
	tokenMgr   *auth.TokenManager
	adminEmail string
	adminHash  string
}

// NewAuthService builds the service.
func NewAuthService(cfg config.AuthConfig, tokens *auth.TokenManager) *AuthService {
	return &AuthService{
		tokenMgr:   tokens,
		adminEmail: strings.ToLower(strings.TrimSpace(cfg.AdminEmail)),
		adminHash:  cfg.AdminPasswordHash,
	}
}

// LoginAdmin verifies the operator credentials and returns a bearer token.
// Login is disabled while no password hash is configured.
func (s *AuthService) LoginAdmin(_ context.Context, email, password string) (string, time.Time, error) {
	if s.adminHash == "" {
		return "", time.Time{}, ErrInvalidCredentials
	}
	normalized := strings.ToLower(strings.TrimSpace(email))
	if subtle.ConstantTimeCompare([]byte(normalized), []byte(s.adminEmail)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if err := auth.ComparePassword(s.adminHash, password); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}
	return s.tokenMgr.GenerateToken(normalized, domain.SubjectTypeAdmin, nil)
}

// TokenManager exposes the token manager for middleware wiring.
func (s *AuthService) TokenManager() *auth.TokenManager {
	return s.tokenMgr
}
