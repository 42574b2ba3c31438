package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/ticket-billing/internal/domain"
	apperrors "github.com/spec-kit/ticket-billing/pkg/util"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	tenant := "tenant-1"

	token, exp, err := tm.GenerateToken("user-1", domain.SubjectTypeTenant, &tenant)
	require.NoError(t, err)
	assert.False(t, exp.IsZero())

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	principal, err := claims.Principal()
	require.NoError(t, err)
	assert.True(t, principal.CanAccessTenant("tenant-1"))
	assert.False(t, principal.CanAccessTenant("tenant-2"))
	assert.False(t, principal.IsAdmin())
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	token, _, err := NewTokenManager("one", 5).GenerateToken("admin", domain.SubjectTypeAdmin, nil)
	require.NoError(t, err)

	_, err = NewTokenManager("two", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestTenantClaimsWithoutTenantAreRejected(t *testing.T) {
	claims := &Claims{SubjectID: "u", Subject: domain.SubjectTypeTenant}
	_, err := claims.Principal()
	assert.Error(t, err)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter22", 4)
	require.NoError(t, err)
	assert.NoError(t, ComparePassword(hash, "hunter22"))
	assert.Error(t, ComparePassword(hash, "wrong"))

	cost, err := ValidateHash(hash)
	require.NoError(t, err)
	assert.Equal(t, 4, cost)
}

func TestHashPasswordEdgeCases(t *testing.T) {
	_, err := HashPassword("", 4)
	assert.ErrorIs(t, err, ErrEmptyPassword)

	hash, err := HashPassword("hunter22", 1)
	require.NoError(t, err)
	cost, err := ValidateHash(hash)
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)

	_, err = ValidateHash("plaintext-in-env")
	assert.Error(t, err)
}

func newTestApp(tm *TokenManager) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			de := apperrors.ToDomainError(err)
			return c.SendStatus(de.HTTPStatus)
		},
	})
	mw := NewAuthMiddleware(tm)
	app.Get("/admin", mw.Handle, RequireAdmin(), func(c *fiber.Ctx) error { return c.SendStatus(http.StatusNoContent) })
	app.Get("/tenants/:tenantId", mw.Handle, RequireTenantAccess("tenantId"), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, path, token string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddlewareEnforcesRoles(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	app := newTestApp(tm)

	adminToken, _, err := tm.GenerateToken("admin@example.com", domain.SubjectTypeAdmin, nil)
	require.NoError(t, err)
	tenant := "tenant-1"
	tenantToken, _, err := tm.GenerateToken("user-1", domain.SubjectTypeTenant, &tenant)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, doRequest(t, app, "/admin", ""))
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, app, "/admin", "garbage"))
	assert.Equal(t, http.StatusForbidden, doRequest(t, app, "/admin", tenantToken))
	assert.Equal(t, http.StatusNoContent, doRequest(t, app, "/admin", adminToken))

	assert.Equal(t, http.StatusNoContent, doRequest(t, app, "/tenants/tenant-1", tenantToken))
	assert.Equal(t, http.StatusForbidden, doRequest(t, app, "/tenants/tenant-2", tenantToken))
	assert.Equal(t, http.StatusNoContent, doRequest(t, app, "/tenants/tenant-2", adminToken))
}

func TestExpiredTokenIsChallenged(t *testing.T) {
	tm := &TokenManager{secret: []byte("secret"), ttl: -time.Hour}
	token, _, err := tm.GenerateToken("admin@example.com", domain.SubjectTypeAdmin, nil)
	require.NoError(t, err)

	_, err = tm.ParseToken(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := newTestApp(tm).Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer realm="billing", error="invalid_token"`, resp.Header.Get("WWW-Authenticate"))
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	tm := NewTokenManager("secret", 5)
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		SubjectID:        "admin@example.com",
		Subject:          domain.SubjectTypeAdmin,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = tm.ParseToken(signed)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	_, err := bearerToken("")
	assert.EqualError(t, err, "missing authorization header")
	_, err = bearerToken("Basic abc")
	assert.Error(t, err)
	_, err = bearerToken("Bearer   ")
	assert.Error(t, err)
	token, err := bearerToken("bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)
}
