package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-billing/internal/api/http/handlers"
	"github.com/spec-kit/ticket-billing/internal/auth"
	"github.com/spec-kit/ticket-billing/internal/config"
	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/observability"
	"github.com/spec-kit/ticket-billing/internal/plans"
	"github.com/spec-kit/ticket-billing/internal/service"
)

type stubUsage struct {
	decision    service.GateDecision
	invalidated []string
}

func (s *stubUsage) GetCurrentUsage(_ context.Context, tenantID string) (*service.TenantUsage, error) {
	if tenantID != "tenant-1" {
		return nil, domain.ErrSubscriptionNotFound
	}
	return &service.TenantUsage{TenantID: tenantID, SubscriptionID: "sub-1", PlanID: "plan_starter", Usage: domain.UsageSnapshot{ActiveTickets: 12}}, nil
}

func (s *stubUsage) GetUsageForPeriod(_ context.Context, _ string, period domain.UsagePeriod) (*domain.PeriodUsage, error) {
	return &domain.PeriodUsage{Start: period.Start, End: period.End, TicketsCreated: 4}, nil
}

func (s *stubUsage) GetRecentActivity(context.Context, string, int) ([]domain.TicketActivity, error) {
	return []domain.TicketActivity{}, nil
}

func (s *stubUsage) CanCreateTicket(context.Context, string) service.GateDecision { return s.decision }
func (s *stubUsage) CanCompleteTicket(context.Context, string) service.GateDecision {
	return s.decision
}

func (s *stubUsage) InvalidateUsage(_ context.Context, tenantID string) error {
	s.invalidated = append(s.invalidated, tenantID)
	return nil
}

func (s *stubUsage) GetUsersApproachingLimits(context.Context, float64) ([]service.TenantUsage, error) {
	return []service.TenantUsage{{TenantID: "tenant-1"}}, nil
}

type stubLifecycle struct {
	subs map[string]*domain.Subscription
}

func (s *stubLifecycle) GetForTenant(_ context.Context, tenantID string) (*domain.Subscription, error) {
	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *stubLifecycle) History(context.Context, string) ([]domain.SubscriptionEvent, error) {
	return []domain.SubscriptionEvent{{ID: "evt-1", ToStatus: domain.SubscriptionStatusTrial, Trigger: domain.TriggerTrialStarted}}, nil
}

func (s *stubLifecycle) Cancel(_ context.Context, id string, opts service.CancelOptions) (*domain.Subscription, error) {
	for _, sub := range s.subs {
		if sub.ID == id {
			cp := *sub
			cp.CancelAtPeriodEnd = !opts.Immediate
			return &cp, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

type stubTrials struct {
	lifecycle *stubLifecycle
}

func (s *stubTrials) StartTrial(_ context.Context, tenantID, plan string, _ service.TrialOptions) (*domain.Subscription, error) {
	if _, ok := s.lifecycle.subs[tenantID]; ok {
		return nil, domain.ErrSubscriptionExists
	}
	if plan != "starter" {
		return nil, domain.ErrPlanNotFound
	}
	return &domain.Subscription{ID: "sub-new", TenantID: tenantID, PlanID: "plan_starter", Status: domain.SubscriptionStatusTrial}, nil
}

func (s *stubTrials) ConvertTrialToPaid(context.Context, string, service.ConvertOptions) (*domain.Subscription, error) {
	return nil, domain.ErrInvalidTransition
}

func (s *stubTrials) CancelTrial(context.Context, string, string) (*domain.Subscription, error) {
	return nil, domain.ErrStaleStatus
}

func (s *stubTrials) ExtendTrial(_ context.Context, id string, days int, _ string) (*domain.Subscription, error) {
	end := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	return &domain.Subscription{ID: id, Status: domain.SubscriptionStatusTrial, TrialEnd: &end}, nil
}

type stubBilling struct{}

func (stubBilling) RunAllJobs(context.Context) service.RunAllJobsResult {
	return service.RunAllJobsResult{}
}

func (stubBilling) GenerateMonthlyBillingReport(_ context.Context, year, month int) (*service.MonthlyBillingReport, error) {
	return &service.MonthlyBillingReport{Year: year, Month: month}, nil
}

type stubStats struct{}

func (stubStats) GetSubscriptionStats(context.Context) (*service.SubscriptionStats, error) {
	return &service.SubscriptionStats{ExpiredTrials: 2}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type testServer struct {
	app    *fiber.App
	tokens *auth.TokenManager
	usage  *stubUsage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	catalog, err := plans.Load("")
	require.NoError(t, err)
	hash, err := auth.HashPassword("s3cret-pass", 4)
	require.NoError(t, err)

	tokens := auth.NewTokenManager("test-secret", 5)
	usage := &stubUsage{decision: service.GateDecision{Allowed: false, Reason: service.ReasonActiveTicketLimit, PlanID: "plan_starter"}}
	lifecycle := &stubLifecycle{subs: map[string]*domain.Subscription{
		"tenant-1": {ID: "sub-1", TenantID: "tenant-1", PlanID: "plan_starter", Status: domain.SubscriptionStatusActive},
	}}
	trials := &stubTrials{lifecycle: lifecycle}
	metrics := observability.NewMetrics()

	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), metrics, time.Second)
	RegisterRoutes(app, RouteConfig{
		Health: handlers.NewHealthHandler("billing", "test",
			handlers.Dependency{Name: "postgres", Pinger: pinger{}},
			handlers.Dependency{Name: "redis", Pinger: pinger{err: errors.New("connection refused")}, Optional: true},
		),
		Auth:          handlers.NewAuthHandler(service.NewAuthService(config.AuthConfig{AdminEmail: "ops@example.com", AdminPasswordHash: hash}, tokens)),
		Usage:         handlers.NewUsageHandler(usage, catalog),
		Subscriptions: handlers.NewSubscriptionHandler(lifecycle, trials),
		Admin: handlers.NewAdminHandler(handlers.AdminDependencies{
			Billing: stubBilling{},
			Stats:   stubStats{},
			Usage:   usage,
			Trials:  trials,
			Plans:   catalog,
			Jobs: map[string]service.JobFunc{
				service.JobExpireTrials: func(context.Context) (any, error) {
					return service.TrialSweepResult{Processed: 3, Cancelled: 3}, nil
				},
			},
		}),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Metrics:        metrics.Handler(),
	})
	return &testServer{app: app, tokens: tokens, usage: usage}
}

func (s *testServer) tenantToken(t *testing.T, tenantID string) string {
	token, _, err := s.tokens.GenerateToken("user-1", domain.SubjectTypeTenant, &tenantID)
	require.NoError(t, err)
	return token
}

func (s *testServer) adminToken(t *testing.T) string {
	token, _, err := s.tokens.GenerateToken("ops@example.com", domain.SubjectTypeAdmin, nil)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, body := s.do(t, http.MethodGet, "/health/ready", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])
}

func TestTenantRoutesRequireMatchingToken(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage", s.tenantToken(t, "tenant-2"), "")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage", s.tenantToken(t, "tenant-1"), "")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "sub-1", data["subscription_id"])
	assert.NotNil(t, data["limits"])

	status, _ = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage", s.adminToken(t), "")
	assert.Equal(t, http.StatusOK, status)
}

func TestUsageGateAndQueries(t *testing.T) {
	s := newTestServer(t)
	token := s.tenantToken(t, "tenant-1")

	status, body := s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage/check/create", token, "")
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, false, data["allowed"])
	assert.Equal(t, service.ReasonActiveTicketLimit, data["reason"])

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage/period?from=yesterday&to=2026-01-01T00:00:00Z", token, "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, _ = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage/period?from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z", token, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/usage/period?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(4), body["data"].(map[string]any)["tickets_created"])

	status, _ = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-1/usage/invalidate", token, "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, []string{"tenant-1"}, s.usage.invalidated)
}

func TestSubscriptionRoutesMapDomainErrors(t *testing.T) {
	s := newTestServer(t)
	t1 := s.tenantToken(t, "tenant-1")
	t2 := s.tenantToken(t, "tenant-2")

	status, body := s.do(t, http.MethodPost, "/api/v1/tenants/tenant-2/trial", t2, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-2/trial", t2, `{"plan":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-2/trial", t2, `{"plan":"starter","trial_days":7}`)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "trial", body["data"].(map[string]any)["status"])

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-1/trial", t1, `{"plan":"starter"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", errorCode(body))

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-2/subscription", t2, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-1/subscription/convert", t1, `{"payment_method_ref":"pm_1"}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-1/subscription/convert", t1, `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "required", body["error"].(map[string]any)["details"].(map[string]any)["paymentmethodref"])

	status, body = s.do(t, http.MethodPost, "/api/v1/tenants/tenant-1/subscription/cancel", t1, `{"reason":"budget"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["data"].(map[string]any)["cancel_at_period_end"])

	status, body = s.do(t, http.MethodGet, "/api/v1/tenants/tenant-1/subscription/history", t1, "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)
}

func TestAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.do(t, http.MethodGet, "/api/v1/admin/billing/stats", s.tenantToken(t, "tenant-1"), "")
	assert.Equal(t, http.StatusForbidden, status)

	status, body := s.do(t, http.MethodPost, "/auth/admin/login", "", `{"email":"ops@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = s.do(t, http.MethodPost, "/auth/admin/login", "", `{"email":"ops@example.com","password":"s3cret-pass"}`)
	require.Equal(t, http.StatusOK, status)
	token := body["data"].(map[string]any)["token"].(string)

	status, body = s.do(t, http.MethodGet, "/api/v1/admin/billing/stats", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["data"].(map[string]any)["expired_trials"])

	status, _ = s.do(t, http.MethodGet, "/api/v1/admin/billing/report?month=3", token, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodGet, "/api/v1/admin/billing/report?year=2026&month=3", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["data"].(map[string]any)["month"])

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/billing/jobs/expire_trials", token, "")
	require.Equal(t, http.StatusOK, status)
	result := body["data"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, float64(3), result["cancelled"])

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/billing/jobs/nope", token, "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/billing/jobs/run", token, "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = s.do(t, http.MethodGet, "/api/v1/admin/usage/approaching?threshold=150", token, "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = s.do(t, http.MethodPost, "/api/v1/admin/subscriptions/sub-1/extend-trial", token, `{"additional_days":0}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	status, _ = s.do(t, http.MethodPost, "/api/v1/admin/subscriptions/sub-1/extend-trial", token, `{"additional_days":5}`)
	assert.Equal(t, http.StatusOK, status)

	status, body = s.do(t, http.MethodGet, "/api/v1/admin/plans", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["data"])
}

func TestUnknownRouteAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, body := s.do(t, http.MethodGet, "/nope", "", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "ticket_billing_http_requests_total")
	assert.Contains(t, string(raw), `status="404"`)
	assert.Contains(t, string(raw), `code="NOT_FOUND"`)
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "gate-42")
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "gate-42", resp.Header.Get("X-Request-ID"))

	resp, err = s.app.Test(httptest.NewRequest(http.MethodGet, "/health/live", nil), -1)
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get("X-Request-ID"), 36)
}
