package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/ticket-billing/internal/domain"
	"github.com/spec-kit/ticket-billing/internal/gateway"
)

var testNow = time.Date(2026, time.March, 15, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fakeSubscriptionRepo struct {
	mu      sync.Mutex
	subs    map[string]*domain.Subscription
	getErr  map[string]error
	listErr error
	// beforeUpdate runs before the guarded write, letting tests simulate a racing writer.
	beforeUpdate func(id string)
}

func newFakeSubscriptionRepo(subs ...*domain.Subscription) *fakeSubscriptionRepo {
	r := &fakeSubscriptionRepo{subs: map[string]*domain.Subscription{}, getErr: map[string]error{}}
	for _, s := range subs {
		cp := *s
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = testNow
		}
		r.subs[s.ID] = &cp
	}
	return r
}

func (r *fakeSubscriptionRepo) Create(_ context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subs {
		if existing.TenantID == sub.TenantID && existing.Status != domain.SubscriptionStatusCancelled {
			return domain.ErrSubscriptionExists
		}
	}
	sub.CreatedAt = testNow
	sub.UpdatedAt = testNow
	cp := *sub
	r.subs[sub.ID] = &cp
	return nil
}

func (r *fakeSubscriptionRepo) GetByID(_ context.Context, id string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.getErr[id]; err != nil {
		return nil, err
	}
	sub, ok := r.subs[id]
	if !ok {
		return nil, domain.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeSubscriptionRepo) GetCurrentByTenant(_ context.Context, tenantID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.getErr[tenantID]; err != nil {
		return nil, err
	}
	for _, sub := range r.subs {
		if sub.TenantID == tenantID && sub.Status != domain.SubscriptionStatusCancelled {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, domain.ErrSubscriptionNotFound
}

func (r *fakeSubscriptionRepo) filter(keep func(*domain.Subscription) bool) []domain.Subscription {
	out := []domain.Subscription{}
	for _, sub := range r.subs {
		if keep(sub) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeSubscriptionRepo) ListByStatuses(_ context.Context, statuses []domain.SubscriptionStatus) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.filter(func(s *domain.Subscription) bool { return containsStatus(statuses, s.Status) }), nil
}

func (r *fakeSubscriptionRepo) ListTrialsEndingBetween(_ context.Context, from, to time.Time) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(s *domain.Subscription) bool {
		return s.Status == domain.SubscriptionStatusTrial && s.TrialEnd != nil &&
			!s.TrialEnd.Before(from) && s.TrialEnd.Before(to)
	}), nil
}

func (r *fakeSubscriptionRepo) ListPendingPeriodEndCancellations(_ context.Context, now time.Time) ([]domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(s *domain.Subscription) bool {
		return s.CancelAtPeriodEnd && s.Status != domain.SubscriptionStatusCancelled && s.CurrentPeriodEnd.Before(now)
	}), nil
}

func (r *fakeSubscriptionRepo) UpdateIfStatus(_ context.Context, sub *domain.Subscription, expected domain.SubscriptionStatus) (bool, error) {
	if r.beforeUpdate != nil {
		r.beforeUpdate(sub.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.subs[sub.ID]
	if !ok || stored.Status != expected {
		return false, nil
	}
	sub.UpdatedAt = testNow
	cp := *sub
	r.subs[sub.ID] = &cp
	return true, nil
}

func (r *fakeSubscriptionRepo) CountByStatus(_ context.Context) (map[domain.SubscriptionStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.SubscriptionStatus]int64{}
	for _, sub := range r.subs {
		out[sub.Status]++
	}
	return out, nil
}

func (r *fakeSubscriptionRepo) CountByStatusCreatedBetween(_ context.Context, from, to time.Time) (map[domain.SubscriptionStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.SubscriptionStatus]int64{}
	for _, sub := range r.subs {
		if !sub.CreatedAt.Before(from) && sub.CreatedAt.Before(to) {
			out[sub.Status]++
		}
	}
	return out, nil
}

func (r *fakeSubscriptionRepo) status(id string) domain.SubscriptionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id].Status
}

func (r *fakeSubscriptionRepo) set(sub *domain.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.ID] = &cp
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []domain.SubscriptionEvent
}

func (r *fakeEventRepo) Create(_ context.Context, event *domain.SubscriptionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.CreatedAt = testNow
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeEventRepo) ListBySubscription(_ context.Context, subscriptionID string) ([]domain.SubscriptionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []domain.SubscriptionEvent{}
	for _, e := range r.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeBillingRepo struct {
	mu      sync.Mutex
	records map[string]*domain.BillingRecord
	writes  int
	listErr error

	revenueFrom, revenueTo time.Time
	revenue                []domain.RevenueStats
}

func newFakeBillingRepo(records ...*domain.BillingRecord) *fakeBillingRepo {
	r := &fakeBillingRepo{records: map[string]*domain.BillingRecord{}}
	for _, rec := range records {
		cp := *rec
		r.records[rec.ID] = &cp
	}
	return r
}

func (r *fakeBillingRepo) Create(_ context.Context, record *domain.BillingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.ExternalInvoiceRef == record.ExternalInvoiceRef {
			return domain.ErrDuplicateInvoice
		}
	}
	r.writes++
	record.CreatedAt = testNow
	record.UpdatedAt = testNow
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *fakeBillingRepo) Update(_ context.Context, record *domain.BillingRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[record.ID]
	if !ok || stored.Status.IsSettled() {
		return false, nil
	}
	r.writes++
	cp := *record
	cp.AttemptCount = max(stored.AttemptCount, record.AttemptCount)
	r.records[record.ID] = &cp
	return true, nil
}

func (r *fakeBillingRepo) GetByExternalRef(_ context.Context, ref string) (*domain.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.ExternalInvoiceRef == ref {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, domain.ErrBillingRecordNotFound
}

func (r *fakeBillingRepo) ListByStatus(_ context.Context, status domain.BillingRecordStatus) ([]domain.BillingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := []domain.BillingRecord{}
	for _, rec := range r.records {
		if rec.Status == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeBillingRepo) IncrementAttemptCount(_ context.Context, id string, expected int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok || rec.AttemptCount != expected || rec.Status.IsSettled() {
		return false, nil
	}
	r.writes++
	rec.AttemptCount++
	return true, nil
}

func (r *fakeBillingRepo) DeleteOlderThan(_ context.Context, cutoff time.Time, statuses []domain.BillingRecordStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for id, rec := range r.records {
		if rec.BillingDate.Before(cutoff) {
			for _, s := range statuses {
				if rec.Status == s {
					delete(r.records, id)
					deleted++
					break
				}
			}
		}
	}
	return deleted, nil
}

func (r *fakeBillingRepo) RevenueBetween(_ context.Context, from, to time.Time) ([]domain.RevenueStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revenueFrom, r.revenueTo = from, to
	return r.revenue, nil
}

func (r *fakeBillingRepo) FailedPaymentsBetween(_ context.Context, from, to time.Time) (domain.FailedPaymentStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats domain.FailedPaymentStats
	for _, rec := range r.records {
		inRange := !rec.BillingDate.Before(from) && rec.BillingDate.Before(to)
		unsettled := rec.Status == domain.BillingStatusOpen || rec.Status == domain.BillingStatusUncollectible
		if inRange && unsettled && rec.AttemptCount > 0 {
			stats.Count++
			stats.TotalAmount += rec.AmountRemaining
		}
	}
	return stats, nil
}

func (r *fakeBillingRepo) get(id string) domain.BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.records[id]
}

func (r *fakeBillingRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeGateway struct {
	mu         sync.Mutex
	invoices   map[string][]gateway.Invoice
	listErr    map[string]error
	retries    map[string]*gateway.RetryResult
	retryErr   map[string]error
	retryCalls []string
	listCalls  []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		invoices: map[string][]gateway.Invoice{},
		listErr:  map[string]error{},
		retries:  map[string]*gateway.RetryResult{},
		retryErr: map[string]error{},
	}
}

func (g *fakeGateway) ListInvoices(_ context.Context, ref string, _ time.Time) ([]gateway.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls = append(g.listCalls, ref)
	if err := g.listErr[ref]; err != nil {
		return nil, err
	}
	return append([]gateway.Invoice(nil), g.invoices[ref]...), nil
}

func (g *fakeGateway) RetryInvoice(_ context.Context, ref string) (*gateway.RetryResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retryCalls = append(g.retryCalls, ref)
	if err := g.retryErr[ref]; err != nil {
		return nil, err
	}
	if res, ok := g.retries[ref]; ok {
		return res, nil
	}
	return &gateway.RetryResult{Success: false, Reason: "card_declined"}, nil
}

func (g *fakeGateway) retriedRefs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.retryCalls...)
}

type sentNotification struct {
	TenantID string
	Type     domain.NotificationType
	Payload  map[string]any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *fakeNotifier) Send(_ context.Context, tenantID string, t domain.NotificationType, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{TenantID: tenantID, Type: t, Payload: payload})
}

func (n *fakeNotifier) count(t domain.NotificationType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.Type == t {
			c++
		}
	}
	return c
}

type fakeTicketCounter struct {
	mu       sync.Mutex
	usage    map[string]*domain.UsageSnapshot
	err      map[string]error
	calls    int
	activity []domain.TicketActivity
	lastN    int
}

func newFakeTicketCounter() *fakeTicketCounter {
	return &fakeTicketCounter{usage: map[string]*domain.UsageSnapshot{}, err: map[string]error{}}
}

func (c *fakeTicketCounter) GetUsage(_ context.Context, tenantID string) (*domain.UsageSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.err[tenantID]; err != nil {
		return nil, err
	}
	u, ok := c.usage[tenantID]
	if !ok {
		return &domain.UsageSnapshot{}, nil
	}
	cp := *u
	return &cp, nil
}

func (c *fakeTicketCounter) GetUsageForPeriod(_ context.Context, _ string, period domain.UsagePeriod) (*domain.PeriodUsage, error) {
	return &domain.PeriodUsage{Start: period.Start, End: period.End, TicketsCreated: 7, TicketsCompleted: 3}, nil
}

func (c *fakeTicketCounter) ListRecentActivity(_ context.Context, _ string, limit int) ([]domain.TicketActivity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastN = limit
	return c.activity, nil
}

type fakeUsageCache struct {
	mu      sync.Mutex
	entries map[string]domain.UsageSnapshot
	getErr  error
}

func newFakeUsageCache() *fakeUsageCache {
	return &fakeUsageCache{entries: map[string]domain.UsageSnapshot{}}
}

func (c *fakeUsageCache) Get(_ context.Context, tenantID string) (*domain.UsageSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	u, ok := c.entries[tenantID]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

func (c *fakeUsageCache) Set(_ context.Context, tenantID string, snapshot *domain.UsageSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = *snapshot
	return nil
}

func (c *fakeUsageCache) Invalidate(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	return nil
}

type fakeLedger struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (l *fakeLedger) MarkSent(_ context.Context, subscriptionID string, trialEnd time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen == nil {
		l.seen = map[string]bool{}
	}
	key := subscriptionID + "|" + trialEnd.Format(time.DateOnly)
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

type staticCatalog map[string]domain.Plan

func (c staticCatalog) GetPlan(_ context.Context, id string) (*domain.Plan, error) {
	for _, p := range c {
		if p.ID == id {
			cp := p
			return &cp, nil
		}
	}
	return nil, domain.ErrPlanNotFound
}

func (c staticCatalog) GetPlanBySlug(_ context.Context, slug string) (*domain.Plan, error) {
	p, ok := c[slug]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return &p, nil
}

func testCatalog() staticCatalog {
	return staticCatalog{
		"starter": {
			ID: "plan_starter", Slug: "starter", Name: "Starter", TrialDays: 14, Currency: "usd",
			Limits: domain.PlanLimits{ActiveTickets: 100, CompletedTickets: 500, TotalTickets: -1, StorageQuotaGB: 5},
		},
		"enterprise": {
			ID: "plan_enterprise", Slug: "enterprise", Name: "Enterprise", Currency: "usd",
			Limits: domain.PlanLimits{ActiveTickets: -1, CompletedTickets: -1, TotalTickets: -1, StorageQuotaGB: -1},
		},
		"frozen": {
			ID: "plan_frozen", Slug: "frozen", Name: "Frozen",
			Limits: domain.PlanLimits{ActiveTickets: 0, CompletedTickets: 0, TotalTickets: 0},
		},
	}
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func activeSub(id, tenant, extRef string) *domain.Subscription {
	sub := &domain.Subscription{
		ID:                 id,
		TenantID:           tenant,
		PlanID:             "plan_starter",
		Status:             domain.SubscriptionStatusActive,
		CurrentPeriodStart: testNow.AddDate(0, 0, -10),
		CurrentPeriodEnd:   testNow.AddDate(0, 0, 20),
	}
	if extRef != "" {
		sub.ExternalSubscriptionRef = strPtr(extRef)
	}
	return sub
}

func openRecord(id, subID string, attempts int) *domain.BillingRecord {
	return &domain.BillingRecord{
		ID:                 id,
		SubscriptionID:     subID,
		ExternalInvoiceRef: "in_" + id,
		Status:             domain.BillingStatusOpen,
		AmountDue:          4900,
		AmountRemaining:    4900,
		Currency:           "usd",
		BillingDate:        testNow.AddDate(0, 0, -5),
		AttemptCount:       attempts,
	}
}

type harness struct {
	subs       *fakeSubscriptionRepo
	events     *fakeEventRepo
	records    *fakeBillingRepo
	gateway    *fakeGateway
	notifier   *fakeNotifier
	lifecycle  *SubscriptionService
	reconciler *BillingReconciler
}

func newHarness(subs []*domain.Subscription, records []*domain.BillingRecord) *harness {
	h := &harness{
		subs:     newFakeSubscriptionRepo(subs...),
		events:   &fakeEventRepo{},
		records:  newFakeBillingRepo(records...),
		gateway:  newFakeGateway(),
		notifier: &fakeNotifier{},
	}
	h.lifecycle = NewSubscriptionService(SubscriptionDependencies{
		SubscriptionRepo: h.subs,
		EventRepo:        h.events,
		Notifier:         h.notifier,
		Clock:            fixedClock,
	})
	h.reconciler = NewBillingReconciler(BillingDependencies{
		BillingRecordRepo: h.records,
		SubscriptionRepo:  h.subs,
		Subscriptions:     h.lifecycle,
		Gateway:           h.gateway,
		Notifier:          h.notifier,
		Policy:            BillingPolicy{GatewayTimeout: time.Second},
		Clock:             fixedClock,
	})
	return h
}
