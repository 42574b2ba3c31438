package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/invoice"
	"golang.org/x/time/rate"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

// StripeConfig configures the Stripe-backed gateway.
type StripeConfig struct {
	SecretKey         string
	RequestsPerSecond float64
	Burst             int
}

// StripeGateway implements PaymentGateway using the Stripe invoices API.
type StripeGateway struct {
	invoices invoice.Client
	limiter  *rate.Limiter
}

// NewStripeGateway builds a rate-limited Stripe client.
func NewStripeGateway(cfg StripeConfig) *StripeGateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &StripeGateway{
		invoices: invoice.Client{B: stripe.GetBackend(stripe.APIBackend), Key: cfg.SecretKey},
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// ListInvoices returns invoices for the subscription created at or after since, oldest first.
func (g *StripeGateway) ListInvoices(ctx context.Context, externalSubscriptionRef string, since time.Time) ([]Invoice, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := &stripe.InvoiceListParams{
		Subscription: stripe.String(externalSubscriptionRef),
		CreatedRange: &stripe.RangeQueryParams{GreaterThanOrEqual: since.Unix()},
	}
	params.Context = ctx
	params.Limit = stripe.Int64(100)

	var out []Invoice
	iter := g.invoices.List(params)
	for iter.Next() {
		inv := invoiceFromStripe(iter.Invoice(), externalSubscriptionRef)
		out = append(out, inv)
	}
	if err := iter.Err(); err != nil {
		return nil, classifyListError(err)
	}
	// Stripe lists newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RetryInvoice attempts to collect payment for an open invoice.
func (g *StripeGateway) RetryInvoice(ctx context.Context, externalInvoiceRef string) (*RetryResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := &stripe.InvoicePayParams{}
	params.Context = ctx
	paid, err := g.invoices.Pay(externalInvoiceRef, params)
	if err != nil {
		return classifyPayError(err)
	}
	inv := invoiceFromStripe(paid, "")
	return &RetryResult{Success: inv.Status == domain.BillingStatusPaid, Reason: string(paid.Status), Invoice: &inv}, nil
}

// classifyPayError splits declines and 5xx responses (a failed attempt) from
// transport failures and unknown references (returned as errors).
func classifyPayError(err error) (*RetryResult, error) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, fmt.Errorf("stripe pay invoice: %w", err)
	}
	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		reason := string(stripeErr.DeclineCode)
		if reason == "" {
			reason = string(stripeErr.Code)
		}
		return &RetryResult{Success: false, Reason: reason}, nil
	case stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return &RetryResult{Success: false, Reason: "gateway_unavailable"}, nil
	case stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return nil, fmt.Errorf("%w: %s", ErrUnknownReference, stripeErr.Msg)
	default:
		return nil, fmt.Errorf("stripe pay invoice: %w", err)
	}
}

func classifyListError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && (stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing) {
		return fmt.Errorf("%w: %s", ErrUnknownReference, stripeErr.Msg)
	}
	return fmt.Errorf("stripe list invoices: %w", err)
}

func invoiceFromStripe(src *stripe.Invoice, subscriptionRef string) Invoice {
	if src == nil {
		return Invoice{}
	}
	inv := Invoice{
		ID:              src.ID,
		SubscriptionRef: subscriptionRef,
		Status:          domain.BillingRecordStatus(src.Status),
		AmountDue:       src.AmountDue,
		AmountPaid:      src.AmountPaid,
		AmountRemaining: src.AmountRemaining,
		Currency:        string(src.Currency),
		Created:         unixTime(src.Created),
		DueDate:         unixTimePtr(src.DueDate),
		AttemptCount:    int(src.AttemptCount),
	}
	if src.StatusTransitions != nil {
		inv.PaidAt = unixTimePtr(src.StatusTransitions.PaidAt)
		inv.VoidedAt = unixTimePtr(src.StatusTransitions.VoidedAt)
	}
	if src.Lines != nil {
		for _, line := range src.Lines.Data {
			if line == nil {
				continue
			}
			inv.Lines = append(inv.Lines, domain.LineItem{
				Description: line.Description,
				Amount:      line.Amount,
				Quantity:    line.Quantity,
			})
		}
	}
	return inv
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := unixTime(sec)
	return &t
}
