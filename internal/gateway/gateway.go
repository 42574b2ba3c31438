// Package gateway abstracts the external payment gateway of record.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/spec-kit/ticket-billing/internal/domain"
)

var (
	// ErrUnknownReference is a permanent failure: the gateway has no such object.
	ErrUnknownReference = errors.New("gateway: unknown reference")
	// ErrNotConfigured is returned when no gateway credentials are available.
	ErrNotConfigured = errors.New("gateway: not configured")
)

// Invoice is the gateway's authoritative view of one invoice.
type Invoice struct {
	ID              string
	SubscriptionRef string
	Status          domain.BillingRecordStatus
	AmountDue       int64
	AmountPaid      int64
	AmountRemaining int64
	Currency        string
	Created         time.Time
	DueDate         *time.Time
	PaidAt          *time.Time
	VoidedAt        *time.Time
	AttemptCount    int
	Lines           []domain.LineItem
}

// Validate rejects payloads that cannot be stored as a billing record.
func (i Invoice) Validate() error {
	switch {
	case i.ID == "":
		return errors.Join(domain.ErrMalformedInvoice, errors.New("missing invoice id"))
	case !i.Status.IsValid():
		return errors.Join(domain.ErrMalformedInvoice, errors.New("unknown invoice status "+string(i.Status)))
	case i.Currency == "":
		return errors.Join(domain.ErrMalformedInvoice, errors.New("missing currency"))
	case i.Created.IsZero():
		return errors.Join(domain.ErrMalformedInvoice, errors.New("missing creation time"))
	case i.AttemptCount < 0:
		return errors.Join(domain.ErrMalformedInvoice, errors.New("negative attempt count"))
	}
	return nil
}

// RetryResult is the outcome of a collection attempt.
// Success=false covers declines and gateway-side failures; transport errors are returned as err.
type RetryResult struct {
	Success bool
	Reason  string
	Invoice *Invoice
}

// PaymentGateway is the contract the billing engine needs from the gateway.
type PaymentGateway interface {
	ListInvoices(ctx context.Context, externalSubscriptionRef string, since time.Time) ([]Invoice, error)
	RetryInvoice(ctx context.Context, externalInvoiceRef string) (*RetryResult, error)
}

// Unconfigured is used when no gateway credentials are present; every call fails.
type Unconfigured struct{}

// ListInvoices always fails with ErrNotConfigured.
func (Unconfigured) ListInvoices(context.Context, string, time.Time) ([]Invoice, error) {
	return nil, ErrNotConfigured
}

// RetryInvoice always fails with ErrNotConfigured.
func (Unconfigured) RetryInvoice(context.Context, string) (*RetryResult, error) {
	return nil, ErrNotConfigured
}
