package domain

import "time"

// BillingRecordStatus mirrors the invoice states reported by the payment gateway.
type BillingRecordStatus string

const (
	BillingStatusDraft         BillingRecordStatus = "draft"
	BillingStatusOpen          BillingRecordStatus = "open"
	BillingStatusPaid          BillingRecordStatus = "paid"
	BillingStatusVoid          BillingRecordStatus = "void"
	BillingStatusUncollectible BillingRecordStatus = "uncollectible"
)

// IsValid reports whether s is a known invoice status.
func (s BillingRecordStatus) IsValid() bool {
	switch s {
	case BillingStatusDraft, BillingStatusOpen, BillingStatusPaid, BillingStatusVoid, BillingStatusUncollectible:
		return true
	default:
		return false
	}
}

// IsSettled reports whether the record is frozen (paid or void).
func (s BillingRecordStatus) IsSettled() bool {
	return s == BillingStatusPaid || s == BillingStatusVoid
}

// LineItem is one charge on an invoice.
type LineItem struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Quantity    int64  `json:"quantity"`
}

// BillingRecord is the local copy of one external invoice.
type BillingRecord struct {
	ID                 string
	SubscriptionID     string
	ExternalInvoiceRef string
	Status             BillingRecordStatus
	AmountDue          int64
	AmountPaid         int64
	AmountRemaining    int64
	Currency           string
	BillingDate        time.Time
	DueDate            *time.Time
	PaidAt             *time.Time
	VoidedAt           *time.Time
	AttemptCount       int
	LineItems          []LineItem
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RevenueStats aggregates invoices billed in one currency over a period.
type RevenueStats struct {
	Currency        string `json:"currency"`
	InvoiceCount    int64  `json:"invoice_count"`
	PaidCount       int64  `json:"paid_count"`
	AmountBilled    int64  `json:"amount_billed"`
	AmountCollected int64  `json:"amount_collected"`
}

// FailedPaymentStats aggregates invoices with at least one failed collection attempt.
type FailedPaymentStats struct {
	Count       int64 `json:"count"`
	TotalAmount int64 `json:"total_amount"`
}
