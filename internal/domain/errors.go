package domain

import "errors"

var (
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrSubscriptionExists    = errors.New("tenant already has an open subscription")
	ErrBillingRecordNotFound = errors.New("billing record not found")
	ErrDuplicateInvoice      = errors.New("billing record already exists for invoice")
	ErrPlanNotFound          = errors.New("plan not found")
	ErrInvalidTransition     = errors.New("invalid subscription transition")
	ErrStaleStatus           = errors.New("subscription status changed concurrently")
	ErrMalformedInvoice      = errors.New("malformed invoice payload")
	ErrInvalidTrialLength    = errors.New("trial length out of range")
	ErrPaymentMethodRequired = errors.New("payment method required")
)
