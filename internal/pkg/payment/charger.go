package payment

import (
	"context"
	"errors"
)

var (
	ErrNoPaymentMethod = errors.New("payment method not properly configured")
	ErrNotConfigured   = errors.New("payment processor not configured")
)

// ChargeRequest is an off-session charge against a stored payment method.
type ChargeRequest struct {
	AmountCents      int64
	Currency         string
	CustomerRef      string
	PaymentMethodRef string
	Description      string
	InvoiceNumber    string
	CustomerEmail    string
	// IdempotencyKey makes a retried request charge at most once.
	IdempotencyKey string
	Metadata       map[string]string
}

type ChargeResult struct {
	TransactionID string
	Status        string
}

// Charger charges stored payment methods.
type Charger interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}
