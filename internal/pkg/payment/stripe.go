package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/wagginmeals/storefront/internal/pkg/env"
)

type StripeConfig struct {
	SecretKey string
	Currency  string
}

func StripeConfigFromEnv() StripeConfig {
	return StripeConfig{
		SecretKey: strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		Currency:  strings.ToLower(env.GetEnv("STRIPE_CURRENCY", "usd")),
	}
}

// StripeCharger confirms off-session PaymentIntents.
type StripeCharger struct {
	cfg StripeConfig
}

func NewStripeCharger(cfg StripeConfig) *StripeCharger {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	stripe.Key = cfg.SecretKey
	return &StripeCharger{cfg: cfg}
}

func (c *StripeCharger) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if c.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	if req.CustomerRef == "" || req.PaymentMethodRef == "" {
		return nil, ErrNoPaymentMethod
	}
	if req.AmountCents <= 0 {
		return nil, fmt.Errorf("payment: invalid amount %d", req.AmountCents)
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	if req.InvoiceNumber != "" {
		params.AddMetadata("invoice_number", req.InvoiceNumber)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, describeStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, fmt.Errorf("payment %s not completed: status %s", pi.ID, pi.Status)
	}

	log.Infof("[Payment] Charged %d %s for invoice %s: %s", req.AmountCents, currency, req.InvoiceNumber, pi.ID)
	return &ChargeResult{TransactionID: pi.ID, Status: string(pi.Status)}, nil
}

// describeStripeError keeps the customer-facing decline message.
func describeStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.DeclineCode != "" {
			return fmt.Errorf("%s (%s)", se.Msg, se.DeclineCode)
		}
		if se.Msg != "" {
			return errors.New(se.Msg)
		}
	}
	return fmt.Errorf("payment: create payment intent: %w", err)
}
