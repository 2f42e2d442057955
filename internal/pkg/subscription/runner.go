package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/mail"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
	"github.com/wagginmeals/storefront/internal/pkg/payment"
)

const billingLockTTL = 10 * time.Minute

// Locker guards a subscription against concurrent billing runs.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

type Mailer interface {
	SendPaymentSuccess(ctx context.Context, msg mail.PaymentSuccessEmail) error
	SendPaymentFailed(ctx context.Context, msg mail.PaymentFailedEmail) error
}

type ChargeOutcome string

const (
	OutcomeCharged ChargeOutcome = "charged"
	OutcomeFailed  ChargeOutcome = "failed"
	OutcomeSkipped ChargeOutcome = "skipped"
)

// ChargeReport describes one billing attempt.
type ChargeReport struct {
	SubscriptionID string                      `json:"subscription_id"`
	Outcome        ChargeOutcome               `json:"outcome"`
	Invoice        *models.SubscriptionInvoice `json:"invoice,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

type RunError struct {
	SubscriptionID string `json:"subscription_id"`
	Error          string `json:"error"`
}

// RunResult summarises one sweep over the due subscriptions.
type RunResult struct {
	Total      int        `json:"total"`
	Successful int        `json:"successful"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	Errors     []RunError `json:"errors"`
}

type RunnerOption func(*Runner)

func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

func WithMailer(m Mailer) RunnerOption {
	return func(r *Runner) { r.mailer = m }
}

// WithAccountURL sets the site root used for "update payment method" links.
func WithAccountURL(base string) RunnerOption {
	return func(r *Runner) { r.accountURL = strings.TrimRight(base, "/") }
}

// Runner charges due subscriptions and feeds the results back into the
// lifecycle service.
type Runner struct {
	svc        *Service
	repo       Repository
	charger    payment.Charger
	locker     Locker
	mailer     Mailer
	accountURL string
}

func NewRunner(svc *Service, repo Repository, charger payment.Charger, opts ...RunnerOption) *Runner {
	r := &Runner{svc: svc, repo: repo, charger: charger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsDue reports whether sub should be charged at now. A scheduled retry
// takes precedence over the billing date.
func IsDue(sub *models.Subscription, now time.Time) bool {
	if !State(sub.Status).IsBillable() {
		return false
	}
	if sub.NextRetryAt != nil {
		return !sub.NextRetryAt.After(now)
	}
	if sub.NextBillingDate == nil {
		return false
	}
	return !truncateDay(*sub.NextBillingDate).After(truncateDay(now))
}

// Run charges every due subscription once.
func (r *Runner) Run(ctx context.Context) RunResult {
	result := RunResult{Errors: []RunError{}}

	subs, err := r.repo.ListBillable(ctx)
	if err != nil {
		log.Errorf("[Billing] Failed to load billable subscriptions: %v", err)
		result.Errors = append(result.Errors, RunError{Error: err.Error()})
		return result
	}

	now := r.svc.now()
	for i := range subs {
		if err := ctx.Err(); err != nil {
			log.Warnf("[Billing] Run interrupted: %v", err)
			break
		}
		sub := &subs[i]
		if !IsDue(sub, now) {
			continue
		}
		result.Total++

		report := r.charge(ctx, sub)
		switch report.Outcome {
		case OutcomeCharged:
			result.Successful++
		case OutcomeSkipped:
			result.Skipped++
		default:
			result.Failed++
			result.Errors = append(result.Errors, RunError{SubscriptionID: sub.ID, Error: report.Error})
		}
	}

	log.Infof("[Billing] Run finished: %d due, %d charged, %d failed, %d skipped",
		result.Total, result.Successful, result.Failed, result.Skipped)
	return result
}

// ChargeSubscription bills one subscription now, whether or not it is due.
// The request is written to the audit trail before the charge is attempted.
func (r *Runner) ChargeSubscription(ctx context.Context, id string, actor Actor) (*ChargeReport, error) {
	sub, err := r.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !State(sub.Status).IsBillable() {
		return nil, &InvalidTransitionError{From: State(sub.Status), Event: EventPaymentSucceeded}
	}
	if err := r.svc.NoteManualBilling(ctx, sub, actor); err != nil {
		return nil, err
	}
	report := r.charge(ctx, sub)
	return &report, nil
}

func (r *Runner) charge(ctx context.Context, sub *models.Subscription) ChargeReport {
	report := ChargeReport{SubscriptionID: sub.ID}
	now := r.svc.now()

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, "billing:lock:"+sub.ID, billingLockTTL)
		if err != nil {
			log.Warnf("[Billing] Lock unavailable for %s: %v", sub.ID, err)
			report.Outcome = OutcomeSkipped
			report.Error = err.Error()
			return report
		}
		if !ok {
			log.Infof("[Billing] %s is already being billed, skipping", sub.ID)
			report.Outcome = OutcomeSkipped
			return report
		}
		defer release()
	}

	paid, err := r.repo.HasPaidInvoiceOn(ctx, sub.ID, now)
	if err != nil {
		return r.failed(report, err)
	}
	if paid {
		log.Infof("[Billing] %s already paid today, skipping", sub.ID)
		report.Outcome = OutcomeSkipped
		return report
	}

	cycle, err := r.svc.billingCycle(ctx, sub, nil)
	if err != nil {
		return r.failed(report, err)
	}
	invoiceNumber := NewInvoiceNumber(sub, now)
	attempt := 1
	prior, err := r.repo.FindCycleInvoice(ctx, sub.ID, cycle)
	if err != nil {
		return r.failed(report, err)
	}
	if prior != nil {
		invoiceNumber = prior.InvoiceNumber
		attempt = prior.AttemptCount + 1
	}

	var result *payment.ChargeResult
	amount := sub.ChargeAmountCents()
	switch {
	case amount <= 0:
		result = &payment.ChargeResult{TransactionID: "no-charge-" + invoiceNumber, Status: "succeeded"}
	case sub.PaymentMethodRef == "" || sub.PaymentCustomerRef == "":
		err = payment.ErrNoPaymentMethod
	default:
		result, err = r.charger.Charge(ctx, payment.ChargeRequest{
			AmountCents:      amount,
			Currency:         sub.Currency,
			CustomerRef:      sub.PaymentCustomerRef,
			PaymentMethodRef: sub.PaymentMethodRef,
			Description:      chargeDescription(sub),
			InvoiceNumber:    invoiceNumber,
			CustomerEmail:    sub.Customer.Email,
			IdempotencyKey:   fmt.Sprintf("%s-%d", invoiceNumber, attempt),
			Metadata: map[string]string{
				"subscription_id": sub.ID,
				"customer_id":     sub.CustomerID,
			},
		})
	}

	if err != nil {
		return r.recordFailure(ctx, report, sub, cycle, invoiceNumber, err)
	}
	return r.recordSuccess(ctx, report, sub, cycle, invoiceNumber, result)
}

func (r *Runner) recordSuccess(ctx context.Context, report ChargeReport, sub *models.Subscription, cycle time.Time, invoiceNumber string, result *payment.ChargeResult) ChargeReport {
	updated, invoice, err := r.svc.RecordPaymentSuccess(ctx, sub.ID, PaymentSuccessInput{
		TransactionID: result.TransactionID,
		InvoiceNumber: invoiceNumber,
		BillingDate:   &cycle,
	})
	if err != nil {
		// The money moved; this needs a human.
		log.Errorf("[Billing] Charged %s (%s) but could not record it: %v", sub.ID, result.TransactionID, err)
		return r.failed(report, err)
	}
	metrics.BillingCharges.WithLabelValues("succeeded").Inc()
	report.Outcome = OutcomeCharged
	report.Invoice = invoice

	if r.mailer != nil {
		if err := r.mailer.SendPaymentSuccess(ctx, mail.PaymentSuccessEmail{
			To:              updated.Customer.Email,
			CustomerName:    updated.Customer.FullName(),
			SubscriptionID:  updated.ID,
			Amount:          invoice.Total,
			TransactionID:   invoice.TransactionID,
			InvoiceNumber:   invoice.InvoiceNumber,
			NextBillingDate: formatDate(updated.NextBillingDate),
		}); err != nil {
			log.Warnf("[Billing] Payment success email for %s failed: %v", sub.ID, err)
		}
	}
	return report
}

func (r *Runner) recordFailure(ctx context.Context, report ChargeReport, sub *models.Subscription, cycle time.Time, invoiceNumber string, chargeErr error) ChargeReport {
	log.Warnf("[Billing] Charge for %s failed: %v", sub.ID, chargeErr)
	metrics.BillingCharges.WithLabelValues("failed").Inc()

	updated, invoice, err := r.svc.RecordPaymentFailure(ctx, sub.ID, PaymentFailureInput{
		ErrorMessage:  chargeErr.Error(),
		InvoiceNumber: invoiceNumber,
		BillingDate:   &cycle,
	})
	if err != nil {
		log.Errorf("[Billing] Could not record failed charge for %s: %v", sub.ID, err)
		return r.failed(report, errors.Join(chargeErr, err))
	}
	report.Outcome = OutcomeFailed
	report.Invoice = invoice
	report.Error = chargeErr.Error()

	if r.mailer != nil {
		if err := r.mailer.SendPaymentFailed(ctx, mail.PaymentFailedEmail{
			To:               updated.Customer.Email,
			CustomerName:     updated.Customer.FullName(),
			SubscriptionID:   updated.ID,
			Amount:           invoice.Total,
			ErrorMessage:     chargeErr.Error(),
			AttemptCount:     invoice.AttemptCount,
			IsFinalAttempt:   updated.Status == string(StatePastDue),
			NextRetryDate:    formatDate(invoice.NextRetryAt),
			UpdatePaymentURL: r.accountURL + "/account/subscriptions/" + updated.ID,
		}); err != nil {
			log.Warnf("[Billing] Payment failure email for %s failed: %v", sub.ID, err)
		}
	}
	return report
}

func (r *Runner) failed(report ChargeReport, err error) ChargeReport {
	metrics.BillingCharges.WithLabelValues("error").Inc()
	report.Outcome = OutcomeFailed
	report.Error = err.Error()
	return report
}

func chargeDescription(sub *models.Subscription) string {
	names := make([]string, 0, len(sub.Items))
	for _, it := range sub.Items {
		names = append(names, it.ProductName)
	}
	desc := "Waggin' Meals subscription " + sub.ShortID()
	if len(names) > 0 {
		desc += ": " + strings.Join(names, ", ")
	}
	return desc
}
