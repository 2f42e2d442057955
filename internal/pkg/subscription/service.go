package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
	"gorm.io/datatypes"
)

var ErrValidation = errors.New("invalid subscription request")

// Notifier receives lifecycle events after they are committed.
type Notifier interface {
	NotifySubscriptionCreated(ctx context.Context, ev ghl.SubscriptionCreatedEvent) bool
	NotifyPaymentSuccess(ctx context.Context, ev ghl.PaymentSuccessEvent) bool
	NotifyPaymentFailed(ctx context.Context, ev ghl.PaymentFailedEvent) bool
	NotifySubscriptionPaused(ctx context.Context, ev ghl.SubscriptionPausedEvent) bool
	NotifySubscriptionResumed(ctx context.Context, ev ghl.SubscriptionResumedEvent) bool
	NotifySubscriptionCancelled(ctx context.Context, ev ghl.SubscriptionCancelledEvent) bool
	NotifyDeliverySkipped(ctx context.Context, ev ghl.DeliverySkippedEvent) bool
	NotifyFrequencyChanged(ctx context.Context, ev ghl.FrequencyChangedEvent) bool
	NotifyAddressChanged(ctx context.Context, ev ghl.AddressChangedEvent) bool
	IsConfigured() bool
}

// ContactSyncer accumulates lifecycle tags on the customer's CRM contact.
type ContactSyncer interface {
	SyncContact(ctx context.Context, contact ghl.Contact) ghl.SyncResult
	RemoveTagsFromContact(ctx context.Context, email string, tags []string) ghl.SyncResult
}

// ContactDispatcher runs a contact sync off the request path. removeTags are
// dropped from the contact once the sync itself has succeeded.
type ContactDispatcher interface {
	DispatchContact(ctx context.Context, table, recordID string, contact ghl.Contact, removeTags []string)
}

// SyncLogger mirrors sync outcomes on the subscription row.
type SyncLogger interface {
	LogSync(entry ghl.SyncLogEntry)
}

// Actor identifies who triggered a change, for the audit trail.
type Actor struct {
	Type string
	ID   string
}

var SystemActor = Actor{Type: models.ActorSystem}

func CustomerActor(id string) Actor { return Actor{Type: models.ActorCustomer, ID: id} }
func AdminActor(id string) Actor    { return Actor{Type: models.ActorAdmin, ID: id} }

type Option func(*Service)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithContactSync enables CRM tag accumulation on lifecycle changes.
func WithContactSync(contacts ContactSyncer, syncLog SyncLogger) Option {
	return func(s *Service) {
		s.contacts = contacts
		s.syncLog = syncLog
	}
}

// WithContactDispatcher routes lifecycle tag syncs through d. It takes
// precedence over WithContactSync.
func WithContactDispatcher(d ContactDispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// Service drives subscriptions through the lifecycle state machine. The
// database is the source of truth: every change is committed before the CRM
// hears about it, and CRM failures are only logged.
type Service struct {
	repo     Repository
	notifier Notifier
	contacts ContactSyncer
	syncLog  SyncLogger
	// dispatcher, when set, replaces the inline contacts/syncLog path.
	dispatcher ContactDispatcher
	policy     RetryPolicy
	now        func() time.Time
}

func NewService(repo Repository, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		notifier: notifier,
		policy:   DefaultRetryPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.notifier == nil {
		s.notifier = ghl.NewNotifier(ghl.Config{})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() RetryPolicy {
	return s.policy
}

type CustomerInput struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

type CreateInput struct {
	Customer           CustomerInput
	Type               string
	Frequency          string
	Amount             float64
	Currency           string
	DiscountPercentage float64
	Items              models.SubscriptionItems
	ShippingAddress    models.Address
	PaymentCustomerRef string
	PaymentMethodRef   string
	Metadata           datatypes.JSONMap
	// StartDate defaults to now.
	StartDate *time.Time
	Actor     Actor
}

type PauseInput struct {
	Reason     string
	ResumeDate *time.Time
	Actor      Actor
}

type PaymentSuccessInput struct {
	TransactionID string
	InvoiceNumber string
	// BillingDate is the cycle being paid; defaults to the current next_billing_date.
	BillingDate *time.Time
}

type PaymentFailureInput struct {
	ErrorMessage  string
	InvoiceNumber string
	BillingDate   *time.Time
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Subscription, error) {
	freq, err := ParseFrequency(in.Frequency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	customer := &models.Customer{
		Email:     models.NormalizeEmail(in.Customer.Email),
		FirstName: strings.TrimSpace(in.Customer.FirstName),
		LastName:  strings.TrimSpace(in.Customer.LastName),
		Phone:     strings.TrimSpace(in.Customer.Phone),
	}
	if err := customer.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	start := now
	if in.StartDate != nil {
		start = in.StartDate.UTC()
	}
	next := NextBillingDate(start, freq)

	subType := in.Type
	if subType == "" {
		subType = models.SubscriptionTypeProduct
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "usd"
	}
	metadata := in.Metadata
	if metadata == nil {
		metadata = datatypes.JSONMap{}
	}

	sub := &models.Subscription{
		Status:             string(StateActive),
		Type:               subType,
		Frequency:          string(freq),
		Amount:             in.Amount,
		Currency:           currency,
		DiscountPercentage: in.DiscountPercentage,
		Items:              in.Items,
		ShippingAddress:    datatypes.NewJSONType(in.ShippingAddress),
		Metadata:           metadata,
		PaymentCustomerRef: in.PaymentCustomerRef,
		PaymentMethodRef:   in.PaymentMethodRef,
		NextBillingDate:    &next,
	}
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.repo.UpsertCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("save customer: %w", err)
	}
	sub.CustomerID = customer.ID

	change := Change{
		Subscription: sub,
		Create:       true,
		History:      s.history(sub, models.HistoryActionCreated, "", in.Actor, "Subscription created", nil),
	}
	if err := s.repo.Apply(ctx, change); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	sub.Customer = *customer
	metrics.SubscriptionTransitions.WithLabelValues("create", sub.Status).Inc()
	log.Infof("[Subscription] Created %s for %s (%s, next billing %s)", sub.ID, customer.Email, sub.Frequency, formatDate(sub.NextBillingDate))

	s.notify(func(n Notifier) bool {
		return n.NotifySubscriptionCreated(ctx, ghl.SubscriptionCreatedEvent{SubscriptionSnapshot: snapshot(sub)})
	})
	s.syncTags(ctx, sub, []string{"subscriber-active"}, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
		"subscription_next":   formatDate(sub.NextBillingDate),
	})
	return sub, nil
}

func (s *Service) Pause(ctx context.Context, id string, in PauseInput) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventPause)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sub.NextBillingDate = nil
	sub.NextRetryAt = nil
	sub.PausedAt = &now
	sub.Metadata = withMetadata(sub.Metadata, map[string]interface{}{
		"pause_reason": in.Reason,
		"resume_date":  formatDate(in.ResumeDate),
	})

	notes := in.Reason
	if notes == "" {
		notes = "Subscription paused"
	}
	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionPaused, from, in.Actor, notes, nil),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifySubscriptionPaused(ctx, ghl.SubscriptionPausedEvent{
			SubscriptionSnapshot: snapshot(sub),
			PauseReason:          in.Reason,
			ResumeDate:           formatDate(in.ResumeDate),
		})
	})
	s.syncTags(ctx, sub, []string{"subscription-paused"}, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
		"pause_reason":        nonEmpty(in.Reason, "Not specified"),
		"paused_at":           now.Format(time.RFC3339),
	})
	return sub, nil
}

func (s *Service) Resume(ctx context.Context, id string, actor Actor) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventResume)
	if err != nil {
		return nil, err
	}
	next := NextBillingDate(s.now(), Frequency(sub.Frequency))
	sub.NextBillingDate = &next
	sub.PausedAt = nil
	delete(sub.Metadata, "pause_reason")
	delete(sub.Metadata, "resume_date")

	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionResumed, from, actor, "Subscription resumed", nil),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifySubscriptionResumed(ctx, ghl.SubscriptionResumedEvent{SubscriptionSnapshot: snapshot(sub)})
	})
	s.syncTags(ctx, sub, []string{"subscription-resumed"}, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
		"subscription_next":   formatDate(sub.NextBillingDate),
	})
	return sub, nil
}

func (s *Service) Cancel(ctx context.Context, id, reason string, actor Actor) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventCancel)
	if err != nil {
		return nil, err
	}
	now := s.now()
	sub.NextBillingDate = nil
	sub.NextRetryAt = nil
	sub.CancelledAt = &now
	sub.Metadata = withMetadata(sub.Metadata, map[string]interface{}{"cancellation_reason": reason})

	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionCancelled, from, actor, nonEmpty(reason, "Subscription cancelled"), nil),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifySubscriptionCancelled(ctx, ghl.SubscriptionCancelledEvent{
			SubscriptionSnapshot: snapshot(sub),
			CancellationReason:   reason,
		})
	})
	s.syncTags(ctx, sub, []string{"subscriber-cancelled"}, []string{"subscriber-active"}, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
		"cancellation_reason": nonEmpty(reason, "Not specified"),
	})
	return sub, nil
}

// Expire ends a subscription whose program has run its course.
func (s *Service) Expire(ctx context.Context, id string, actor Actor) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventExpire)
	if err != nil {
		return nil, err
	}
	sub.NextBillingDate = nil
	sub.NextRetryAt = nil

	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionExpired, from, actor, "Subscription expired", nil),
	}); err != nil {
		return nil, err
	}
	s.syncTags(ctx, sub, []string{"subscription-expired"}, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
	})
	return sub, nil
}

// UpdatePaymentMethod stores new processor references. A cycle that is still
// being retried becomes due at once so the new card is tried on the next sweep.
func (s *Service) UpdatePaymentMethod(ctx context.Context, id, customerRef, methodRef string, actor Actor) (*models.Subscription, error) {
	methodRef = strings.TrimSpace(methodRef)
	if methodRef == "" {
		return nil, fmt.Errorf("%w: payment_method_ref is required", ErrValidation)
	}
	sub, from, err := s.begin(ctx, id, EventUpdatePayment)
	if err != nil {
		return nil, err
	}
	if ref := strings.TrimSpace(customerRef); ref != "" {
		sub.PaymentCustomerRef = ref
	}
	sub.PaymentMethodRef = methodRef
	if sub.NextRetryAt != nil {
		now := s.now()
		sub.NextRetryAt = &now
	}

	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionPaymentUpdated, from, actor, "Payment method updated", nil),
	}); err != nil {
		return nil, err
	}
	if from == StatePastDue {
		s.syncTags(ctx, sub, []string{"subscriber-active"}, []string{"subscriber-past-due"}, map[string]interface{}{
			"subscription_id":     sub.ID,
			"subscription_status": sub.Status,
		})
	}
	return sub, nil
}

// NoteManualBilling records that an operator charged the subscription by hand.
func (s *Service) NoteManualBilling(ctx context.Context, sub *models.Subscription, actor Actor) error {
	h := s.history(sub, models.HistoryActionManualBilling, State(sub.Status), actor, "Manual billing triggered", nil)
	return s.repo.AppendHistory(ctx, h)
}

// SkipNext moves the next delivery back by one interval.
func (s *Service) SkipNext(ctx context.Context, id, reason string, actor Actor) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventSkipDelivery)
	if err != nil {
		return nil, err
	}
	if sub.NextBillingDate == nil {
		return nil, fmt.Errorf("%w: subscription has no scheduled delivery", ErrValidation)
	}
	// With a retry pending the stored date is the unpaid cycle, so the
	// delivery being skipped is the one after it.
	old := truncateDay(*sub.NextBillingDate)
	open, err := s.openCycle(ctx, sub)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if after := NextBillingDate(*open, Frequency(sub.Frequency)); after.After(old) {
			old = after
		}
	}
	next := NextBillingDate(old, Frequency(sub.Frequency))
	sub.NextBillingDate = &next

	skips := 0
	if v, ok := sub.Metadata["total_skips"].(float64); ok {
		skips = int(v)
	}
	sub.Metadata = withMetadata(sub.Metadata, map[string]interface{}{
		"last_skip_date":   s.now().Format(time.RFC3339),
		"last_skip_reason": reason,
		"total_skips":      skips + 1,
	})

	changed := datatypes.JSONMap{
		"old_next_billing_date": formatDate(&old),
		"new_next_billing_date": formatDate(&next),
	}
	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionDeliverySkipped, from, actor, nonEmpty(reason, "Customer skipped next delivery"), changed),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifyDeliverySkipped(ctx, ghl.DeliverySkippedEvent{
			Customer:        ghl.CustomerFromModel(sub.Customer),
			SubscriptionID:  sub.ID,
			Frequency:       sub.Frequency,
			OldDeliveryDate: formatDate(&old),
			NewDeliveryDate: formatDate(&next),
			SkipReason:      reason,
		})
	})
	return sub, nil
}

// ChangeFrequency is a no-op when freq is already the current frequency.
// The state check comes first so a terminal subscription is still refused.
func (s *Service) ChangeFrequency(ctx context.Context, id, frequency, reason string, actor Actor) (*models.Subscription, error) {
	freq, err := ParseFrequency(frequency)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := Transition(State(sub.Status), EventChangeFrequency); err != nil {
		return nil, err
	}
	if sub.Frequency == string(freq) {
		return sub, nil
	}
	from, err := s.advance(sub, EventChangeFrequency)
	if err != nil {
		return nil, err
	}

	oldFreq := sub.Frequency
	sub.Frequency = string(freq)
	if sub.NextBillingDate != nil {
		start := *sub.NextBillingDate
		if today := truncateDay(s.now()); start.Before(today) {
			start = today
		}
		next := NextBillingDate(start, freq)
		sub.NextBillingDate = &next
	}
	sub.Metadata = withMetadata(sub.Metadata, map[string]interface{}{
		"last_frequency_change":   s.now().Format(time.RFC3339),
		"previous_frequency":      oldFreq,
		"frequency_change_reason": reason,
	})

	changed := datatypes.JSONMap{"old_frequency": oldFreq, "new_frequency": sub.Frequency}
	notes := nonEmpty(reason, fmt.Sprintf("Frequency changed from %s to %s", oldFreq, sub.Frequency))
	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionFrequencyChanged, from, actor, notes, changed),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifyFrequencyChanged(ctx, ghl.FrequencyChangedEvent{
			Customer:        ghl.CustomerFromModel(sub.Customer),
			SubscriptionID:  sub.ID,
			OldFrequency:    oldFreq,
			NewFrequency:    sub.Frequency,
			Amount:          sub.Amount,
			NextBillingDate: formatDate(sub.NextBillingDate),
		})
	})
	return sub, nil
}

func (s *Service) ChangeAddress(ctx context.Context, id string, addr models.Address, actor Actor) (*models.Subscription, error) {
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	sub, from, err := s.begin(ctx, id, EventChangeAddress)
	if err != nil {
		return nil, err
	}
	old := sub.ShippingAddress.Data()
	sub.ShippingAddress = datatypes.NewJSONType(addr)

	changed := datatypes.JSONMap{"old_address": old, "new_address": addr}
	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionAddressChanged, from, actor, "Shipping address updated", changed),
	}); err != nil {
		return nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifyAddressChanged(ctx, ghl.AddressChangedEvent{
			Customer:       ghl.CustomerFromModel(sub.Customer),
			SubscriptionID: sub.ID,
			OldAddress:     old,
			NewAddress:     addr,
		})
	})
	return sub, nil
}

// UpdateItems replaces the order lines and recomputes the amount from them.
func (s *Service) UpdateItems(ctx context.Context, id string, items models.SubscriptionItems, actor Actor) (*models.Subscription, error) {
	sub, from, err := s.begin(ctx, id, EventChangeItems)
	if err != nil {
		return nil, err
	}
	oldAmount := sub.Amount
	sub.Items = items
	sub.Amount = itemsTotal(items)
	if err := sub.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	changed := datatypes.JSONMap{"old_amount": oldAmount, "new_amount": sub.Amount, "item_count": len(items)}
	if err := s.commit(ctx, Change{
		Subscription: sub,
		History:      s.history(sub, models.HistoryActionItemsChanged, from, actor, "Subscription items updated", changed),
	}); err != nil {
		return nil, err
	}
	s.syncTags(ctx, sub, nil, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_amount": fmt.Sprintf("%.2f", sub.Amount),
	})
	return sub, nil
}

// RecordPaymentSuccess books a paid invoice for the cycle and schedules the next one.
func (s *Service) RecordPaymentSuccess(ctx context.Context, id string, in PaymentSuccessInput) (*models.Subscription, *models.SubscriptionInvoice, error) {
	sub, from, err := s.begin(ctx, id, EventPaymentSucceeded)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	cycle, err := s.billingCycle(ctx, sub, in.BillingDate)
	if err != nil {
		return nil, nil, err
	}

	// A cycle that failed before is settled on its existing invoice.
	invoice, err := s.repo.FindCycleInvoice(ctx, sub.ID, cycle)
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		invoice = newInvoice(sub, cycle, nonEmpty(in.InvoiceNumber, NewInvoiceNumber(sub, now)))
	}
	invoice.Status = models.InvoiceStatusPaid
	invoice.TransactionID = in.TransactionID
	invoice.PaidAt = &now
	invoice.LastAttemptAt = &now
	invoice.NextRetryAt = nil
	invoice.ErrorMessage = ""
	invoice.AttemptCount++

	next := NextBillingDate(cycle, Frequency(sub.Frequency))
	// A skip made while the cycle was being retried already moved the schedule.
	if sub.NextBillingDate != nil && truncateDay(*sub.NextBillingDate).After(next) {
		next = truncateDay(*sub.NextBillingDate)
	}
	sub.LastBillingDate = &cycle
	sub.NextBillingDate = &next
	sub.NextRetryAt = nil

	notes := fmt.Sprintf("Recurring payment processed: $%.2f (Transaction: %s)", invoice.Total, in.TransactionID)
	if err := s.commit(ctx, Change{
		Subscription: sub,
		Invoice:      invoice,
		History:      s.history(sub, models.HistoryActionPaymentSucceeded, from, SystemActor, notes, datatypes.JSONMap{"invoice_number": invoice.InvoiceNumber}),
	}); err != nil {
		return nil, nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifyPaymentSuccess(ctx, ghl.PaymentSuccessEvent{
			SubscriptionSnapshot: snapshot(sub),
			InvoiceNumber:        invoice.InvoiceNumber,
			TransactionID:        invoice.TransactionID,
			BillingDate:          formatDate(&cycle),
		})
	})
	return sub, invoice, nil
}

// RecordPaymentFailure counts a failed charge against the cycle's invoice.
// Reaching the policy's MaxAttempts moves the subscription to past_due.
func (s *Service) RecordPaymentFailure(ctx context.Context, id string, in PaymentFailureInput) (*models.Subscription, *models.SubscriptionInvoice, error) {
	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	cycle, err := s.billingCycle(ctx, sub, in.BillingDate)
	if err != nil {
		return nil, nil, err
	}

	invoice, err := s.repo.FindCycleInvoice(ctx, sub.ID, cycle)
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		invoice = newInvoice(sub, cycle, nonEmpty(in.InvoiceNumber, NewInvoiceNumber(sub, now)))
		invoice.Status = models.InvoiceStatusFailed
	}
	attempt := invoice.AttemptCount + 1

	ev := EventPaymentFailed
	if s.policy.IsFinal(attempt) {
		ev = EventPaymentFailedFinal
	}
	from, err := s.advance(sub, ev)
	if err != nil {
		return nil, nil, err
	}

	retryAt := s.policy.NextRetry(now, attempt)
	invoice.AttemptCount = attempt
	invoice.LastAttemptAt = &now
	invoice.NextRetryAt = &retryAt
	invoice.ErrorMessage = in.ErrorMessage
	sub.NextRetryAt = &retryAt

	notes := fmt.Sprintf("Payment failed (attempt %d): %s", attempt, nonEmpty(in.ErrorMessage, "unknown error"))
	if err := s.commit(ctx, Change{
		Subscription: sub,
		Invoice:      invoice,
		History: s.history(sub, models.HistoryActionPaymentFailed, from, SystemActor, notes, datatypes.JSONMap{
			"invoice_number": invoice.InvoiceNumber,
			"attempt_count":  attempt,
		}),
	}); err != nil {
		return nil, nil, err
	}

	s.notify(func(n Notifier) bool {
		return n.NotifyPaymentFailed(ctx, ghl.PaymentFailedEvent{
			SubscriptionSnapshot: snapshot(sub),
			InvoiceNumber:        invoice.InvoiceNumber,
			BillingDate:          formatDate(&cycle),
			AttemptCount:         attempt,
			NextRetryDate:        formatDate(&retryAt),
			ErrorMessage:         in.ErrorMessage,
			Status:               sub.Status,
		})
	})
	tags := []string{"payment-failed"}
	if sub.Status == string(StatePastDue) {
		tags = append(tags, "subscriber-past-due")
	}
	s.syncTags(ctx, sub, tags, nil, map[string]interface{}{
		"subscription_id":     sub.ID,
		"subscription_status": sub.Status,
	})
	return sub, invoice, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return s.repo.GetSubscription(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]models.Subscription, int64, error) {
	return s.repo.ListSubscriptions(ctx, filter)
}

func (s *Service) History(ctx context.Context, id string) ([]models.SubscriptionHistory, error) {
	if _, err := s.repo.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, id)
}

// FailedInvoices lists unpaid invoices across all subscriptions.
func (s *Service) FailedInvoices(ctx context.Context, limit, offset int) ([]models.SubscriptionInvoice, int64, error) {
	return s.repo.ListFailedInvoices(ctx, limit, offset)
}

func (s *Service) Invoices(ctx context.Context, id string) ([]models.SubscriptionInvoice, error) {
	if _, err := s.repo.GetSubscription(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListInvoices(ctx, id)
}

// begin loads the subscription and applies ev to it in memory.
func (s *Service) begin(ctx context.Context, id string, ev Event) (*models.Subscription, State, error) {
	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, "", err
	}
	from, err := s.advance(sub, ev)
	if err != nil {
		return nil, "", err
	}
	return sub, from, nil
}

func (s *Service) advance(sub *models.Subscription, ev Event) (State, error) {
	from := State(sub.Status)
	to, err := Transition(from, ev)
	if err != nil {
		return from, err
	}
	sub.Status = string(to)
	metrics.SubscriptionTransitions.WithLabelValues(string(ev), string(to)).Inc()
	return from, nil
}

// notify skips the webhook entirely when the integration is disabled.
func (s *Service) notify(send func(n Notifier) bool) {
	if !s.notifier.IsConfigured() {
		return
	}
	if !send(s.notifier) {
		log.Warnf("[Subscription] CRM webhook not delivered")
	}
}

func (s *Service) commit(ctx context.Context, change Change) error {
	if err := s.repo.Apply(ctx, change); err != nil {
		return fmt.Errorf("save subscription %s: %w", change.Subscription.ID, err)
	}
	if h := change.History; h != nil {
		log.Infof("[Subscription] %s %s: %s -> %s", change.Subscription.ID, h.Action, h.OldStatus, h.NewStatus)
	}
	return nil
}

func (s *Service) history(sub *models.Subscription, action string, from State, actor Actor, notes string, changed datatypes.JSONMap) *models.SubscriptionHistory {
	actorType := actor.Type
	if actorType == "" {
		actorType = models.ActorSystem
	}
	return &models.SubscriptionHistory{
		SubscriptionID: sub.ID,
		Action:         action,
		OldStatus:      string(from),
		NewStatus:      sub.Status,
		ActorType:      actorType,
		ActorID:        actor.ID,
		Notes:          notes,
		ChangedFields:  changed,
		CreatedAt:      s.now(),
	}
}

// openCycle returns the billing date of the cycle still being retried, or
// nil when no retry is pending.
func (s *Service) openCycle(ctx context.Context, sub *models.Subscription) (*time.Time, error) {
	if sub.NextRetryAt == nil {
		return nil, nil
	}
	inv, err := s.repo.FindOpenInvoice(ctx, sub.ID)
	if err != nil || inv == nil {
		return nil, err
	}
	cycle := truncateDay(inv.BillingDate)
	return &cycle, nil
}

// billingCycle picks the cycle a charge settles. A pending retry always
// settles its own cycle, even after the schedule has moved on.
func (s *Service) billingCycle(ctx context.Context, sub *models.Subscription, billingDate *time.Time) (time.Time, error) {
	if billingDate == nil {
		open, err := s.openCycle(ctx, sub)
		if err != nil {
			return time.Time{}, err
		}
		billingDate = open
	}
	return s.cycleDate(sub, billingDate), nil
}

func (s *Service) cycleDate(sub *models.Subscription, billingDate *time.Time) time.Time {
	switch {
	case billingDate != nil:
		return truncateDay(*billingDate)
	case sub.NextBillingDate != nil:
		return truncateDay(*sub.NextBillingDate)
	default:
		return truncateDay(s.now())
	}
}

// syncTags is best effort: failures end up in the log and the sync mirror.
func (s *Service) syncTags(ctx context.Context, sub *models.Subscription, add, remove []string, fields map[string]interface{}) {
	c := sub.Customer
	if c.Email == "" {
		return
	}
	contact := ghl.Contact{
		Email:        c.Email,
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Phone:        c.Phone,
		Tags:         add,
		CustomFields: fields,
	}
	if s.dispatcher != nil {
		s.dispatcher.DispatchContact(ctx, models.TableSubscriptions, sub.ID, contact, remove)
		return
	}
	if s.contacts == nil {
		return
	}
	result := s.contacts.SyncContact(ctx, contact)
	if !result.Success {
		log.Warnf("[Subscription] CRM sync failed for %s: %s", sub.ID, result.Error)
	}

	var removed []string
	if len(remove) > 0 && result.Success {
		if r := s.contacts.RemoveTagsFromContact(ctx, c.Email, remove); r.Success {
			removed = remove
		} else {
			log.Warnf("[Subscription] CRM tag removal failed for %s: %s", sub.ID, r.Error)
		}
	}

	if s.syncLog != nil {
		s.syncLog.LogSync(ghl.SyncLogEntry{
			Table:       models.TableSubscriptions,
			RecordID:    sub.ID,
			Result:      result,
			Tags:        add,
			RemovedTags: removed,
		})
	}
}

// NewInvoiceNumber formats SUB-<first 8 of id>-<unix millis>.
func NewInvoiceNumber(sub *models.Subscription, at time.Time) string {
	return fmt.Sprintf("SUB-%s-%d", sub.ShortID(), at.UnixMilli())
}

func newInvoice(sub *models.Subscription, cycle time.Time, number string) *models.SubscriptionInvoice {
	total := sub.ChargeAmount()
	return &models.SubscriptionInvoice{
		SubscriptionID: sub.ID,
		InvoiceNumber:  number,
		Subtotal:       sub.Amount,
		Discount:       math.Round((sub.Amount-total)*100) / 100,
		Total:          total,
		BillingDate:    cycle,
	}
}

func snapshot(sub *models.Subscription) ghl.SubscriptionSnapshot {
	return ghl.SubscriptionSnapshot{
		Customer:        ghl.CustomerFromModel(sub.Customer),
		SubscriptionID:  sub.ID,
		Frequency:       sub.Frequency,
		Amount:          sub.Amount,
		NextBillingDate: formatDate(sub.NextBillingDate),
		Items:           ghl.ItemsFromModel(sub.Items),
	}
}

func withMetadata(m datatypes.JSONMap, kv map[string]interface{}) datatypes.JSONMap {
	if m == nil {
		m = datatypes.JSONMap{}
	}
	for k, v := range kv {
		m[k] = v
	}
	return m
}

func itemsTotal(items models.SubscriptionItems) float64 {
	var total float64
	for _, it := range items {
		total += it.Price * float64(it.Quantity)
	}
	return math.Round(total*100) / 100
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
