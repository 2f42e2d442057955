package ghl

import "github.com/wagginmeals/storefront/app/models"

const (
	EventSubscriptionCreated   = "subscription.created"
	EventPaymentSuccess        = "subscription.payment.success"
	EventPaymentFailed         = "subscription.payment.failed"
	EventSubscriptionPaused    = "subscription.paused"
	EventSubscriptionResumed   = "subscription.resumed"
	EventSubscriptionCancelled = "subscription.cancelled"
	EventDeliverySkipped       = "subscription.delivery_skipped"
	EventFrequencyChanged      = "subscription.frequency_changed"
	EventAddressChanged        = "subscription.address_changed"
)

// PastDueAttemptThreshold is the attempt count at which a failed payment is
// reported as past_due when the caller does not state the status itself.
const PastDueAttemptThreshold = 3

// WebhookPayload is the envelope POSTed for every lifecycle event.
type WebhookPayload struct {
	EventType    string                 `json:"event_type"`
	Customer     CustomerInfo           `json:"customer"`
	Subscription *SubscriptionInfo      `json:"subscription,omitempty"`
	Payment      *PaymentInfo           `json:"payment,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

type CustomerInfo struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type SubscriptionInfo struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	Frequency       string  `json:"frequency"`
	Amount          float64 `json:"amount"`
	NextBillingDate string  `json:"next_billing_date"`
	Items           []Item  `json:"items"`
}

type Item struct {
	ProductName  string  `json:"product_name"`
	VariantTitle string  `json:"variant_title,omitempty"`
	Quantity     int     `json:"quantity"`
	Price        float64 `json:"price"`
}

type PaymentInfo struct {
	InvoiceNumber string  `json:"invoice_number"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Amount        float64 `json:"amount"`
	BillingDate   string  `json:"billing_date"`
	AttemptCount  int     `json:"attempt_count,omitempty"`
	NextRetryDate string  `json:"next_retry_date,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
}

// SubscriptionSnapshot is the subscription state shared by most events.
// Dates are formatted YYYY-MM-DD.
type SubscriptionSnapshot struct {
	Customer        CustomerInfo
	SubscriptionID  string
	Frequency       string
	Amount          float64
	NextBillingDate string
	Items           []Item
}

type SubscriptionCreatedEvent struct {
	SubscriptionSnapshot
}

type PaymentSuccessEvent struct {
	SubscriptionSnapshot
	InvoiceNumber string
	TransactionID string
	BillingDate   string
}

type PaymentFailedEvent struct {
	SubscriptionSnapshot
	InvoiceNumber string
	BillingDate   string
	AttemptCount  int
	NextRetryDate string
	ErrorMessage  string
	// Status overrides the status derived from AttemptCount.
	Status string
}

type SubscriptionPausedEvent struct {
	SubscriptionSnapshot
	PauseReason string
	ResumeDate  string
}

type SubscriptionResumedEvent struct {
	SubscriptionSnapshot
}

type SubscriptionCancelledEvent struct {
	SubscriptionSnapshot
	CancellationReason string
}

type DeliverySkippedEvent struct {
	Customer        CustomerInfo
	SubscriptionID  string
	Frequency       string
	OldDeliveryDate string
	NewDeliveryDate string
	SkipReason      string
}

type FrequencyChangedEvent struct {
	Customer        CustomerInfo
	SubscriptionID  string
	OldFrequency    string
	NewFrequency    string
	Amount          float64
	NextBillingDate string
}

type AddressChangedEvent struct {
	Customer       CustomerInfo
	SubscriptionID string
	OldAddress     models.Address
	NewAddress     models.Address
}

func (s SubscriptionSnapshot) info(status, nextBillingDate string) *SubscriptionInfo {
	return &SubscriptionInfo{
		ID:              s.SubscriptionID,
		Status:          status,
		Frequency:       s.Frequency,
		Amount:          s.Amount,
		NextBillingDate: nextBillingDate,
		Items:           itemsOrEmpty(s.Items),
	}
}

func itemsOrEmpty(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return items
}

// ItemsFromModel converts stored subscription lines to webhook items.
func ItemsFromModel(items models.SubscriptionItems) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		out = append(out, Item{
			ProductName:  it.ProductName,
			VariantTitle: it.VariantTitle,
			Quantity:     it.Quantity,
			Price:        it.Price,
		})
	}
	return out
}

// CustomerFromModel converts a stored customer to the webhook shape.
func CustomerFromModel(c models.Customer) CustomerInfo {
	return CustomerInfo{
		Email:     c.Email,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Phone:     c.Phone,
	}
}
