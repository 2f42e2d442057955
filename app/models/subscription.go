package models

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusPaused    = "paused"
	SubscriptionStatusPastDue   = "past_due"
	SubscriptionStatusCancelled = "cancelled"
	SubscriptionStatusExpired   = "expired"
)

const (
	FrequencyWeekly   = "weekly"
	FrequencyBiweekly = "biweekly"
	FrequencyMonthly  = "monthly"
)

const (
	SubscriptionTypeProduct = "product"
	SubscriptionTypeBundle  = "bundle"
)

// SubscriptionItem is one line of a recurring order.
type SubscriptionItem struct {
	ProductID    string  `json:"product_id,omitempty"`
	BundleID     string  `json:"bundle_id,omitempty"`
	VariantID    string  `json:"variant_id,omitempty"`
	ProductName  string  `json:"product_name" validate:"required"`
	VariantTitle string  `json:"variant_title,omitempty"`
	Quantity     int     `json:"quantity" validate:"gte=1"`
	Price        float64 `json:"price" validate:"gte=0"`
}

// SubscriptionItems is stored as a JSON array column.
type SubscriptionItems = datatypes.JSONSlice[SubscriptionItem]

// Address is a shipping address, stored as a JSON column through
// datatypes.JSONType.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country,omitempty"`
}

// Validate checks the fields a carrier needs.
func (a Address) Validate() error {
	v := validator.New()
	return v.Struct(a)
}

// Subscription is a customer's recurring delivery plan.
type Subscription struct {
	ID                 string                      `gorm:"type:char(36);primaryKey" json:"id"`
	CustomerID         string                      `gorm:"type:char(36);not null;index" json:"customer_id"`
	Customer           Customer                    `gorm:"foreignKey:CustomerID" json:"customer" validate:"-"`
	Status             string                      `gorm:"type:varchar(20);not null;default:'active';index:idx_subscriptions_status_next,priority:1" json:"status"`
	Type               string                      `gorm:"type:varchar(20);not null;default:'product'" json:"type" validate:"omitempty,oneof=product bundle"`
	Frequency          string                      `gorm:"type:varchar(20);not null" json:"frequency" validate:"required,oneof=weekly biweekly monthly"`
	Amount             float64                     `gorm:"type:decimal(10,2);not null" json:"amount" validate:"gte=0"`
	Currency           string                      `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	DiscountPercentage float64                     `gorm:"type:decimal(5,2);not null;default:0" json:"discount_percentage" validate:"gte=0,lte=100"`
	Items              SubscriptionItems           `gorm:"type:json" json:"items" validate:"required,min=1,dive"`
	ShippingAddress    datatypes.JSONType[Address] `gorm:"type:json" json:"shipping_address" validate:"-"`
	Metadata           datatypes.JSONMap           `gorm:"type:json" json:"metadata"`
	PaymentCustomerRef string                      `gorm:"type:varchar(191)" json:"-"`
	PaymentMethodRef   string                      `gorm:"type:varchar(191)" json:"-"`
	NextBillingDate    *time.Time                  `gorm:"default:null;index:idx_subscriptions_status_next,priority:2" json:"next_billing_date"`
	LastBillingDate    *time.Time                  `gorm:"default:null" json:"last_billing_date,omitempty"`
	NextRetryAt        *time.Time                  `gorm:"default:null;index" json:"next_retry_at,omitempty"`
	PausedAt           *time.Time                  `gorm:"default:null" json:"paused_at,omitempty"`
	CancelledAt        *time.Time                  `gorm:"default:null" json:"cancelled_at,omitempty"`
	CreatedAt          time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`

	CRMSyncState `gorm:"embedded"`
}

func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

func (s *Subscription) Validate() error {
	v := validator.New()
	return v.Struct(s)
}

// ChargeAmount is the amount after discount, rounded to cents.
func (s Subscription) ChargeAmount() float64 {
	amount := s.Amount * (1 - s.DiscountPercentage/100)
	return math.Round(amount*100) / 100
}

// ChargeAmountCents is ChargeAmount in the currency's minor unit.
func (s Subscription) ChargeAmountCents() int64 {
	return int64(math.Round(s.ChargeAmount() * 100))
}

// IsTerminal reports whether no further lifecycle changes are allowed.
func (s Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired
}

// ShortID is the first eight characters of the id, used in invoice numbers.
func (s Subscription) ShortID() string {
	if len(s.ID) <= 8 {
		return s.ID
	}
	return s.ID[:8]
}
