package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
	ActorSystem   = "system"
)

const (
	HistoryActionCreated          = "created"
	HistoryActionPaused           = "paused"
	HistoryActionResumed          = "resumed"
	HistoryActionCancelled        = "cancelled"
	HistoryActionExpired          = "expired"
	HistoryActionDeliverySkipped  = "delivery_skipped"
	HistoryActionFrequencyChanged = "frequency_changed"
	HistoryActionAddressChanged   = "address_changed"
	HistoryActionPaymentSucceeded = "payment_succeeded"
	HistoryActionPaymentFailed    = "payment_failed"
	HistoryActionItemsChanged     = "items_changed"
	HistoryActionPaymentUpdated   = "payment_method_updated"
	HistoryActionManualBilling    = "manual_billing_triggered"
)

var ErrHistoryImmutable = errors.New("subscription history entries are immutable")

// SubscriptionHistory is an append-only audit row for a subscription change.
type SubscriptionHistory struct {
	ID             uint              `gorm:"primaryKey" json:"id"`
	SubscriptionID string            `gorm:"type:char(36);not null;index" json:"subscription_id"`
	Action         string            `gorm:"type:varchar(40);not null" json:"action"`
	OldStatus      string            `gorm:"type:varchar(20)" json:"old_status"`
	NewStatus      string            `gorm:"type:varchar(20)" json:"new_status"`
	ActorType      string            `gorm:"type:varchar(20);not null;default:'system'" json:"actor_type"`
	ActorID        string            `gorm:"type:varchar(64)" json:"actor_id,omitempty"`
	Notes          string            `gorm:"type:text" json:"notes,omitempty"`
	ChangedFields  datatypes.JSONMap `gorm:"type:json" json:"changed_fields,omitempty"`
	CreatedAt      time.Time         `gorm:"autoCreateTime" json:"created_at"`
}

func (SubscriptionHistory) TableName() string {
	return "subscription_history"
}

func (h *SubscriptionHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrHistoryImmutable
}

func (h *SubscriptionHistory) BeforeDelete(tx *gorm.DB) error {
	return ErrHistoryImmutable
}
