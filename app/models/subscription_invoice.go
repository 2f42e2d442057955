package models

import "time"

const (
	InvoiceStatusPending  = "pending"
	InvoiceStatusPaid     = "paid"
	InvoiceStatusFailed   = "failed"
	InvoiceStatusRefunded = "refunded"
)

// SubscriptionInvoice records one billing cycle of a subscription. Failed
// retries within the same cycle increment AttemptCount on the same row.
type SubscriptionInvoice struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID string     `gorm:"type:char(36);not null;index:idx_invoices_subscription_billing,priority:1" json:"subscription_id"`
	InvoiceNumber  string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"invoice_number"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	Subtotal       float64    `gorm:"type:decimal(10,2);not null" json:"subtotal"`
	Discount       float64    `gorm:"type:decimal(10,2);not null;default:0" json:"discount"`
	Total          float64    `gorm:"type:decimal(10,2);not null" json:"total"`
	TransactionID  string     `gorm:"type:varchar(191)" json:"transaction_id,omitempty"`
	BillingDate    time.Time  `gorm:"type:date;not null;index:idx_invoices_subscription_billing,priority:2" json:"billing_date"`
	PaidAt         *time.Time `gorm:"default:null" json:"paid_at,omitempty"`
	AttemptCount   int        `gorm:"not null;default:0" json:"attempt_count"`
	LastAttemptAt  *time.Time `gorm:"default:null" json:"last_attempt_at,omitempty"`
	NextRetryAt    *time.Time `gorm:"default:null" json:"next_retry_at,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
