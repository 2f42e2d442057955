package models

import (
	"time"

	"gorm.io/datatypes"
)

// CRMSyncState mirrors the outcome of the last CRM contact sync on the local
// record that initiated it. It is embedded in every model that syncs contacts.
type CRMSyncState struct {
	GHLContactID  string                      `gorm:"column:ghl_contact_id;type:varchar(64);default:'';index" json:"ghl_contact_id"`
	GHLTags       datatypes.JSONSlice[string] `gorm:"column:ghl_tags;type:json" json:"ghl_tags"`
	GHLLastSyncAt *time.Time                  `gorm:"column:ghl_last_sync_at;default:null" json:"ghl_last_sync_at,omitempty"`
	GHLSyncError  string                      `gorm:"column:ghl_sync_error;type:text" json:"ghl_sync_error"`
}

// Tables that carry a CRMSyncState mirror.
const (
	TableCustomers             = "customers"
	TableSubscriptions         = "subscriptions"
	TableNewsletterSubscribers = "newsletter_subscribers"
)

// IsCRMSyncTable reports whether table embeds CRMSyncState.
func IsCRMSyncTable(table string) bool {
	switch table {
	case TableCustomers, TableSubscriptions, TableNewsletterSubscribers:
		return true
	default:
		return false
	}
}
