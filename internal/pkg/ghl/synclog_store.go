package ghl

import (
	"context"
	"fmt"
	"time"

	"github.com/wagginmeals/storefront/app/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const unknownSyncError = "Unknown GHL error"

// GormSyncLogStore writes the ghl_* mirror columns of customers,
// subscriptions and newsletter_subscribers.
type GormSyncLogStore struct {
	db *gorm.DB
}

func NewGormSyncLogStore(db *gorm.DB) *GormSyncLogStore {
	return &GormSyncLogStore{db: db}
}

func (s *GormSyncLogStore) RecordSync(ctx context.Context, entry SyncLogEntry, at time.Time) error {
	if !models.IsCRMSyncTable(entry.Table) {
		return fmt.Errorf("table %q has no CRM sync columns", entry.Table)
	}
	db := s.db.WithContext(ctx)

	if !entry.Result.Success {
		msg := entry.Result.Error
		if msg == "" {
			msg = unknownSyncError
		}
		return db.Table(entry.Table).Where("id = ?", entry.RecordID).Updates(map[string]interface{}{
			"ghl_sync_error":   msg,
			"ghl_last_sync_at": at,
		}).Error
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var row struct {
			GHLTags datatypes.JSONSlice[string] `gorm:"column:ghl_tags"`
		}
		if err := tx.Table(entry.Table).Select("ghl_tags").Where("id = ?", entry.RecordID).Take(&row).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"ghl_tags":         datatypes.JSONSlice[string](MergeTags(SubtractTags(row.GHLTags, entry.RemovedTags), entry.Tags)),
			"ghl_last_sync_at": at,
			"ghl_sync_error":   "",
		}
		if entry.Result.ContactID != "" {
			updates["ghl_contact_id"] = entry.Result.ContactID
		}
		return tx.Table(entry.Table).Where("id = ?", entry.RecordID).Updates(updates).Error
	})
}
