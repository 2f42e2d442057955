package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	NewsletterStatusActive       = "active"
	NewsletterStatusUnsubscribed = "unsubscribed"
)

// NewsletterSubscriber is a marketing signup. Its CRM mirror records the tags
// accumulated on the contact by the signup flow.
type NewsletterSubscriber struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Email          string     `gorm:"type:varchar(200);uniqueIndex;not null" json:"email"`
	FirstName      string     `gorm:"type:varchar(100)" json:"first_name"`
	Status         string     `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	Source         string     `gorm:"type:varchar(50);default:'footer'" json:"source"`
	SubscribedAt   time.Time  `json:"subscribed_at"`
	UnsubscribedAt *time.Time `gorm:"default:null" json:"unsubscribed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	CRMSyncState `gorm:"embedded"`
}

// UpsertNewsletterSubscriber creates the subscriber or re-activates an existing
// one. created reports whether the address was new, wasActive whether it was
// already actively subscribed.
func UpsertNewsletterSubscriber(db *gorm.DB, email, firstName, source string) (sub *NewsletterSubscriber, created, wasActive bool, err error) {
	email = NormalizeEmail(email)
	var existing NewsletterSubscriber
	err = db.Where("email = ?", email).First(&existing).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, false, err
	}

	now := time.Now().UTC()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sub = &NewsletterSubscriber{
			Email:        email,
			FirstName:    firstName,
			Status:       NewsletterStatusActive,
			Source:       source,
			SubscribedAt: now,
		}
		if err := db.Create(sub).Error; err != nil {
			return nil, false, false, err
		}
		return sub, true, false, nil
	}

	if existing.Status == NewsletterStatusActive {
		return &existing, false, true, nil
	}

	updates := map[string]interface{}{
		"first_name":      firstName,
		"status":          NewsletterStatusActive,
		"source":          source,
		"subscribed_at":   now,
		"unsubscribed_at": nil,
	}
	if err := db.Model(&existing).Updates(updates).Error; err != nil {
		return nil, false, false, err
	}
	existing.FirstName = firstName
	existing.Status = NewsletterStatusActive
	existing.Source = source
	existing.SubscribedAt = now
	existing.UnsubscribedAt = nil
	return &existing, false, false, nil
}
