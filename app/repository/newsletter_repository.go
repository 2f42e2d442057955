package repository

import (
	"context"
	"errors"
	"time"

	"github.com/wagginmeals/storefront/app/models"
	"gorm.io/gorm"
)

// newsletterRepository implements the NewsletterRepository interface
type newsletterRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewNewsletterRepository creates a new newsletter repository instance
func NewNewsletterRepository(db *gorm.DB) NewsletterRepository {
	return &newsletterRepository{db: db, now: time.Now}
}

func (r *newsletterRepository) Subscribe(ctx context.Context, email, firstName, source string) (*models.NewsletterSubscriber, bool, bool, error) {
	return models.UpsertNewsletterSubscriber(r.db.WithContext(ctx), email, firstName, source)
}

// Unsubscribe is idempotent for addresses that already opted out.
func (r *newsletterRepository) Unsubscribe(ctx context.Context, email string) (*models.NewsletterSubscriber, error) {
	sub, err := r.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.NewsletterStatusUnsubscribed {
		return sub, nil
	}

	now := r.now().UTC()
	err = r.db.WithContext(ctx).Model(sub).Updates(map[string]interface{}{
		"status":          models.NewsletterStatusUnsubscribed,
		"unsubscribed_at": now,
	}).Error
	if err != nil {
		return nil, err
	}
	sub.Status = models.NewsletterStatusUnsubscribed
	sub.UnsubscribedAt = &now
	return sub, nil
}

func (r *newsletterRepository) GetByEmail(ctx context.Context, email string) (*models.NewsletterSubscriber, error) {
	var sub models.NewsletterSubscriber
	err := r.db.WithContext(ctx).Where("email = ?", models.NormalizeEmail(email)).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// List returns subscribers newest first, optionally filtered by status.
func (r *newsletterRepository) List(ctx context.Context, status string, offset, limit int) ([]models.NewsletterSubscriber, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.NewsletterSubscriber{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var subs []models.NewsletterSubscriber
	err := q.Order("subscribed_at DESC, id DESC").Offset(offset).Limit(limit).Find(&subs).Error
	return subs, total, err
}
