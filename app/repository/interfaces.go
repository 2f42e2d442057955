package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/wagginmeals/storefront/app/models"
)

var ErrNotFound = errors.New("record not found")

// NewsletterRepository defines the interface for newsletter signup operations
type NewsletterRepository interface {
	// Subscribe creates the subscriber or re-activates an unsubscribed one.
	// wasActive reports that the address was already subscribed.
	Subscribe(ctx context.Context, email, firstName, source string) (sub *models.NewsletterSubscriber, created, wasActive bool, err error)
	Unsubscribe(ctx context.Context, email string) (*models.NewsletterSubscriber, error)
	GetByEmail(ctx context.Context, email string) (*models.NewsletterSubscriber, error)
	List(ctx context.Context, status string, offset, limit int) ([]models.NewsletterSubscriber, int64, error)
}

// Repositories groups the repositories served by one connection.
type Repositories struct {
	Newsletter NewsletterRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Newsletter: NewNewsletterRepository(db),
	}
}
