package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/wagginmeals/storefront/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("subscription not found")

// ListFilter narrows admin listings. Zero values mean no filter.
type ListFilter struct {
	Status     string
	CustomerID string
	Email      string
	Limit      int
	Offset     int
}

// Change is one lifecycle step persisted atomically.
type Change struct {
	Subscription *models.Subscription
	// Create inserts Subscription instead of updating it.
	Create  bool
	Invoice *models.SubscriptionInvoice
	History *models.SubscriptionHistory
}

// Repository provides DB operations used by the subscription service.
type Repository interface {
	UpsertCustomer(ctx context.Context, customer *models.Customer) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, filter ListFilter) ([]models.Subscription, int64, error)
	ListBillable(ctx context.Context) ([]models.Subscription, error)
	Apply(ctx context.Context, change Change) error
	FindCycleInvoice(ctx context.Context, subscriptionID string, billingDate time.Time) (*models.SubscriptionInvoice, error)
	FindOpenInvoice(ctx context.Context, subscriptionID string) (*models.SubscriptionInvoice, error)
	ListFailedInvoices(ctx context.Context, limit, offset int) ([]models.SubscriptionInvoice, int64, error)
	HasPaidInvoiceOn(ctx context.Context, subscriptionID string, day time.Time) (bool, error)
	AppendHistory(ctx context.Context, entry *models.SubscriptionHistory) error
	ListHistory(ctx context.Context, subscriptionID string) ([]models.SubscriptionHistory, error)
	ListInvoices(ctx context.Context, subscriptionID string) ([]models.SubscriptionInvoice, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a subscription repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) UpsertCustomer(ctx context.Context, customer *models.Customer) error {
	customer.Email = models.NormalizeEmail(customer.Email)
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"first_name", "last_name", "phone", "updated_at"}),
	}).Create(customer).Error; err != nil {
		return err
	}
	// on conflict the row keeps its original id
	var stored models.Customer
	if err := db.Where("email = ?", customer.Email).First(&stored).Error; err != nil {
		return err
	}
	*customer = stored
	return nil
}

func (r *gormRepository) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).Preload("Customer").Where("id = ?", id).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptions(ctx context.Context, filter ListFilter) ([]models.Subscription, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Subscription{})
	if filter.Status != "" {
		q = q.Where("subscriptions.status = ?", filter.Status)
	}
	if filter.CustomerID != "" {
		q = q.Where("subscriptions.customer_id = ?", filter.CustomerID)
	}
	if filter.Email != "" {
		q = q.Joins("JOIN customers ON customers.id = subscriptions.customer_id").
			Where("customers.email LIKE ?", "%"+models.NormalizeEmail(filter.Email)+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var subs []models.Subscription
	err := q.Preload("Customer").
		Order("subscriptions.created_at DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&subs).Error
	return subs, total, err
}

// ListBillable returns active and past_due subscriptions. Due-ness is
// decided by the runner.
func (r *gormRepository) ListBillable(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Preload("Customer").
		Where("status IN ?", []string{models.SubscriptionStatusActive, models.SubscriptionStatusPastDue}).
		Order("next_billing_date ASC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) Apply(ctx context.Context, change Change) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub := change.Subscription
		if change.Create {
			if err := tx.Omit(clause.Associations).Create(sub).Error; err != nil {
				return err
			}
		} else {
			res := tx.Model(&models.Subscription{}).Where("id = ?", sub.ID).Updates(lifecycleColumns(sub))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
		}

		if inv := change.Invoice; inv != nil {
			inv.SubscriptionID = sub.ID
			if inv.ID == 0 {
				if err := tx.Create(inv).Error; err != nil {
					return err
				}
			} else if err := tx.Save(inv).Error; err != nil {
				return err
			}
		}

		if h := change.History; h != nil {
			h.SubscriptionID = sub.ID
			if err := tx.Create(h).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// lifecycleColumns leaves the ghl_* mirror alone; it is owned by the sync log.
func lifecycleColumns(sub *models.Subscription) map[string]interface{} {
	sub.UpdatedAt = time.Now().UTC()
	return map[string]interface{}{
		"status":               sub.Status,
		"frequency":            sub.Frequency,
		"amount":               sub.Amount,
		"discount_percentage":  sub.DiscountPercentage,
		"items":                sub.Items,
		"shipping_address":     sub.ShippingAddress,
		"metadata":             sub.Metadata,
		"payment_customer_ref": sub.PaymentCustomerRef,
		"payment_method_ref":   sub.PaymentMethodRef,
		"next_billing_date":    sub.NextBillingDate,
		"last_billing_date":    sub.LastBillingDate,
		"next_retry_at":        sub.NextRetryAt,
		"paused_at":            sub.PausedAt,
		"cancelled_at":         sub.CancelledAt,
		"updated_at":           sub.UpdatedAt,
	}
}

func (r *gormRepository) FindCycleInvoice(ctx context.Context, subscriptionID string, billingDate time.Time) (*models.SubscriptionInvoice, error) {
	day := truncateDay(billingDate)
	var inv models.SubscriptionInvoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND billing_date >= ? AND billing_date < ?",
			subscriptionID, models.InvoiceStatusFailed, day, day.AddDate(0, 0, 1)).
		Order("id DESC").
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindOpenInvoice returns the failed invoice that still has a retry scheduled.
func (r *gormRepository) FindOpenInvoice(ctx context.Context, subscriptionID string) (*models.SubscriptionInvoice, error) {
	var inv models.SubscriptionInvoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ? AND next_retry_at IS NOT NULL", subscriptionID, models.InvoiceStatusFailed).
		Order("billing_date DESC, id DESC").
		First(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListFailedInvoices lists unpaid invoices across all subscriptions, most
// recent attempt first.
func (r *gormRepository) ListFailedInvoices(ctx context.Context, limit, offset int) ([]models.SubscriptionInvoice, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.SubscriptionInvoice{}).Where("status = ?", models.InvoiceStatusFailed)
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []models.SubscriptionInvoice
	err := q.Order("last_attempt_at DESC, id DESC").Limit(limit).Offset(offset).Find(&rows).Error
	return rows, total, err
}

func (r *gormRepository) HasPaidInvoiceOn(ctx context.Context, subscriptionID string, day time.Time) (bool, error) {
	start := truncateDay(day)
	var count int64
	err := r.db.WithContext(ctx).Model(&models.SubscriptionInvoice{}).
		Where("subscription_id = ? AND status = ? AND paid_at >= ? AND paid_at < ?",
			subscriptionID, models.InvoiceStatusPaid, start, start.AddDate(0, 0, 1)).
		Count(&count).Error
	return count > 0, err
}

// AppendHistory records an audit entry that comes with no lifecycle change.
func (r *gormRepository) AppendHistory(ctx context.Context, entry *models.SubscriptionHistory) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormRepository) ListHistory(ctx context.Context, subscriptionID string) ([]models.SubscriptionHistory, error) {
	var rows []models.SubscriptionHistory
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *gormRepository) ListInvoices(ctx context.Context, subscriptionID string) ([]models.SubscriptionInvoice, error) {
	var rows []models.SubscriptionInvoice
	err := r.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("billing_date DESC, id DESC").
		Find(&rows).Error
	return rows, err
}
