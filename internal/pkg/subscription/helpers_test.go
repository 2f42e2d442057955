package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/database"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentEvent struct {
	name    string
	payload interface{}
}

type fakeNotifier struct {
	mu         sync.Mutex
	events     []sentEvent
	disabled   bool
	deliveries bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{deliveries: true}
}

func (f *fakeNotifier) record(name string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{name: name, payload: payload})
	return f.deliveries
}

func (f *fakeNotifier) sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.events...)
}

func (f *fakeNotifier) last(name string) interface{} {
	events := f.sent()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].name == name {
			return events[i].payload
		}
	}
	return nil
}

func (f *fakeNotifier) IsConfigured() bool { return !f.disabled }

func (f *fakeNotifier) NotifySubscriptionCreated(_ context.Context, ev ghl.SubscriptionCreatedEvent) bool {
	return f.record(ghl.EventSubscriptionCreated, ev)
}

func (f *fakeNotifier) NotifyPaymentSuccess(_ context.Context, ev ghl.PaymentSuccessEvent) bool {
	return f.record(ghl.EventPaymentSuccess, ev)
}

func (f *fakeNotifier) NotifyPaymentFailed(_ context.Context, ev ghl.PaymentFailedEvent) bool {
	return f.record(ghl.EventPaymentFailed, ev)
}

func (f *fakeNotifier) NotifySubscriptionPaused(_ context.Context, ev ghl.SubscriptionPausedEvent) bool {
	return f.record(ghl.EventSubscriptionPaused, ev)
}

func (f *fakeNotifier) NotifySubscriptionResumed(_ context.Context, ev ghl.SubscriptionResumedEvent) bool {
	return f.record(ghl.EventSubscriptionResumed, ev)
}

func (f *fakeNotifier) NotifySubscriptionCancelled(_ context.Context, ev ghl.SubscriptionCancelledEvent) bool {
	return f.record(ghl.EventSubscriptionCancelled, ev)
}

func (f *fakeNotifier) NotifyDeliverySkipped(_ context.Context, ev ghl.DeliverySkippedEvent) bool {
	return f.record(ghl.EventDeliverySkipped, ev)
}

func (f *fakeNotifier) NotifyFrequencyChanged(_ context.Context, ev ghl.FrequencyChangedEvent) bool {
	return f.record(ghl.EventFrequencyChanged, ev)
}

func (f *fakeNotifier) NotifyAddressChanged(_ context.Context, ev ghl.AddressChangedEvent) bool {
	return f.record(ghl.EventAddressChanged, ev)
}

type testEnv struct {
	db       *gorm.DB
	repo     Repository
	svc      *Service
	notifier *fakeNotifier
	clock    *testClock
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	db := newTestDB(t)
	repo := NewRepository(db)
	clock := newTestClock()
	notifier := newFakeNotifier()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testEnv{
		db:       db,
		repo:     repo,
		svc:      NewService(repo, notifier, opts...),
		notifier: notifier,
		clock:    clock,
	}
}

func chickenMealInput() CreateInput {
	return CreateInput{
		Customer: CustomerInput{
			Email:     "Jamie@Example.com",
			FirstName: "Jamie",
			LastName:  "Rivera",
			Phone:     "+1 555 0100",
		},
		Frequency: "monthly",
		Amount:    49.99,
		Items: models.SubscriptionItems{
			{ProductID: "7", ProductName: "Chicken Meal", Quantity: 4, Price: 12.50},
		},
		ShippingAddress: models.Address{
			Name:       "Jamie Rivera",
			Line1:      "12 Bark Street",
			City:       "Austin",
			State:      "TX",
			PostalCode: "78701",
			Country:    "US",
		},
		PaymentCustomerRef: "cus_123",
		PaymentMethodRef:   "pm_123",
		Actor:              CustomerActor("jamie"),
	}
}

func (e *testEnv) create(t *testing.T) *models.Subscription {
	t.Helper()
	sub, err := e.svc.Create(context.Background(), chickenMealInput())
	require.NoError(t, err)
	return sub
}
