package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/ghl"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCreateSchedulesFirstBillingAndAudits(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)

	assert.Equal(t, string(StateActive), sub.Status)
	assert.Equal(t, models.SubscriptionTypeProduct, sub.Type)
	assert.Equal(t, "usd", sub.Currency)
	require.NotNil(t, sub.NextBillingDate)
	assert.Equal(t, day(2026, 11, 17), sub.NextBillingDate.UTC())
	assert.Equal(t, "jamie@example.com", sub.Customer.Email)

	stored, err := env.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.CustomerID, stored.Customer.ID)
	assert.Len(t, stored.Items, 1)
	assert.Equal(t, "78701", stored.ShippingAddress.Data().PostalCode)

	history, err := env.svc.History(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.HistoryActionCreated, history[0].Action)
	assert.Equal(t, "", history[0].OldStatus)
	assert.Equal(t, string(StateActive), history[0].NewStatus)
	assert.Equal(t, models.ActorCustomer, history[0].ActorType)

	ev, ok := env.notifier.last(ghl.EventSubscriptionCreated).(ghl.SubscriptionCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, "2026-11-17", ev.NextBillingDate)
	assert.Equal(t, sub.ID, ev.SubscriptionID)
}

func TestCreateReusesCustomerByEmail(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t)

	in := chickenMealInput()
	in.Customer.Email = "  JAMIE@example.com"
	in.Customer.Phone = "+1 555 0199"
	second, err := env.svc.Create(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.CustomerID, second.CustomerID)

	var count int64
	require.NoError(t, env.db.Model(&models.Customer{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]func(in *CreateInput){
		"frequency": func(in *CreateInput) { in.Frequency = "daily" },
		"email":     func(in *CreateInput) { in.Customer.Email = "not-an-email" },
		"items":     func(in *CreateInput) { in.Items = nil },
		"quantity":  func(in *CreateInput) { in.Items[0].Quantity = 0 },
		"discount":  func(in *CreateInput) { in.DiscountPercentage = 120 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := chickenMealInput()
			mutate(&in)
			_, err := env.svc.Create(context.Background(), in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, env.notifier.sent())
}

func TestPaymentFailuresEscalateToPastDue(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()

	wantStatus := []State{StateActive, StateActive, StatePastDue}
	var invoice *models.SubscriptionInvoice
	for i, want := range wantStatus {
		var err error
		sub, invoice, err = env.svc.RecordPaymentFailure(ctx, sub.ID, PaymentFailureInput{ErrorMessage: "card_declined"})
		require.NoError(t, err)
		assert.Equal(t, string(want), sub.Status, "attempt %d", i+1)
		assert.Equal(t, i+1, invoice.AttemptCount)
		require.NotNil(t, sub.NextRetryAt)
		assert.Equal(t, env.svc.Policy().NextRetry(env.clock.Now(), i+1), sub.NextRetryAt.UTC())
		env.clock.Advance(24 * time.Hour)
	}

	invoices, err := env.svc.Invoices(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1, "retries within a cycle share one invoice")
	assert.Equal(t, models.InvoiceStatusFailed, invoices[0].Status)
	assert.Equal(t, 3, invoices[0].AttemptCount)
	assert.Equal(t, "card_declined", invoices[0].ErrorMessage)

	ev, ok := env.notifier.last(ghl.EventPaymentFailed).(ghl.PaymentFailedEvent)
	require.True(t, ok)
	assert.Equal(t, 3, ev.AttemptCount)
	assert.Equal(t, string(StatePastDue), ev.Status)
	assert.Equal(t, "2026-11-17", ev.BillingDate)

	// The billing date itself does not move while retrying.
	stored, err := env.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, day(2026, 11, 17), stored.NextBillingDate.UTC())
}

func TestPaymentSuccessRecoversFromPastDue(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := env.svc.RecordPaymentFailure(ctx, sub.ID, PaymentFailureInput{ErrorMessage: "insufficient_funds"})
		require.NoError(t, err)
	}

	sub, invoice, err := env.svc.RecordPaymentSuccess(ctx, sub.ID, PaymentSuccessInput{TransactionID: "pi_123"})
	require.NoError(t, err)

	assert.Equal(t, string(StateActive), sub.Status)
	assert.Nil(t, sub.NextRetryAt)
	assert.Equal(t, day(2026, 12, 17), sub.NextBillingDate.UTC())
	assert.Equal(t, day(2026, 11, 17), sub.LastBillingDate.UTC())

	assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, 4, invoice.AttemptCount)
	assert.Equal(t, "pi_123", invoice.TransactionID)
	assert.InDelta(t, 49.99, invoice.Total, 0.001)
	assert.Empty(t, invoice.ErrorMessage)
	assert.Nil(t, invoice.NextRetryAt)

	invoices, err := env.svc.Invoices(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1, "the failed cycle invoice is settled in place")
	assert.Equal(t, invoice.InvoiceNumber, invoices[0].InvoiceNumber)

	ev, ok := env.notifier.last(ghl.EventPaymentSuccess).(ghl.PaymentSuccessEvent)
	require.True(t, ok)
	assert.Equal(t, "2026-11-17", ev.BillingDate)
	assert.Equal(t, "2026-12-17", ev.NextBillingDate)
	assert.Equal(t, invoice.InvoiceNumber, ev.InvoiceNumber)
}

func TestPaymentSuccessAppliesDiscount(t *testing.T) {
	env := newTestEnv(t)
	in := chickenMealInput()
	in.Amount = 50
	in.DiscountPercentage = 10
	sub, err := env.svc.Create(context.Background(), in)
	require.NoError(t, err)

	_, invoice, err := env.svc.RecordPaymentSuccess(context.Background(), sub.ID, PaymentSuccessInput{TransactionID: "pi_1"})
	require.NoError(t, err)
	assert.InDelta(t, 50, invoice.Subtotal, 0.001)
	assert.InDelta(t, 5, invoice.Discount, 0.001)
	assert.InDelta(t, 45, invoice.Total, 0.001)
	assert.Equal(t, 1, invoice.AttemptCount)
}

func TestPauseAndResume(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()
	resume := day(2026, 12, 1)

	sub, err := env.svc.Pause(ctx, sub.ID, PauseInput{Reason: "Vacation", ResumeDate: &resume, Actor: CustomerActor("jamie")})
	require.NoError(t, err)
	assert.Equal(t, string(StatePaused), sub.Status)
	assert.Nil(t, sub.NextBillingDate)
	require.NotNil(t, sub.PausedAt)

	paused, ok := env.notifier.last(ghl.EventSubscriptionPaused).(ghl.SubscriptionPausedEvent)
	require.True(t, ok)
	assert.Equal(t, "Vacation", paused.PauseReason)
	assert.Equal(t, "2026-12-01", paused.ResumeDate)
	assert.Equal(t, "", paused.NextBillingDate)

	stored, err := env.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Vacation", models.MetaString(stored.Metadata, "pause_reason"))

	_, err = env.svc.Pause(ctx, sub.ID, PauseInput{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	env.clock.Advance(10 * 24 * time.Hour)
	sub, err = env.svc.Resume(ctx, sub.ID, CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, string(StateActive), sub.Status)
	assert.Nil(t, sub.PausedAt)
	assert.Equal(t, day(2026, 11, 27), sub.NextBillingDate.UTC())
	assert.Equal(t, "", models.MetaString(sub.Metadata, "pause_reason"))

	history, err := env.svc.History(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, models.HistoryActionPaused, history[1].Action)
	assert.Equal(t, "Vacation", history[1].Notes)
	assert.Equal(t, models.HistoryActionResumed, history[2].Action)
	assert.Equal(t, string(StatePaused), history[2].OldStatus)
}

func TestCancelledIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()

	sub, err := env.svc.Cancel(ctx, sub.ID, "Dog prefers kibble", AdminActor("7"))
	require.NoError(t, err)
	assert.Equal(t, string(StateCancelled), sub.Status)
	assert.Nil(t, sub.NextBillingDate)
	require.NotNil(t, sub.CancelledAt)

	ev, ok := env.notifier.last(ghl.EventSubscriptionCancelled).(ghl.SubscriptionCancelledEvent)
	require.True(t, ok)
	assert.Equal(t, "Dog prefers kibble", ev.CancellationReason)

	before := len(env.notifier.sent())
	_, err = env.svc.Resume(ctx, sub.ID, CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = env.svc.RecordPaymentSuccess(ctx, sub.ID, PaymentSuccessInput{TransactionID: "pi_x"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = env.svc.RecordPaymentFailure(ctx, sub.ID, PaymentFailureInput{ErrorMessage: "declined"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.svc.SkipNext(ctx, sub.ID, "", CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Len(t, env.notifier.sent(), before, "rejected events must not notify")
	history, err := env.svc.History(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	invoices, err := env.svc.Invoices(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, invoices)
}

func TestExpire(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)

	sub, err := env.svc.Expire(context.Background(), sub.ID, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, string(StateExpired), sub.Status)
	assert.Nil(t, sub.NextBillingDate)

	_, err = env.svc.Cancel(context.Background(), sub.ID, "", SystemActor)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSkipNextMovesDeliveryOneInterval(t *testing.T) {
	env := newTestEnv(t)
	in := chickenMealInput()
	in.Frequency = "bi-weekly"
	sub, err := env.svc.Create(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, day(2026, 10, 31), sub.NextBillingDate.UTC())

	sub, err = env.svc.SkipNext(context.Background(), sub.ID, "Still have food", CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, day(2026, 11, 14), sub.NextBillingDate.UTC())
	assert.EqualValues(t, 1, sub.Metadata["total_skips"])

	ev, ok := env.notifier.last(ghl.EventDeliverySkipped).(ghl.DeliverySkippedEvent)
	require.True(t, ok)
	assert.Equal(t, "2026-10-31", ev.OldDeliveryDate)
	assert.Equal(t, "2026-11-14", ev.NewDeliveryDate)
	assert.Equal(t, "Still have food", ev.SkipReason)

	sub, err = env.svc.SkipNext(context.Background(), sub.ID, "", CustomerActor("jamie"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, sub.Metadata["total_skips"])
}

func TestChangeFrequency(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()

	same, err := env.svc.ChangeFrequency(ctx, sub.ID, "monthly", "", CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, sub.NextBillingDate.UTC(), same.NextBillingDate.UTC())
	assert.Nil(t, env.notifier.last(ghl.EventFrequencyChanged))

	sub, err = env.svc.ChangeFrequency(ctx, sub.ID, "weekly", "More often", CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, string(Weekly), sub.Frequency)
	assert.Equal(t, day(2026, 11, 24), sub.NextBillingDate.UTC())

	ev, ok := env.notifier.last(ghl.EventFrequencyChanged).(ghl.FrequencyChangedEvent)
	require.True(t, ok)
	assert.Equal(t, "monthly", ev.OldFrequency)
	assert.Equal(t, "weekly", ev.NewFrequency)
	assert.Equal(t, "2026-11-24", ev.NextBillingDate)

	_, err = env.svc.ChangeFrequency(ctx, sub.ID, "yearly", "", CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrValidation)

	history, err := env.svc.History(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "monthly", models.MetaString(history[1].ChangedFields, "old_frequency"))
}

func TestChangeFrequencyOnCancelledIsRefused(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()

	_, err := env.svc.Cancel(ctx, sub.ID, "moving", CustomerActor("jamie"))
	require.NoError(t, err)

	// Same frequency as before must not slip past the state check.
	_, err = env.svc.ChangeFrequency(ctx, sub.ID, "monthly", "", CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = env.svc.ChangeFrequency(ctx, sub.ID, "weekly", "", CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestChangeAddress(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)
	ctx := context.Background()

	_, err := env.svc.ChangeAddress(ctx, sub.ID, models.Address{City: "Austin"}, CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrValidation)

	addr := models.Address{Line1: "99 Fetch Ave", City: "Dallas", State: "TX", PostalCode: "75201"}
	sub, err = env.svc.ChangeAddress(ctx, sub.ID, addr, CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, addr, sub.ShippingAddress.Data())

	ev, ok := env.notifier.last(ghl.EventAddressChanged).(ghl.AddressChangedEvent)
	require.True(t, ok)
	assert.Equal(t, "12 Bark Street", ev.OldAddress.Line1)
	assert.Equal(t, "99 Fetch Ave", ev.NewAddress.Line1)

	stored, err := env.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dallas", stored.ShippingAddress.Data().City)
}

func TestUpdateItemsRecomputesAmount(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)

	items := models.SubscriptionItems{
		{ProductName: "Beef Stew", Quantity: 2, Price: 14.25},
		{ProductName: "Salmon Bites", Quantity: 1, Price: 9.99},
	}
	sub, err := env.svc.UpdateItems(context.Background(), sub.ID, items, CustomerActor("jamie"))
	require.NoError(t, err)
	assert.InDelta(t, 38.49, sub.Amount, 0.001)

	_, err = env.svc.UpdateItems(context.Background(), sub.ID, models.SubscriptionItems{}, CustomerActor("jamie"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUnknownSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Pause(ctx, "missing", PauseInput{})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = env.svc.RecordPaymentFailure(ctx, "missing", PaymentFailureInput{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisabledNotifierIsNotCalled(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.disabled = true

	sub := env.create(t)
	_, err := env.svc.Cancel(context.Background(), sub.ID, "", SystemActor)
	require.NoError(t, err)
	assert.Empty(t, env.notifier.sent())
}

func TestUndeliveredWebhookDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.deliveries = false

	sub := env.create(t)
	sub, err := env.svc.Pause(context.Background(), sub.ID, PauseInput{})
	require.NoError(t, err)
	assert.Equal(t, string(StatePaused), sub.Status)
}

type fakeContacts struct {
	mu      sync.Mutex
	synced  []ghl.Contact
	removed [][]string
	fail    bool
}

func (f *fakeContacts) SyncContact(_ context.Context, c ghl.Contact) ghl.SyncResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, c)
	if f.fail {
		return ghl.SyncResult{Error: "HTTP 500: boom"}
	}
	return ghl.SyncResult{Success: true, ContactID: "ct_1", AddedTags: c.Tags}
}

func (f *fakeContacts) RemoveTagsFromContact(_ context.Context, _ string, tags []string) ghl.SyncResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, tags)
	return ghl.SyncResult{Success: true, ContactID: "ct_1"}
}

type fakeSyncLog struct {
	mu      sync.Mutex
	entries []ghl.SyncLogEntry
}

func (f *fakeSyncLog) LogSync(e ghl.SyncLogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}

func TestLifecycleTagsAreSynced(t *testing.T) {
	contacts := &fakeContacts{}
	syncLog := &fakeSyncLog{}
	env := newTestEnv(t, WithContactSync(contacts, syncLog))

	sub := env.create(t)
	_, err := env.svc.Cancel(context.Background(), sub.ID, "Moving", CustomerActor("jamie"))
	require.NoError(t, err)

	require.Len(t, contacts.synced, 2)
	assert.Equal(t, []string{"subscriber-active"}, contacts.synced[0].Tags)
	assert.Equal(t, "jamie@example.com", contacts.synced[0].Email)
	assert.Equal(t, []string{"subscriber-cancelled"}, contacts.synced[1].Tags)
	assert.Equal(t, "Moving", contacts.synced[1].CustomFields["cancellation_reason"])
	assert.Equal(t, [][]string{{"subscriber-active"}}, contacts.removed)

	require.Len(t, syncLog.entries, 2)
	last := syncLog.entries[1]
	assert.Equal(t, models.TableSubscriptions, last.Table)
	assert.Equal(t, sub.ID, last.RecordID)
	assert.True(t, last.Result.Success)
	assert.Equal(t, []string{"subscriber-active"}, last.RemovedTags)
}

func TestFailedContactSyncSkipsTagRemoval(t *testing.T) {
	contacts := &fakeContacts{fail: true}
	syncLog := &fakeSyncLog{}
	env := newTestEnv(t, WithContactSync(contacts, syncLog))

	sub := env.create(t)
	sub, err := env.svc.Cancel(context.Background(), sub.ID, "", CustomerActor("jamie"))
	require.NoError(t, err)
	assert.Equal(t, string(StateCancelled), sub.Status)

	assert.Empty(t, contacts.removed)
	require.Len(t, syncLog.entries, 2)
	assert.False(t, syncLog.entries[1].Result.Success)
	assert.Empty(t, syncLog.entries[1].RemovedTags)
}

type dispatchedSync struct {
	table    string
	recordID string
	contact  ghl.Contact
	remove   []string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	syncs []dispatchedSync
}

func (f *fakeDispatcher) DispatchContact(_ context.Context, table, recordID string, c ghl.Contact, remove []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, dispatchedSync{table: table, recordID: recordID, contact: c, remove: remove})
}

func TestLifecycleTagsGoThroughDispatcher(t *testing.T) {
	contacts := &fakeContacts{}
	dispatcher := &fakeDispatcher{}
	env := newTestEnv(t, WithContactSync(contacts, &fakeSyncLog{}), WithContactDispatcher(dispatcher))

	sub := env.create(t)
	_, err := env.svc.Cancel(context.Background(), sub.ID, "Moving", CustomerActor("jamie"))
	require.NoError(t, err)

	assert.Empty(t, contacts.synced, "dispatcher replaces the inline sync")
	require.Len(t, dispatcher.syncs, 2)
	cancelled := dispatcher.syncs[1]
	assert.Equal(t, models.TableSubscriptions, cancelled.table)
	assert.Equal(t, sub.ID, cancelled.recordID)
	assert.Equal(t, "jamie@example.com", cancelled.contact.Email)
	assert.Equal(t, []string{"subscriber-cancelled"}, cancelled.contact.Tags)
	assert.Equal(t, []string{"subscriber-active"}, cancelled.remove)
}

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []map[string]interface{}
}

func (w *webhookRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.payloads = append(w.payloads, body)
	w.mu.Unlock()
	rw.WriteHeader(http.StatusOK)
}

func (w *webhookRecorder) all() []map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]map[string]interface{}(nil), w.payloads...)
}

func TestEndToEndWebhookEnvelopes(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	db := newTestDB(t)
	repo := NewRepository(db)
	clock := newTestClock()
	svc := NewService(repo, ghl.NewNotifier(ghl.Config{WebhookURL: srv.URL}), WithClock(clock.Now))
	ctx := context.Background()

	sub, err := svc.Create(ctx, chickenMealInput())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		clock.Advance(24 * time.Hour)
		_, _, err = svc.RecordPaymentFailure(ctx, sub.ID, PaymentFailureInput{ErrorMessage: "card_declined"})
		require.NoError(t, err)
	}

	payloads := recorder.all()
	require.Len(t, payloads, 4)

	created := payloads[0]
	assert.Equal(t, ghl.EventSubscriptionCreated, created["event_type"])
	subInfo := created["subscription"].(map[string]interface{})
	assert.Equal(t, "active", subInfo["status"])
	assert.Equal(t, "2026-11-17", subInfo["next_billing_date"])
	assert.Equal(t, 49.99, subInfo["amount"])
	items := subInfo["items"].([]interface{})
	require.Len(t, items, 1)
	item := items[0].(map[string]interface{})
	assert.Equal(t, "Chicken Meal", item["product_name"])
	assert.EqualValues(t, 4, item["quantity"])
	assert.Equal(t, 12.5, item["price"])

	for i, want := range []string{"active", "active", "past_due"} {
		p := payloads[i+1]
		assert.Equal(t, ghl.EventPaymentFailed, p["event_type"])
		assert.Equal(t, want, p["subscription"].(map[string]interface{})["status"])
		assert.EqualValues(t, i+1, p["payment"].(map[string]interface{})["attempt_count"])
	}

	stored, err := svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, string(StatePastDue), stored.Status)

	invoices, err := svc.Invoices(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, 3, invoices[0].AttemptCount)

	history, err := svc.History(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestInvalidTransitionErrorIsTyped(t *testing.T) {
	env := newTestEnv(t)
	sub := env.create(t)

	_, err := env.svc.Resume(context.Background(), sub.ID, SystemActor)
	var ite *InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StateActive, ite.From)
	assert.Equal(t, EventResume, ite.Event)
}
