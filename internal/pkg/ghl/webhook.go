package ghl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/metrics"
)

// Notifier posts subscription lifecycle events to the CRM webhook. Every
// method reports delivery as a bool and never returns an error.
type Notifier struct {
	cfg  Config
	http *http.Client
}

func NewNotifier(cfg Config) *Notifier {
	cfg = cfg.withDefaults()
	return &Notifier{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// IsConfigured reports whether a webhook URL is set.
func (n *Notifier) IsConfigured() bool {
	return n.cfg.WebhookURL != ""
}

func (n *Notifier) NotifySubscriptionCreated(ctx context.Context, ev SubscriptionCreatedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventSubscriptionCreated,
		Customer:     ev.Customer,
		Subscription: ev.info(models.SubscriptionStatusActive, ev.NextBillingDate),
	})
}

func (n *Notifier) NotifyPaymentSuccess(ctx context.Context, ev PaymentSuccessEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventPaymentSuccess,
		Customer:     ev.Customer,
		Subscription: ev.info(models.SubscriptionStatusActive, ev.NextBillingDate),
		Payment: &PaymentInfo{
			InvoiceNumber: ev.InvoiceNumber,
			TransactionID: ev.TransactionID,
			Amount:        ev.Amount,
			BillingDate:   ev.BillingDate,
		},
	})
}

func (n *Notifier) NotifyPaymentFailed(ctx context.Context, ev PaymentFailedEvent) bool {
	status := ev.Status
	if status == "" {
		status = models.SubscriptionStatusActive
		if ev.AttemptCount >= PastDueAttemptThreshold {
			status = models.SubscriptionStatusPastDue
		}
	}
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventPaymentFailed,
		Customer:     ev.Customer,
		Subscription: ev.info(status, ev.NextBillingDate),
		Payment: &PaymentInfo{
			InvoiceNumber: ev.InvoiceNumber,
			Amount:        ev.Amount,
			BillingDate:   ev.BillingDate,
			AttemptCount:  ev.AttemptCount,
			NextRetryDate: ev.NextRetryDate,
			ErrorMessage:  ev.ErrorMessage,
		},
	})
}

func (n *Notifier) NotifySubscriptionPaused(ctx context.Context, ev SubscriptionPausedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventSubscriptionPaused,
		Customer:     ev.Customer,
		Subscription: ev.info(models.SubscriptionStatusPaused, ""),
		Metadata: map[string]interface{}{
			"pause_reason": ev.PauseReason,
			"resume_date":  ev.ResumeDate,
		},
	})
}

func (n *Notifier) NotifySubscriptionResumed(ctx context.Context, ev SubscriptionResumedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventSubscriptionResumed,
		Customer:     ev.Customer,
		Subscription: ev.info(models.SubscriptionStatusActive, ev.NextBillingDate),
	})
}

func (n *Notifier) NotifySubscriptionCancelled(ctx context.Context, ev SubscriptionCancelledEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType:    EventSubscriptionCancelled,
		Customer:     ev.Customer,
		Subscription: ev.info(models.SubscriptionStatusCancelled, ""),
		Metadata: map[string]interface{}{
			"cancellation_reason": ev.CancellationReason,
		},
	})
}

func (n *Notifier) NotifyDeliverySkipped(ctx context.Context, ev DeliverySkippedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType: EventDeliverySkipped,
		Customer:  ev.Customer,
		Subscription: &SubscriptionInfo{
			ID:              ev.SubscriptionID,
			Status:          models.SubscriptionStatusActive,
			Frequency:       ev.Frequency,
			NextBillingDate: ev.NewDeliveryDate,
			Items:           []Item{},
		},
		Metadata: map[string]interface{}{
			"old_delivery_date": ev.OldDeliveryDate,
			"new_delivery_date": ev.NewDeliveryDate,
			"skip_reason":       ev.SkipReason,
		},
	})
}

func (n *Notifier) NotifyFrequencyChanged(ctx context.Context, ev FrequencyChangedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType: EventFrequencyChanged,
		Customer:  ev.Customer,
		Subscription: &SubscriptionInfo{
			ID:              ev.SubscriptionID,
			Status:          models.SubscriptionStatusActive,
			Frequency:       ev.NewFrequency,
			Amount:          ev.Amount,
			NextBillingDate: ev.NextBillingDate,
			Items:           []Item{},
		},
		Metadata: map[string]interface{}{
			"old_frequency": ev.OldFrequency,
			"new_frequency": ev.NewFrequency,
		},
	})
}

func (n *Notifier) NotifyAddressChanged(ctx context.Context, ev AddressChangedEvent) bool {
	return n.dispatch(ctx, WebhookPayload{
		EventType: EventAddressChanged,
		Customer:  ev.Customer,
		Subscription: &SubscriptionInfo{
			ID:     ev.SubscriptionID,
			Status: models.SubscriptionStatusActive,
			Items:  []Item{},
		},
		Metadata: map[string]interface{}{
			"old_address": ev.OldAddress,
			"new_address": ev.NewAddress,
		},
	})
}

func (n *Notifier) dispatch(ctx context.Context, payload WebhookPayload) bool {
	if !n.IsConfigured() {
		log.Warnf("[GHL] GHL_WEBHOOK_URL not configured, %s for %s not sent", payload.EventType, payload.Customer.Email)
		metrics.WebhookDispatches.WithLabelValues(payload.EventType, "disabled").Inc()
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Errorf("[GHL] Failed to encode %s webhook: %v", payload.EventType, err)
		metrics.WebhookDispatches.WithLabelValues(payload.EventType, "error").Inc()
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		log.Errorf("[GHL] Failed to build %s webhook request: %v", payload.EventType, err)
		metrics.WebhookDispatches.WithLabelValues(payload.EventType, "error").Inc()
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		log.Errorf("[GHL] Error sending %s webhook: %v", payload.EventType, err)
		metrics.WebhookDispatches.WithLabelValues(payload.EventType, "error").Inc()
		return false
	}
	respBody := readBody(resp)
	if !isSuccess(resp.StatusCode) {
		log.Errorf("[GHL] Webhook %s rejected: status=%d body=%s", payload.EventType, resp.StatusCode, respBody)
		metrics.WebhookDispatches.WithLabelValues(payload.EventType, "rejected").Inc()
		return false
	}

	log.Infof("[GHL] Webhook sent: %s for %s", payload.EventType, payload.Customer.Email)
	metrics.WebhookDispatches.WithLabelValues(payload.EventType, "sent").Inc()
	return true
}
