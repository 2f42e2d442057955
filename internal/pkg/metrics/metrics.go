package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wagginmeals"

var (
	Registry = prometheus.NewRegistry()

	// WebhookDispatches counts CRM webhook deliveries by event type and outcome
	// (sent, rejected, error, disabled).
	WebhookDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crm_webhook_dispatch_total",
		Help:      "CRM webhook dispatch attempts by event type and outcome",
	}, []string{"event_type", "outcome"})

	// ContactSyncs counts contact sync results by operation and outcome.
	ContactSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crm_contact_sync_total",
		Help:      "CRM contact sync calls by operation and outcome",
	}, []string{"operation", "outcome"})

	SyncLogFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crm_sync_log_failures_total",
		Help:      "Sync log entries that could not be recorded",
	}, []string{"reason"})

	BillingCharges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "billing_charges_total",
		Help:      "Recurring billing charge attempts by outcome",
	}, []string{"outcome"})

	SubscriptionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscription_transitions_total",
		Help:      "Subscription lifecycle transitions by event and resulting status",
	}, []string{"event", "status"})

	// Jobs counts background job attempts by kind and outcome (done, retry, dead).
	Jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Background job attempts by kind and outcome",
	}, []string{"kind", "outcome"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		WebhookDispatches,
		ContactSyncs,
		SyncLogFailures,
		BillingCharges,
		SubscriptionTransitions,
		Jobs,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
