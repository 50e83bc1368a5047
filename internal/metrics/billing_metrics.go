package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// BillingMetrics метрики приема событий, верификации и доступа
type BillingMetrics interface {
	IncWebhookEvent(provider, kind, outcome string)
	IncMutation(kind, result string)
	IncVerification(provider, outcome string)
	ObserveVerification(d time.Duration)
	IncEntitlementDecision(state string)
	IncOutboundDelivery(event, outcome string)
}

type billingMetrics struct {
	log                  *logger.Logger
	webhookEvents        *prometheus.CounterVec
	mutations            *prometheus.CounterVec
	verifications        *prometheus.CounterVec
	verificationDuration prometheus.Histogram
	decisions            *prometheus.CounterVec
	outbound             *prometheus.CounterVec
}

// NewBillingMetrics регистрирует метрики в registry
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	factory := promauto.With(registry)

	return &billingMetrics{
		log: log,
		webhookEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Inbound provider webhook events by provider, kind and outcome",
			},
			[]string{"provider", "kind", "outcome"},
		),
		mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_mutations_total",
				Help: "Subscription store mutations by event kind and result",
			},
			[]string{"kind", "result"},
		),
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_verifications_total",
				Help: "Provider verification answers by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		verificationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_verification_duration_seconds",
				Help:    "Duration of the verification request",
				Buckets: prometheus.DefBuckets,
			},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_entitlement_decisions_total",
				Help: "Route guard decisions by state",
			},
			[]string{"state"},
		),
		outbound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_outbound_deliveries_total",
				Help: "User-configured webhook deliveries by event and outcome",
			},
			[]string{"event", "outcome"},
		),
	}
}

func (m *billingMetrics) IncWebhookEvent(provider, kind, outcome string) {
	m.webhookEvents.WithLabelValues(provider, kind, outcome).Inc()
}

func (m *billingMetrics) IncMutation(kind, result string) {
	m.mutations.WithLabelValues(kind, result).Inc()
}

func (m *billingMetrics) IncVerification(provider, outcome string) {
	m.verifications.WithLabelValues(provider, outcome).Inc()
}

func (m *billingMetrics) ObserveVerification(d time.Duration) {
	m.verificationDuration.Observe(d.Seconds())
}

func (m *billingMetrics) IncEntitlementDecision(state string) {
	m.decisions.WithLabelValues(state).Inc()
}

func (m *billingMetrics) IncOutboundDelivery(event, outcome string) {
	m.outbound.WithLabelValues(event, outcome).Inc()
}

// Nop метрики-заглушка для тестов и запуска без реестра
type Nop struct{}

func (Nop) IncWebhookEvent(string, string, string) {}
func (Nop) IncMutation(string, string)             {}
func (Nop) IncVerification(string, string)         {}
func (Nop) ObserveVerification(time.Duration)      {}
func (Nop) IncEntitlementDecision(string)          {}
func (Nop) IncOutboundDelivery(string, string)     {}
