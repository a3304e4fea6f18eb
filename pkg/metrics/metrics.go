// Package metrics owns the Prometheus collectors for webhook dispatch,
// delivery, and broadcast runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use through a nil pointer; every method is a no-op then.
type Metrics struct {
	WebhookRequests     *prometheus.CounterVec
	EventsProcessed     *prometheus.CounterVec
	HandlerDuration     *prometheus.HistogramVec
	Deliveries          *prometheus.CounterVec
	BroadcastRecipients *prometheus.CounterVec
	BroadcastDuration   *prometheus.HistogramVec
	TenantsRegistered   prometheus.Gauge
}

// New registers collectors on reg. Tests pass prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_webhook_requests_total",
			Help: "Inbound webhook requests by tenant and outcome",
		}, []string{"tenant", "outcome"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_events_total",
			Help: "Inbound events by tenant and result (handled, duplicate, failed)",
		}, []string{"tenant", "result"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botfleet_handler_duration_seconds",
			Help:    "Message handler latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tenant"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_deliveries_total",
			Help: "Outbound deliveries by tenant and outcome (replied, pushed, failed)",
		}, []string{"tenant", "outcome"}),
		BroadcastRecipients: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "botfleet_broadcast_recipients_total",
			Help: "Broadcast recipients by tenant and result",
		}, []string{"tenant", "result"}),
		BroadcastDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "botfleet_broadcast_duration_seconds",
			Help:    "Broadcast run duration",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"tenant"}),
		TenantsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "botfleet_tenants_registered",
			Help: "Enabled tenants in the registry",
		}),
	}
}

func (m *Metrics) ObserveWebhook(tenant, outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) ObserveEvent(tenant, result string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) ObserveHandler(tenant string, start time.Time) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(tenant).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveDelivery(tenant, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(tenant, outcome).Inc()
}

func (m *Metrics) ObserveBroadcastRecipient(tenant, result string) {
	if m == nil {
		return
	}
	m.BroadcastRecipients.WithLabelValues(tenant, result).Inc()
}

func (m *Metrics) ObserveBroadcast(tenant string, start time.Time) {
	if m == nil {
		return
	}
	m.BroadcastDuration.WithLabelValues(tenant).Observe(time.Since(start).Seconds())
}

func (m *Metrics) SetTenantsRegistered(n int) {
	if m == nil {
		return
	}
	m.TenantsRegistered.Set(float64(n))
}
