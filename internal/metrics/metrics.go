package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	syncRuns        *prometheus.CounterVec
	syncCustomers   *prometheus.CounterVec
	syncDuration    prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinvest_webhook_events_total",
			Help: "Stripe webhook deliveries by event type and outcome.",
		}, []string{"event_type", "outcome"}),
		webhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kinvest_webhook_duration_seconds",
			Help:    "Time spent processing a verified webhook event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinvest_sync_runs_total",
			Help: "Reconciliation runs by result.",
		}, []string{"result"}),
		syncCustomers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinvest_sync_customers_total",
			Help: "Customers visited by the reconciliation job by result.",
		}, []string{"result"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kinvest_sync_duration_seconds",
			Help:    "Wall time of a reconciliation run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.webhookEvents,
		m.webhookDuration,
		m.syncRuns,
		m.syncCustomers,
		m.syncDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) WebhookProcessed(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *Metrics) SyncFinished(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
	m.syncDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SyncCustomer(result string) {
	if m == nil {
		return
	}
	m.syncCustomers.WithLabelValues(result).Inc()
}
