package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox metrics
	OutboxEnqueued   *prometheus.CounterVec
	OutboxPendingLag prometheus.Gauge

	// Relay metrics
	RelayDispatched    *prometheus.CounterVec
	RelayBatchSize     prometheus.Histogram
	RelayCycleDuration prometheus.Histogram
	RelayErrors        *prometheus.CounterVec

	// Publisher metrics
	PublishDuration     *prometheus.HistogramVec
	PublishErrors       *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec

	// Consumer metrics
	ConsumerProcessed  *prometheus.CounterVec
	ConsumerDuplicates *prometheus.CounterVec
	ConsumerDuration   *prometheus.HistogramVec

	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWith(nil, reg)

	m := &Metrics{
		OutboxEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_enqueued_total",
				Help:      "Total number of events enqueued to the outbox",
			},
			[]string{"aggregate_type", "event_type"},
		),
		OutboxPendingLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbox_pending_lag",
				Help:      "Number of pending outbox records older than the lag threshold",
			},
		),
		RelayDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_dispatched_total",
				Help:      "Total number of outbox records processed by the relay, by outcome",
			},
			[]string{"outcome"},
		),
		RelayBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_batch_size",
				Help:      "Number of records claimed per relay cycle",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		RelayCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_cycle_duration_seconds",
				Help:      "Relay cycle duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		),
		RelayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_errors_total",
				Help:      "Total number of relay errors by stage",
			},
			[]string{"stage"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Bus publish duration in seconds, including broker acknowledgement",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"topic"},
		),
		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_errors_total",
				Help:      "Total number of publish errors by kind",
			},
			[]string{"kind"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		ConsumerProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_processed_total",
				Help:      "Total number of events handled by the consumer, by outcome",
			},
			[]string{"group", "outcome"},
		),
		ConsumerDuplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_duplicates_total",
				Help:      "Total number of redelivered events skipped by the dedup guard",
			},
			[]string{"group"},
		),
		ConsumerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "consumer_processing_duration_seconds",
				Help:      "Consumer event processing duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"group"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests to the ops server",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}

	// Register all collectors
	factory.MustRegister(
		m.OutboxEnqueued,
		m.OutboxPendingLag,
		m.RelayDispatched,
		m.RelayBatchSize,
		m.RelayCycleDuration,
		m.RelayErrors,
		m.PublishDuration,
		m.PublishErrors,
		m.CircuitBreakerState,
		m.ConsumerProcessed,
		m.ConsumerDuplicates,
		m.ConsumerDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
