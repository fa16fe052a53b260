// Package metrics provides Prometheus instrumentation for the relay and the
// per-channel delivery counters consumed by the status endpoint. All metric
// collectors are registered via the Init function and exposed through the
// Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeliveriesTotal counts delivery outcomes by channel and outcome
	// (delivered, dead_lettered, rejected).
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total deliveries by terminal outcome",
		},
		[]string{"channel", "outcome"},
	)

	// DeliveryRetries counts individual publish retries by channel.
	DeliveryRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_delivery_retries_total",
			Help: "Total publish retry attempts",
		},
		[]string{"channel"},
	)

	// PublishDuration observes broker publish latency in seconds.
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_publish_duration_seconds",
			Help:    "Broker publish latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BreakerState tracks the publish circuit breaker state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Publish circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// BreakerTransitions counts circuit breaker state changes.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// BrokerState tracks the broker connection machine state
	// (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=circuit-open).
	BrokerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_broker_connection_state",
			Help: "Broker connection state (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=circuit-open)",
		},
	)

	// BrokerTransitions counts broker connection state changes.
	BrokerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broker_transitions_total",
			Help: "Total broker connection state transitions",
		},
		[]string{"from", "to"},
	)

	// DeadLetterDepth tracks the number of pending dead-letter entries.
	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_dead_letter_depth",
			Help: "Number of pending dead-letter entries",
		},
	)

	// ActiveSessions tracks the number of client sessions with at least one
	// channel attached.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of active client sessions",
		},
	)

	// IngestRequests counts ingest endpoint requests by HTTP status code.
	IngestRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ingest_requests_total",
			Help: "Total ingest endpoint requests",
		},
		[]string{"status"},
	)

	// QueueDepth tracks messages waiting in the async delivery queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Messages waiting in the async delivery queue",
		},
	)

	// RateLimitHits counts rate limit rejections by endpoint.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// AuthFailures counts admin authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total admin authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling traffic.
func Init() {
	prometheus.MustRegister(
		DeliveriesTotal,
		DeliveryRetries,
		PublishDuration,
		BreakerState,
		BreakerTransitions,
		BrokerState,
		BrokerTransitions,
		DeadLetterDepth,
		ActiveSessions,
		IngestRequests,
		QueueDepth,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
