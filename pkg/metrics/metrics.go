package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live notification channel sessions, by nothing; a plain gauge.
	WSConnectedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connected_sessions",
			Help: "Number of live notification channel sessions",
		},
	)

	// Notifications routed per presentation channel.
	NotificationsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Total notifications delivered, by channel and status",
		},
		[]string{"channel", "status"},
	)

	// Quiet-hours deferrals.
	NotificationsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_deferred_total",
			Help: "Notifications deferred until quiet hours end",
		},
	)

	// Push endpoint failures, by outcome class.
	PushSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_send_failures_total",
			Help: "Push delivery failures, by reason",
		},
		[]string{"reason"},
	)

	// MQ consumption latency in milliseconds.
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// Database query latency in seconds.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// HTTP request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// Queries exceeding the slow threshold.
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
	)
)

// RecordMQConsumeLatency records how long one MQ message took end to end.
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration records one database query.
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration records one HTTP request.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementDelivered counts one delivery attempt outcome.
func IncrementDelivered(channel, status string) {
	NotificationsDelivered.WithLabelValues(channel, status).Inc()
}

// IncrementPushFailure counts one push failure by reason.
func IncrementPushFailure(reason string) {
	PushSendFailures.WithLabelValues(reason).Inc()
}

// IncrementSlowQuery counts one slow query. The SQL text is already in
// the log line; the metric stays low-cardinality on purpose.
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.Inc()
}
