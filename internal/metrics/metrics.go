// Package metrics holds the Prometheus collectors of the notes backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "securenotes"

var (
	// HTTPRequestsTotal counts HTTP requests by method, route pattern and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency by method and route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// TokenOpens counts bearer token opens by outcome.
	TokenOpens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_opens_total",
			Help:      "Bearer tokens opened, by outcome",
		},
		[]string{"outcome"}, // "ok", "invalid_key", "invalid_claim", "internal"
	)

	// CryptoOperations counts vault operations by operation and result.
	CryptoOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crypto_operations_total",
			Help:      "Key wrap, unwrap and note seal/open operations",
		},
		[]string{"operation", "result"},
	)

	// SessionEvents counts session lifecycle events.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Sessions created, revoked and pruned",
		},
		[]string{"event"}, // "created", "revoked", "pruned"
	)
)

// ObserveCrypto records one vault operation.
func ObserveCrypto(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	CryptoOperations.WithLabelValues(operation, result).Inc()
}
