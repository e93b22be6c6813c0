// Package metrics holds the Prometheus collectors exported by tempora.
// Collectors register with the default registry through promauto.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/soundprediction/tempora/pkg/types"
)

var (
	// HTTPRequestsTotal counts requests by method, route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempora_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures server response time.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempora_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	// WritesTotal counts store writes by operation and outcome.
	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempora_writes_total",
			Help: "Total version and relationship writes by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// WriteRetries counts retries caused by per-key contention.
	WriteRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempora_write_retries_total",
			Help: "Total write retries after lock contention or optimistic conflicts",
		},
		[]string{"operation"},
	)

	// QueryDuration tracks query engine and analyzer latency.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tempora_query_duration_seconds",
			Help:    "Query and analysis duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"query"},
	)

	// IngestedRecords counts batch ingestion records by kind and outcome.
	IngestedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tempora_ingested_records_total",
			Help: "Total ingestion records processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Outcome classifies err into a low-cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrValidation):
		return "validation"
	case errors.Is(err, types.ErrConflict):
		return "conflict"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrBackendUnavailable):
		return "backend_unavailable"
	default:
		return "error"
	}
}
