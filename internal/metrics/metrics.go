// Package metrics defines custom Prometheus metrics for bm-drive-cloud.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for byte-size histograms.
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// durationBuckets cover transfers from a few milliseconds to several minutes.
var durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcopy_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmcopy_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPRequestSize observes request body size in bytes.
	HTTPRequestSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmcopy_http_request_size_bytes",
			Help:    "Request body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Transfer metrics.
var (
	// TransfersTotal counts file transfers by source kind, destination kind and status.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcopy_transfers_total",
			Help: "File transfers by source kind, destination kind and status",
		},
		[]string{"from", "to", "status"},
	)

	// TransferDuration observes transfer time in seconds, measured from
	// opening the destination until the copy settles.
	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmcopy_transfer_duration_seconds",
			Help:    "Transfer time in seconds",
			Buckets: durationBuckets,
		},
		[]string{"from", "to"},
	)

	// TransferSize observes the bytes moved per transfer.
	TransferSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bmcopy_transfer_size_bytes",
			Help:    "Bytes moved per transfer",
			Buckets: sizeBuckets,
		},
		[]string{"from", "to"},
	)

	// BytesTransferredTotal counts bytes copied across all transfers.
	BytesTransferredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bmcopy_bytes_transferred_total",
			Help: "Total bytes copied",
		},
	)

	// FoldersCreatedTotal counts drive folders created during path resolution.
	FoldersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcopy_folders_created_total",
			Help: "Drive folders created while resolving paths",
		},
		[]string{"at_root"},
	)

	// RetryAttemptsTotal counts backoff waits by operation.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcopy_retry_attempts_total",
			Help: "Backoff retries by operation",
		},
		[]string{"operation"},
	)

	// WorkItemsTotal counts work items executed by outcome.
	WorkItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmcopy_work_items_total",
			Help: "Work items executed by outcome",
		},
		[]string{"status"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRequestSize,
			TransfersTotal,
			TransferDuration,
			TransferSize,
			BytesTransferredTotal,
			FoldersCreatedTotal,
			RetryAttemptsTotal,
			WorkItemsTotal,
		)
		// Initialize so the series appear in /metrics before the first transfer.
		WorkItemsTotal.WithLabelValues("ok")
		WorkItemsTotal.WithLabelValues("error")
	})
}

// NormalizePath maps request paths to a fixed set of labels so arbitrary
// paths do not create high-cardinality series.
func NormalizePath(path string) string {
	switch path {
	case "/", "":
		return "/"
	case "/health":
		return "/health"
	case "/metrics":
		return "/metrics"
	case "/docs", "/docs/":
		return "/docs"
	}
	switch {
	case strings.HasPrefix(path, "/docs"):
		return "/docs"
	case strings.HasPrefix(path, "/openapi"):
		return "/openapi"
	case strings.HasPrefix(path, "/schemas"):
		return "/schemas"
	}
	return "/other"
}
