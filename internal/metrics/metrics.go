// Package metrics defines custom Prometheus metrics for blobmirror.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmirror_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blobmirror_http_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Backend and mirror metrics.
var (
	// BackendOps counts storage backend calls by operation and outcome.
	BackendOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmirror_backend_operations_total",
			Help: "Storage backend operations by type",
		},
		[]string{"operation", "outcome"},
	)

	// MirrorContainers is a gauge tracking mirrored containers.
	MirrorContainers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobmirror_mirror_containers",
			Help: "Containers currently mirrored",
		},
	)

	// MirrorBlobs is a gauge tracking mirrored blobs.
	MirrorBlobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blobmirror_mirror_blobs",
			Help: "Blobs currently mirrored",
		},
	)
)

// Synchronizer metrics.
var (
	// SyncPassesTotal counts reconciliation passes by outcome.
	SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmirror_sync_passes_total",
			Help: "Cache synchronization passes by outcome",
		},
		[]string{"outcome"},
	)

	// SyncDuration observes reconciliation pass duration in seconds.
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blobmirror_sync_duration_seconds",
			Help:    "Cache synchronization pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// SyncPrunedTotal counts rows pruned from the mirror by kind.
	SyncPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blobmirror_sync_pruned_total",
			Help: "Stale mirror rows pruned by sync passes",
		},
		[]string{"kind"},
	)

	// UploadsReapedTotal counts upload sessions removed for inactivity.
	UploadsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blobmirror_uploads_reaped_total",
			Help: "Upload sessions removed for inactivity",
		},
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
			BackendOps,
			MirrorContainers,
			MirrorBlobs,
			SyncPassesTotal,
			SyncDuration,
			SyncPrunedTotal,
			UploadsReapedTotal,
		)
		// Initialize the pass counter so the series exist before the
		// first sync runs.
		SyncPassesTotal.WithLabelValues("ok")
		SyncPassesTotal.WithLabelValues("error")
	})
}

// NormalizePath maps request paths to templates suitable for metric labels,
// avoiding high-cardinality labels from container and blob names.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json":
		return path
	case "/", "":
		return "/"
	}
	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}
	if !strings.HasPrefix(path, "/api/") {
		return "/other"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/api/"), "/")
	switch parts[0] {
	case "containers":
		// /api/containers[/{container}[/blobs[/{blob}[/content]]]]
		switch {
		case len(parts) == 1:
			return "/api/containers"
		case len(parts) == 2:
			return "/api/containers/{container}"
		case len(parts) == 3 && parts[2] == "blobs":
			return "/api/containers/{container}/blobs"
		case len(parts) >= 4 && parts[2] == "blobs":
			if parts[len(parts)-1] == "content" {
				return "/api/containers/{container}/blobs/{blob}/content"
			}
			return "/api/containers/{container}/blobs/{blob}"
		}
	case "uploads":
		// /api/uploads[/{uploadId}[/blocks|/commit|/cancel]]
		switch {
		case len(parts) == 1:
			return "/api/uploads"
		case len(parts) == 2:
			return "/api/uploads/{uploadId}"
		default:
			return "/api/uploads/{uploadId}/" + parts[2]
		}
	case "sync":
		return "/api/sync"
	}
	return "/api/other"
}
