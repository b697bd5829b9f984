// Package metrics holds the Prometheus instruments of the upload service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "alexander_uploads"

// Metrics holds every upload metric.
type Metrics struct {
	UploadsInitiated      prometheus.Counter
	QuickUploads          prometheus.Counter
	UploadsCompleted      prometheus.Counter
	UploadsFailed         *prometheus.CounterVec // {reason}
	UploadsCancelled      prometheus.Counter
	ConcurrencyRejections prometheus.Counter
	CleanupFailures       prometheus.Counter

	SweeperExpired  prometheus.Counter
	SweeperPurged   prometheus.Counter
	SweeperLastRun  prometheus.Gauge
	SweeperDuration prometheus.Histogram

	OperationDuration *prometheus.HistogramVec // {operation,status}
	ComposeDuration   prometheus.Histogram
}

// New registers every metric with registry. A nil registry uses the
// default Prometheus registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		UploadsInitiated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initiated_total",
			Help:      "Chunked upload tasks created",
		}),
		QuickUploads: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quick_total",
			Help:      "Uploads satisfied from the dedup index without transferring bytes",
		}),
		UploadsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_total",
			Help:      "Upload tasks composed and finalized",
		}),
		UploadsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_total",
			Help:      "Upload tasks moved to FAILED",
		}, []string{"reason"}),
		UploadsCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancelled_total",
			Help:      "Upload tasks cancelled by their owner",
		}),
		ConcurrencyRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_rejections_total",
			Help:      "Init requests rejected by the per-owner concurrency limit",
		}),
		CleanupFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Part objects that could not be deleted",
		}),
		SweeperExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Tasks failed by the sweeper after expiry",
		}),
		SweeperPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "purged_total",
			Help:      "Terminal tasks deleted after the retention period",
		}),
		SweeperLastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep",
		}),
		SweeperDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "run_duration_seconds",
			Help:      "Duration of sweeper runs",
			Buckets:   prometheus.DefBuckets,
		}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of orchestrator operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		ComposeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compose_duration_seconds",
			Help:      "Duration of part composition in object storage",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}

// ObserveOperation records the duration of operation since start.
func (m *Metrics) ObserveOperation(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OperationDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics in gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
