// Package metrics exposes the Prometheus collectors of the field capture agent.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the agent metrics
type Metrics struct {
	// Control API metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Backend client metrics
	BackendRequestTotal    *prometheus.CounterVec
	BackendRequestDuration *prometheus.HistogramVec

	// Capture pipeline metrics
	PhotoUploadTotal   *prometheus.CounterVec
	PhotoRollbackTotal *prometheus.CounterVec
	SubmissionTotal    *prometheus.CounterVec
	QRDecodeTotal      *prometheus.CounterVec
	RecordingTotal     *prometheus.CounterVec

	// Journal operation metrics
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics returns the process-wide Metrics, creating and registering it on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_http_requests_total",
			Help: "Total number of control API requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "field_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		BackendRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_backend_requests_total",
			Help: "Total number of backend requests by endpoint and outcome",
		}, []string{"endpoint", "status"}),

		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "field_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),

		PhotoUploadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_photo_uploads_total",
			Help: "Photo uploads by outcome (uploaded, failed, orphaned)",
		}, []string{"status"}),

		PhotoRollbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_photo_rollbacks_total",
			Help: "Best-effort photo deletions by reason and outcome",
		}, []string{"reason", "status"}),

		SubmissionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_submissions_total",
			Help: "Incidence submissions by outcome",
		}, []string{"outcome"}),

		QRDecodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_qr_decodes_total",
			Help: "QR decode attempts by mode and outcome",
		}, []string{"mode", "status"}),

		RecordingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_recordings_total",
			Help: "Recording sessions by mode and how they ended",
		}, []string{"mode", "outcome"}),

		StorageOperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_storage_operations_total",
			Help: "Total number of journal and photo store operations",
		}, []string{"operation", "status"}),

		StorageOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "field_storage_operation_duration_seconds",
			Help:    "Journal and photo store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "field_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	for _, c := range []prometheus.Collector{
		m.HTTPRequestTotal,
		m.HTTPRequestDuration,
		m.BackendRequestTotal,
		m.BackendRequestDuration,
		m.PhotoUploadTotal,
		m.PhotoRollbackTotal,
		m.SubmissionTotal,
		m.QRDecodeTotal,
		m.RecordingTotal,
		m.StorageOperationTotal,
		m.StorageOperationDuration,
		m.EventPublishTotal,
	} {
		registerOrGet(c)
	}
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
