package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafdx_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafdx_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	diagnosesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafdx_diagnoses_total",
			Help: "Total number of completed diagnoses",
		},
		[]string{"severity", "cache"},
	)

	uploadSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leafdx_upload_size_bytes",
			Help:    "Size of uploaded images in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	websocketActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leafdx_websocket_active_connections",
			Help: "Number of active websocket diagnosis streams",
		},
	)
)

// RegisterModelsLoadedGauge exposes a live count of resident models.
// Call at most once per process.
func RegisterModelsLoadedGauge(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "leafdx_models_loaded",
		Help: "Number of models currently resident in the registry",
	}, func() float64 { return float64(count()) })
}

// recordDiagnosisMetrics tracks a completed diagnosis by severity and
// cache outcome.
func recordDiagnosisMetrics(severity string, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	diagnosesTotal.WithLabelValues(severity, cache).Inc()
}
