package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the delivery service.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	errorsTotal         prometheus.Counter
	uploadsTotal        *prometheus.CounterVec
	pipelinesTotal      *prometheus.CounterVec
	pipelineDuration    prometheus.Histogram
	segmentsUploaded    prometheus.Counter
	grantsTotal         *prometheus.CounterVec
	proxiedBytesTotal   prometheus.Counter
	transcodesInFlight  prometheus.Gauge
	signingFullySecured prometheus.Gauge
	assets              *prometheus.GaugeVec
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "HTTP requests served, by method, route pattern and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hls_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_uploads_total",
			Help: "Uploads received, by result (accepted, rejected)",
		}, []string{"result"}),
		pipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_pipelines_total",
			Help: "Transcode pipelines finished, by outcome (ready, failed)",
		}, []string{"outcome"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hls_pipeline_duration_seconds",
			Help:    "Wall time from pipeline start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		segmentsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_uploaded_total",
			Help: "Total number of HLS media segments written to the object store",
		}),
		grantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_grants_minted_total",
			Help: "Playback URLs minted, by strategy",
		}, []string{"strategy"}),
		proxiedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_proxied_bytes_total",
			Help: "Bytes streamed to clients through the proxy path",
		}),
		transcodesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_transcodes_in_flight",
			Help: "Pipelines currently holding a transcode slot",
		}),
		signingFullySecured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_signing_fully_secure",
			Help: "1 when playback URLs are CDN-signed, 0 when running a degraded strategy",
		}),
		assets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hls_assets",
			Help: "Media assets known to the repository, by status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.errorsTotal,
		m.uploadsTotal,
		m.pipelinesTotal,
		m.pipelineDuration,
		m.segmentsUploaded,
		m.grantsTotal,
		m.proxiedBytesTotal,
		m.transcodesInFlight,
		m.signingFullySecured,
		m.assets,
	)

	return m
}

// ObserveRequest records one served request. Statuses of 400 and above also
// count as errors.
func (m *Metrics) ObserveRequest(method, route, status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, status).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	if len(status) == 3 && status[0] >= '4' {
		m.errorsTotal.Inc()
	}
}

// IncUploads records an upload attempt; result is "accepted" or "rejected".
func (m *Metrics) IncUploads(result string) {
	m.uploadsTotal.WithLabelValues(result).Inc()
}

// ObservePipeline records a finished pipeline.
func (m *Metrics) ObservePipeline(outcome string, d time.Duration) {
	m.pipelinesTotal.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(d.Seconds())
}

// AddSegmentsUploaded adds n persisted media segments. Playlists and covers are not counted.
func (m *Metrics) AddSegmentsUploaded(n int) {
	m.segmentsUploaded.Add(float64(n))
}

// IncGrants records a minted URL.
func (m *Metrics) IncGrants(strategy string) {
	m.grantsTotal.WithLabelValues(strategy).Inc()
}

// AddProxiedBytes adds n bytes served through the proxy.
func (m *Metrics) AddProxiedBytes(n int64) {
	m.proxiedBytesTotal.Add(float64(n))
}

// TranscodeStarted and TranscodeFinished track the in-flight gauge.
func (m *Metrics) TranscodeStarted() {
	m.transcodesInFlight.Inc()
}

func (m *Metrics) TranscodeFinished() {
	m.transcodesInFlight.Dec()
}

// SetFullySecure publishes the signing posture.
func (m *Metrics) SetFullySecure(secure bool) {
	if secure {
		m.signingFullySecured.Set(1)
		return
	}
	m.signingFullySecured.Set(0)
}

// SetAssets sets the asset gauge for status.
func (m *Metrics) SetAssets(status string, n int) {
	m.assets.WithLabelValues(status).Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
