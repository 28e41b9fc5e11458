package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the acquisition service.
type Metrics struct {
	registry                 *prometheus.Registry
	requestsTotal            prometheus.Counter
	acquisitionsStartedTotal prometheus.Counter
	acquisitionsByOutcome    *prometheus.CounterVec
	segmentsFetchedTotal     prometheus.Counter
	segmentErrorsTotal       prometheus.Counter
	bytesDownloadedTotal     prometheus.Counter
	activeAcquisitions       prometheus.Gauge
	errorsTotal              prometheus.Counter
}

// New creates and registers Prometheus metrics for the acquisition service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_requests_total",
		Help: "Total number of HTTP requests received",
	})
	acquisitionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_acquisitions_started_total",
		Help: "Total number of acquisitions accepted",
	})
	acquisitionsByOutcome := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_acquisitions_finished_total",
		Help: "Total number of acquisitions reaching a terminal stage",
	}, []string{"outcome"})
	segmentsFetchedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_segments_fetched_total",
		Help: "Total number of media segments fetched and stored",
	})
	segmentErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_segment_errors_total",
		Help: "Total number of per-segment fetch or decrypt failures",
	})
	bytesDownloadedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_bytes_downloaded_total",
		Help: "Total number of media bytes downloaded",
	})
	activeAcquisitions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_active_acquisitions",
		Help: "Number of acquisitions in a non-terminal stage",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "capture_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		acquisitionsStartedTotal,
		acquisitionsByOutcome,
		segmentsFetchedTotal,
		segmentErrorsTotal,
		bytesDownloadedTotal,
		activeAcquisitions,
		errorsTotal,
	)

	return &Metrics{
		registry:                 registry,
		requestsTotal:            requestsTotal,
		acquisitionsStartedTotal: acquisitionsStartedTotal,
		acquisitionsByOutcome:    acquisitionsByOutcome,
		segmentsFetchedTotal:     segmentsFetchedTotal,
		segmentErrorsTotal:       segmentErrorsTotal,
		bytesDownloadedTotal:     bytesDownloadedTotal,
		activeAcquisitions:       activeAcquisitions,
		errorsTotal:              errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncAcquisitionsStarted increments the accepted-acquisitions counter.
func (m *Metrics) IncAcquisitionsStarted() {
	m.acquisitionsStartedTotal.Inc()
}

// IncAcquisitionFinished increments the terminal-stage counter for the given
// outcome ("completed", "failed", or "cancelled").
func (m *Metrics) IncAcquisitionFinished(outcome string) {
	m.acquisitionsByOutcome.WithLabelValues(outcome).Inc()
}

// IncSegmentsFetched increments the stored-segments counter.
func (m *Metrics) IncSegmentsFetched() {
	m.segmentsFetchedTotal.Inc()
}

// IncSegmentErrors increments the per-segment failure counter.
func (m *Metrics) IncSegmentErrors() {
	m.segmentErrorsTotal.Inc()
}

// AddBytesDownloaded adds n to the downloaded-bytes counter.
func (m *Metrics) AddBytesDownloaded(n int64) {
	if n > 0 {
		m.bytesDownloadedTotal.Add(float64(n))
	}
}

// SetActiveAcquisitions sets the active acquisitions gauge.
func (m *Metrics) SetActiveAcquisitions(n int) {
	m.activeAcquisitions.Set(float64(n))
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// active acquisitions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
