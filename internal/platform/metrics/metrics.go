package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of vcam_frames_dropped_total.
const (
	DropInvalidPTS    = "invalid_pts"
	DropPoolExhausted = "pool_exhausted"
	DropNotReady      = "not_ready"
	DropDecodeError   = "decode_error"
	DropSinkBusy      = "sink_busy"
)

// Metrics holds Prometheus counters and gauges for the virtual camera.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	framesDelivered prometheus.Counter
	framesDropped   *prometheus.CounterVec
	loopWraps       prometheus.Counter
	sourceRestarts  prometheus.Counter
	restartFailures prometheus.Counter
	activeConsumers prometheus.Gauge
	streamRefcount  prometheus.Gauge
	outputPTS       prometheus.Gauge
	poolInUse       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the camera.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		framesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_frames_delivered_total",
			Help: "Total number of frames handed to the sink",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vcam_frames_dropped_total",
			Help: "Total number of frames dropped before delivery, by reason",
		}, []string{"reason"}),
		loopWraps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_loop_wraps_total",
			Help: "Total number of detected loop wraps of the source timeline",
		}),
		sourceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_source_restarts_total",
			Help: "Total number of successful frame source restarts",
		}),
		restartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vcam_source_restart_failures_total",
			Help: "Total number of frame source restarts that failed and stalled delivery",
		}),
		activeConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_active_consumers",
			Help: "Number of attached stream consumers",
		}),
		streamRefcount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_stream_refcount",
			Help: "Current streaming reference count",
		}),
		outputPTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_output_pts_seconds",
			Help: "Adjusted presentation timestamp of the last delivered frame",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vcam_pixel_buffers_in_use",
			Help: "Pixel buffers currently checked out of the pool",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.framesDelivered,
		m.framesDropped,
		m.loopWraps,
		m.sourceRestarts,
		m.restartFailures,
		m.activeConsumers,
		m.streamRefcount,
		m.outputPTS,
		m.poolInUse,
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncFramesDelivered increments the delivered frames counter.
func (m *Metrics) IncFramesDelivered() {
	if m != nil {
		m.framesDelivered.Inc()
	}
}

// IncFramesDropped increments the dropped frames counter for reason.
func (m *Metrics) IncFramesDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

// IncLoopWraps increments the loop wrap counter.
func (m *Metrics) IncLoopWraps() {
	if m != nil {
		m.loopWraps.Inc()
	}
}

// IncSourceRestarts increments the successful restart counter.
func (m *Metrics) IncSourceRestarts() {
	if m != nil {
		m.sourceRestarts.Inc()
	}
}

// IncRestartFailures increments the failed restart counter.
func (m *Metrics) IncRestartFailures() {
	if m != nil {
		m.restartFailures.Inc()
	}
}

// SetActiveConsumers sets the attached consumers gauge.
func (m *Metrics) SetActiveConsumers(n int) {
	if m != nil {
		m.activeConsumers.Set(float64(n))
	}
}

// SetStreamRefcount sets the refcount gauge.
func (m *Metrics) SetStreamRefcount(n uint32) {
	if m != nil {
		m.streamRefcount.Set(float64(n))
	}
}

// SetOutputPTS records the adjusted PTS of the last delivered frame.
func (m *Metrics) SetOutputPTS(seconds float64) {
	if m != nil {
		m.outputPTS.Set(seconds)
	}
}

// SetPoolInUse sets the pixel buffers in use gauge.
func (m *Metrics) SetPoolInUse(n int) {
	if m != nil {
		m.poolInUse.Set(float64(n))
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. pool usage).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
