package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesDropped   atomic.Uint64 // Overwritten in the mailbox

	// Inference counters
	InferenceResults atomic.Uint64
	InferenceErrors  atomic.Uint64

	// Sink counters
	RecordsSent atomic.Uint64
	SinkErrors  atomic.Uint64

	// Stream clients (SSE + WebRTC)
	ActiveClients atomic.Int64
	TotalClients  atomic.Uint64

	// Rates, stored as milli-fps
	cameraFPS    atomic.Uint64
	inferenceFPS atomic.Uint64

	SessionsStarted atomic.Uint64
	SessionsFailed  atomic.Uint64

	inferenceLatency *prometheus.HistogramVec
	outputs          *prometheus.GaugeVec
	sessionErrors    *prometheus.CounterVec

	registry *prometheus.Registry
}

// Snapshot is a point-in-time copy of the counters, served by /api/status
type Snapshot struct {
	FramesRead       uint64  `json:"frames_read"`
	FramesProcessed  uint64  `json:"frames_processed"`
	FramesDropped    uint64  `json:"frames_dropped"`
	InferenceResults uint64  `json:"inference_results"`
	InferenceErrors  uint64  `json:"inference_errors"`
	RecordsSent      uint64  `json:"records_sent"`
	SinkErrors       uint64  `json:"sink_errors"`
	ActiveClients    int64   `json:"active_clients"`
	CameraFPS        float64 `json:"camera_fps"`
	InferenceFPS     float64 `json:"inference_fps"`
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(v.Load()) },
		))
	}

	// Frame metrics
	counter("pipeline_frames_read_total", "Total frames read from the source", &m.FramesRead)
	counter("pipeline_frames_processed_total", "Total frames passed through the engine", &m.FramesProcessed)
	counter("pipeline_frames_dropped_total", "Total frames overwritten before inference", &m.FramesDropped)

	// Inference metrics
	counter("pipeline_inference_results_total", "Total inference results produced", &m.InferenceResults)
	counter("pipeline_inference_errors_total", "Total inference failures", &m.InferenceErrors)

	// Sink metrics
	counter("pipeline_records_sent_total", "Total records forwarded to sinks", &m.RecordsSent)
	counter("pipeline_sink_errors_total", "Total sink delivery errors", &m.SinkErrors)

	counter("pipeline_sessions_started_total", "Total sessions started", &m.SessionsStarted)
	counter("pipeline_sessions_failed_total", "Total sessions aborted by an error", &m.SessionsFailed)
	counter("pipeline_clients_total", "Total stream clients connected", &m.TotalClients)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pipeline_active_clients",
			Help: "Number of connected stream clients",
		},
		func() float64 { return float64(m.ActiveClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pipeline_camera_fps",
			Help: "Measured camera frame rate",
		},
		func() float64 { return m.CameraFPS() },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pipeline_inference_fps",
			Help: "Measured inference tick rate",
		},
		func() float64 { return m.InferenceFPS() },
	))

	m.inferenceLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_inference_latency_seconds",
			Help:    "Network forward pass latency",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		},
		[]string{"model"},
	)
	m.registry.MustRegister(m.inferenceLatency)

	// Counters and calories per output key
	m.outputs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_output_value",
			Help: "Latest scalar post-processor output",
		},
		[]string{"key"},
	)
	m.registry.MustRegister(m.outputs)

	m.sessionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_session_errors_total",
			Help: "Fatal session errors by kind",
		},
		[]string{"kind"},
	)
	m.registry.MustRegister(m.sessionErrors)
}

// ObserveInference records one forward pass duration
func (m *Metrics) ObserveInference(model string, d time.Duration) {
	m.inferenceLatency.WithLabelValues(model).Observe(d.Seconds())
}

// SetOutput publishes the latest scalar value of a post-processor output
func (m *Metrics) SetOutput(key string, value float64) {
	m.outputs.WithLabelValues(key).Set(value)
}

// SessionError counts a fatal session error of the given kind
func (m *Metrics) SessionError(kind string) {
	m.SessionsFailed.Add(1)
	m.sessionErrors.WithLabelValues(kind).Inc()
}

// UpdateFPS stores the latest measured rates
func (m *Metrics) UpdateFPS(camera, inference float64) {
	m.cameraFPS.Store(uint64(camera * 1000))
	m.inferenceFPS.Store(uint64(inference * 1000))
}

// CameraFPS returns the last measured camera rate
func (m *Metrics) CameraFPS() float64 {
	return float64(m.cameraFPS.Load()) / 1000
}

// InferenceFPS returns the last measured inference rate
func (m *Metrics) InferenceFPS() float64 {
	return float64(m.inferenceFPS.Load()) / 1000
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		FramesRead:       m.FramesRead.Load(),
		FramesProcessed:  m.FramesProcessed.Load(),
		FramesDropped:    m.FramesDropped.Load(),
		InferenceResults: m.InferenceResults.Load(),
		InferenceErrors:  m.InferenceErrors.Load(),
		RecordsSent:      m.RecordsSent.Load(),
		SinkErrors:       m.SinkErrors.Load(),
		ActiveClients:    m.ActiveClients.Load(),
		CameraFPS:        m.CameraFPS(),
		InferenceFPS:     m.InferenceFPS(),
	}
}

// Registry exposes the private registry, mostly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
