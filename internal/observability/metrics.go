package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry

	Analyses         *prometheus.CounterVec
	AnalysisDuration prometheus.Histogram
	BusyRejections   prometheus.Counter
	VisionErrors     *prometheus.CounterVec
	VisionLatency    prometheus.Histogram
	Recognitions     prometheus.Counter
	SpeechQueueDepth prometheus.Gauge
	FramesBuffered   prometheus.Gauge
	FramesCaptured   prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
}

// NewMetrics builds the instruments on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Analyses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed doorbell analyses by decision.",
		}, []string{"decision"}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time from doorbell press to spoken result.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Doorbell presses rejected because an analysis was in flight.",
		}),
		VisionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vision_errors_total",
			Help:      "Vision description failures by kind.",
		}, []string{"kind"}),
		VisionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vision_latency_seconds",
			Help:      "Latency of vision description requests.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		}),
		Recognitions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognitions_total",
			Help:      "Faces matched to an enrolled person.",
		}),
		SpeechQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speech_queue_depth",
			Help:      "Speech requests waiting to be played.",
		}),
		FramesBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_buffered",
			Help:      "Frames currently held in the frame buffer.",
		}),
		FramesCaptured: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames pushed into the frame buffer.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status.",
		}, []string{"route", "status"}),
	}
}

func (m *Metrics) ObserveAnalysis(decision string, d time.Duration) {
	m.Analyses.WithLabelValues(decision).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveVision(d time.Duration, kind string) {
	m.VisionLatency.Observe(d.Seconds())
	if kind != "" {
		m.VisionErrors.WithLabelValues(kind).Inc()
	}
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
