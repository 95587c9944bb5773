package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway's prometheus registry and the domain
// metrics the other packages report into. A private registry keeps
// the scrape surface to what we register, nothing from global state.
type Collector struct {
	registry *prometheus.Registry

	streamsByState *prometheus.GaugeVec
	ssrcCapture    prometheus.Histogram
	ssrcFailures   prometheus.Counter
	restarts       prometheus.Counter

	extractQueue    prometheus.Gauge
	extractJobs     *prometheus.CounterVec
	extractDuration *prometheus.HistogramVec

	sfuCalls        *prometheus.CounterVec
	sfuDisconnects  prometheus.Counter
	consumersActive prometheus.Gauge
	diskUsedPercent prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,

		streamsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagw_streams",
			Help: "Streams currently in each lifecycle state",
		}, []string{"state"}),

		ssrcCapture: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediagw_ssrc_capture_seconds",
			Help:    "Time to observe the first RTP packet from a source",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		}),
		ssrcFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagw_ssrc_capture_failures_total",
			Help: "SSRC capture attempts that timed out or errored",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagw_stream_restarts_total",
			Help: "Automatic pipeline restarts",
		}),

		extractQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagw_extract_queue_depth",
			Help: "Extraction jobs waiting for a worker",
		}),
		extractJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagw_extract_jobs_total",
			Help: "Extraction jobs by kind and outcome",
		}, []string{"kind", "outcome"}),
		extractDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediagw_extract_duration_seconds",
			Help:    "Extraction job wall time by kind",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"kind"}),

		sfuCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagw_sfu_calls_total",
			Help: "SFU control calls by type and outcome",
		}, []string{"type", "outcome"}),
		sfuDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mediagw_sfu_disconnects_total",
			Help: "Control channel disconnects from the media router",
		}),
		consumersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagw_consumers_active",
			Help: "Connected WebRTC consumers",
		}),
		diskUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mediagw_recordings_disk_used_percent",
			Help: "Usage of the recordings volume",
		}),
	}

	reg.MustRegister(
		c.streamsByState, c.ssrcCapture, c.ssrcFailures, c.restarts,
		c.extractQueue, c.extractJobs, c.extractDuration,
		c.sfuCalls, c.sfuDisconnects, c.consumersActive, c.diskUsedPercent,
	)
	return c
}

// Registerer exposes the registry for packages that register their own
// metrics (HTTP middleware).
func (c *Collector) Registerer() prometheus.Registerer {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StreamStateChanged implements the pipeline Recorder.
func (c *Collector) StreamStateChanged(from, to string) {
	if from != "" {
		c.streamsByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		c.streamsByState.WithLabelValues(to).Inc()
	}
}

func (c *Collector) SsrcCaptureObserved(seconds float64, ok bool) {
	c.ssrcCapture.Observe(seconds)
	if !ok {
		c.ssrcFailures.Inc()
	}
}

func (c *Collector) StreamRestarted() {
	c.restarts.Inc()
}

func (c *Collector) ExtractQueueDepth(n int) {
	c.extractQueue.Set(float64(n))
}

func (c *Collector) ExtractJobFinished(kind, outcome string, seconds float64) {
	c.extractJobs.WithLabelValues(kind, outcome).Inc()
	c.extractDuration.WithLabelValues(kind).Observe(seconds)
}

func (c *Collector) SfuCall(callType, outcome string) {
	c.sfuCalls.WithLabelValues(callType, outcome).Inc()
}

func (c *Collector) SfuDisconnected() {
	c.sfuDisconnects.Inc()
}

func (c *Collector) ConsumersActive(n int) {
	c.consumersActive.Set(float64(n))
}

func (c *Collector) DiskUsedPercent(p float64) {
	c.diskUsedPercent.Set(p)
}
