// Package metrics exposes Prometheus counters and gauges for the recorder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the recorder.
type Metrics struct {
	registry            *prometheus.Registry
	framesCaptured      *prometheus.GaugeVec
	framesDropped       *prometheus.GaugeVec
	segmentsClosedTotal prometheus.Counter
	bytesWrittenTotal   prometheus.Counter
	pipelineErrorsTotal *prometheus.CounterVec
	activePipelines     prometheus.Gauge
	sessionState        *prometheus.GaugeVec
	sourcesKnown        prometheus.Gauge
}

// New creates and registers the recorder metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesCaptured := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "multirec_frames_captured",
		Help: "Frames read from each capture source in the current session",
	}, []string{"source_id"})
	framesDropped := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "multirec_frames_dropped",
		Help: "Frames dropped under backpressure for each source in the current session",
	}, []string{"source_id"})
	segmentsClosedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "multirec_segments_closed_total",
		Help: "Total segments closed and recorded in the manifest",
	})
	bytesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "multirec_bytes_written_total",
		Help: "Total encoded bytes written to segment files",
	})
	pipelineErrorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "multirec_pipeline_errors_total",
		Help: "Total pipeline errors by kind",
	}, []string{"kind"})
	activePipelines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "multirec_active_pipelines",
		Help: "Number of pipelines currently recording",
	})
	sessionState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "multirec_session_state",
		Help: "Current session state, 1 for the active state and 0 otherwise",
	}, []string{"state"})
	sourcesKnown := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "multirec_sources_known",
		Help: "Number of sources known to the registry",
	})

	registry.MustRegister(
		framesCaptured,
		framesDropped,
		segmentsClosedTotal,
		bytesWrittenTotal,
		pipelineErrorsTotal,
		activePipelines,
		sessionState,
		sourcesKnown,
	)

	return &Metrics{
		registry:            registry,
		framesCaptured:      framesCaptured,
		framesDropped:       framesDropped,
		segmentsClosedTotal: segmentsClosedTotal,
		bytesWrittenTotal:   bytesWrittenTotal,
		pipelineErrorsTotal: pipelineErrorsTotal,
		activePipelines:     activePipelines,
		sessionState:        sessionState,
		sourcesKnown:        sourcesKnown,
	}
}

// SetFramesCaptured refreshes the captured frames gauge for one source.
func (m *Metrics) SetFramesCaptured(sourceID string, n float64) {
	m.framesCaptured.WithLabelValues(sourceID).Set(n)
}

// SetFramesDropped refreshes the dropped frames gauge for one source.
func (m *Metrics) SetFramesDropped(sourceID string, n float64) {
	m.framesDropped.WithLabelValues(sourceID).Set(n)
}

// IncSegmentsClosed increments the closed segment counter.
func (m *Metrics) IncSegmentsClosed() {
	m.segmentsClosedTotal.Inc()
}

// AddBytesWritten adds to the written bytes counter.
func (m *Metrics) AddBytesWritten(n float64) {
	m.bytesWrittenTotal.Add(n)
}

// IncPipelineErrors increments the error counter for one error kind.
func (m *Metrics) IncPipelineErrors(kind string) {
	m.pipelineErrorsTotal.WithLabelValues(kind).Inc()
}

// SetActivePipelines sets the active pipelines gauge.
func (m *Metrics) SetActivePipelines(n int) {
	m.activePipelines.Set(float64(n))
}

// SetSessionState marks state as active and every other state inactive.
func (m *Metrics) SetSessionState(state string) {
	states := []string{"idle", "armed", "recording", "paused", "stopping", "finalized", "failed"}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// SetSourcesKnown sets the known sources gauge.
func (m *Metrics) SetSourcesKnown(n int) {
	m.sourcesKnown.Set(float64(n))
}

// Handler returns an http.Handler that serves the metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
