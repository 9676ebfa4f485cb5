// Package metrics exposes Prometheus metrics for case analysis.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kozaktomas/sightline/internal/events"
)

const namespace = "sightline"

// Unit results.
const (
	ResultDone      = "done"
	ResultFailed    = "failed"
	ResultRetried   = "retried"
	ResultCancelled = "cancelled"
)

// Frame outcomes.
const (
	FrameScored      = "scored"
	FrameEmpty       = "empty"
	FrameDecodeError = "decode_error"
)

// Metrics holds the analysis collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	unitsTotal       *prometheus.CounterVec
	unitDuration     *prometheus.HistogramVec
	framesTotal      *prometheus.CounterVec
	detectionsTotal  *prometheus.CounterVec
	modalityFailures *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
}

// New creates the metrics and registers them, together with the Go runtime
// collectors, on registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()

	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("registering analysis metrics: %w", err)
	}
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_units_total",
			Help:      "Analysis units (case, footage pairs) by result",
		},
		[]string{"result"},
	)
	m.unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_unit_duration_seconds",
			Help:      "Time spent analyzing one footage item",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"result"},
	)
	m.framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_frames_total",
			Help:      "Sampled frames by outcome",
		},
		[]string{"outcome"},
	)
	m.detectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Stored detections by method",
		},
		[]string{"method"},
	)
	m.modalityFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modality_failures_total",
			Help:      "Detector runs that produced no score because of an error",
		},
		[]string{"modality"},
	)
	m.transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_transitions_total",
			Help:      "Case status transitions",
		},
		[]string{"from", "to"},
	)
	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Emitted events by kind",
		},
		[]string{"kind"},
	)
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.unitsTotal.Describe(ch)
	m.unitDuration.Describe(ch)
	m.framesTotal.Describe(ch)
	m.detectionsTotal.Describe(ch)
	m.modalityFailures.Describe(ch)
	m.transitionsTotal.Describe(ch)
	m.eventsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.unitsTotal.Collect(ch)
	m.unitDuration.Collect(ch)
	m.framesTotal.Collect(ch)
	m.detectionsTotal.Collect(ch)
	m.modalityFailures.Collect(ch)
	m.transitionsTotal.Collect(ch)
	m.eventsTotal.Collect(ch)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UnitFinished records one finished analysis unit.
func (m *Metrics) UnitFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.unitsTotal.WithLabelValues(result).Inc()
	m.unitDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Frame records the outcome of one sampled frame.
func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(outcome).Inc()
}

// DetectionStored records one stored detection.
func (m *Metrics) DetectionStored(method string) {
	if m == nil {
		return
	}
	m.detectionsTotal.WithLabelValues(method).Inc()
}

// ModalityFailure records a detector that errored on a frame.
func (m *Metrics) ModalityFailure(modality string) {
	if m == nil {
		return
	}
	m.modalityFailures.WithLabelValues(modality).Inc()
}

// CaseTransition records a case status change.
func (m *Metrics) CaseTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// Emit implements events.Emitter by counting events per kind.
func (m *Metrics) Emit(_ context.Context, e events.Event) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(e.Kind)).Inc()
}
