// Package metrics exposes Prometheus collectors for the pipeline: stage cache
// outcomes, stage durations and recording load outcomes.
//
// All methods are safe on a nil *Metrics, so components take an optional
// collector set without branching.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Cache lookup results.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultCorrupt  = "corrupt"
	ResultDisabled = "disabled"
)

// Recording outcomes.
const (
	OutcomeLoaded = "loaded"
	OutcomeFailed = "failed"
)

// Metrics contains the pipeline collectors and their private registry.
type Metrics struct {
	registry *prometheus.Registry

	StageCache    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
	Recordings    *prometheus.CounterVec
	Epochs        prometheus.Counter
}

// New creates the collectors and registers them, plus the Go runtime
// collector, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StageCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sleepstager",
				Subsystem: "stage",
				Name:      "cache_total",
				Help:      "Stage cache lookups by result (hit, miss, corrupt, disabled)",
			},
			[]string{"stage", "result"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sleepstager",
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Wall time spent producing a stage output, cache lookups included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		StageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sleepstager",
				Subsystem: "stage",
				Name:      "errors_total",
				Help:      "Stage failures by stage",
			},
			[]string{"stage"},
		),
		Recordings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sleepstager",
				Subsystem: "recordings",
				Name:      "total",
				Help:      "Recordings processed by outcome",
			},
			[]string{"outcome"},
		),
		Epochs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sleepstager",
				Subsystem: "epochs",
				Name:      "segmented_total",
				Help:      "Epochs produced by the segmenter",
			},
		),
	}
	m.registry.MustRegister(
		m.StageCache,
		m.StageDuration,
		m.StageErrors,
		m.Recordings,
		m.Epochs,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CacheResult counts one cache lookup for stage.
func (m *Metrics) CacheResult(stage, result string) {
	if m == nil {
		return
	}
	m.StageCache.WithLabelValues(stage, result).Inc()
}

// ObserveStage records the time a stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// StageFailed counts one stage failure.
func (m *Metrics) StageFailed(stage string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(stage).Inc()
}

// Recording counts one recording with the given outcome and epoch count.
func (m *Metrics) Recording(outcome string, epochs int) {
	if m == nil {
		return
	}
	m.Recordings.WithLabelValues(outcome).Inc()
	if epochs > 0 {
		m.Epochs.Add(float64(epochs))
	}
}

// WriteTextfile writes every registered metric to path in the Prometheus
// text exposition format, atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
