// Package metrics exposes Prometheus collectors for bridge activity.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatbridge"

// Metrics holds the bridge's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	turns             *prometheus.CounterVec
	turnDuration      prometheus.Histogram
	fragments         *prometheus.CounterVec
	permissionPrompts *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	activeTurns       prometheus.Gauge
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns finished, by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time from prompt to terminal event.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_emitted_total",
			Help:      "Fragments delivered to threads, by kind.",
		}, []string{"kind"}),
		permissionPrompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_prompts_total",
			Help:      "Permission requests, by whether they joined an open prompt.",
		}, []string{"deduped"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Follow-up prompts waiting across all threads.",
		}),
		activeTurns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Turns currently running.",
		}),
	}

	m.turns = register(reg, m.turns)
	m.turnDuration = register(reg, m.turnDuration)
	m.fragments = register(reg, m.fragments)
	m.permissionPrompts = register(reg, m.permissionPrompts)
	m.queueDepth = register(reg, m.queueDepth)
	m.activeTurns = register(reg, m.activeTurns)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// TurnStarted marks a turn as running.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

// TurnFinished records a turn's outcome and duration.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// FragmentEmitted counts one delivered fragment.
func (m *Metrics) FragmentEmitted(kind string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(kind).Inc()
}

// PermissionPrompt counts one permission request.
func (m *Metrics) PermissionPrompt(deduped bool) {
	if m == nil {
		return
	}
	label := "false"
	if deduped {
		label = "true"
	}
	m.permissionPrompts.WithLabelValues(label).Inc()
}

// QueueChanged adjusts the queue depth gauge.
func (m *Metrics) QueueChanged(delta int) {
	if m == nil {
		return
	}
	m.queueDepth.Add(float64(delta))
}
