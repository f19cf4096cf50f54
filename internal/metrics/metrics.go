// Package metrics exposes Prometheus collectors for the scheduler, the
// broadcast hub and the chain executor. All methods are nil-safe so
// components can run without a registry in tests.
package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	tasksSubmitted   *prometheus.CounterVec
	tasksFinished    *prometheus.CounterVec
	tasksActive      prometheus.Gauge
	taskDuration     *prometheus.HistogramVec
	eventsPublished  *prometheus.CounterVec
	observersDropped prometheus.Counter
	chainRuns        *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Created once to avoid duplicate registration panics.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return shared
}

// NewTestMetrics returns an instance backed by a fresh registry.
func NewTestMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return MustNew(reg, reg)
}

// MustNew constructs Metrics on the given registerer. Registration errors
// other than AlreadyRegistered panic, mirroring promauto.
func MustNew(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Metrics{
		registerer: reg,
		gatherer:   gatherer,
		tasksSubmitted: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the scheduler.",
		}, []string{"kind"})),
		tasksFinished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"kind", "status"})),
		tasksActive: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_active",
			Help:      "Tasks currently pending or running.",
		})),
		taskDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall time from submit to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"})),
		eventsPublished: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Stream events appended to channel logs.",
		}, []string{"type"})),
		observersDropped: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "observers_dropped_total",
			Help:      "Subscriptions dropped because their queue overflowed.",
		})),
		chainRuns: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "runs_total",
			Help:      "Chain runs by final status.",
		}, []string{"status"})),
	}
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

// Handler serves the gatherer in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Registerer is where further collectors, such as the OTel reader, belong
// so they are served by Handler.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registerer
}

func (m *Metrics) TaskSubmitted(kind string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.WithLabelValues(kind).Inc()
	m.tasksActive.Inc()
}

func (m *Metrics) TaskFinished(kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind, status).Observe(elapsed.Seconds())
	m.tasksActive.Dec()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserverDropped() {
	if m == nil {
		return
	}
	m.observersDropped.Inc()
}

func (m *Metrics) ChainFinished(status string) {
	if m == nil {
		return
	}
	m.chainRuns.WithLabelValues(status).Inc()
}
