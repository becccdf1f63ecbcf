package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors of one process. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	partitionsDispatched *prometheus.CounterVec
	tasksTotal           *prometheus.CounterVec
	futuresFinished      *prometheus.CounterVec
	pollRequests         *prometheus.CounterVec
	runtimeLookups       *prometheus.CounterVec
	runtimeBuilds        *prometheus.CounterVec
	objectsCleaned       *prometheus.CounterVec

	// Histograms
	taskDuration  *prometheus.HistogramVec
	buildDuration *prometheus.HistogramVec
	pollWait      *prometheus.HistogramVec

	// Gauges
	activeTasks prometheus.Gauge

	// Circuit breaker
	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

// Default histogram buckets for task duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 60000}

// New creates a private registry with Go and process collectors plus the
// cumulus collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cumulus"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		partitionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_dispatched_total",
				Help:      "Partitions handed to a compute backend",
			},
			[]string{"backend", "phase", "result"},
		),

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Partitions executed by workers",
			},
			[]string{"function", "phase", "status"},
		),

		futuresFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "futures_finished_total",
				Help:      "Futures that reached a terminal state",
			},
			[]string{"state"},
		),

		pollRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_polls_total",
				Help:      "Status object polls by outcome",
			},
			[]string{"outcome"},
		),

		runtimeLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_lookups_total",
				Help:      "Runtime metadata lookups by where they were answered",
			},
			[]string{"source"},
		),

		runtimeBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runtime_builds_total",
				Help:      "Runtime builds by backend and outcome",
			},
			[]string{"backend", "status"},
		),

		objectsCleaned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_cleaned_total",
				Help:      "Control-plane objects deleted by clean",
			},
			[]string{"namespace"},
		),

		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_milliseconds",
				Help:      "Duration of partition execution in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"function", "phase"},
		),

		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runtime_build_duration_milliseconds",
				Help:      "Duration of runtime build and create in milliseconds",
				Buckets:   []float64{100, 500, 1000, 5000, 15000, 60000, 300000},
			},
			[]string{"backend"},
		),

		pollWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "future_wait_milliseconds",
				Help:      "Time from the first status poll until the future settled",
				Buckets:   defaultBuckets,
			},
			[]string{"state"},
		),

		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Partitions currently executing in this process",
			},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Dispatch circuit breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"target"},
		),

		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Dispatch circuit breaker state transitions",
			},
			[]string{"target", "to_state"},
		),
	}

	registry.MustRegister(
		m.partitionsDispatched,
		m.tasksTotal,
		m.futuresFinished,
		m.pollRequests,
		m.runtimeLookups,
		m.runtimeBuilds,
		m.objectsCleaned,
		m.taskDuration,
		m.buildDuration,
		m.pollWait,
		m.activeTasks,
		m.circuitBreakerState,
		m.circuitBreakerTripsTotal,
	)
	return m
}

// RecordDispatch counts one partition handed to a backend.
func (m *Metrics) RecordDispatch(backend, phase string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.partitionsDispatched.WithLabelValues(backend, phase, result).Inc()
}

// RecordTask records a finished partition on a worker.
func (m *Metrics) RecordTask(function, phase string, d time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.tasksTotal.WithLabelValues(function, phase, status).Inc()
	m.taskDuration.WithLabelValues(function, phase).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncActiveTasks() {
	if m == nil {
		return
	}
	m.activeTasks.Inc()
}

func (m *Metrics) DecActiveTasks() {
	if m == nil {
		return
	}
	m.activeTasks.Dec()
}

// RecordFuture counts a future reaching a terminal state.
func (m *Metrics) RecordFuture(state string) {
	if m == nil {
		return
	}
	m.futuresFinished.WithLabelValues(state).Inc()
}

// RecordPoll counts one status poll: pending, done, transient or fatal.
func (m *Metrics) RecordPoll(outcome string) {
	if m == nil {
		return
	}
	m.pollRequests.WithLabelValues(outcome).Inc()
}

// ObservePollWait records how long a poll waited for a future to settle.
func (m *Metrics) ObservePollWait(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.pollWait.WithLabelValues(state).Observe(float64(d.Milliseconds()))
}

// RecordRuntimeLookup counts where runtime metadata came from: cache,
// storage or build.
func (m *Metrics) RecordRuntimeLookup(source string) {
	if m == nil {
		return
	}
	m.runtimeLookups.WithLabelValues(source).Inc()
}

// RecordRuntimeBuild records a runtime build attempt.
func (m *Metrics) RecordRuntimeBuild(backend string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runtimeBuilds.WithLabelValues(backend, status).Inc()
	m.buildDuration.WithLabelValues(backend).Observe(float64(d.Milliseconds()))
}

// RecordCleaned counts objects removed from a namespace.
func (m *Metrics) RecordCleaned(namespace string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.objectsCleaned.WithLabelValues(namespace).Add(float64(n))
}

// SetCircuitBreakerState sets the breaker state gauge for a dispatch target
func (m *Metrics) SetCircuitBreakerState(target string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(target).Set(float64(state))
}

// RecordCircuitBreakerTrip records a breaker state transition
func (m *Metrics) RecordCircuitBreakerTrip(target, toState string) {
	if m == nil {
		return
	}
	m.circuitBreakerTripsTotal.WithLabelValues(target, toState).Inc()
}

// Handler returns an HTTP handler for Prometheus metrics scraping
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the prometheus registry (for custom collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
