package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry
	steps    *stepWindow

	ActiveTasks    prometheus.Gauge
	TaskEvents     *prometheus.CounterVec
	StepLatency    *prometheus.HistogramVec
	LLMCalls       *prometheus.CounterVec
	OpenStreams    prometheus.Gauge
	StreamEvents   *prometheus.CounterVec
	DroppedEvents  prometheus.Counter
	ManualSessions prometheus.Gauge
	ManualSubmits  *prometheus.CounterVec
	SweptTasks     prometheus.Counter
	SweptSessions  prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics registers every instrument on a fresh registry, so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		steps:    newStepWindow(DefaultStepWindowSize),
		ActiveTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tasks",
			Help:      "Number of workflow tasks that have not finished.",
		}),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"}),
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_latency_ms",
			Help:      "Automated step latency in milliseconds by step and outcome.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000},
		}, []string{"step", "outcome"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM invocations by step and outcome.",
		}, []string{"step", "outcome"}),
		OpenStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_streams",
			Help:      "Number of connected progress stream consumers.",
		}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Progress stream events emitted by type.",
		}, []string{"event"}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_snapshots_total",
			Help:      "Snapshots dropped from full subscriber queues.",
		}),
		ManualSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manual_sessions",
			Help:      "Number of open manual workflow sessions.",
		}),
		ManualSubmits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_submits_total",
			Help:      "Manual step submissions by outcome.",
		}, []string{"outcome"}),
		SweptTasks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_tasks_total",
			Help:      "Finished tasks removed after the retention window.",
		}),
		SweptSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_sessions_total",
			Help:      "Manual sessions removed for exceeding their maximum age.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepLatency.WithLabelValues(step, outcome).Observe(float64(d.Milliseconds()))
	m.steps.observe(step, float64(d.Microseconds())/1000, outcome != "ok")
}

// StepStats summarises the recent latency window of every automated step.
func (m *Metrics) StepStats() StepStatsSnapshot {
	if m == nil {
		return StepStatsSnapshot{Steps: []StepStats{}}
	}
	return m.steps.snapshot(time.Now())
}

func (m *Metrics) ObserveLLMCall(step, outcome string) {
	if m == nil {
		return
	}
	m.LLMCalls.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) ObserveStreamEvent(event string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveDroppedSnapshot() {
	if m == nil {
		return
	}
	m.DroppedEvents.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.OpenStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.OpenStreams.Dec()
}

func (m *Metrics) ObserveManualSubmit(outcome string) {
	if m == nil {
		return
	}
	m.ManualSubmits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetManualSessions(n int) {
	if m == nil {
		return
	}
	m.ManualSessions.Set(float64(n))
}

func (m *Metrics) SetActiveTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) ObserveSweep(tasks, sessions int) {
	if m == nil {
		return
	}
	m.SweptTasks.Add(float64(tasks))
	m.SweptSessions.Add(float64(sessions))
}

func (m *Metrics) ObserveHTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
