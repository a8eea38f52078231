// Package metrics exposes the runtime's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the runtime's collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksStarted  *prometheus.CounterVec
	TasksFinished *prometheus.CounterVec
	TaskDuration  prometheus.Histogram
	ToolCalls     *prometheus.CounterVec
	ModelCalls    *prometheus.CounterVec
	ModelTokens   *prometheus.CounterVec
	Handoffs      *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	ActiveStreams prometheus.Gauge
}

// New builds a metrics bundle on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.TasksStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_tasks_started_total",
		Help: "Tasks created, by graph.",
	}, []string{"graph"})
	m.TasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_tasks_finished_total",
		Help: "Tasks reaching a terminal state, by status.",
	}, []string{"status"})
	m.TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "inkeep_task_duration_seconds",
		Help:    "Wall time of one task execution.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	m.ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_tool_calls_total",
		Help: "Tool invocations, by tool name and outcome.",
	}, []string{"tool", "outcome"})
	m.ModelCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_model_calls_total",
		Help: "Model completions, by provider and outcome.",
	}, []string{"provider", "outcome"})
	m.ModelTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_model_tokens_total",
		Help: "Token usage, by provider and direction.",
	}, []string{"provider", "direction"})
	m.Handoffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_handoffs_total",
		Help: "Agent handoffs, by kind.",
	}, []string{"kind"})
	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inkeep_http_requests_total",
		Help: "HTTP requests, by route and status class.",
	}, []string{"route", "status"})
	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inkeep_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	m.ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inkeep_active_streams",
		Help: "Open SSE streams.",
	})

	m.registry.MustRegister(
		m.TasksStarted, m.TasksFinished, m.TaskDuration,
		m.ToolCalls, m.ModelCalls, m.ModelTokens, m.Handoffs,
		m.HTTPRequests, m.HTTPDuration, m.ActiveStreams,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(status string, d time.Duration) {
	m.TasksFinished.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(d.Seconds())
}
