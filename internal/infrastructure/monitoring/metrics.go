package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each Metrics value carries its
// own registry so construction is repeatable.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsBusy   prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Agent turn metrics
	TurnsTotal    *prometheus.CounterVec
	TurnDuration  prometheus.Histogram
	StreamedBytes prometheus.Counter

	// Permission metrics
	PermissionOutcomes *prometheus.CounterVec

	// Child server metrics
	ServersRunning *prometheus.GaugeVec
	ServerStarts   *prometheus.CounterVec
	BuildAttempts  prometheus.Counter
	BuildFailures  prometheus.Counter

	// Flow editor metrics
	FlowOperations *prometheus.CounterVec

	// Proxy metrics
	ProxyRequests *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backend_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_sessions_active",
				Help: "Number of open sessions",
			},
		),
		SessionsBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_sessions_busy",
				Help: "Number of sessions with a turn in flight",
			},
		),
		SessionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),

		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_agent_turns_total",
				Help: "Total number of agent turns by outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "backend_agent_turn_duration_seconds",
				Help:    "Agent turn duration in seconds",
				Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		StreamedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_agent_streamed_bytes_total",
				Help: "Total bytes of response text streamed to clients",
			},
		),

		PermissionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_permission_requests_total",
				Help: "Total number of tool permission requests by outcome",
			},
			[]string{"outcome"},
		),

		ServersRunning: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backend_child_servers_running",
				Help: "Number of running child servers by kind",
			},
			[]string{"kind"},
		),
		ServerStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_child_server_starts_total",
				Help: "Total child server start attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		BuildAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_build_attempts_total",
				Help: "Total production build attempts",
			},
		),
		BuildFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "backend_build_failures_total",
				Help: "Total failed production builds",
			},
		),

		FlowOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_flow_operations_total",
				Help: "Total flow-editor document operations by kind and result",
			},
			[]string{"operation", "result"},
		),

		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backend_proxy_requests_total",
				Help: "Total proxied requests by target kind",
			},
			[]string{"target"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "backend_uptime_seconds",
				Help: "Backend uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// updateUptime continuously updates the uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// SetSessionCounts sets the open and busy session gauges.
func (m *Metrics) SetSessionCounts(active, busy int) {
	m.SessionsActive.Set(float64(active))
	m.SessionsBusy.Set(float64(busy))
}

// RecordTurn records one agent turn.
func (m *Metrics) RecordTurn(outcome string, duration time.Duration) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(duration.Seconds())
}

// RecordPermission records a permission request outcome.
func (m *Metrics) RecordPermission(outcome string) {
	m.PermissionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordServerStart records a child server start attempt.
func (m *Metrics) RecordServerStart(kind, result string) {
	m.ServerStarts.WithLabelValues(kind, result).Inc()
}

// SetServersRunning sets the running-count gauge for one server kind.
func (m *Metrics) SetServersRunning(kind string, count int) {
	m.ServersRunning.WithLabelValues(kind).Set(float64(count))
}

// RecordFlowOperation records an import or delete against the editor.
func (m *Metrics) RecordFlowOperation(operation, result string) {
	m.FlowOperations.WithLabelValues(operation, result).Inc()
}

// RecordProxyRequest records one forwarded request.
func (m *Metrics) RecordProxyRequest(target string) {
	m.ProxyRequests.WithLabelValues(target).Inc()
}
