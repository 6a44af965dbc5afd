// Package metrics provides Prometheus metrics for Agentry monitoring.
// Exports HTTP, module, pipeline, connector, AI, and business metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for Agentry
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Business Metrics
	TotalUsersGauge    prometheus.Gauge
	TotalAgentsGauge   prometheus.Gauge
	ActiveAgentsGauge  prometheus.Gauge
	TotalDatasetsGauge prometheus.Gauge

	// Module Metrics
	ModuleInvocationsTotal   *prometheus.CounterVec
	ModuleInvocationDuration *prometheus.HistogramVec
	ModuleCreditsCharged     *prometheus.CounterVec

	// Pipeline Metrics
	PipelineExecutionsTotal   *prometheus.CounterVec
	PipelineExecutionDuration prometheus.Histogram
	PipelineRowsTotal         *prometheus.CounterVec
	PipelineStepsTotal        *prometheus.CounterVec

	// Connector Metrics
	ConnectorRequestsTotal   *prometheus.CounterVec
	ConnectorRequestDuration *prometheus.HistogramVec
	ConnectorFallbacksTotal  *prometheus.CounterVec

	// AI Metrics
	AIRequestsTotal   *prometheus.CounterVec
	AIRequestDuration *prometheus.HistogramVec
	AITokensUsed      *prometheus.CounterVec
	AIProviderHealth  *prometheus.GaugeVec

	// MCP/WebSocket Metrics
	MCPConnectionsGauge *prometheus.GaugeVec
	MCPMessagesTotal    *prometheus.CounterVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBErrorsTotal       *prometheus.CounterVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheEntries     *prometheus.GaugeVec

	// Billing Metrics
	CreditsChargedTotal *prometheus.CounterVec
	CreditsGrantedTotal *prometheus.CounterVec
	SignupsTotal        prometheus.Counter

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	// Business Metrics
	m.TotalUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "business",
			Name:      "total_users",
			Help:      "Total number of registered users",
		},
	)

	m.TotalAgentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "business",
			Name:      "total_agents",
			Help:      "Total number of configured agents",
		},
	)

	m.ActiveAgentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "business",
			Name:      "active_agents",
			Help:      "Number of agents in active status",
		},
	)

	m.TotalDatasetsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "business",
			Name:      "total_datasets",
			Help:      "Total number of staged datasets",
		},
	)

	// Module Metrics
	m.ModuleInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "module",
			Name:      "invocations_total",
			Help:      "Total number of module invocations by module and status",
		},
		[]string{"module", "status"},
	)

	m.ModuleInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "module",
			Name:      "invocation_duration_seconds",
			Help:      "Module invocation duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"module"},
	)

	m.ModuleCreditsCharged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "module",
			Name:      "credits_charged_total",
			Help:      "Total credits charged for module invocations",
		},
		[]string{"module"},
	)

	// Pipeline Metrics
	m.PipelineExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "pipeline",
			Name:      "executions_total",
			Help:      "Total number of pipeline executions by status",
		},
		[]string{"status"},
	)

	m.PipelineExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "pipeline",
			Name:      "execution_duration_seconds",
			Help:      "Pipeline execution duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	m.PipelineRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "pipeline",
			Name:      "rows_total",
			Help:      "Total rows entering and leaving pipelines",
		},
		[]string{"direction"},
	)

	m.PipelineStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "pipeline",
			Name:      "steps_total",
			Help:      "Total executed pipeline steps by operator",
		},
		[]string{"op"},
	)

	// Connector Metrics
	m.ConnectorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "connector",
			Name:      "requests_total",
			Help:      "Total number of connector requests by connector and status",
		},
		[]string{"connector", "status"},
	)

	m.ConnectorRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "connector",
			Name:      "request_duration_seconds",
			Help:      "Connector request duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"connector"},
	)

	m.ConnectorFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "connector",
			Name:      "fallbacks_total",
			Help:      "Total number of connector fallbacks to mock data",
		},
		[]string{"connector", "reason"},
	)

	// AI Metrics
	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Total number of AI requests by provider, model, and status",
		},
		[]string{"provider", "model", "status"},
	)

	m.AIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "ai",
			Name:      "request_duration_seconds",
			Help:      "AI request duration in seconds",
			Buckets:   []float64{.5, 1, 2, 3, 5, 10, 20, 30, 60},
		},
		[]string{"provider", "model"},
	)

	m.AITokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Total number of AI tokens used by provider and type",
		},
		[]string{"provider", "model", "token_type"},
	)

	m.AIProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "ai",
			Name:      "provider_health",
			Help:      "AI provider health status (1=healthy, 0=unhealthy)",
		},
		[]string{"provider"},
	)

	// MCP/WebSocket Metrics
	m.MCPConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "mcp",
			Name:      "connections",
			Help:      "Current number of MCP WebSocket connections by type",
		},
		[]string{"type"},
	)

	m.MCPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "mcp",
			Name:      "messages_total",
			Help:      "Total number of MCP messages by method and direction",
		},
		[]string{"method", "direction"},
	)

	// Database Metrics
	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "database",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "database",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentry",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	m.DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "database",
			Name:      "errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	// Cache Metrics
	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_name"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_name"},
	)

	m.CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cache entries",
		},
		[]string{"cache_name"},
	)

	// Billing Metrics
	m.CreditsChargedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "billing",
			Name:      "credits_charged_total",
			Help:      "Total credits charged by reason",
		},
		[]string{"reason"},
	)

	m.CreditsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "billing",
			Name:      "credits_granted_total",
			Help:      "Total credits granted by reason",
		},
		[]string{"reason"},
	)

	m.SignupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentry",
			Subsystem: "billing",
			Name:      "signups_total",
			Help:      "Total number of new user signups",
		},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentry",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordModuleInvocation records a module run
func (m *Metrics) RecordModuleInvocation(module, status string, duration time.Duration, credits int) {
	m.ModuleInvocationsTotal.WithLabelValues(module, status).Inc()
	m.ModuleInvocationDuration.WithLabelValues(module).Observe(duration.Seconds())
	if credits > 0 {
		m.ModuleCreditsCharged.WithLabelValues(module).Add(float64(credits))
	}
}

// RecordPipelineExecution records a transform pipeline run
func (m *Metrics) RecordPipelineExecution(status string, duration time.Duration, inRows, outRows int) {
	m.PipelineExecutionsTotal.WithLabelValues(status).Inc()
	m.PipelineExecutionDuration.Observe(duration.Seconds())
	m.PipelineRowsTotal.WithLabelValues("in").Add(float64(inRows))
	m.PipelineRowsTotal.WithLabelValues("out").Add(float64(outRows))
}

// RecordPipelineStep records one executed operator
func (m *Metrics) RecordPipelineStep(op string) {
	m.PipelineStepsTotal.WithLabelValues(op).Inc()
}

// RecordConnectorRequest records an external connector call
func (m *Metrics) RecordConnectorRequest(connector, status string, duration time.Duration) {
	m.ConnectorRequestsTotal.WithLabelValues(connector, status).Inc()
	m.ConnectorRequestDuration.WithLabelValues(connector).Observe(duration.Seconds())
}

// RecordConnectorFallback records a fallback to deterministic mock data
func (m *Metrics) RecordConnectorFallback(connector, reason string) {
	m.ConnectorFallbacksTotal.WithLabelValues(connector, reason).Inc()
}

// RecordAIRequest records an AI request metric
func (m *Metrics) RecordAIRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	m.AIRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.AIRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	m.AITokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.AITokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

// SetAIProviderHealth sets the health status of an AI provider
func (m *Metrics) SetAIProviderHealth(provider string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.AIProviderHealth.WithLabelValues(provider).Set(value)
}

// RecordMCPConnection records an MCP connection change
func (m *Metrics) RecordMCPConnection(connType string, delta int) {
	m.MCPConnectionsGauge.WithLabelValues(connType).Add(float64(delta))
}

// RecordMCPMessage records an MCP message
func (m *Metrics) RecordMCPMessage(method, direction string) {
	m.MCPMessagesTotal.WithLabelValues(method, direction).Inc()
}

// RecordCacheOperation records a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(operation, "query_error").Inc()
	}
}

// RecordCreditsCharged records charged credits
func (m *Metrics) RecordCreditsCharged(reason string, amount int) {
	m.CreditsChargedTotal.WithLabelValues(reason).Add(float64(amount))
}

// RecordCreditsGranted records granted credits
func (m *Metrics) RecordCreditsGranted(reason string, amount int) {
	m.CreditsGrantedTotal.WithLabelValues(reason).Add(float64(amount))
}

// RecordSignup records a new user signup
func (m *Metrics) RecordSignup() {
	m.SignupsTotal.Inc()
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// UpdateTotalUsers updates the total users gauge
func (m *Metrics) UpdateTotalUsers(count int64) {
	m.TotalUsersGauge.Set(float64(count))
}

// UpdateTotalAgents updates the total agents gauge
func (m *Metrics) UpdateTotalAgents(count int64) {
	m.TotalAgentsGauge.Set(float64(count))
}

// UpdateActiveAgents updates the active agents gauge
func (m *Metrics) UpdateActiveAgents(count int64) {
	m.ActiveAgentsGauge.Set(float64(count))
}

// UpdateTotalDatasets updates the total datasets gauge
func (m *Metrics) UpdateTotalDatasets(count int64) {
	m.TotalDatasetsGauge.Set(float64(count))
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
