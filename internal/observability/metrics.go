package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Flowgate.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Response cache metrics.
	CacheLookupsTotal   *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec

	// Provider routing metrics.
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	TokensUsedTotal         *prometheus.CounterVec
	RequestCostTotal        *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
	ActiveSandboxes          prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total response cache lookups.",
		}, []string{"tenant_id", "result"}),

		CacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total response cache evictions.",
		}, []string{"reason"}),

		ProviderRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total AI provider requests.",
		}, []string{"provider", "status"}),

		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "AI provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		TokensUsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "provider",
			Name:      "tokens_used_total",
			Help:      "Total provider tokens consumed.",
		}, []string{"provider", "direction"}),

		RequestCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "provider",
			Name:      "cost_usd_total",
			Help:      "Estimated request cost in USD.",
		}, []string{"tenant_id"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox test executions.",
		}, []string{"status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox test execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"status"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of currently registered sandboxes.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowgate",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowgate",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowgate",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.CacheLookupsTotal,
		m.CacheEvictionsTotal,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.TokensUsedTotal,
		m.RequestCostTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.ActiveSandboxes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordCacheLookup satisfies the cache package's telemetry interface.
func (m *MetricsCollector) RecordCacheLookup(tenantID string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(tenantID, result).Inc()
}

// RecordCacheEviction satisfies the cache package's telemetry interface.
func (m *MetricsCollector) RecordCacheEviction(reason string) {
	m.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordProviderCall satisfies the router package's telemetry interface.
func (m *MetricsCollector) RecordProviderCall(provider, status string, seconds float64) {
	m.ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordSandboxExecution satisfies the sandbox package's telemetry interface.
func (m *MetricsCollector) RecordSandboxExecution(status string, seconds float64) {
	m.SandboxExecutionsTotal.WithLabelValues(status).Inc()
	m.SandboxExecutionDuration.WithLabelValues(status).Observe(seconds)
}

// SetActiveSandboxes satisfies the sandbox package's telemetry interface.
func (m *MetricsCollector) SetActiveSandboxes(n int) {
	m.ActiveSandboxes.Set(float64(n))
}
