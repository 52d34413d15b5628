package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Lifecycle metrics
	TransitionsTotal   *prometheus.CounterVec
	TransitionDuration *prometheus.HistogramVec
	PluginsByState     *prometheus.GaugeVec

	// Sandbox metrics
	CallsTotal              *prometheus.CounterVec
	CallDuration            *prometheus.HistogramVec
	SecurityViolationsTotal *prometheus.CounterVec

	// Validation metrics
	ValidationsTotal *prometheus.CounterVec

	// Discovery metrics
	DiscoveryCandidates  prometheus.Gauge
	DiscoveryDuration    prometheus.Histogram
	DiscoveryErrorsTotal prometheus.Counter

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Marketplace metrics
	MarketplaceRequestsTotal   *prometheus.CounterVec
	MarketplaceRequestDuration *prometheus.HistogramVec

	// Hook metrics
	HookDeliveriesTotal *prometheus.CounterVec
	HookDuration        *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_plugin_transitions_total",
				Help: "Total number of plugin lifecycle transitions",
			},
			[]string{"from", "to", "status"},
		),
		TransitionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_plugin_transition_duration_seconds",
				Help:    "Plugin lifecycle transition duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"to"},
		),
		PluginsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hangar_plugins",
				Help: "Number of registered plugins by lifecycle state",
			},
			[]string{"state"},
		),

		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_plugin_calls_total",
				Help: "Total number of sandboxed plugin calls",
			},
			[]string{"plugin", "method", "status"},
		),
		CallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_plugin_call_duration_seconds",
				Help:    "Sandboxed plugin call duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"method"},
		),
		SecurityViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_sandbox_violations_total",
				Help: "Total number of denied sandbox operations",
			},
			[]string{"plugin", "operation"},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_validations_total",
				Help: "Total number of plugin package validations",
			},
			[]string{"result"},
		),

		DiscoveryCandidates: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hangar_discovery_candidates",
				Help: "Number of candidates found by the last discovery run",
			},
		),
		DiscoveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hangar_discovery_duration_seconds",
				Help:    "Discovery run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		DiscoveryErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hangar_discovery_errors_total",
				Help: "Total number of unreadable discovery entries",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		MarketplaceRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_marketplace_requests_total",
				Help: "Total number of marketplace repository requests",
			},
			[]string{"repository", "operation", "status"},
		),
		MarketplaceRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_marketplace_request_duration_seconds",
				Help:    "Marketplace repository request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"repository", "operation"},
		),

		HookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hangar_hook_deliveries_total",
				Help: "Total number of hook handler invocations",
			},
			[]string{"event", "status"},
		),
		HookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hangar_hook_duration_seconds",
				Help:    "Hook handler duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"event"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.TransitionsTotal,
		m.TransitionDuration,
		m.PluginsByState,
		m.CallsTotal,
		m.CallDuration,
		m.SecurityViolationsTotal,
		m.ValidationsTotal,
		m.DiscoveryCandidates,
		m.DiscoveryDuration,
		m.DiscoveryErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.MarketplaceRequestsTotal,
		m.MarketplaceRequestDuration,
		m.HookDeliveriesTotal,
		m.HookDuration,
	)

	return m
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}

// RecordTransition records one lifecycle transition
func (m *Metrics) RecordTransition(from, to string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, status(failed)).Inc()
	m.TransitionDuration.WithLabelValues(to).Observe(d.Seconds())
}

// SetStateCounts replaces the per-state plugin gauge
func (m *Metrics) SetStateCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.PluginsByState.Reset()
	for state, n := range counts {
		m.PluginsByState.WithLabelValues(state).Set(float64(n))
	}
}

// RecordCall records one sandboxed call
func (m *Metrics) RecordCall(plugin, method string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(plugin, method, status(failed)).Inc()
	m.CallDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordViolation records a denied sandbox operation
func (m *Metrics) RecordViolation(plugin, operation string) {
	if m == nil {
		return
	}
	m.SecurityViolationsTotal.WithLabelValues(plugin, operation).Inc()
}

// RecordValidation records a validation result: passed, warned or blocked
func (m *Metrics) RecordValidation(result string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(result).Inc()
}

// RecordDiscovery records a discovery run
func (m *Metrics) RecordDiscovery(candidates, errors int, d time.Duration) {
	if m == nil {
		return
	}
	m.DiscoveryCandidates.Set(float64(candidates))
	m.DiscoveryDuration.Observe(d.Seconds())
	m.DiscoveryErrorsTotal.Add(float64(errors))
}

// RecordCache records a cache lookup
func (m *Metrics) RecordCache(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordMarketplace records one repository request
func (m *Metrics) RecordMarketplace(repository, operation string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.MarketplaceRequestsTotal.WithLabelValues(repository, operation, status(failed)).Inc()
	m.MarketplaceRequestDuration.WithLabelValues(repository, operation).Observe(d.Seconds())
}

// RecordHook records one hook handler invocation
func (m *Metrics) RecordHook(event string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.HookDeliveriesTotal.WithLabelValues(event, status(failed)).Inc()
	m.HookDuration.WithLabelValues(event).Observe(d.Seconds())
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
