// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Rewrite outcomes recorded by HTMLRewrites.
const (
	RewriteOK       = "rewritten"
	RewriteFallback = "fallback"
	RewriteOversize = "oversize"
)

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	HTMLRewrites *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsEvicted prometheus.Counter

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// mountPrefix is used as a bounded path label for gateway traffic.
func New(mountPrefix string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "toolgate_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"tool", "method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_upstream_responses_total",
			Help: "Total upstream responses by tool, method and status code.",
		}, []string{"tool", "method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_upstream_errors_total",
			Help: "Upstream calls that produced no response, by tool and kind.",
		}, []string{"tool", "kind"}),

		HTMLRewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_html_rewrites_total",
			Help: "HTML documents processed by outcome.",
		}, []string{"outcome"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "toolgate_sessions_active",
			Help: "Tools with recent activity through the gateway.",
		}),

		SessionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "toolgate_sessions_evicted_total",
			Help: "Idle session entries removed by the sweeper.",
		}),

		knownPrefixes: []string{mountPrefix, "/healthz", "/gateway/status", "/metrics"},
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.HTMLRewrites,
		m.SessionsActive,
		m.SessionsEvicted,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.knownPrefixes {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
