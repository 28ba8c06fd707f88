// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	toolCalls         *prometheus.CounterVec
	upstreamLatency   *prometheus.HistogramVec
	tokenAcquisitions *prometheus.CounterVec
	activeSessions    prometheus.Gauge
}

// New registers the gateway collectors, plus the Go and process collectors,
// on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_gateway_tool_calls_total",
			Help: "Tool calls by tool and outcome",
		}, []string{"tool", "outcome"}),

		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_gateway_upstream_request_duration_seconds",
			Help:    "Latency of upstream REST calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		tokenAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_gateway_oauth_token_acquisitions_total",
			Help: "OAuth2 token acquisitions by scheme and result",
		}, []string{"scheme", "result"}),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_gateway_active_sessions",
			Help: "Sessions currently registered",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.toolCalls,
		m.upstreamLatency,
		m.tokenAcquisitions,
		m.activeSessions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) UpstreamRequest(method, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(method, status).Observe(dur.Seconds())
}

func (m *Metrics) TokenAcquisition(scheme, result string) {
	if m == nil {
		return
	}
	m.tokenAcquisitions.WithLabelValues(scheme, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
