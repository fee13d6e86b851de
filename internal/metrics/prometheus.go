package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// Collectors holds the process-level operational telemetry served on
// /metrics. The sqlite store remains the dashboard's source of truth; these
// are for alerting and capacity only.
type Collectors struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	SandboxInstances prometheus.Gauge
}

// NewCollectors builds and registers the gateway's collectors on a private
// registry alongside the standard Go and process collectors.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Chat requests by provider and terminal status.",
		}, []string{"provider", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end chat request duration.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"provider"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Dispatched tool calls by tool name and outcome.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_tool_call_duration_seconds",
			Help:    "Tool call execution duration.",
			Buckets: []float64{0.05, 0.25, 1, 2.5, 10, 30, 60, 120, 300},
		}, []string{"tool"}),
		SandboxInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sandbox_instances",
			Help: "Sandbox containers currently alive.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.toolCalls,
		c.toolDuration,
		c.SandboxInstances,
	)
	return c
}

// Handler serves the registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one finished chat request.
func (c *Collectors) ObserveRequest(provider, status string, d time.Duration) {
	c.requests.WithLabelValues(provider, status).Inc()
	c.requestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveToolCall counts one dispatched tool call.
func (c *Collectors) ObserveToolCall(rec engine.ToolCallRecord) {
	c.toolCalls.WithLabelValues(rec.Name, rec.Status).Inc()
	c.toolDuration.WithLabelValues(rec.Name).Observe(rec.Duration.Seconds())
}
