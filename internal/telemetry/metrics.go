package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tunnelowl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var TunnelsConnected = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "tunnelowl",
		Subsystem: "tunnels",
		Name:      "connected",
		Help:      "Number of agent WebSocket sessions currently held by this pod.",
	},
)

var TunnelRegistrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tunnelowl",
		Subsystem: "tunnels",
		Name:      "registrations_total",
		Help:      "Total tunnel registration attempts by outcome.",
	},
	[]string{"outcome"},
)

var RequestsForwardedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tunnelowl",
		Subsystem: "forwarder",
		Name:      "requests_total",
		Help:      "Total requests forwarded through tunnels by outcome.",
	},
	[]string{"outcome"},
)

var ForwardDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tunnelowl",
		Subsystem: "forwarder",
		Name:      "duration_seconds",
		Help:      "Time from tunnel send to correlated agent response.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
)

var SlugLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tunnelowl",
		Subsystem: "forwarder",
		Name:      "slug_lookups_total",
		Help:      "Slug resolutions by source: cache, control_plane, error.",
	},
	[]string{"source"},
)

var WSFramesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tunnelowl",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Inbound WebSocket frames by type.",
	},
	[]string{"type"},
)

var HeartbeatTimeoutsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tunnelowl",
		Subsystem: "ws",
		Name:      "heartbeat_timeouts_total",
		Help:      "Sessions closed because the agent missed its pong deadline.",
	},
)

// All returns all tunnelowl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		TunnelsConnected,
		TunnelRegistrationsTotal,
		RequestsForwardedTotal,
		ForwardDuration,
		SlugLookupsTotal,
		WSFramesTotal,
		HeartbeatTimeoutsTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
