package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tool invocation outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

// Collector holds all Prometheus metrics for the server.
// Uses a custom registry, no global state.
type Collector struct {
	Registry *prometheus.Registry

	// Tool registry metrics.
	ToolInvocationsTotal *prometheus.CounterVec
	ToolDuration         *prometheus.HistogramVec

	// File API metrics.
	FileRequestsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered on a
// custom prometheus.Registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		ToolInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Total tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool invocation duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		FileRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Subsystem: "files",
			Name:      "requests_total",
			Help:      "Total read-file requests by HTTP status.",
		}, []string{"status"}),
	}

	reg.MustRegister(c.ToolInvocationsTotal, c.ToolDuration, c.FileRequestsTotal)

	return c
}
