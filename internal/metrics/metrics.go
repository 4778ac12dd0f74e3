// Package metrics exposes Fetch's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// MessagesTotal counts routed messages by outcome
	// (reflex|command|agent|approval|deduped|rate_limited|unauthorized|error).
	MessagesTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_messages_total",
		Help: "Messages handled by the router, by outcome.",
	}, []string{"outcome"})

	// LMCallsTotal counts language-model calls by result status
	// (ok|retryable|bad_request|auth|circuit_open|error).
	LMCallsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_lm_calls_total",
		Help: "Language model calls, by status.",
	}, []string{"status"})

	// LMLatency observes language-model round-trip seconds.
	LMLatency = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "fetch_lm_latency_seconds",
		Help:    "Language model call latency.",
		Buckets: prometheus.DefBuckets,
	})

	// ToolCallsTotal counts tool executions by tool name and success.
	ToolCallsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_tool_calls_total",
		Help: "Tool registry executions.",
	}, []string{"tool", "success"})

	// TasksTotal counts task terminal states.
	TasksTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_tasks_total",
		Help: "Tasks reaching a terminal status.",
	}, []string{"status"})

	// ReflexHitsTotal counts reflex matches by reflex name.
	ReflexHitsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_reflex_hits_total",
		Help: "Reflex registry matches.",
	}, []string{"name"})

	// CircuitOpen is 1 while the LM circuit breaker is open.
	CircuitOpen = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "fetch_circuit_open",
		Help: "Whether the LM circuit breaker is open.",
	})

	// CurrentMode tracks the orchestrator mode as an enum gauge.
	CurrentMode = promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "fetch_mode",
		Help: "Current orchestrator mode (exactly one series is 1).",
	}, []string{"mode"})
)

// SetMode flips the mode enum gauge so exactly one label reads 1.
func SetMode(mode string) {
	for _, m := range []string{"LISTENING", "WORKING", "WAITING", "GUARDING", "RESTING"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		CurrentMode.WithLabelValues(m).Set(v)
	}
}

// Handler returns the /metrics HTTP handler for the Fetch registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
