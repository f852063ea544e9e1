// Package metrics exposes prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ChatRequestsTotal counts chat requests by agent and outcome.
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_chat_requests_total",
			Help: "Total number of chat requests",
		},
		[]string{"agent_id", "outcome"},
	)

	// ActiveStreams tracks currently open SSE streams.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentgate_active_streams",
			Help: "Number of SSE streams currently open",
		},
	)

	// AgentEventsTotal counts parsed agent events by normalized type.
	AgentEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentgate_agent_events_total",
			Help: "Total number of agent events parsed, by normalized type",
		},
		[]string{"type"},
	)

	// CommitFailuresTotal counts failed background commits.
	CommitFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentgate_commit_failures_total",
			Help: "Total number of failed post-stream commits",
		},
	)

	// StreamDuration tracks how long chat streams run.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentgate_stream_duration_seconds",
			Help:    "Chat stream duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"agent_id"},
	)
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
