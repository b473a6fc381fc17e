package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pagepilot",
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Number of currently open websocket connections",
		},
	)

	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "transport",
			Name:      "envelopes_received_total",
			Help:      "Total inbound envelopes by message type",
		},
		[]string{"type"},
	)

	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "transport",
			Name:      "envelopes_sent_total",
			Help:      "Total outbound envelopes by message type",
		},
		[]string{"type"},
	)

	EnvelopesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "transport",
			Name:      "envelopes_rejected_total",
			Help:      "Envelopes dropped for protocol violations",
		},
		[]string{"reason"},
	)

	// Tool call metrics
	ToolCallsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "broker",
			Name:      "tool_calls_issued_total",
			Help:      "Tool calls dispatched to the actuator",
		},
		[]string{"tool"},
	)

	ToolCallsSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "broker",
			Name:      "tool_calls_settled_total",
			Help:      "Tool call settlements by outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pagepilot",
			Subsystem: "broker",
			Name:      "tool_call_duration_seconds",
			Help:      "Wall-clock time from dispatch to settlement",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool"},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Human approval decisions by outcome",
		},
		[]string{"tool", "decision"},
	)

	// Resolution metrics
	ResolutionCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pagepilot",
			Subsystem: "resolve",
			Name:      "candidates_returned",
			Help:      "Candidate count returned per resolution call",
			Buckets:   prometheus.LinearBuckets(0, 1, 9), // 0 through 8
		},
	)

	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Driver turns started",
		},
	)

	RunsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pagepilot",
			Subsystem: "run",
			Name:      "cancelled_total",
			Help:      "Driver turns cancelled before completion",
		},
	)
)
