// Package metrics defines the Prometheus collectors shared by the MCP
// process engine, the model provider registry and the agent loop. A nil
// *Recorder is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tether"

// Recorder owns the collectors and exposes typed recording helpers.
type Recorder struct {
	mcpRequests   *prometheus.CounterVec
	mcpDuration   *prometheus.HistogramVec
	mcpStarts     *prometheus.CounterVec
	mcpResets     *prometheus.CounterVec
	mcpRunning    *prometheus.GaugeVec
	agentRuns     *prometheus.CounterVec
	agentTools    *prometheus.CounterVec
	agentDuration prometheus.Histogram
	llmRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		mcpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "requests_total",
			Help:      "JSON-RPC requests sent to MCP servers by outcome.",
		}, []string{"server", "method", "outcome"}),
		mcpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "request_duration_seconds",
			Help:      "Round-trip latency of JSON-RPC requests to MCP servers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "method"}),
		mcpStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "process_starts_total",
			Help:      "MCP server processes that completed the handshake.",
		}, []string{"server"}),
		mcpResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "process_resets_total",
			Help:      "MCP server process teardowns.",
		}, []string{"server"}),
		mcpRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mcp",
			Name:      "process_running",
			Help:      "Whether the MCP server process is running (1) or stopped (0).",
		}, []string{"server"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by outcome.",
		}, []string{"outcome"}),
		agentTools: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool executions requested by the agent.",
		}, []string{"tool", "success"}),
		agentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of agent runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Model provider chat requests by outcome.",
		}, []string{"provider", "outcome"}),
	}

	reg.MustRegister(
		r.mcpRequests, r.mcpDuration, r.mcpStarts, r.mcpResets, r.mcpRunning,
		r.agentRuns, r.agentTools, r.agentDuration, r.llmRequests,
	)
	return r
}

// MCPRequest records one JSON-RPC round trip.
func (r *Recorder) MCPRequest(server, method, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.mcpRequests.WithLabelValues(server, method, outcome).Inc()
	r.mcpDuration.WithLabelValues(server, method).Observe(elapsed.Seconds())
}

// MCPStarted records a completed handshake.
func (r *Recorder) MCPStarted(server string) {
	if r == nil {
		return
	}
	r.mcpStarts.WithLabelValues(server).Inc()
	r.mcpRunning.WithLabelValues(server).Set(1)
}

// MCPReset records a process teardown.
func (r *Recorder) MCPReset(server string) {
	if r == nil {
		return
	}
	r.mcpResets.WithLabelValues(server).Inc()
	r.mcpRunning.WithLabelValues(server).Set(0)
}

// AgentRun records a finished agent run.
func (r *Recorder) AgentRun(outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.agentRuns.WithLabelValues(outcome).Inc()
	r.agentDuration.Observe(elapsed.Seconds())
}

// ToolCall records one tool execution.
func (r *Recorder) ToolCall(tool string, success bool) {
	if r == nil {
		return
	}
	r.agentTools.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// LLMRequest records one model provider call.
func (r *Recorder) LLMRequest(provider, outcome string) {
	if r == nil {
		return
	}
	r.llmRequests.WithLabelValues(provider, outcome).Inc()
}
