// Package metric defines the Prometheus instrumentation for the bridge:
// request traffic on the RPC channel, sandbox lifecycle events, and retry
// activity. The embedding cache registers its own counters (see the cache
// package).
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// BridgeMetrics aggregates the collectors for one bridge instance. A nil
// *BridgeMetrics is valid and records nothing, so instrumentation is never
// a hard dependency.
type BridgeMetrics struct {
	rpcRequests        *prometheus.CounterVec
	rpcFailures        *prometheus.CounterVec
	rpcTimeouts        prometheus.Counter
	unmatchedResponses prometheus.Counter
	inflight           prometheus.Gauge
	sandboxCreations   prometheus.Counter
	retryAttempts      prometheus.Counter
}

// NewBridgeMetrics creates and registers the bridge collectors on reg.
func NewBridgeMetrics(reg prometheus.Registerer) (*BridgeMetrics, error) {
	m := &BridgeMetrics{
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbridge_rpc_requests_total",
			Help: "RPC requests sent to the sandbox, by request type.",
		}, []string{"type"}),
		rpcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "embedbridge_rpc_failures_total",
			Help: "RPC requests that surfaced an error, by error class.",
		}, []string{"class"}),
		rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedbridge_rpc_timeouts_total",
			Help: "RPC requests abandoned because no response arrived in time.",
		}),
		unmatchedResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedbridge_rpc_unmatched_responses_total",
			Help: "Responses discarded because no pending request matched their id.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "embedbridge_rpc_inflight",
			Help: "RPC requests currently awaiting a response.",
		}),
		sandboxCreations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedbridge_sandbox_creations_total",
			Help: "Sandbox creation sequences run, including forced reinitializations.",
		}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "embedbridge_retry_attempts_total",
			Help: "Transport-failure retries issued by the RPC channel.",
		}),
	}

	collectors := []prometheus.Collector{
		m.rpcRequests, m.rpcFailures, m.rpcTimeouts,
		m.unmatchedResponses, m.inflight, m.sandboxCreations, m.retryAttempts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RequestSent records an outbound RPC request.
func (m *BridgeMetrics) RequestSent(requestType string) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(requestType).Inc()
	m.inflight.Inc()
}

// RequestDone records settlement of an outbound request.
func (m *BridgeMetrics) RequestDone() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// RequestFailed records a surfaced error by class.
func (m *BridgeMetrics) RequestFailed(class string) {
	if m == nil {
		return
	}
	m.rpcFailures.WithLabelValues(class).Inc()
}

// Timeout records an abandoned request.
func (m *BridgeMetrics) Timeout() {
	if m == nil {
		return
	}
	m.rpcTimeouts.Inc()
}

// UnmatchedResponse records a discarded response with no pending request.
func (m *BridgeMetrics) UnmatchedResponse() {
	if m == nil {
		return
	}
	m.unmatchedResponses.Inc()
}

// SandboxCreated records one sandbox creation sequence.
func (m *BridgeMetrics) SandboxCreated() {
	if m == nil {
		return
	}
	m.sandboxCreations.Inc()
}

// RetryAttempt records one transport-failure retry.
func (m *BridgeMetrics) RetryAttempt() {
	if m == nil {
		return
	}
	m.retryAttempts.Inc()
}
