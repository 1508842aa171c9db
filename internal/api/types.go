// Package api implements the Control API (C9): the HTTP/WebSocket surface
// external collaborators use to reach the Action Gate, Trigger Mesh, Metrics
// Collector, and the Immutable Log's read-only surface.
package api

import "encoding/json"

// ProposeRequest is the wire request for POST /v1/actions (spec.md §6).
type ProposeRequest struct {
	Actor         string          `json:"actor"`
	ActionKind    string          `json:"action_kind"`
	Resource      string          `json:"resource"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// DecisionResponse is the wire response for a Propose call.
type DecisionResponse struct {
	ProposalID string   `json:"proposal_id"`
	Effect     string   `json:"effect"`
	Reason     string   `json:"reason"`
	PolicyIDs  []string `json:"policy_ids"`
	ApprovalID string   `json:"approval_id,omitempty"`
}

// ExecutionRequest reports the outcome of a previously allowed action.
type ExecutionRequest struct {
	ProposalID string `json:"proposal_id"`
	Resource   string `json:"resource"`
	Succeeded  bool   `json:"succeeded"`
	Detail     string `json:"detail,omitempty"`
}

// AwaitApprovalRequest polls (with a bounded wait) for a review decision.
type AwaitApprovalRequest struct {
	ProposalID     string `json:"proposal_id"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// AwaitApprovalResponse carries the resolved outcome.
type AwaitApprovalResponse struct {
	Outcome string `json:"outcome"`
}

// SubmitApprovalRequest is the wire request for POST /v1/approvals/{id}.
type SubmitApprovalRequest struct {
	Approver string `json:"approver"`
	Decision string `json:"decision"` // "approve" | "reject"
	Reason   string `json:"reason,omitempty"`
}

// ApprovalResponse mirrors one approval.Request for the wire.
type ApprovalResponse struct {
	ID                string `json:"id"`
	ProposalID        string `json:"proposal_id"`
	State             string `json:"state"`
	RequiredApprovers int    `json:"required_approvers"`
	ApproveCount      int    `json:"approve_count"`
	CreatedAt         string `json:"created_at"`
	ExpiresAt         string `json:"expires_at"`
}

// PublishRequest is the wire request for POST /v1/events.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PublishResponse confirms a publish and its assigned sequence number.
type PublishResponse struct {
	Seq uint64 `json:"seq"`
	TS  string `json:"ts"`
}

// SubscribeRequest configures a streamed subscription (spec.md §6), read
// from the WebSocket upgrade request's query string.
type SubscribeRequest struct {
	Pattern            string `json:"pattern"`
	QueueCap           int    `json:"queue_cap,omitempty"`
	SlowConsumerPolicy string `json:"slow_consumer_policy,omitempty"`
}

// Event is one mesh event streamed to a subscriber.
type Event struct {
	Topic   string          `json:"topic"`
	Seq     uint64          `json:"seq"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MetricRecord is the wire request for POST /v1/metrics.
type MetricRecord struct {
	Domain   string                 `json:"domain"`
	KPI      string                 `json:"kpi"`
	Value    float64                `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// BatchMetricsRequest is the wire request for POST /v1/metrics/batch.
type BatchMetricsRequest struct {
	Domain string             `json:"domain"`
	Values map[string]float64 `json:"values"`
}

// BatchMetricsResponse reports failures from a batch ingest. Individual
// KPI failures don't block the rest of the batch (spec.md §4.7 Batch).
type BatchMetricsResponse struct {
	Errors []string `json:"errors,omitempty"`
}

// DomainSnapshotResponse mirrors benchmark.DomainSnapshot for the wire.
type DomainSnapshotResponse struct {
	Health     *float64           `json:"health"`
	Trust      *float64           `json:"trust"`
	Confidence *float64           `json:"confidence"`
	KPIs       map[string]float64 `json:"kpis"`
}

// BenchmarkStatus reports one top-level metric's sustained-threshold state.
type BenchmarkStatus struct {
	Sustained  bool    `json:"sustained"`
	Average    float64 `json:"average"`
	Threshold  float64 `json:"threshold"`
	WindowDays int     `json:"window_days"`
	Samples    int     `json:"samples"`
}

// ReadinessResponse is the wire response for GET /v1/readiness (spec.md §6).
type ReadinessResponse struct {
	Ready             bool                              `json:"ready"`
	OverallHealth     *float64                          `json:"overall_health"`
	OverallTrust      *float64                          `json:"overall_trust"`
	OverallConfidence *float64                          `json:"overall_confidence"`
	Benchmarks        map[string]BenchmarkStatus        `json:"benchmarks"`
	Domains           map[string]DomainSnapshotResponse `json:"domains"`
	Host              HostStats                         `json:"host"`
}

// LogRecord mirrors one ledger.Record for the read-only log surface.
type LogRecord struct {
	Seq      uint64          `json:"seq"`
	TS       string          `json:"ts"`
	Kind     string          `json:"kind"`
	Actor    string          `json:"actor"`
	Resource string          `json:"resource"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Hash     string          `json:"hash"`
}

// VerifyResponse is the wire response for GET /v1/log/verify.
type VerifyResponse struct {
	OK       bool   `json:"ok"`
	BreachAt uint64 `json:"breach_at,omitempty"`
}
