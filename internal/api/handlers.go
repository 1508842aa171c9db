package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/grace-platform/core/infrastructure/hex"
	"github.com/grace-platform/core/infrastructure/httputil"
	"github.com/grace-platform/core/internal/approval"
	"github.com/grace-platform/core/internal/benchmark"
	"github.com/grace-platform/core/internal/mesh"
)

const actorHeader = "X-Grace-Actor"

// requestIDHeader carries an optional client-generated idempotency token
// for POST /v1/actions. It guards the HTTP boundary itself — a naive
// retried or duplicated call never reaches the gate — and is a distinct
// concern from the gate's own (actor, action_kind, resource,
// correlation_id) decision dedup, which exists to make the *domain*
// outcome of a proposal idempotent regardless of how it was submitted.
const requestIDHeader = "X-Grace-Request-Id"

func actorFromRequest(r *http.Request) string {
	if a := r.Header.Get(actorHeader); a != "" {
		return a
	}
	return "anonymous"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"host":   CollectHostStats(s.dataDir),
	})
}

// handleReadiness serves GET /v1/readiness (spec.md §6): the single
// observable "is the system elevation-ready" surface.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	overall := s.aggregator.Compute()
	status := s.engine.Status()

	benchmarks := make(map[string]BenchmarkStatus, len(status))
	for name, st := range status {
		benchmarks[string(name)] = BenchmarkStatus{
			Sustained:  st.Sustained,
			Average:    st.Average,
			Threshold:  benchmark.Threshold,
			WindowDays: benchmark.RingSize / 24,
			Samples:    st.Samples,
		}
	}

	domains := make(map[string]DomainSnapshotResponse, len(overall.Domains))
	for d, snap := range overall.Domains {
		domains[d] = DomainSnapshotResponse{Health: snap.Health, Trust: snap.Trust, Confidence: snap.Confidence, KPIs: snap.KPIs}
	}

	resp := ReadinessResponse{
		Ready:             s.engine.Ready(),
		OverallHealth:     overall.Health,
		OverallTrust:      overall.Trust,
		OverallConfidence: overall.Confidence,
		Benchmarks:        benchmarks,
		Domains:           domains,
		Host:              CollectHostStats(s.dataDir),
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handlePropose serves POST /v1/actions (spec.md §4.5 Propose).
func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Actor == "" {
		req.Actor = actorFromRequest(r)
	}
	if req.ActionKind == "" || req.Resource == "" {
		httputil.BadRequest(w, "action_kind and resource are required")
		return
	}

	if requestID := r.Header.Get(requestIDHeader); requestID != "" {
		if !s.replay.ValidateAndMark(requestID) {
			httputil.Conflict(w, "duplicate request")
			return
		}
	}

	decision, err := s.gate.Propose(r.Context(), req.Actor, req.ActionKind, req.Resource, req.Payload, req.CorrelationID)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, DecisionResponse{
		ProposalID: decision.ProposalID,
		Effect:     string(decision.Effect),
		Reason:     decision.Reason,
		PolicyIDs:  decision.MatchedPolicies,
		ApprovalID: decision.ApprovalID,
	})
}

// handleRecordExecution serves POST /v1/actions/{proposal_id}/execution.
func (s *Server) handleRecordExecution(w http.ResponseWriter, r *http.Request) {
	proposalID := mux.Vars(r)["proposal_id"]
	var req ExecutionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.gate.RecordExecution(r.Context(), proposalID, req.Resource, req.Succeeded, req.Detail); err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleAwaitApproval serves POST /v1/actions/{proposal_id}/await: a
// bounded wait for a review decision (spec.md §4.5 AwaitApproval).
func (s *Server) handleAwaitApproval(w http.ResponseWriter, r *http.Request) {
	proposalID := mux.Vars(r)["proposal_id"]
	var req AwaitApprovalRequest
	_ = httputil.DecodeJSONOptional(w, r, &req)

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	outcome, err := s.gate.AwaitApproval(r.Context(), proposalID, timeout)
	if err != nil {
		httputil.ServiceUnavailable(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AwaitApprovalResponse{Outcome: string(outcome)})
}

// handleListApprovals serves GET /v1/approvals?state=pending.
func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	state := httputil.QueryString(r, "state", "")
	reqs := s.approvals.List(approval.Filter{State: approval.State(state)})

	out := make([]ApprovalResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toApprovalResponse(req))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleSubmitApproval serves POST /v1/approvals/{request_id}.
func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["request_id"]
	var req SubmitApprovalRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	approver := req.Approver
	if approver == "" {
		approver = actorFromRequest(r)
	}

	updated, err := s.approvals.Submit(r.Context(), requestID, approver, approval.Decision(req.Decision), req.Reason)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toApprovalResponse(updated))
}

func toApprovalResponse(r *approval.Request) ApprovalResponse {
	return ApprovalResponse{
		ID:                r.ID,
		ProposalID:        r.ProposalID,
		State:             string(r.State),
		RequiredApprovers: r.RequiredApprovers,
		ApproveCount:      r.ApproveCount(),
		CreatedAt:         r.CreatedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:         r.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

// handlePublish serves POST /v1/events (spec.md §4.3 Publish).
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Topic == "" {
		httputil.BadRequest(w, "topic is required")
		return
	}
	rec, err := s.mesh.Publish(r.Context(), actorFromRequest(r), req.Topic, req.Payload)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PublishResponse{Seq: rec.Seq, TS: rec.TS.UTC().Format(time.RFC3339Nano)})
}

// handleSubscribe upgrades to a WebSocket and streams matching events
// (spec.md §4.3 Subscribe) until the client disconnects.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	pattern := httputil.QueryString(r, "pattern", "*")
	queueCap := httputil.QueryInt(r, "queue_cap", 200)

	sub, err := s.mesh.Subscribe(pattern, mesh.SubscribeOptions{QueueCap: queueCap})
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	defer s.mesh.Unsubscribe(sub.ID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			wireEv := Event{Topic: ev.Topic, Seq: ev.Seq, TS: ev.TS.UTC().Format(time.RFC3339Nano), Payload: ev.Payload}
			if err := conn.WriteJSON(wireEv); err != nil {
				return
			}
		}
	}
}

// handleReplay serves GET /v1/events/replay?from=SEQ&pattern=P.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	from := uint64(httputil.QueryInt64(r, "from", 1))
	pattern := httputil.QueryString(r, "pattern", "*")

	it := s.mesh.Replay(from, pattern)
	var out []Event
	for {
		ev, ok, err := it.Next()
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		if !ok {
			break
		}
		out = append(out, Event{Topic: ev.Topic, Seq: ev.Seq, TS: ev.TS.UTC().Format(time.RFC3339Nano), Payload: ev.Payload})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

// handleRecordMetric serves POST /v1/metrics (spec.md §4.7 Record).
func (s *Server) handleRecordMetric(w http.ResponseWriter, r *http.Request) {
	var req MetricRecord
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if err := s.collector.Record(r.Context(), req.Domain, req.KPI, req.Value, req.Metadata); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleBatchMetrics serves POST /v1/metrics/batch (spec.md §4.7 Batch).
func (s *Server) handleBatchMetrics(w http.ResponseWriter, r *http.Request) {
	var req BatchMetricsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	errs := s.collector.Batch(r.Context(), req.Domain, req.Values)
	if len(errs) == 0 {
		httputil.WriteJSON(w, http.StatusOK, BatchMetricsResponse{})
		return
	}
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	httputil.WriteJSON(w, http.StatusMultiStatus, BatchMetricsResponse{Errors: out})
}

// handleSnapshot serves GET /v1/metrics/{domain} (spec.md §4.8 DomainValues).
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	snap := s.aggregator.DomainValues(domain)
	httputil.WriteJSON(w, http.StatusOK, DomainSnapshotResponse{
		Health:     snap.Health,
		Trust:      snap.Trust,
		Confidence: snap.Confidence,
		KPIs:       snap.KPIs,
	})
}

// handleVerify serves GET /v1/log/verify?from=SEQ&to=SEQ (spec.md §4.2
// Verify — read-only, never mutates the log).
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from := uint64(httputil.QueryInt64(r, "from", 1))
	to := uint64(httputil.QueryInt64(r, "to", int64(s.log.LastSeq())))

	ok, breachAt, err := s.log.Verify(from, to)
	if err != nil {
		httputil.InternalError(w, err.Error())
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	httputil.WriteJSON(w, status, VerifyResponse{OK: ok, BreachAt: breachAt})
}

// handleRange serves GET /v1/log/range?from=SEQ&to=SEQ (read-only).
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	from := uint64(httputil.QueryInt64(r, "from", 1))
	to := uint64(httputil.QueryInt64(r, "to", int64(s.log.LastSeq())))

	records, err := s.log.Range(from, to)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	out := make([]LogRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, LogRecord{
			Seq:      rec.Seq,
			TS:       rec.TS.UTC().Format(time.RFC3339Nano),
			Kind:     rec.Kind.String(),
			Actor:    rec.Actor,
			Resource: rec.Resource,
			Payload:  json.RawMessage(rec.Payload),
			Hash:     hex.EncodeWithPrefix(rec.Hash[:]),
		})
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}
