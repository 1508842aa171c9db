// Package gate implements the Action Gate (C5): the synchronous
// policy-checked decision point every governed action passes through.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/grace-platform/core/internal/approval"
	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/internal/mesh"
	"github.com/grace-platform/core/internal/policy"
	"github.com/grace-platform/core/pkg/metrics"
)

// Effect mirrors policy.Effect for the decision returned to callers.
type Effect = policy.Effect

// Decision is an ActionDecision (spec.md §3).
type Decision struct {
	ProposalID      string    `json:"proposal_id"`
	Effect          Effect    `json:"effect"`
	Reason          string    `json:"reason"`
	MatchedPolicies []string  `json:"matched_policy_ids"`
	ApprovalID      string    `json:"approval_id,omitempty"`
	DecidedAt       time.Time `json:"decided_at"`
}

// DefaultDedupWindow is how long a repeated (actor, action_kind, resource,
// correlation_id) proposal returns the prior decision instead of
// re-evaluating (spec.md §4.5 Idempotency).
const DefaultDedupWindow = 5 * time.Minute

// Options configures a Gate.
type Options struct {
	DedupWindow time.Duration
}

type dedupEntry struct {
	decision Decision
	at       time.Time
}

// Gate is the process-wide Action Gate (C5). It is stateless between
// calls beyond the dedup cache; all durable coordination happens through
// the log, the policy store, and the approval queue (spec.md §5).
type Gate struct {
	log        *ledger.Log
	policies   *policy.Store
	approvals  *approval.Queue
	mesh       *mesh.Mesh
	clock      clockid.Clock
	dedupWindow time.Duration

	mu    sync.Mutex
	dedup map[string]dedupEntry
}

// New constructs a Gate wired to the log, policy store, approval queue,
// and mesh it coordinates through.
func New(log *ledger.Log, policies *policy.Store, approvals *approval.Queue, m *mesh.Mesh, clock clockid.Clock, opts Options) *Gate {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	window := opts.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Gate{
		log:         log,
		policies:    policies,
		approvals:   approvals,
		mesh:        m,
		clock:       clock,
		dedupWindow: window,
		dedup:       make(map[string]dedupEntry),
	}
}

// dedupKey identifies a proposal for idempotency purposes.
func dedupKey(actor, actionKind, resource, correlationID string) string {
	return actor + "\x00" + actionKind + "\x00" + resource + "\x00" + correlationID
}

// Propose evaluates a proposed action against the active policy set and
// returns its decision, following the six-step algorithm of spec.md §4.5.
func (g *Gate) Propose(ctx context.Context, actor, actionKind, resource string, payload []byte, correlationID string) (*Decision, error) {
	start := clockid.Now()

	if correlationID != "" {
		key := dedupKey(actor, actionKind, resource, correlationID)
		g.mu.Lock()
		if entry, ok := g.dedup[key]; ok && g.clock.Now().Sub(entry.at) < g.dedupWindow {
			g.mu.Unlock()
			cp := entry.decision
			return &cp, nil
		}
		g.mu.Unlock()
	}

	payload = core.CanonicalizeJSON(payload)

	// Step 1: assign a proposal ID and append action.proposed.
	proposalID := clockid.NewID(g.clock).String()
	proposedPayload, err := json.Marshal(map[string]interface{}{
		"proposal_id": proposalID, "payload": json.RawMessage(nonEmptyJSON(payload)), "correlation_id": correlationID,
	})
	if err != nil {
		return nil, core.Internal("gate: marshal action.proposed", err)
	}
	if _, err := g.log.Append(ctx, ledger.KindActionProposed, actor, resource, proposedPayload); err != nil {
		return nil, err
	}

	// Reserved-topic enforcement lives here, not in the mesh (SPEC_FULL.md
	// §F): publishing to mesh.*/core.* is only permitted when a policy
	// explicitly grants the actor (never an implicit default-allow).
	reserved := actionKind == "mesh.publish" && mesh.IsReservedTopic(resource)

	// Step 2/3: look up and evaluate policies in specificity order.
	candidates := g.policies.Lookup(actionKind, actor, resource)
	var matched *policy.Policy
	var matchedIDs []string
	for _, p := range candidates {
		ok, err := policy.Evaluate(p.Condition, payload)
		if err != nil {
			return nil, core.Internal("gate: evaluate condition", err)
		}
		if ok {
			matchedIDs = append(matchedIDs, p.ID)
			if matched == nil {
				matched = p
			}
		}
	}

	effect := policy.EffectBlock
	reason := "default-deny: no policy matched"
	if matched != nil {
		effect = matched.Effect
		reason = fmt.Sprintf("matched policy %s v%d", matched.ID, matched.Version)
	}
	if reserved && (matched == nil || matched.Effect != policy.EffectAllow) {
		effect = policy.EffectBlock
		reason = "reserved topic requires an explicit allow policy"
	}

	decision := &Decision{ProposalID: proposalID, Effect: effect, Reason: reason, MatchedPolicies: matchedIDs, DecidedAt: g.clock.Now()}

	switch effect {
	case policy.EffectAllow:
		if err := g.appendDecided(ctx, decision, resource); err != nil {
			return nil, err
		}
	case policy.EffectBlock:
		if err := g.appendDecided(ctx, decision, resource); err != nil {
			return nil, err
		}
		g.publishGovernance(ctx, "governance.blocked", decision)
	case policy.EffectReview:
		ttl := DefaultApprovalTTL(matched)
		approvers := DefaultReviewApprovers
		if matched != nil {
			approvers = matched.RequiresApprovers
		}
		req, err := g.approvals.Create(ctx, proposalID, approvers, ttl)
		if err != nil {
			return nil, err
		}
		decision.ApprovalID = req.ID
		if err := g.appendDecided(ctx, decision, resource); err != nil {
			return nil, err
		}
		g.publishGovernance(ctx, "governance.review_requested", decision)
	}

	metrics.RecordGateDecision(string(effect), clockid.Now().Sub(start))

	if correlationID != "" {
		key := dedupKey(actor, actionKind, resource, correlationID)
		g.mu.Lock()
		g.dedup[key] = dedupEntry{decision: *decision, at: g.clock.Now()}
		g.mu.Unlock()
	}

	return decision, nil
}

// DefaultReviewApprovers is used when no matched policy set RequiresApprovers.
const DefaultReviewApprovers = 1

// DefaultApprovalTTL returns p's TTL, or policy.DefaultApprovalTTL if p is nil.
func DefaultApprovalTTL(p *policy.Policy) time.Duration {
	if p == nil || p.TTL <= 0 {
		return policy.DefaultApprovalTTL
	}
	return p.TTL
}

func (g *Gate) appendDecided(ctx context.Context, d *Decision, resource string) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return core.Internal("gate: marshal action.decided", err)
	}
	_, err = g.log.Append(ctx, ledger.KindActionDecided, "gate", resource, payload)
	return err
}

func (g *Gate) publishGovernance(ctx context.Context, topic string, d *Decision) {
	payload, err := json.Marshal(d)
	if err != nil {
		return
	}
	_, _ = g.mesh.Publish(ctx, "gate", topic, payload)
}

// RecordExecution is called by a caller that received an allow decision
// after it actually performs the side effect, recording the outcome
// (spec.md §4.5 Execution).
func (g *Gate) RecordExecution(ctx context.Context, proposalID, resource string, succeeded bool, detail string) error {
	kind := ledger.KindActionExecuted
	topic := "governance.executed"
	if !succeeded {
		kind = ledger.KindActionFailed
		topic = "governance.failed"
	}

	payload, err := json.Marshal(map[string]interface{}{"proposal_id": proposalID, "detail": detail})
	if err != nil {
		return core.Internal("gate: marshal execution record", err)
	}
	if _, err := g.log.Append(ctx, kind, "caller", resource, payload); err != nil {
		return err
	}
	_, _ = g.mesh.Publish(ctx, "gate", topic, payload)
	return nil
}

// AwaitApproval blocks until the review decision for proposalID resolves.
func (g *Gate) AwaitApproval(ctx context.Context, proposalID string, timeout time.Duration) (approval.Outcome, error) {
	return g.approvals.AwaitApproval(ctx, proposalID, timeout)
}

func nonEmptyJSON(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	return payload
}
