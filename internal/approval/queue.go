package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/pkg/metrics"
)

// Outcome is the effect a resolved approval request settles to, handed
// back to an AwaitApproval caller and, downstream, to the gate.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeBlock Outcome = "block"
)

// sweepInterval is how often the expiry sweep checks for requests whose
// expires_at has passed while still pending.
const sweepInterval = "@every 1m"

// Queue is the process-wide Approval Queue (C6).
type Queue struct {
	log   *ledger.Log
	clock clockid.Clock

	mu      sync.Mutex
	byID    map[string]*Request
	waiters map[string][]chan Outcome // keyed by proposal_id

	cron    *cron.Cron
	cronMu  sync.Mutex
	running bool
}

// New constructs a Queue backed by log, replaying prior approval.requested
// / approval.resolved records to rebuild state (spec.md §4.6 Durability).
func New(log *ledger.Log, clock clockid.Clock) (*Queue, error) {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	q := &Queue{
		log:     log,
		clock:   clock,
		byID:    make(map[string]*Request),
		waiters: make(map[string][]chan Outcome),
	}
	if err := q.replay(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) replay() error {
	it := q.log.StreamFrom(1)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("approval: replay log: %w", err)
		}
		if !ok {
			break
		}
		switch rec.Kind {
		case ledger.KindApprovalRequested:
			req, derr := unmarshalRequest(rec.Payload)
			if derr != nil {
				return fmt.Errorf("approval: decode approval.requested at seq %d: %w", rec.Seq, derr)
			}
			q.byID[req.ID] = &req
		case ledger.KindApprovalResolved:
			req, derr := unmarshalRequest(rec.Payload)
			if derr != nil {
				return fmt.Errorf("approval: decode approval.resolved at seq %d: %w", rec.Seq, derr)
			}
			q.byID[req.ID] = &req
		}
	}
	return nil
}

// Create starts a new pending approval request (called by the gate after
// a review-effect decision).
func (q *Queue) Create(ctx context.Context, proposalID string, requiredApprovers int, ttl time.Duration) (*Request, error) {
	if requiredApprovers <= 0 {
		requiredApprovers = 1
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := q.clock.Now()
	req := Request{
		ID:                clockid.NewID(q.clock).String(),
		ProposalID:        proposalID,
		RequiredApprovers: requiredApprovers,
		State:             StatePending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
	}

	payload, err := marshalRequest(req)
	if err != nil {
		return nil, core.Internal("approval: marshal request", err)
	}
	if _, err := q.log.Append(ctx, ledger.KindApprovalRequested, "gate", proposalID, payload); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.byID[req.ID] = &req
	depth := len(q.pendingLocked())
	q.mu.Unlock()

	metrics.SetApprovalQueueDepth(depth)
	return &req, nil
}

func (q *Queue) pendingLocked() []*Request {
	var out []*Request
	for _, r := range q.byID {
		if r.State == StatePending {
			out = append(out, r)
		}
	}
	return out
}

// Filter selects requests by state; a zero State matches all.
type Filter struct {
	State State
}

// List returns requests matching filter.
func (q *Queue) List(filter Filter) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Request
	for _, r := range q.byID {
		if filter.State != "" && r.State != filter.State {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out
}

// Get returns the request with the given ID.
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Submit records one approver's decision (spec.md §4.6 state machine):
// pending -> approved once approve count reaches required_approvers with
// no reject present; pending -> rejected on the first reject (final); a
// submission against an already-terminal request is a no-op.
func (q *Queue) Submit(ctx context.Context, requestID, approver string, decision Decision, reason string) (*Request, error) {
	q.mu.Lock()
	req, ok := q.byID[requestID]
	if !ok {
		q.mu.Unlock()
		return nil, core.NotFound("approval_request", requestID)
	}
	if req.State.IsTerminal() {
		cp := *req
		q.mu.Unlock()
		return &cp, nil
	}

	next := *req
	next.Approvals = append(append([]Approval{}, req.Approvals...), Approval{
		Approver: approver, Decision: decision, Reason: reason, At: q.clock.Now(),
	})

	switch {
	case decision == DecisionReject:
		next.State = StateRejected
	case next.ApproveCount() >= next.RequiredApprovers:
		next.State = StateApproved
	}
	q.mu.Unlock()

	if next.State == req.State {
		// Still pending: persist nothing beyond the vote count held in
		// memory until resolution, matching the teacher's pattern of only
		// emitting a durable event on a meaningful state transition.
		q.mu.Lock()
		q.byID[requestID] = &next
		q.mu.Unlock()
		return &next, nil
	}

	return q.resolve(ctx, &next)
}

// expireIfDue transitions a pending request whose TTL has elapsed to
// expired (spec.md §4.6 pending -> expired).
func (q *Queue) expireIfDue(ctx context.Context, req *Request) (*Request, bool, error) {
	if req.State != StatePending || !q.clock.Now().After(req.ExpiresAt) {
		return req, false, nil
	}
	next := *req
	next.State = StateExpired
	resolved, err := q.resolve(ctx, &next)
	return resolved, true, err
}

func (q *Queue) resolve(ctx context.Context, req *Request) (*Request, error) {
	payload, err := marshalRequest(*req)
	if err != nil {
		return nil, core.Internal("approval: marshal request", err)
	}
	if _, err := q.log.Append(ctx, ledger.KindApprovalResolved, "approval_queue", req.ProposalID, payload); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.byID[req.ID] = req
	waiters := q.waiters[req.ProposalID]
	delete(q.waiters, req.ProposalID)
	depth := len(q.pendingLocked())
	q.mu.Unlock()

	outcome := OutcomeBlock
	if req.State == StateApproved {
		outcome = OutcomeAllow
	}
	for _, ch := range waiters {
		ch <- outcome
		close(ch)
	}

	metrics.SetApprovalQueueDepth(depth)
	metrics.RecordApprovalResolved(string(req.State))
	return req, nil
}

// AwaitApproval blocks until the approval request for proposalID resolves,
// ctx is cancelled, or timeout elapses. Returns the resolved Outcome, or a
// Cancelled-style error if the wait lost the race (spec.md §5 Cancellation).
func (q *Queue) AwaitApproval(ctx context.Context, proposalID string, timeout time.Duration) (Outcome, error) {
	q.mu.Lock()
	for _, r := range q.byID {
		if r.ProposalID == proposalID && r.State.IsTerminal() {
			q.mu.Unlock()
			if r.State == StateApproved {
				return OutcomeAllow, nil
			}
			return OutcomeBlock, nil
		}
	}
	ch := make(chan Outcome, 1)
	q.waiters[proposalID] = append(q.waiters[proposalID], ch)
	q.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case outcome := <-ch:
		return outcome, nil
	case <-ctx.Done():
		return "", core.Internal("approval: await cancelled", ctx.Err())
	case <-timeoutCh:
		return "", core.Internal("approval: await timed out", fmt.Errorf("no resolution within %s", timeout))
	}
}

// StartExpirySweep launches a background cron job that expires overdue
// pending requests, grounded on the teacher's use of robfig/cron for
// periodic background work. Stops when ctx is cancelled.
func (q *Queue) StartExpirySweep(ctx context.Context) error {
	q.cronMu.Lock()
	defer q.cronMu.Unlock()
	if q.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(sweepInterval, func() { q.sweepExpired(ctx) }); err != nil {
		return fmt.Errorf("approval: schedule expiry sweep: %w", err)
	}
	c.Start()
	q.cron = c
	q.running = true

	go func() {
		<-ctx.Done()
		q.cronMu.Lock()
		defer q.cronMu.Unlock()
		q.cron.Stop()
		q.running = false
	}()
	return nil
}

func (q *Queue) sweepExpired(ctx context.Context) {
	q.mu.Lock()
	pending := q.pendingLocked()
	q.mu.Unlock()

	for _, r := range pending {
		if _, _, err := q.expireIfDue(ctx, r); err != nil && q.log != nil {
			// best-effort: a failed expiry leaves the request pending for
			// the next sweep rather than silently dropping it.
			continue
		}
	}
}
