// Package mesh implements the Trigger Mesh (C3): publish/subscribe over
// dotted topics with at-least-once, per-subscription ordered delivery,
// grounded on every publish being durably recorded to the Immutable Log
// before fan-out so a crash never loses an event subscribers already saw
// acknowledged upstream.
package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/pkg/metrics"
)

// SubscriptionDroppedTopic is the reserved system topic published when a
// subscription is torn down under PolicyDisconnect.
const SubscriptionDroppedTopic = "mesh.subscription_dropped"

// Mesh is the process-wide Trigger Mesh instance (spec.md §9 — exactly one
// instance, created at startup, passed by reference).
type Mesh struct {
	log   *ledger.Log
	clock clockid.Clock

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// New constructs a Mesh backed by log. The mesh itself holds no durable
// state — everything it knows can be rebuilt from the log via Replay.
func New(log *ledger.Log, clock clockid.Clock) *Mesh {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Mesh{
		log:   log,
		clock: clock,
		subs:  make(map[string]*Subscription),
	}
}

// Publish appends an event.published record to the log, then fans the
// event out to every subscription whose pattern matches topic. Per
// spec.md §5, Publish is non-blocking except when a matching subscription
// uses PolicyBlock and is currently full.
//
// Reserved-prefix enforcement against non-privileged actors is NOT done
// here — it is a gate-level proposal check (SPEC_FULL.md §F). The mesh
// itself freely publishes to mesh.* for its own bookkeeping (e.g.
// SubscriptionDroppedTopic).
func (m *Mesh) Publish(ctx context.Context, actor, topic string, payload []byte) (*ledger.Record, error) {
	rec, err := m.log.Append(ctx, ledger.KindEventPublished, actor, topic, payload)
	if err != nil {
		return nil, err
	}

	metrics.RecordMeshPublish(topic)

	ev := &Event{Topic: topic, Seq: rec.Seq, TS: rec.TS, Payload: rec.Payload}

	m.mu.RLock()
	matched := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if matchPattern(sub.Pattern, topic) {
			matched = append(matched, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range matched {
		if disconnect := sub.enqueue(ev); disconnect {
			m.disconnect(ctx, sub)
		} else {
			metrics.SetMeshQueueDepth(sub.ID, sub.QueueDepth())
		}
	}

	return rec, nil
}

// Subscribe registers a new subscription against pattern and starts its
// dedicated delivery goroutine.
func (m *Mesh) Subscribe(pattern string, opts SubscribeOptions) (*Subscription, error) {
	if pattern == "" {
		return nil, core.Validation("pattern", "topic pattern must not be empty")
	}

	id := clockid.NewID(m.clock).String()
	sub := newSubscription(id, pattern, opts, m)

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	return sub, nil
}

// Unsubscribe tears a subscription down. Idempotent: unsubscribing an
// already-removed handle is a no-op.
func (m *Mesh) Unsubscribe(id string) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()

	if ok {
		sub.teardown()
	}
}

// disconnect tears sub down and publishes mesh.subscription_dropped. Called
// outside of m.mu so the notification publish (which itself appends to the
// log and re-acquires m.mu for its own fan-out) never deadlocks.
func (m *Mesh) disconnect(ctx context.Context, sub *Subscription) {
	m.Unsubscribe(sub.ID)

	payload := core.CanonicalizeJSON([]byte(fmt.Sprintf(
		`{"subscription_id":%q,"pattern":%q,"dropped":%d}`,
		sub.ID, sub.Pattern, sub.Dropped())))
	// Best-effort: a failure to record the drop notification doesn't
	// resurrect the subscription or block the publisher that triggered it.
	_, _ = m.Publish(ctx, "mesh", SubscriptionDroppedTopic, payload)
}

// Replay reconstructs the event history for pattern from the durable log,
// starting at fromSeq. This is how a fresh subscriber rebuilds state.
func (m *Mesh) Replay(fromSeq uint64, pattern string) *ReplayIterator {
	return &ReplayIterator{it: m.log.StreamFrom(fromSeq), pattern: pattern}
}

// ReplayIterator streams event.published records matching a pattern.
type ReplayIterator struct {
	it      *ledger.Iterator
	pattern string
}

// Next returns the next matching event, or ok=false once exhausted.
func (r *ReplayIterator) Next() (*Event, bool, error) {
	for {
		rec, ok, err := r.it.Next()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		if rec.Kind != ledger.KindEventPublished {
			continue
		}
		if !matchPattern(r.pattern, rec.Resource) {
			continue
		}
		return &Event{Topic: rec.Resource, Seq: rec.Seq, TS: rec.TS, Payload: rec.Payload}, true, nil
	}
}
