package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/internal/ledger"
)

// Store is the process-wide Policy Store (C4). Every edit is appended to
// the log as policy.upserted; the active set is rebuilt from the log on
// startup, making the log the source of truth (spec.md §4.4).
type Store struct {
	log *ledger.Log

	mu sync.Mutex // serializes Upsert/Deactivate; Lookup never takes this lock

	active atomic.Pointer[activeSet]
}

// activeSet is the copy-on-write snapshot Lookup reads without locking
// (spec.md §5 — "active set copy-on-write, lookups lock-free").
type activeSet struct {
	byID       map[string]*Policy
	byKind     map[string][]*Policy // all active policies whose ActionKind pattern could match, grouped by literal kind for fast lookup when ActionKind has no glob
	wildcard   []*Policy            // active policies whose ActionKind pattern contains a glob
}

func newActiveSet() *activeSet {
	return &activeSet{byID: make(map[string]*Policy), byKind: make(map[string][]*Policy)}
}

// clone returns a shallow copy safe to mutate without affecting readers
// holding the previous snapshot.
func (a *activeSet) clone() *activeSet {
	n := newActiveSet()
	for id, p := range a.byID {
		n.byID[id] = p
	}
	for kind, ps := range a.byKind {
		n.byKind[kind] = append([]*Policy{}, ps...)
	}
	n.wildcard = append([]*Policy{}, a.wildcard...)
	return n
}

// New constructs a Store backed by log and replays its policy.upserted
// history to rebuild the active set.
func New(log *ledger.Log) (*Store, error) {
	s := &Store{log: log}
	s.active.Store(newActiveSet())

	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	set := newActiveSet()
	it := s.log.StreamFrom(1)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("policy: replay log: %w", err)
		}
		if !ok {
			break
		}
		if rec.Kind != ledger.KindPolicyUpserted {
			continue
		}
		p, err := UnmarshalRecord(rec.Payload)
		if err != nil {
			return fmt.Errorf("policy: decode policy.upserted at seq %d: %w", rec.Seq, err)
		}
		applyUpsert(set, &p)
	}
	s.active.Store(set)
	return nil
}

// applyUpsert mutates set in place to reflect one replayed edit: a new
// version supersedes any prior active version of the same policy ID, and a
// policy with Active=false is removed. Only the same ID is superseded, here
// and in UpsertPolicy: policies with different IDs and the same
// action_kind all stay active.
func applyUpsert(set *activeSet, p *Policy) {
	if old, ok := set.byID[p.ID]; ok {
		removeFrom(set, old)
	}
	if !p.Active {
		delete(set.byID, p.ID)
		return
	}
	set.byID[p.ID] = p
	if literalPrefixLen(p.ActionKind) == len(p.ActionKind) {
		set.byKind[p.ActionKind] = append(set.byKind[p.ActionKind], p)
	} else {
		set.wildcard = append(set.wildcard, p)
	}
}

func removeFrom(set *activeSet, p *Policy) {
	if ps, ok := set.byKind[p.ActionKind]; ok {
		set.byKind[p.ActionKind] = removePolicy(ps, p.ID)
	}
	set.wildcard = removePolicy(set.wildcard, p.ID)
}

func removePolicy(ps []*Policy, id string) []*Policy {
	out := ps[:0]
	for _, p := range ps {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

// UpsertPolicy appends a new version of a policy and activates it,
// deactivating any prior version with the same ID (Invariant P1: immutable
// once activated — an "edit" is always a new version, never a mutation).
func (s *Store) UpsertPolicy(ctx context.Context, p Policy) (*Policy, error) {
	if p.ID == "" {
		return nil, core.Validation("id", "policy id is required")
	}
	if p.Effect != EffectAllow && p.Effect != EffectBlock && p.Effect != EffectReview {
		return nil, core.Validation("effect", fmt.Sprintf("unknown effect %q", p.Effect))
	}
	if p.RequiresApprovers <= 0 {
		p.RequiresApprovers = DefaultRequiresApprovers
	}
	if p.TTL <= 0 {
		p.TTL = DefaultApprovalTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.active.Load()
	if existing, ok := current.byID[p.ID]; ok {
		p.Version = existing.Version + 1
	} else {
		p.Version = 1
	}
	p.Active = true

	payload, err := p.MarshalRecord()
	if err != nil {
		return nil, core.Internal("policy: marshal record", err)
	}

	rec, err := s.log.Append(ctx, ledger.KindPolicyUpserted, "policy_store", p.ID, payload)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = rec.TS

	next := current.clone()
	applyUpsert(next, &p)
	s.active.Store(next)

	return &p, nil
}

// Deactivate retires a policy: appends a policy.upserted record with
// Active=false so replay reconstructs the same end state.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.active.Load()
	existing, ok := current.byID[id]
	if !ok {
		return core.NotFound("policy", id)
	}

	retired := *existing
	retired.Active = false

	payload, err := retired.MarshalRecord()
	if err != nil {
		return core.Internal("policy: marshal record", err)
	}
	if _, err := s.log.Append(ctx, ledger.KindPolicyUpserted, "policy_store", id, payload); err != nil {
		return err
	}

	next := current.clone()
	applyUpsert(next, &retired)
	s.active.Store(next)
	return nil
}

// Lookup returns active policies whose action_kind/actor_pattern/resource_pattern
// all match, ordered by specificity: longest literal action_kind prefix
// first, ties broken by most recent version (spec.md §4.4).
func (s *Store) Lookup(actionKind, actor, resource string) []*Policy {
	set := s.active.Load()

	candidates := append([]*Policy{}, set.byKind[actionKind]...)
	for _, p := range set.wildcard {
		if matchGlob(p.ActionKind, actionKind) {
			candidates = append(candidates, p)
		}
	}

	matched := candidates[:0]
	for _, p := range candidates {
		if matchGlob(p.ActorPattern, actor) && matchGlob(p.ResourcePattern, resource) {
			matched = append(matched, p)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		li, lj := literalPrefixLen(matched[i].ActionKind), literalPrefixLen(matched[j].ActionKind)
		if li != lj {
			return li > lj
		}
		return matched[i].Version > matched[j].Version
	})

	return matched
}

// Get returns the active policy with the given ID, if any.
func (s *Store) Get(id string) (*Policy, bool) {
	set := s.active.Load()
	p, ok := set.byID[id]
	return p, ok
}
