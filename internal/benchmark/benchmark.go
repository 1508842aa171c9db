// Package benchmark implements the Benchmark Engine (C8): domain health
// aggregation and the 7-day sustained-threshold evaluator that gates
// product elevation.
package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grace-platform/core/infrastructure/logging"
	"github.com/grace-platform/core/infrastructure/statecache"
	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/kpi"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/internal/mesh"
	"github.com/grace-platform/core/pkg/metrics"
)

// Threshold is the sustained-benchmark bar every top-level metric must
// clear (spec.md §4.8).
const Threshold = 0.90

// RingSize is the number of hourly samples a 7-day sustained window holds
// (168 = 7 * 24).
const RingSize = 168

// trustScale and confidenceScale are the fallback constant-scaling factors
// used only when the registry supplies no explicit trust/confidence KPIs
// for a domain (SPEC_FULL.md §F — "registry wins, constant scaling is
// fallback only").
const (
	trustScale      = 0.95
	confidenceScale = 0.92
)

// DomainSnapshot is a DomainSnapshot entity (spec.md §3).
type DomainSnapshot struct {
	Domain     string             `json:"domain"`
	Health     *float64           `json:"health"`
	Trust      *float64           `json:"trust"`
	Confidence *float64           `json:"confidence"`
	KPIs       map[string]float64 `json:"kpis"`
}

// Aggregator computes domain and overall health/trust/confidence from the
// Metrics Collector's current rollups (spec.md §4.8 Aggregation).
type Aggregator struct {
	collector *kpi.Collector
	registry  *kpi.Registry
}

// NewAggregator constructs an Aggregator over collector/registry.
func NewAggregator(collector *kpi.Collector, registry *kpi.Registry) *Aggregator {
	return &Aggregator{collector: collector, registry: registry}
}

// DomainValues computes health(D)/trust(D)/confidence(D) for domain.
func (a *Aggregator) DomainValues(domain string) DomainSnapshot {
	snap := DomainSnapshot{Domain: domain, KPIs: make(map[string]float64)}

	inputs := a.collector.DomainHealthInputs(domain)
	var sum float64
	var count int
	for def, roll := range inputs {
		if roll.Avg == nil {
			continue
		}
		v := *roll.Avg
		if def.Direction == kpi.LowerIsBetter {
			v = 1 - v
		}
		sum += v
		count++
		snap.KPIs[def.KPI] = v
	}

	if count == 0 {
		return snap // health/trust/confidence remain nil: excluded from overall aggregates
	}
	health := sum / float64(count)
	snap.Health = &health

	if trustDef, ok := a.registry.Lookup(domain, "trust"); ok {
		roll := a.collector.Rollup(domain, trustDef.KPI, kpi.Period1h)
		snap.Trust = roll.Avg
	} else {
		t := health * trustScale
		snap.Trust = &t
	}

	if confDef, ok := a.registry.Lookup(domain, "confidence"); ok {
		roll := a.collector.Rollup(domain, confDef.KPI, kpi.Period1h)
		snap.Confidence = roll.Avg
	} else {
		cv := health * confidenceScale
		snap.Confidence = &cv
	}

	return snap
}

// Overall is the mean over non-null domain values for each top-level
// metric (spec.md §4.8 — "overall_health = mean over non-null health(D)").
type Overall struct {
	Health     *float64
	Trust      *float64
	Confidence *float64
	Domains    map[string]DomainSnapshot
}

// Compute returns Overall aggregates across every domain with at least one
// registered ratio01 KPI.
func (a *Aggregator) Compute() Overall {
	domains := make(map[string]DomainSnapshot)
	var healthSum, trustSum, confSum float64
	var healthN, trustN, confN int

	for _, d := range a.registry.Domains() {
		snap := a.DomainValues(d)
		domains[d] = snap
		if snap.Health != nil {
			healthSum += *snap.Health
			healthN++
		}
		if snap.Trust != nil {
			trustSum += *snap.Trust
			trustN++
		}
		if snap.Confidence != nil {
			confSum += *snap.Confidence
			confN++
		}
	}

	o := Overall{Domains: domains}
	if healthN > 0 {
		v := healthSum / float64(healthN)
		o.Health = &v
	}
	if trustN > 0 {
		v := trustSum / float64(trustN)
		o.Trust = &v
	}
	if confN > 0 {
		v := confSum / float64(confN)
		o.Confidence = &v
	}
	return o
}

// MetricName identifies one of the three top-level metrics tracked for
// sustained-threshold purposes.
type MetricName string

const (
	MetricHealth     MetricName = "overall_health"
	MetricTrust      MetricName = "overall_trust"
	MetricConfidence MetricName = "overall_confidence"
)

var allMetrics = []MetricName{MetricHealth, MetricTrust, MetricConfidence}

// State is a BenchmarkState entity (spec.md §3).
type State struct {
	Metric           MetricName  `json:"metric"`
	Samples          []sample    `json:"samples"`
	Sustained        bool        `json:"sustained"`
	FirstSustainedAt *time.Time  `json:"first_sustained_at,omitempty"`
	LastViolationAt  *time.Time  `json:"last_violation_at,omitempty"`
}

type sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// crossedRecord is the benchmark.crossed payload.
type crossedRecord struct {
	Health     *float64 `json:"overall_health"`
	Trust      *float64 `json:"overall_trust"`
	Confidence *float64 `json:"overall_confidence"`
}

// Engine runs the background threshold evaluator (spec.md §4.8 Threshold
// evaluation).
type Engine struct {
	log        *ledger.Log
	aggregator *Aggregator
	m          *mesh.Mesh
	clock      clockid.Clock

	states map[MetricName]*State

	// elevationLostPublished tracks whether product.elevation_lost has
	// already fired for the current violation episode, so a run of
	// consecutive below-threshold ticks publishes it exactly once.
	elevationLostPublished bool

	// mirror, when set, receives a best-effort dashboard copy of each
	// Tick's domain snapshots and metric states (SPEC_FULL.md §B). Never
	// authoritative: the log and the in-memory states above always win.
	mirror *statecache.Mirror

	logger *logging.Logger

	cron    *cron.Cron
	cronMu  sync.Mutex
	running bool
}

// SetMirror attaches an optional Postgres dashboard mirror. Pass nil to
// disable mirroring (the default).
func (e *Engine) SetMirror(m *statecache.Mirror) {
	e.mirror = m
}

// SetLogger attaches the logger StartScheduler uses for tick failures.
func (e *Engine) SetLogger(logger *logging.Logger) {
	e.logger = logger
}

// StartScheduler launches a background cron job that ticks the engine on
// cronSpec (e.g. "@every 1h", or a full five-field cron expression so
// GRACE_CORE_EVAL_PERIOD can also express non-uniform eval windows per
// SPEC_FULL.md §B), grounded on the approval queue's identical use of
// robfig/cron for periodic background work. Stops when ctx is cancelled.
func (e *Engine) StartScheduler(ctx context.Context, cronSpec string) error {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(cronSpec, func() {
		if err := e.Tick(ctx, e.clock.Now()); err != nil && e.logger != nil {
			e.logger.WithError(err).Error("benchmark engine tick failed")
		}
	}); err != nil {
		return fmt.Errorf("benchmark: schedule evaluator: %w", err)
	}
	c.Start()
	e.cron = c
	e.running = true

	go func() {
		<-ctx.Done()
		e.cronMu.Lock()
		defer e.cronMu.Unlock()
		e.cron.Stop()
		e.running = false
	}()
	return nil
}

// NewEngine constructs an Engine. Call Rebuild before the first Tick to
// restore prior sustained state from C2 (spec.md §4.8 Determinism).
func NewEngine(log *ledger.Log, aggregator *Aggregator, m *mesh.Mesh) *Engine {
	states := make(map[MetricName]*State)
	for _, name := range allMetrics {
		states[name] = &State{Metric: name}
	}
	return &Engine{log: log, aggregator: aggregator, m: m, clock: clockid.SystemClock{}, states: states}
}

// Rebuild replays benchmark.crossed records to restore each metric's
// sustained flag and timestamps. The 168-sample ring itself is rebuilt
// from C7's own rollups on the first post-restart Tick rather than
// replayed sample-by-sample, since C7's 7-day rollup already holds the
// equivalent history.
func (e *Engine) Rebuild() error {
	it := e.log.StreamFrom(1)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return fmt.Errorf("benchmark: replay log: %w", err)
		}
		if !ok {
			break
		}
		if rec.Kind != ledger.KindBenchmarkCrossed {
			continue
		}
		for _, name := range allMetrics {
			s := e.states[name]
			s.Sustained = true
			t := rec.TS
			s.FirstSustainedAt = &t
		}
	}
	return nil
}

// Tick performs one evaluation cycle (spec.md §4.8 steps 1-5).
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	overall := e.aggregator.Compute()

	values := map[MetricName]*float64{
		MetricHealth:     overall.Health,
		MetricTrust:      overall.Trust,
		MetricConfidence: overall.Confidence,
	}

	allSustained := true
	for _, name := range allMetrics {
		v := values[name]
		s := e.states[name]
		if v == nil {
			allSustained = false
			continue
		}
		s.Samples = append(s.Samples, sample{Value: *v, At: now})
		if len(s.Samples) > RingSize {
			s.Samples = s.Samples[len(s.Samples)-RingSize:]
		}

		sustained := isSustained(s.Samples, now)
		if !sustained && s.Sustained {
			t := now
			s.LastViolationAt = &t
			metrics.RecordBenchmarkEvaluation(string(name), "violation")
		}
		if sustained {
			metrics.RecordBenchmarkEvaluation(string(name), "sustained")
		} else {
			allSustained = false
		}
		s.Sustained = sustained
	}

	for _, name := range allMetrics {
		if !e.states[name].Sustained {
			allSustained = false
		}
	}

	e.mirrorTick(overall)

	if allSustained && !e.allPreviouslySustained(now) {
		return e.crossThreshold(ctx, overall, now)
	}
	if !allSustained {
		e.publishElevationLostIfNeeded(ctx)
	}
	return nil
}

// mirrorTick writes this Tick's domain snapshots and metric states to the
// optional dashboard mirror, if one is attached.
func (e *Engine) mirrorTick(overall Overall) {
	if e.mirror == nil {
		return
	}
	for domain, snap := range overall.Domains {
		kpis, _ := json.Marshal(snap.KPIs)
		e.mirror.UpsertDomainSnapshot(statecache.DomainSnapshotRow{
			Domain: domain, Health: snap.Health, Trust: snap.Trust, Confidence: snap.Confidence, KPIsJSON: kpis,
		})
	}
	for name, st := range e.Status() {
		s := e.states[name]
		e.mirror.UpsertBenchmarkState(statecache.BenchmarkStateRow{
			Metric: string(name), Sustained: st.Sustained, Average: st.Average, Samples: st.Samples,
			FirstSustainedAt: s.FirstSustainedAt, LastViolationAt: s.LastViolationAt,
		})
	}
}

// MetricStatus is a read-only snapshot of one top-level metric's
// sustained-threshold state, for the Control API's readiness surface.
type MetricStatus struct {
	Sustained bool
	Average   float64
	Samples   int
}

// Status returns the current sustained-threshold snapshot for every
// top-level metric.
func (e *Engine) Status() map[MetricName]MetricStatus {
	out := make(map[MetricName]MetricStatus, len(allMetrics))
	for _, name := range allMetrics {
		s := e.states[name]
		var sum float64
		for _, smp := range s.Samples {
			sum += smp.Value
		}
		avg := 0.0
		if len(s.Samples) > 0 {
			avg = sum / float64(len(s.Samples))
		}
		out[name] = MetricStatus{Sustained: s.Sustained, Average: avg, Samples: len(s.Samples)}
	}
	return out
}

// Ready reports whether every top-level metric is currently sustained —
// the single observable "elevation ready" condition (spec.md §8).
func (e *Engine) Ready() bool {
	for _, name := range allMetrics {
		if !e.states[name].Sustained {
			return false
		}
	}
	return true
}

func isSustained(samples []sample, now time.Time) bool {
	if len(samples) < RingSize {
		return false
	}
	oldest := samples[0].At
	// A full ring of hourly samples spans RingSize-1 hours from oldest to
	// newest; a ring filled faster than hourly does not count as 7 days.
	if now.Sub(oldest) < time.Duration(RingSize-1)*time.Hour {
		return false
	}
	for _, s := range samples {
		if s.Value < Threshold {
			return false
		}
	}
	return true
}

func (e *Engine) allPreviouslySustained(now time.Time) bool {
	for _, name := range allMetrics {
		s := e.states[name]
		if s.FirstSustainedAt == nil {
			return false
		}
		if s.LastViolationAt != nil && s.LastViolationAt.After(*s.FirstSustainedAt) {
			return false
		}
	}
	return true
}

func (e *Engine) crossThreshold(ctx context.Context, overall Overall, now time.Time) error {
	for _, name := range allMetrics {
		s := e.states[name]
		if s.FirstSustainedAt == nil {
			t := now
			s.FirstSustainedAt = &t
		}
	}

	payload, err := json.Marshal(crossedRecord{Health: overall.Health, Trust: overall.Trust, Confidence: overall.Confidence})
	if err != nil {
		return err
	}
	if _, err := e.log.Append(ctx, ledger.KindBenchmarkCrossed, "benchmark_engine", "overall", payload); err != nil {
		return err
	}
	_, err = e.m.Publish(ctx, "benchmark_engine", "product.elevation_ready", payload)
	e.elevationLostPublished = false
	return err
}

func (e *Engine) publishElevationLostIfNeeded(ctx context.Context) {
	if e.elevationLostPublished {
		return
	}
	anySustainedBefore := false
	for _, name := range allMetrics {
		if e.states[name].FirstSustainedAt != nil {
			anySustainedBefore = true
		}
	}
	if !anySustainedBefore {
		return
	}
	payload, _ := json.Marshal(map[string]string{"reason": "a tracked metric dropped below threshold"})
	_, _ = e.m.Publish(ctx, "benchmark_engine", "product.elevation_lost", payload)
	e.elevationLostPublished = true
}
