package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/core"
	"github.com/grace-platform/core/internal/ledger"
	"github.com/grace-platform/core/pkg/metrics"
)

// recordedMetric is the metric.recorded / metric.rejected record payload.
type recordedMetric struct {
	Domain   string                 `json:"domain"`
	KPI      string                 `json:"kpi"`
	Value    float64                `json:"value"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// series holds the three rolling windows for one (domain, kpi) pair, each
// guarded by its own lock so cross-KPI operations are not atomic (spec.md
// §5 — "C7 uses per-(domain,kpi) locks").
type series struct {
	mu      sync.Mutex
	windows map[Period]*window
}

func newSeries() *series {
	s := &series{windows: make(map[Period]*window)}
	for _, p := range allPeriods {
		s.windows[p] = newWindow(p.duration())
	}
	return s
}

// Collector is the process-wide Metrics Collector (C7).
type Collector struct {
	log      *ledger.Log
	registry *Registry
	clock    clockid.Clock

	mu     sync.RWMutex
	series map[key]*series
}

// New constructs a Collector backed by registry and log.
func New(log *ledger.Log, registry *Registry, clock clockid.Clock) *Collector {
	if clock == nil {
		clock = clockid.SystemClock{}
	}
	return &Collector{log: log, registry: registry, clock: clock, series: make(map[key]*series)}
}

func (c *Collector) seriesFor(domain, kpiName string) *series {
	k := key{domain, kpiName}

	c.mu.RLock()
	s, ok := c.series[k]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[k]; ok {
		return s
	}
	s = newSeries()
	c.series[k] = s
	return s
}

// Record validates and ingests a single KPI value (spec.md §4.7).
func (c *Collector) Record(ctx context.Context, domain, kpiName string, value float64, metadata map[string]interface{}) error {
	def, ok := c.registry.Lookup(domain, kpiName)
	if !ok {
		return c.reject(ctx, domain, kpiName, value, metadata, fmt.Sprintf("unknown KPI %s/%s", domain, kpiName))
	}
	if err := def.Validate(value); err != nil {
		return c.reject(ctx, domain, kpiName, value, metadata, err.Error())
	}

	payload, err := json.Marshal(recordedMetric{Domain: domain, KPI: kpiName, Value: value, Metadata: metadata})
	if err != nil {
		return core.Internal("kpi: marshal metric.recorded", err)
	}
	rec, err := c.log.Append(ctx, ledger.KindMetricRecorded, "kpi_collector", domain+"/"+kpiName, payload)
	if err != nil {
		return err
	}

	s := c.seriesFor(domain, kpiName)
	s.mu.Lock()
	for _, w := range s.windows {
		w.insert(sample{value: value, at: rec.TS})
	}
	s.mu.Unlock()

	metrics.RecordKPIIngested(domain, kpiName)
	return nil
}

func (c *Collector) reject(ctx context.Context, domain, kpiName string, value float64, metadata map[string]interface{}, reason string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"domain": domain, "kpi": kpiName, "value": value, "metadata": metadata, "reason": reason,
	})
	if err == nil {
		_, _ = c.log.Append(ctx, ledger.KindMetricRejected, "kpi_collector", domain+"/"+kpiName, payload)
	}
	return core.Validation("value", reason)
}

// Batch ingests multiple KPI values for one domain. Each entry is
// validated and recorded independently; a rejection of one KPI does not
// block the others.
func (c *Collector) Batch(ctx context.Context, domain string, values map[string]float64) []error {
	errs := make([]error, 0, len(values))
	for kpiName, value := range values {
		if err := c.Record(ctx, domain, kpiName, value, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Rollup returns the current rollup for (domain, kpi, period).
func (c *Collector) Rollup(domain, kpiName string, period Period) Rollup {
	s := c.seriesFor(domain, kpiName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[period].rollup(c.clock.Now())
}

// DomainHealthInputs returns the current 1h rollup for every ratio01 KPI
// registered in domain — the raw material the Benchmark Engine averages
// into health(D) (spec.md §4.8).
func (c *Collector) DomainHealthInputs(domain string) map[Definition]Rollup {
	out := make(map[Definition]Rollup)
	for _, def := range c.registry.ForDomain(domain) {
		if def.SemanticType != SemanticRatio01 {
			continue
		}
		out[def] = c.Rollup(def.Domain, def.KPI, Period1h)
	}
	return out
}
