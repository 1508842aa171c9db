package kpi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grace-platform/core/internal/clockid"
	"github.com/grace-platform/core/internal/ledger"
)

func newTestCollector(t *testing.T, clock *clockid.FakeClock) (*Collector, *Registry) {
	t.Helper()
	dir := t.TempDir()
	log, err := ledger.Open(dir, ledger.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	reg := NewRegistry()
	reg.Register(Definition{Domain: "trust", KPI: "uptime", SemanticType: SemanticRatio01, Direction: HigherIsBetter})
	return New(log, reg, clock), reg
}

func TestCollector_RecordValidValueUpdatesRollup(t *testing.T) {
	clock := clockid.NewFakeClock(time.Unix(0, 0))
	c, _ := newTestCollector(t, clock)

	require.NoError(t, c.Record(context.Background(), "trust", "uptime", 0.95, nil))
	roll := c.Rollup("trust", "uptime", Period1h)
	require.Equal(t, 1, roll.Count)
	require.NotNil(t, roll.Avg)
	require.InDelta(t, 0.95, *roll.Avg, 1e-9)
}

func TestCollector_RecordOutOfRangeValueIsRejected(t *testing.T) {
	clock := clockid.NewFakeClock(time.Unix(0, 0))
	c, _ := newTestCollector(t, clock)

	err := c.Record(context.Background(), "trust", "uptime", 1.5, nil)
	require.Error(t, err)

	roll := c.Rollup("trust", "uptime", Period1h)
	require.Equal(t, 0, roll.Count)
	require.Nil(t, roll.Avg, "empty window must report a null average")
}

func TestCollector_RecordUnknownKPIIsRejected(t *testing.T) {
	clock := clockid.NewFakeClock(time.Unix(0, 0))
	c, _ := newTestCollector(t, clock)

	err := c.Record(context.Background(), "trust", "unregistered", 1, nil)
	require.Error(t, err)
}

func TestCollector_RollupDropsSamplesOutsideWindow(t *testing.T) {
	clock := clockid.NewFakeClock(time.Unix(0, 0))
	c, _ := newTestCollector(t, clock)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, "trust", "uptime", 0.80, nil))
	clock.Advance(2 * time.Hour)
	require.NoError(t, c.Record(ctx, "trust", "uptime", 0.95, nil))

	roll := c.Rollup("trust", "uptime", Period1h)
	require.Equal(t, 1, roll.Count, "the 1h window must have dropped the sample from 2h ago")
	require.InDelta(t, 0.95, *roll.Avg, 1e-9)

	dayRoll := c.Rollup("trust", "uptime", Period1d)
	require.Equal(t, 2, dayRoll.Count, "the 1d window still holds both samples")
}

func TestCollector_BatchRecordsIndependently(t *testing.T) {
	clock := clockid.NewFakeClock(time.Unix(0, 0))
	c, reg := newTestCollector(t, clock)
	reg.Register(Definition{Domain: "trust", KPI: "latency", SemanticType: SemanticCount, Direction: LowerIsBetter})

	errs := c.Batch(context.Background(), "trust", map[string]float64{"uptime": 0.9, "latency": 42})
	require.Empty(t, errs)
}
