// Package statecache mirrors the benchmark engine's domain snapshots and
// top-level metric states into Postgres for operator dashboards. It is
// strictly additive: <data-dir>/state.json remains the authoritative
// on-disk cache (spec.md §6), and the immutable log remains the source of
// truth for both. The mirror is only built when GRACE_CORE_STATE_DB_URL is
// set; nothing in Grace's core decision paths reads from it.
package statecache

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/grace-platform/core/infrastructure/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Mirror writes a read-only dashboard copy of DomainSnapshot and
// BenchmarkState rows. Every write is best-effort: a mirror outage never
// blocks a Propose, Publish, or Record call.
type Mirror struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// Open connects to databaseURL and applies pending migrations. Callers
// should treat a non-nil error as "the mirror is unavailable" and run
// without it rather than failing startup — see Open's doc on the caller
// side in cmd/core.
func Open(databaseURL string, logger *logging.Logger) (*Mirror, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("statecache: connect: %w", err)
	}

	if err := migrateUp(db.DB, databaseURL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statecache: migrate: %w", err)
	}

	return &Mirror{db: db, logger: logger}, nil
}

func migrateUp(db *sql.DB, databaseURL string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (m *Mirror) Close() error {
	return m.db.Close()
}

// DomainSnapshotRow is the mirrored row shape for one domain.
type DomainSnapshotRow struct {
	Domain     string
	Health     *float64
	Trust      *float64
	Confidence *float64
	KPIsJSON   []byte
}

// UpsertDomainSnapshot mirrors one domain's current aggregates. Failures
// are logged and swallowed: the mirror is additive, never authoritative.
func (m *Mirror) UpsertDomainSnapshot(row DomainSnapshotRow) {
	_, err := m.db.Exec(`
		INSERT INTO domain_snapshots (domain, health, trust, confidence, kpis, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (domain) DO UPDATE SET
			health = EXCLUDED.health,
			trust = EXCLUDED.trust,
			confidence = EXCLUDED.confidence,
			kpis = EXCLUDED.kpis,
			updated_at = now()
	`, row.Domain, row.Health, row.Trust, row.Confidence, row.KPIsJSON)
	if err != nil {
		m.logger.WithError(err).Warn("statecache: upsert domain snapshot failed")
	}
}

// BenchmarkStateRow is the mirrored row shape for one top-level metric.
type BenchmarkStateRow struct {
	Metric           string
	Sustained        bool
	Average          float64
	Samples          int
	FirstSustainedAt *time.Time
	LastViolationAt  *time.Time
}

// UpsertBenchmarkState mirrors one top-level metric's sustained-threshold
// state.
func (m *Mirror) UpsertBenchmarkState(row BenchmarkStateRow) {
	_, err := m.db.Exec(`
		INSERT INTO benchmark_states (metric, sustained, average, samples, first_sustained_at, last_violation_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (metric) DO UPDATE SET
			sustained = EXCLUDED.sustained,
			average = EXCLUDED.average,
			samples = EXCLUDED.samples,
			first_sustained_at = EXCLUDED.first_sustained_at,
			last_violation_at = EXCLUDED.last_violation_at,
			updated_at = now()
	`, row.Metric, row.Sustained, row.Average, row.Samples, row.FirstSustainedAt, row.LastViolationAt)
	if err != nil {
		m.logger.WithError(err).Warn("statecache: upsert benchmark state failed")
	}
}
