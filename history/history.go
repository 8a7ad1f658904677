// Package history archives run reports so operators can review past
// deployments. Archiving is best-effort: a run is never failed because its
// report could not be stored.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/shiplane/shiplane/pipeline"
)

// RunSummary is one archived run.
type RunSummary struct {
	RunID       string
	Workload    string
	Status      string
	FailedStage string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Store persists run reports.
type Store interface {
	SaveRun(ctx context.Context, workload string, report pipeline.RunReport) error
	ListRuns(ctx context.Context, workload string) ([]RunSummary, error)
}

// SQLStore is a Store over database/sql. Production deployments use the
// postgres driver; tests use ramsql.
type SQLStore struct {
	db   *sql.DB
	lggr *zap.SugaredLogger
}

// Open connects with the given driver and DSN and bootstraps the schema.
func Open(ctx context.Context, driver, dsn string, lggr *zap.SugaredLogger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}

	s := NewSQLStore(db, lggr)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()

		return nil, err
	}

	return s, nil
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB, lggr *zap.SugaredLogger) *SQLStore {
	return &SQLStore{db: db, lggr: lggr}
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// EnsureSchema creates the tables if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workload TEXT,
			status TEXT,
			failed_stage TEXT,
			error TEXT,
			rollback_attempted BOOLEAN,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS stage_reports (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			stage TEXT,
			attempts INT,
			error TEXT,
			started_at TEXT,
			finished_at TEXT
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating history schema: %w", err)
		}
	}

	return nil
}

// SaveRun archives one run report and its stage reports.
func (s *SQLStore) SaveRun(ctx context.Context, workload string, report pipeline.RunReport) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	runErr := ""
	if report.Err != nil {
		runErr = report.Err.Message
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workload, status, failed_stage, error, rollback_attempted, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		report.RunID, workload, string(report.Status), report.FailedStage, runErr,
		report.RollbackAttempted,
		report.Start.UTC().Format(time.RFC3339Nano),
		report.End.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", report.RunID, err)
	}

	for _, stage := range report.Stages {
		stageErr := ""
		if stage.Err != nil {
			stageErr = stage.Err.Message
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stage_reports (id, run_id, stage, attempts, error, started_at, finished_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			stage.ID, report.RunID, stage.Def.Name, int64(stage.Attempts), stageErr,
			stage.Start.UTC().Format(time.RFC3339Nano),
			stage.End.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("inserting stage report %s: %w", stage.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history transaction: %w", err)
	}

	return nil
}

// ListRuns returns the archived runs for a workload, most recent first.
func (s *SQLStore) ListRuns(ctx context.Context, workload string) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, workload, status, failed_stage, error, started_at, finished_at
		 FROM runs WHERE workload = $1`, workload)
	if err != nil {
		return nil, fmt.Errorf("querying runs for %s: %w", workload, err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		var started, finished string
		if err := rows.Scan(&r.RunID, &r.Workload, &r.Status, &r.FailedStage, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}

		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parsing run start time: %w", err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("parsing run finish time: %w", err)
		}

		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Most recent first. Sorted here rather than in SQL so the ramsql test
	// driver and postgres behave identically.
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	return runs, nil
}
