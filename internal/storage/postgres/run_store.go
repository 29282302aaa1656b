// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ilialebedev/metafetcher/internal/store"
)

// RunStoreConfig controls the Postgres connection pool.
type RunStoreConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository over Postgres.
type RunStore struct {
	pool pgxPool
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewRunStoreWithPool(pool pgxPool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// StartPass inserts a running pass row.
func (s *RunStore) StartPass(ctx context.Context, run store.PassRun) error {
	query := `
		INSERT INTO pass_runs (id, run_id, generation, started_at, outcome)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.pool.Exec(ctx, query, run.ID, run.RunID, run.Generation, run.StartedAt, store.PassRunning)
	if err != nil {
		return fmt.Errorf("insert pass run: %w", err)
	}
	return nil
}

// FinishPass closes a pass with its outcome.
func (s *RunStore) FinishPass(ctx context.Context, id uuid.UUID, finishedAt time.Time, outcome store.PassOutcome, errMsg *string) error {
	query := `
		UPDATE pass_runs
		SET finished_at = $1, outcome = $2, error_message = $3
		WHERE id = $4;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, outcome, errMsg, id)
	if err != nil {
		return fmt.Errorf("finish pass run: %w", err)
	}
	return nil
}

// LatestPass returns the most recent pass for a run.
func (s *RunStore) LatestPass(ctx context.Context, runID uuid.UUID) (store.PassRun, error) {
	query := `
		SELECT id, run_id, generation, started_at, finished_at, outcome, error_message
		FROM pass_runs
		WHERE run_id = $1
		ORDER BY started_at DESC
		LIMIT 1;
	`
	var run store.PassRun
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.RunID, &run.Generation, &run.StartedAt,
		&run.FinishedAt, &run.Outcome, &run.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PassRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.PassRun{}, fmt.Errorf("query latest pass: %w", err)
	}
	return run, nil
}

// ListPasses returns passes for a run, newest first.
func (s *RunStore) ListPasses(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.PassRun, error) {
	query := `
		SELECT id, run_id, generation, started_at, finished_at, outcome, error_message
		FROM pass_runs
		WHERE run_id = $1
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer rows.Close()

	var runs []store.PassRun
	for rows.Next() {
		var run store.PassRun
		if err := rows.Scan(
			&run.ID, &run.RunID, &run.Generation, &run.StartedAt,
			&run.FinishedAt, &run.Outcome, &run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan pass run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passes: %w", err)
	}
	return runs, nil
}
