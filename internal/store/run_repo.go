// Package store declares interfaces for persisting crawl run history.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// PassOutcome mirrors the pass_runs outcome column.
type PassOutcome string

// Pass outcomes persisted in pass_runs.outcome.
const (
	PassRunning  PassOutcome = "running"
	PassComplete PassOutcome = "complete"
	PassQuota    PassOutcome = "quota-exhausted"
	PassError    PassOutcome = "error"
)

// PassRun models one harvest or revisit pass of a crawl run.
type PassRun struct {
	// ID is the primary key of pass_runs.
	ID uuid.UUID
	// RunID groups every pass of one crawl invocation.
	RunID uuid.UUID
	// Generation is 0 for the harvest, N for snapshot N.
	Generation int
	// StartedAt captures when the pass began.
	StartedAt time.Time
	// FinishedAt is nil until the pass ends.
	FinishedAt *time.Time
	// Outcome is running/complete/quota-exhausted/error.
	Outcome PassOutcome
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// RunRepository records pass history for operational visibility. The
// snapshot documents remain the crawl's source of truth; this ledger
// only answers "what ran when".
type RunRepository interface {
	// StartPass inserts a running pass row.
	StartPass(ctx context.Context, run PassRun) error
	// FinishPass closes a pass with its outcome.
	FinishPass(ctx context.Context, id uuid.UUID, finishedAt time.Time, outcome PassOutcome, errMsg *string) error
	// LatestPass returns the most recent pass for a run, or ErrNotFound.
	LatestPass(ctx context.Context, runID uuid.UUID) (PassRun, error)
	// ListPasses returns passes for a run, newest first.
	ListPasses(ctx context.Context, runID uuid.UUID, limit, offset int) ([]PassRun, error)
	// Close releases the underlying resources.
	Close()
}
