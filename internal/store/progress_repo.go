package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the crawl_runs status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one row of crawl_runs.
type Run struct {
	ID           uuid.UUID
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	Succeeded    int64
	Failed       int64
	TotalChanges int64
	AuthRefresh  int64
	LastUpdate   time.Time
	ErrorMessage *string
}

// RunDelta is an increment applied to a run's counters.
type RunDelta struct {
	Succeeded   int64
	Failed      int64
	Changes     int64
	AuthRefresh int64
}

// Empty reports whether the delta changes nothing.
func (d RunDelta) Empty() bool {
	return d == RunDelta{}
}

// RunRepository persists crawl run history.
type RunRepository interface {
	// StartRun inserts the run or leaves an existing row untouched.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AddRunCounts applies counter deltas.
	AddRunCounts(ctx context.Context, runID uuid.UUID, delta RunDelta, at time.Time) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
