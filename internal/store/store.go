package store

import (
	"context"
	"errors"
	"time"

	"background-scheduler/internal/models"
)

var (
	// ErrStoreUnavailable marks connectivity failures. Callers retry; it is never fatal.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrConflictingOutcome is returned when a run already holds a different terminal status.
	ErrConflictingOutcome = errors.New("conflicting run outcome")
	ErrRunNotFound        = errors.New("run not found")
	ErrInvalidOutcome     = errors.New("invalid run outcome")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// LockRequest describes one attempt to start a run of a job.
type LockRequest struct {
	JobName string
	RunID   string
	Token   string
	Owner   string
	Now     time.Time
	// DueAt is the occurrence being claimed; a run that already started at or after it wins.
	DueAt    time.Time
	TTL      time.Duration
	Capacity int
}

// RunQuery filters run history listings. Results are newest first.
type RunQuery struct {
	JobName        string
	Status         models.RunStatus
	FinishedBefore time.Time
	Limit          int
}

// RunReader is the read-only view the API layer is allowed to use.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (models.JobRun, error)
	ListRuns(ctx context.Context, q RunQuery) ([]models.JobRun, error)
	LastCompleted(ctx context.Context, jobName string) (models.JobRun, bool, error)
	LatestRun(ctx context.Context, jobName string) (models.JobRun, bool, error)
	SchemaVersion(ctx context.Context) (models.SchemaVersion, error)
	Ping(ctx context.Context) error
}

// JobStore is the persistence contract the scheduler loop writes through.
type JobStore interface {
	RunReader
	// TryAcquireLock atomically creates a running JobRun when the job has capacity and the
	// occurrence at req.DueAt was not already claimed. Running rows whose lock expired are
	// reconciled to timed_out first.
	TryAcquireLock(ctx context.Context, req LockRequest) (bool, error)
	// RecordOutcome moves a running run to a terminal status. Repeating the same status is a
	// no-op; a different terminal status fails with ErrConflictingOutcome.
	RecordOutcome(ctx context.Context, runID string, status models.RunStatus, finishedAt time.Time, errMsg string) error
	// DeleteRuns removes terminal runs by id and reports how many were deleted.
	DeleteRuns(ctx context.Context, runIDs []string) (int64, error)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

const abandonedRunError = "lock expired before an outcome was recorded"
