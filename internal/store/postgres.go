package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"background-scheduler/internal/models"
)

// PostgresStore wraps pgxpool for Postgres persistence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*PostgresStore)(nil)

// New creates a pooled connection to Postgres. maxConns bounds the pool so the scheduler and the
// API each get their own connection allotment; zero keeps the pgxpool default.
func New(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
		if cfg.MinConns > maxConns {
			cfg.MinConns = maxConns
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, wrap("connect postgres", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap("ping", s.pool.Ping(ctx))
}

// TryAcquireLock serializes attempts per job name with a transaction-scoped advisory lock, then
// performs a single conditional insert of the running row.
func (s *PostgresStore) TryAcquireLock(ctx context.Context, req LockRequest) (bool, error) {
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	now := req.Now.UTC()
	dueAt := req.DueAt.UTC()
	if req.DueAt.IsZero() {
		dueAt = now
	}
	expires := now.Add(req.TTL)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, wrap("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, req.JobName); err != nil {
		return false, wrap("advisory lock", err)
	}

	// Running rows past their lock expiry were abandoned by their owner.
	if _, err := tx.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = $3, error = $4, lock_token = NULL, lock_expires_at = NULL
		WHERE job_name = $1 AND status = $5 AND lock_expires_at <= $3
	`, req.JobName, models.StatusTimedOut.String(), now, abandonedRunError, models.StatusRunning.String()); err != nil {
		return false, wrap("reconcile abandoned runs", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO job_runs (run_id, job_name, status, started_at, lock_token, lock_expires_at, owner)
		SELECT $1::text, $2::text, $3::text, $4::timestamptz, $5::text, $6::timestamptz, $7::text
		WHERE (SELECT COUNT(*) FROM job_runs WHERE job_name = $2::text AND status = $3::text) < $8::bigint
		  AND NOT EXISTS (SELECT 1 FROM job_runs WHERE job_name = $2::text AND started_at >= $9::timestamptz)
	`, req.RunID, req.JobName, models.StatusRunning.String(), now, req.Token, expires, req.Owner, int64(req.Capacity), dueAt)
	if err != nil {
		return false, wrap("insert run", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, wrap("commit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordOutcome transitions a running run to a terminal status and releases its lock.
func (s *PostgresStore) RecordOutcome(ctx context.Context, runID string, status models.RunStatus, finishedAt time.Time, errMsg string) error {
	if !models.IsValidTransition(models.StatusRunning, status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidOutcome, status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, finished_at = $3, error = $4, lock_token = NULL, lock_expires_at = NULL
		WHERE run_id = $1 AND status = $5
	`, runID, status.String(), finishedAt.UTC(), emptyToNil(errMsg), models.StatusRunning.String())
	if err != nil {
		return wrap("record outcome", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM job_runs WHERE run_id = $1`, runID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return wrap("read run status", err)
	}
	return outcomeConflict(runID, models.RunStatus(current), status)
}

// outcomeConflict decides what a non-applied outcome write means.
func outcomeConflict(runID string, current, requested models.RunStatus) error {
	if current == requested {
		return nil
	}
	if current.Terminal() {
		return fmt.Errorf("%w: run %s is %s, cannot record %s", ErrConflictingOutcome, runID, current, requested)
	}
	return fmt.Errorf("%w: run %s is %s", ErrInvalidOutcome, runID, current)
}

const runColumns = `run_id, job_name, status, started_at, finished_at, lock_token, lock_expires_at, owner, error`

// GetRun fetches a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (models.JobRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM job_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return models.JobRun{}, wrap("scan run", err)
	}
	return run, nil
}

// LastCompleted returns the most recent run of jobName with a terminal status.
func (s *PostgresStore) LastCompleted(ctx context.Context, jobName string) (models.JobRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_name = $1 AND status = ANY($2)
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1
	`, jobName, terminalStatuses())
	return s.optionalRun(row, "last completed run")
}

// LatestRun returns the most recently started run of jobName in any status.
func (s *PostgresStore) LatestRun(ctx context.Context, jobName string) (models.JobRun, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM job_runs
		WHERE job_name = $1
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1
	`, jobName)
	return s.optionalRun(row, "latest run")
}

func (s *PostgresStore) optionalRun(row pgx.Row, what string) (models.JobRun, bool, error) {
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, false, nil
	}
	if err != nil {
		return models.JobRun{}, false, wrap(what, err)
	}
	return run, true, nil
}

// ListRuns returns runs matching q, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, q RunQuery) ([]models.JobRun, error) {
	var (
		where []string
		args  []any
	)
	if q.JobName != "" {
		args = append(args, q.JobName)
		where = append(where, fmt.Sprintf("job_name = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status.String())
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !q.FinishedBefore.IsZero() {
		args = append(args, q.FinishedBefore.UTC())
		where = append(where, fmt.Sprintf("finished_at < $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM job_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, normalizeLimit(q.Limit))
	query += fmt.Sprintf(" ORDER BY started_at DESC, run_id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap("list runs", err)
	}
	defer rows.Close()

	out := make([]models.JobRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrap("scan run", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list runs", err)
	}
	return out, nil
}

// DeleteRuns removes terminal runs. Running rows are never deleted.
func (s *PostgresStore) DeleteRuns(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_runs WHERE run_id = ANY($1) AND status = ANY($2)
	`, runIDs, terminalStatuses())
	if err != nil {
		return 0, wrap("delete runs", err)
	}
	return tag.RowsAffected(), nil
}

// SchemaVersion reads the single-row version record. A store that was never migrated reports 0.
func (s *PostgresStore) SchemaVersion(ctx context.Context) (models.SchemaVersion, error) {
	var v models.SchemaVersion
	err := s.pool.QueryRow(ctx, `SELECT version, updated_at FROM schema_version WHERE id = 1`).Scan(&v.Version, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SchemaVersion{}, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table
		return models.SchemaVersion{}, nil
	}
	if err != nil {
		return models.SchemaVersion{}, wrap("read schema version", err)
	}
	return v, nil
}

func scanRun(row pgx.Row) (models.JobRun, error) {
	var (
		run      models.JobRun
		status   string
		finished pgtype.Timestamptz
		expires  pgtype.Timestamptz
		token    pgtype.Text
		errText  pgtype.Text
	)
	if err := row.Scan(&run.RunID, &run.JobName, &status, &run.StartedAt, &finished, &token, &expires, &run.Owner, &errText); err != nil {
		return models.JobRun{}, err
	}
	run.Status = models.RunStatus(status)
	run.FinishedAt = timePtr(finished)
	run.LockExpiresAt = timePtr(expires)
	run.LockToken = textPtr(token)
	run.Error = textPtr(errText)
	return run, nil
}

func terminalStatuses() []string {
	return []string{string(models.StatusSucceeded), string(models.StatusFailed), string(models.StatusTimedOut)}
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
