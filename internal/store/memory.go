package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"background-scheduler/internal/models"
)

// MemoryStore is an in-process JobStore with the same locking rules as PostgresStore.
// It backs tests and local runs without a database.
type MemoryStore struct {
	mu          sync.Mutex
	runs        map[string]models.JobRun
	schema      models.SchemaVersion
	unavailable error
}

var _ JobStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store reporting the given schema version.
func NewMemoryStore(schemaVersion int) *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]models.JobRun),
		schema: models.SchemaVersion{Version: schemaVersion, UpdatedAt: time.Now().UTC()},
	}
}

// SetSchemaVersion changes the version reported by SchemaVersion.
func (m *MemoryStore) SetSchemaVersion(v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schema = models.SchemaVersion{Version: v, UpdatedAt: time.Now().UTC()}
}

// SetUnavailable makes every call fail with ErrStoreUnavailable until cleared with false.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if down {
		m.unavailable = fmt.Errorf("%w: memory store offline", ErrStoreUnavailable)
		return
	}
	m.unavailable = nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.unavailable
}

func (m *MemoryStore) TryAcquireLock(ctx context.Context, req LockRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	if req.Capacity <= 0 {
		req.Capacity = 1
	}
	now := req.Now.UTC()
	dueAt := req.DueAt.UTC()
	if req.DueAt.IsZero() {
		dueAt = now
	}

	running, claimed := 0, false
	for id, run := range m.runs {
		if run.JobName != req.JobName {
			continue
		}
		if run.Status == models.StatusRunning {
			if run.LockExpiresAt != nil && !run.LockExpiresAt.After(now) {
				// reconciled runs free their slot but still hold their occurrence
				m.runs[id] = finish(run, models.StatusTimedOut, now, abandonedRunError)
			} else {
				running++
			}
		}
		if !run.StartedAt.Before(dueAt) {
			claimed = true
		}
	}
	if claimed || running >= req.Capacity {
		return false, nil
	}
	if _, exists := m.runs[req.RunID]; exists {
		return false, fmt.Errorf("run %s already exists", req.RunID)
	}

	token := req.Token
	expires := now.Add(req.TTL)
	m.runs[req.RunID] = models.JobRun{
		RunID:         req.RunID,
		JobName:       req.JobName,
		Status:        models.StatusRunning,
		StartedAt:     now,
		LockToken:     &token,
		LockExpiresAt: &expires,
		Owner:         req.Owner,
	}
	return true, nil
}

func (m *MemoryStore) RecordOutcome(ctx context.Context, runID string, status models.RunStatus, finishedAt time.Time, errMsg string) error {
	if !models.IsValidTransition(models.StatusRunning, status) {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidOutcome, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if !models.IsValidTransition(run.Status, status) {
		return outcomeConflict(runID, run.Status, status)
	}
	m.runs[runID] = finish(run, status, finishedAt.UTC(), errMsg)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return models.JobRun{}, err
	}
	run, ok := m.runs[runID]
	if !ok {
		return models.JobRun{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

func (m *MemoryStore) LastCompleted(ctx context.Context, jobName string) (models.JobRun, bool, error) {
	return m.latest(ctx, jobName, func(r models.JobRun) bool { return r.Status.Terminal() })
}

func (m *MemoryStore) LatestRun(ctx context.Context, jobName string) (models.JobRun, bool, error) {
	return m.latest(ctx, jobName, func(models.JobRun) bool { return true })
}

func (m *MemoryStore) latest(ctx context.Context, jobName string, keep func(models.JobRun) bool) (models.JobRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return models.JobRun{}, false, err
	}
	var (
		best  models.JobRun
		found bool
	)
	for _, run := range m.runs {
		if run.JobName != jobName || !keep(run) {
			continue
		}
		if !found || newer(run, best) {
			best, found = run, true
		}
	}
	return best, found, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, q RunQuery) ([]models.JobRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]models.JobRun, 0)
	for _, run := range m.runs {
		if q.JobName != "" && run.JobName != q.JobName {
			continue
		}
		if q.Status != "" && run.Status != q.Status {
			continue
		}
		if !q.FinishedBefore.IsZero() && (run.FinishedAt == nil || !run.FinishedAt.Before(q.FinishedBefore)) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if limit := normalizeLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRuns(ctx context.Context, runIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for _, id := range runIDs {
		if run, ok := m.runs[id]; ok && run.Status.Terminal() {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SchemaVersion(ctx context.Context) (models.SchemaVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return models.SchemaVersion{}, err
	}
	return m.schema, nil
}

// check must be called with mu held.
func (m *MemoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.unavailable
}

func finish(run models.JobRun, status models.RunStatus, at time.Time, errMsg string) models.JobRun {
	run.Status = status
	run.FinishedAt = &at
	run.LockToken = nil
	run.LockExpiresAt = nil
	run.Error = emptyToNil(errMsg)
	return run
}

func newer(a, b models.JobRun) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.After(b.StartedAt)
	}
	return a.RunID > b.RunID
}
