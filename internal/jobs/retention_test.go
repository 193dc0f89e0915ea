package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-scheduler/internal/models"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
)

var now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, st *store.MemoryStore, job, id string, started time.Time, finish bool) {
	t.Helper()
	ctx := context.Background()
	ok, err := st.TryAcquireLock(ctx, store.LockRequest{
		JobName: job, RunID: id, Token: "tok-" + id, Owner: "test",
		Now: started, DueAt: started, TTL: time.Hour, Capacity: 10,
	})
	require.NoError(t, err)
	require.True(t, ok)
	if finish {
		require.NoError(t, st.RecordOutcome(ctx, id, models.StatusSucceeded, started.Add(time.Second), ""))
	}
}

func remaining(t *testing.T, st *store.MemoryStore) []string {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), store.RunQuery{Limit: store.MaxListLimit})
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	return ids
}

func TestRetentionPrunesOldTerminalRuns(t *testing.T) {
	st := store.NewMemoryStore(1)
	for i := 0; i < 5; i++ {
		seedRun(t, st, "sync", fmt.Sprintf("old-%d", i), now.Add(-40*24*time.Hour+time.Duration(i)*time.Minute), true)
	}
	seedRun(t, st, "sync", "recent", now.Add(-time.Hour), true)
	seedRun(t, st, "slow", "still-running", now.Add(-50*24*time.Hour), false)

	dir := t.TempDir()
	before := testutil.ToFloat64(telemetry.RunsPruned)
	h, err := buildRetention(Spec{Name: "retention", Params: map[string]any{
		"max_age":    "720h",
		"batch_size": 2,
		"archive":    true,
	}}, Deps{Store: st, Uploader: &LocalUploader{BaseDir: dir}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, h(context.Background(), models.JobRun{RunID: "ret-1", JobName: "retention", StartedAt: now}))

	assert.ElementsMatch(t, []string{"recent", "still-running"}, remaining(t, st))
	assert.Equal(t, 5.0, testutil.ToFloat64(telemetry.RunsPruned)-before)

	files, err := filepath.Glob(filepath.Join(dir, "*", "ret-1-*.ndjson"))
	require.NoError(t, err)
	require.Len(t, files, 3)

	archived := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		require.NoError(t, err)
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			var run models.JobRun
			require.NoError(t, json.Unmarshal(sc.Bytes(), &run))
			assert.Equal(t, models.StatusSucceeded, run.Status)
			archived++
		}
	}
	assert.Equal(t, 5, archived)
}

func TestRetentionWithoutArchive(t *testing.T) {
	st := store.NewMemoryStore(1)
	seedRun(t, st, "sync", "old", now.Add(-48*time.Hour), true)

	h, err := buildRetention(Spec{Name: "retention"}, Deps{Store: st, Logger: zerolog.Nop(), RetentionMaxAge: 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), models.JobRun{RunID: "r", StartedAt: now}))
	assert.Empty(t, remaining(t, st))
}

func TestRetentionStoreDown(t *testing.T) {
	st := store.NewMemoryStore(1)
	h, err := buildRetention(Spec{Name: "retention"}, Deps{Store: st, Logger: zerolog.Nop(), RetentionMaxAge: time.Hour})
	require.NoError(t, err)

	st.SetUnavailable(true)
	err = h(context.Background(), models.JobRun{RunID: "r", StartedAt: now})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
}

func TestRetentionConfigErrors(t *testing.T) {
	st := store.NewMemoryStore(1)
	_, err := buildRetention(Spec{Name: "r"}, Deps{Store: st})
	assert.Error(t, err, "max_age must be set")

	_, err = buildRetention(Spec{Name: "r", Params: map[string]any{"archive": true}}, Deps{Store: st, RetentionMaxAge: time.Hour})
	assert.Error(t, err, "archive without uploader")

	_, err = buildRetention(Spec{Name: "r"}, Deps{RetentionMaxAge: time.Hour})
	assert.Error(t, err, "no store")
}
