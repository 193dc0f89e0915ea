package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-scheduler/internal/config"
	"background-scheduler/internal/store"
	"background-scheduler/migrations"
)

const jobsYAML = `
jobs:
  - name: prune-runs
    schedule: "cron:30 2 * * *"
    kind: retention
  - name: warm-cache
    schedule: 15m
    kind: webhook
    params:
      url: http://localhost:1/warm
  - name: beat
    schedule: 1m
    kind: log
`

func TestBuildRegistryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobsYAML), 0o644))

	cfg := config.Config{
		JobsFile:           path,
		DisabledJobs:       []string{"beat"},
		DefaultJobTimeout:  2 * time.Minute,
		RetentionMaxAge:    24 * time.Hour,
		RetentionBatchSize: 50,
		ArchiveDir:         filepath.Join(dir, "archive"),
		WebhookTimeout:     time.Second,
	}
	reg, err := BuildRegistry(context.Background(), cfg, store.NewMemoryStore(migrations.Latest()), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	def, ok := reg.Get("warm-cache")
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, def.Timeout)
	_, ok = reg.Get("beat")
	assert.False(t, ok)
}

func TestBuildRegistryWithoutFile(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), config.Config{}, store.NewMemoryStore(1), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, reg.Len())
}

func TestBuildRegistryMissingFile(t *testing.T) {
	cfg := config.Config{JobsFile: filepath.Join(t.TempDir(), "nope.yaml")}
	_, err := BuildRegistry(context.Background(), cfg, store.NewMemoryStore(1), zerolog.Nop())
	require.Error(t, err)
}

func TestSchedulerConfigExpectsLatestMigration(t *testing.T) {
	cfg := config.Config{TickInterval: 2 * time.Second, PoolSize: 8, InstanceID: "node-a"}
	sc := SchedulerConfig(cfg)
	assert.Equal(t, migrations.Latest(), sc.ExpectedSchema)
	assert.Equal(t, 2*time.Second, sc.TickInterval)
	assert.Equal(t, 8, sc.PoolSize)
	assert.Equal(t, "node-a", sc.InstanceID)

	loop := NewLoop(cfg, nil, nil, nil, zerolog.Nop())
	assert.Equal(t, "node-a", loop.InstanceID())
}
