// Package app holds the wiring shared by the api and scheduler commands.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"background-scheduler/internal/config"
	"background-scheduler/internal/jobs"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/registry"
	"background-scheduler/internal/scheduler"
	"background-scheduler/internal/store"
	"background-scheduler/internal/trigger"
	"background-scheduler/migrations"
)

// NewRedis returns a client for the trigger queue and rate limiter.
func NewRedis(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// BuildRegistry loads JOBS_FILE into a fresh registry. Handlers that touch the store use st.
func BuildRegistry(ctx context.Context, cfg config.Config, st store.JobStore, log zerolog.Logger) (*registry.Registry, error) {
	reg := registry.New(cfg.DefaultJobTimeout)
	if cfg.JobsFile == "" {
		log.Warn().Msg("JOBS_FILE not set; no jobs registered")
		return reg, nil
	}
	f, err := jobs.LoadFile(cfg.JobsFile)
	if err != nil {
		return nil, err
	}
	uploader, err := jobs.NewUploader(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive uploader: %w", err)
	}
	n, err := jobs.Register(reg, f, jobs.Deps{
		Store:              st,
		Uploader:           uploader,
		HTTP:               &http.Client{Timeout: cfg.WebhookTimeout},
		Logger:             logging.Component(log, "jobs"),
		RetentionMaxAge:    cfg.RetentionMaxAge,
		RetentionBatchSize: cfg.RetentionBatchSize,
	}, cfg.DisabledJobs)
	if err != nil {
		return nil, err
	}
	log.Info().Int("jobs", n).Str("file", cfg.JobsFile).Msg("jobs registered")
	return reg, nil
}

// SchedulerConfig maps process configuration onto the loop's tunables. The expected schema is
// the newest migration compiled into this binary.
func SchedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:   cfg.TickInterval,
		DrainGrace:     cfg.DrainGrace,
		PoolSize:       cfg.PoolSize,
		LockGrace:      cfg.LockGrace,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		InstanceID:     cfg.InstanceID,
		ExpectedSchema: migrations.Latest(),
	}
}

// NewLoop builds a scheduler loop. rdb may be nil, in which case manual triggers are ignored.
func NewLoop(cfg config.Config, reg *registry.Registry, st store.JobStore, rdb *redis.Client, log zerolog.Logger) *scheduler.Loop {
	opts := []scheduler.Option{scheduler.WithLogger(log)}
	if rdb != nil {
		opts = append(opts, scheduler.WithTriggers(trigger.NewRedisQueue(rdb, cfg.TriggerQueueKey)))
	}
	return scheduler.New(SchedulerConfig(cfg), reg, st, opts...)
}
