package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	api "background-scheduler/internal/api"
	"background-scheduler/internal/app"
	"background-scheduler/internal/config"
	"background-scheduler/internal/gate"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/ratelimit"
	"background-scheduler/internal/scheduler"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
	"background-scheduler/internal/trigger"
	"background-scheduler/migrations"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	shutdownTracing, err := telemetry.InitTracing(ctx, "scheduler-api", cfg.OtelExporter, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.New(ctx, cfg.PostgresDSN, int32(cfg.APIDBMaxConns))
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if cfg.AutoMigrate {
		applied, err := st.RunMigrations(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		logger.Info().Int("applied", applied).Msg("migrations up to date")
	}

	rdb := app.NewRedis(cfg)
	defer rdb.Close()

	reg, err := app.BuildRegistry(ctx, cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build job registry")
	}

	deps := api.Deps{
		Runs:     st,
		Registry: reg,
		Gate:     gate.New(st, migrations.Latest()),
		Triggers: trigger.NewRedisQueue(rdb, cfg.TriggerQueueKey),
		Limiter:  ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Logger:   logger,
	}

	// The in-process loop gets its own pool so a busy scheduler cannot starve API reads.
	var loopDone sync.WaitGroup
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	if ok, reason := scheduler.ShouldStart(ctx, cfg.EnableScheduler, cfg.SchedRequireDB, st); ok {
		schedStore, err := store.New(ctx, cfg.PostgresDSN, int32(cfg.SchedDBMaxConns))
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres for scheduler")
		}
		defer schedStore.Close()

		schedReg, err := app.BuildRegistry(ctx, cfg, schedStore, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("build scheduler registry")
		}
		loop := app.NewLoop(cfg, schedReg, schedStore, rdb, logger)
		deps.Loop = loop

		loopDone.Add(1)
		go func() {
			defer loopDone.Done()
			if err := loop.Run(loopCtx); err != nil {
				// The API keeps serving; the loop fails closed.
				logger.Error().Err(err).Msg("in-process scheduler stopped")
			}
		}()
	} else {
		logger.Info().Str("reason", reason).Msg("in-process scheduler not started")
	}

	server := api.New(deps)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().Str("port", cfg.HTTPPort).Bool("scheduler", deps.Loop != nil).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	stopLoop()
	loopDone.Wait()
	logger.Info().Msg("api stopped")
}
