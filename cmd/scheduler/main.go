package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"background-scheduler/internal/app"
	"background-scheduler/internal/config"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/scheduler"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
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

	shutdownTracing, err := telemetry.InitTracing(ctx, "scheduler", cfg.OtelExporter, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.New(ctx, cfg.PostgresDSN, int32(cfg.SchedDBMaxConns))
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	rdb := app.NewRedis(cfg)
	defer rdb.Close()

	reg, err := app.BuildRegistry(ctx, cfg, st, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build job registry")
	}
	loop := app.NewLoop(cfg, reg, st, rdb, logger)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = metricsSrv.Shutdown(sctx)
	}()

	logger.Info().
		Str("instance", loop.InstanceID()).
		Dur("tick", cfg.TickInterval).
		Int("pool", cfg.PoolSize).
		Msg("scheduler process started")
	err = loop.Run(ctx)
	switch {
	case errors.Is(err, scheduler.ErrSchemaIncompatible):
		logger.Error().Err(err).Msg("schema changed underneath the scheduler; exiting")
		return 2
	case err != nil:
		logger.Error().Err(err).Msg("scheduler stopped")
		return 1
	}
	return 0
}
