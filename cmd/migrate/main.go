package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"background-scheduler/internal/config"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/store"
	"background-scheduler/migrations"
)

const usage = "usage: migrate up|version"

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	switch os.Args[1] {
	case "up":
		applied, err := st.RunMigrations(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", applied).Int("latest", migrations.Latest()).Msg("migrations up to date")
	case "version":
		v, err := st.SchemaVersion(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("read schema version")
		}
		applied, err := st.AppliedMigrations(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("list applied migrations")
		}
		fmt.Printf("schema_version=%d binary_expects=%d applied=%v\n", v.Version, migrations.Latest(), applied)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}
