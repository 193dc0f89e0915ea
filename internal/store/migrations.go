package store

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5"

	"background-scheduler/migrations"
)

// migrationLockKey serializes concurrent migrators across processes.
const migrationLockKey = 72_410_001

const bootstrapSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS schema_version (
    id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    version    INT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// RunMigrations applies the embedded SQL migrations in order. Each file runs in its own
// transaction together with the schema_version bump, so the recorded version never gets ahead
// of the tables it describes.
func (s *PostgresStore) RunMigrations(ctx context.Context) (int, error) {
	return s.runMigrations(ctx, migrations.Files)
}

func (s *PostgresStore) runMigrations(ctx context.Context, fsys fs.FS) (int, error) {
	list, err := migrations.List(fsys)
	if err != nil {
		return 0, fmt.Errorf("read migrations: %w", err)
	}
	if _, err := s.pool.Exec(ctx, bootstrapSQL); err != nil {
		return 0, wrap("bootstrap migration tables", err)
	}

	applied := 0
	for _, m := range list {
		ok, err := s.applyMigration(ctx, fsys, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, fsys fs.FS, m migrations.Migration) (bool, error) {
	content, err := fs.ReadFile(fsys, m.Name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", m.Name, err)
	}
	sql := strings.TrimSpace(string(content))

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, wrap("begin migration tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
		return false, wrap("migration lock", err)
	}
	var done bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&done); err != nil {
		return false, wrap("check migration", err)
	}
	if done {
		return false, nil
	}
	if sql != "" {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return false, fmt.Errorf("exec migration %s: %w", m.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return false, fmt.Errorf("record migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_version (id, version, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET version = GREATEST(schema_version.version, EXCLUDED.version), updated_at = now()
	`, m.Version); err != nil {
		return false, fmt.Errorf("bump schema version for %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, wrap("commit migration", err)
	}
	return true, nil
}

// AppliedMigrations lists the migration versions recorded in schema_migrations.
func (s *PostgresStore) AppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, wrap("list applied migrations", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, wrap("list applied migrations", err)
	}
	return versions, nil
}
