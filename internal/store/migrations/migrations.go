// Package migrations applies the embedded postgres schema with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

const (
	dialectPostgres = "postgres"
	migrationsDir   = "sql"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Migrator wraps goose over a pgx pool.
type Migrator struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMigrator opens a database/sql handle over the pool for goose.
func NewMigrator(pool *pgxpool.Pool, logger *zap.Logger) (*Migrator, error) {
	if pool == nil {
		return nil, fmt.Errorf("migrator: pool is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect(dialectPostgres); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	return &Migrator{db: stdlib.OpenDBFromPool(pool), logger: logger}, nil
}

// Up applies all pending migrations.
func (migrator *Migrator) Up(ctx context.Context) error {
	migrator.logger.Info("applying database migrations")
	if err := goose.UpContext(ctx, migrator.db, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := migrator.Version(ctx)
	if err != nil {
		return err
	}
	migrator.logger.Info("migrations applied", zap.Int64("version", version))
	return nil
}

// Version reports the current schema version.
func (migrator *Migrator) Version(ctx context.Context) (int64, error) {
	version, err := goose.GetDBVersionContext(ctx, migrator.db)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return version, nil
}

// Close releases the database/sql handle; the pool stays open.
func (migrator *Migrator) Close() error {
	if migrator.db != nil {
		return migrator.db.Close()
	}
	return nil
}

// Files exposes the embedded migrations, mainly for inspection in tests.
func Files() embed.FS {
	return migrationFiles
}
