package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/vaidashi/failure-recovery/internal/config"
	"github.com/vaidashi/failure-recovery/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Database represents a database connection
type Database struct {
	DB     *sqlx.DB
	logger logger.Logger
}

// New creates a new database connection
func New(cfg *config.Config, logger logger.Logger) (*Database, error) {
	return Connect(cfg.GetDBConnString(), cfg.DB, logger)
}

// Connect opens a connection pool for the given DSN
func Connect(dsn string, pool config.DBConfig, logger logger.Logger) (*Database, error) {
	db, err := sqlx.Connect("postgres", dsn)

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	logger.Info("Connected to database", "host", pool.Host, "database", pool.Name)

	return &Database{
		DB:     db,
		logger: logger,
	}, nil
}

// Ping checks the database connection
func (d *Database) Ping(ctx context.Context) error {
	return d.DB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.DB.Close()
}

// RunMigrations applies the embedded goose migrations
func (d *Database) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, d.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, err := goose.GetDBVersionContext(ctx, d.DB.DB)

	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	d.logger.Info("Database migrations completed successfully", "version", version)
	return nil
}

// MigrationStatus logs the state of every migration
func (d *Database) MigrationStatus(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	return goose.StatusContext(ctx, d.DB.DB, "migrations")
}

// ResetMigrations rolls back every migration
func (d *Database) ResetMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	return goose.ResetContext(ctx, d.DB.DB, "migrations")
}
