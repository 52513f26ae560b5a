// Package db opens the Postgres history database and keeps its schema
// current.
package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	// import db drivers
	_ "github.com/lib/pq"

	"github.com/sevigo/ci-dispatch/internal/config"
)

const (
	pingTimeout     = 5 * time.Second
	migrationsTable = "ci_dispatch_schema_migrations"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var errDirtySchema = errors.New("schema is dirty after an interrupted migration, repair it with 'migrate force <version>'")

// DB is the history database connection pool.
type DB struct {
	*sqlx.DB
}

// NewDatabase connects, verifies the connection and migrates the schema.
// The returned cleanup closes the pool.
func NewDatabase(cfg config.DBConfig, logger *slog.Logger) (*DB, func(), error) {
	conn, err := open(cfg)
	if err != nil {
		return nil, func() {}, err
	}

	db := &DB{DB: conn}
	version, err := db.RunMigrations()
	if err != nil {
		_ = conn.Close()
		return nil, func() {}, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("history database ready", "host", cfg.Host, "database", cfg.Database, "schema_version", version)

	cleanup := func() {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close database connection", "error", err)
		}
	}
	return db, cleanup, nil
}

func open(cfg config.DBConfig) (*sqlx.DB, error) {
	conn, err := sqlx.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// RunMigrations brings the schema up to the newest embedded migration and
// returns the resulting version. A dirty schema is never forced.
func (db *DB) RunMigrations() (uint, error) {
	m, err := db.migrator()
	if err != nil {
		return 0, err
	}

	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	} else if dirty {
		return 0, errDirtySchema
	}

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	target, err := postgres.WithInstance(db.DB.DB, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", target)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return m, nil
}

// DSN builds the lib/pq connection string. SSL defaults to disabled.
func DSN(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, sslMode)
}
