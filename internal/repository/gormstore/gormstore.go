// Package gormstore implements the repository interfaces on top of GORM.
//
// It exists for deployments that want a real database server: "postgres"
// uses gorm.io/driver/postgres, while "sqlite" uses the pure-Go
// github.com/glebarez/sqlite dialector, which is what the tests run on.
//
// The SQL semantics match the raw database/sql backend in ../sqlite. Both
// share repository.RankNearby for the exact nearby rule, so switching
// backends never changes what a query returns.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sakif/civic-reports/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store is a repository.Store backed by a *gorm.DB.
type Store struct {
	db *gorm.DB
}

// Config selects the dialect and pool size.
type Config struct {
	Driver       string // "postgres" or "sqlite"
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects, sizes the pool and runs AutoMigrate.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: opening %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gormstore: getting sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("database opened", slog.String("driver", cfg.Driver))
	return s, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "sqlite3", "gorm-sqlite":
		if err := ensureSQLiteDirectory(cfg.DSN); err != nil {
			return nil, err
		}
		return gormsqlite.Open(cfg.DSN), nil
	}
	return nil, fmt.Errorf("gormstore: unsupported database driver %q", cfg.Driver)
}

func ensureSQLiteDirectory(dsn string) error {
	candidate := strings.TrimSpace(dsn)
	if candidate == "" || strings.Contains(candidate, ":memory:") {
		return nil
	}
	candidate = strings.TrimPrefix(candidate, "file:")
	if idx := strings.Index(candidate, "?"); idx >= 0 {
		candidate = candidate[:idx]
	}

	dir := filepath.Dir(candidate)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("gormstore: creating sqlite directory %q: %w", dir, err)
	}
	return nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&userRow{}, &reportRow{}, &orphanRow{}); err != nil {
		return fmt.Errorf("gormstore: migrating: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("gormstore: ping: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}
