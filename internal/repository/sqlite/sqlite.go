// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// The whole database is a single file (or ":memory:" in tests). The driver is
// github.com/glebarez/go-sqlite, the database/sql front end of the pure Go
// modernc.org/sqlite engine, so no C toolchain is needed.
//
// DRIVER REGISTRATION:
// glebarez/go-sqlite and modernc.org/sqlite both register a driver named
// "sqlite", and a binary may only contain one of them. gormstore's sqlite
// dialect already links glebarez/go-sqlite, so this package uses it too and
// must never import the modernc.org/sqlite root package.
//
// CONNECTION SETTINGS:
// A *sql.DB is a pool, and SQLite PRAGMAs are per-connection. For file
// databases we pass them as "_pragma" DSN parameters so every pooled
// connection gets them:
//   - busy_timeout(5000): wait up to 5s for a lock instead of failing fast
//   - foreign_keys(1): reports.user_id must point at a real user
//   - _txlock=immediate: transactions take the write lock up front, so a
//     read-then-write transaction can never deadlock against another writer
//
// ":memory:" is different: every new connection would get its OWN empty
// database. We pin the pool to a single connection so all queries see the
// same data.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	// The blank import registers the "sqlite" driver with database/sql.
	_ "github.com/glebarez/go-sqlite"
)

// DB wraps a sql.DB connection pool and provides repository methods.
// It implements repository.Store.
type DB struct {
	conn *sql.DB
}

// Option tunes the connection pool.
type Option func(*sql.DB)

// WithPool sets the pool limits. Ignored for in-memory databases.
func WithPool(maxOpen, maxIdle int) Option {
	return func(conn *sql.DB) {
		if maxOpen > 0 {
			conn.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			conn.SetMaxIdleConns(maxIdle)
		}
		conn.SetConnMaxIdleTime(5 * time.Minute)
	}
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/civic.db"  → file-based database (persistent)
//   - ":memory:"       → in-memory database (tests)
func New(dbPath string, opts ...Option) (*DB, error) {
	memory := isMemory(dbPath)

	conn, err := sql.Open("sqlite", dsn(dbPath, memory))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		for _, opt := range opts {
			opt(conn)
		}
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if memory {
		// Single pinned connection, so a one-off PRAGMA is enough.
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
		}
	} else {
		// journal_mode is stored in the file, so setting it once is enough.
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

func isMemory(dbPath string) bool {
	return dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory")
}

func dsn(dbPath string, memory bool) string {
	if memory {
		return dbPath
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(dbPath, "file:") + sep + q.Encode()
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database is reachable. Used by the /health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping: %w", err)
	}
	return nil
}

// migrate runs all database migrations.
//
// CREATE TABLE IF NOT EXISTS is idempotent, and columns added after the
// first release go through addColumnIfNotExists so old files upgrade in place.
func (db *DB) migrate() error {
	// users: password_hash is empty for GitHub-only accounts.
	// github_id is nullable; UNIQUE ignores NULLs in SQLite.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL DEFAULT '',
			github_id     INTEGER UNIQUE,
			role          TEXT NOT NULL DEFAULT 'citizen',
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id    INTEGER NOT NULL REFERENCES users(id),
			text       TEXT NOT NULL,
			latitude   REAL,
			longitude  REAL,
			image_url  TEXT NOT NULL DEFAULT '',
			category   TEXT NOT NULL CHECK (category IN
				('infrastructure','safety','environment','transportation','utilities','other')),
			status     TEXT NOT NULL DEFAULT 'pending' CHECK (status IN
				('pending','in_progress','resolved','rejected')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CHECK ((latitude IS NULL) = (longitude IS NULL))
		);
		CREATE INDEX IF NOT EXISTS idx_reports_user_id ON reports(user_id);
		CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
		CREATE INDEX IF NOT EXISTS idx_reports_category ON reports(category);
		CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_reports_location ON reports(latitude, longitude);
	`)
	if err != nil {
		return fmt.Errorf("creating reports table: %w", err)
	}

	// image_key is the object store path, needed to delete an uploaded photo.
	if err := db.addColumnIfNotExists("reports", "image_key", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("adding image_key to reports: %w", err)
	}
	// updated_at tracks the last status change. ALTER TABLE cannot use a
	// non-constant default, so existing rows start at the epoch.
	if err := db.addColumnIfNotExists("reports", "updated_at",
		"DATETIME NOT NULL DEFAULT '1970-01-01 00:00:00'"); err != nil {
		return fmt.Errorf("adding updated_at to reports: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS orphan_objects (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			object_key TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating orphan_objects table: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
// Makes ALTER TABLE migrations idempotent.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil // column already exists
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}
