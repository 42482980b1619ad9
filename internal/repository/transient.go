package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/civic-reports/internal/apperror"
)

// SQLite result codes. Extended codes (e.g. SQLITE_BUSY_SNAPSHOT = 517)
// share the low byte with their primary code.
const (
	sqliteBusy            = sqlite3.SQLITE_BUSY
	sqliteLocked          = sqlite3.SQLITE_LOCKED
	sqliteUniqueViolation = sqlite3.SQLITE_CONSTRAINT_UNIQUE
	sqlitePrimaryKeyClash = sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
)

// IsTransient reports whether err is a temporary storage condition rather
// than a bug or a bad request.
//
// Backends surface very different error types (the sqlite driver
// exposes Code() int, pgx exposes SQLState() string), so we match on those
// method sets instead of importing every driver here.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}

	var pg interface{ SQLState() string }
	if errors.As(err, &pg) {
		state := pg.SQLState()
		// 08xxx connection exception, 57P0x operator intervention (shutdown),
		// 53xxx insufficient resources, 40001 serialization failure.
		if strings.HasPrefix(state, "08") || strings.HasPrefix(state, "57P") ||
			strings.HasPrefix(state, "53") || state == "40001" {
			return true
		}
	}

	return false
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure:
// SQLITE_CONSTRAINT_UNIQUE / PRIMARYKEY (2067 / 1555) or Postgres 23505.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		if c := coded.Code(); c == sqliteUniqueViolation || c == sqlitePrimaryKeyClash {
			return true
		}
	}

	var pg interface{ SQLState() string }
	if errors.As(err, &pg) && pg.SQLState() == "23505" {
		return true
	}

	// Some drivers only report the primary code; fall back to the message.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Classify converts transient failures into apperror.StorageUnavailable and
// leaves everything else alone. op names the operation for the message.
func Classify(op string, err error) error {
	if IsTransient(err) {
		return apperror.StorageUnavailable(op, err)
	}
	return err
}
