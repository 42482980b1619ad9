package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
)

// RecordOrphan remembers an object key whose delete failed.
func (db *DB) RecordOrphan(ctx context.Context, key, reason string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO orphan_objects (object_key, reason, created_at) VALUES (?, ?, ?)`,
		key, reason, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording orphan %q: %w", key, err)
	}
	return nil
}

// ListOrphans returns up to limit orphans, least-retried first.
func (db *DB) ListOrphans(ctx context.Context, limit int) ([]model.OrphanObject, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, object_key, reason, attempts, created_at
		 FROM orphan_objects
		 ORDER BY attempts ASC, id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing orphans: %w", err)
	}
	defer rows.Close()

	orphans := make([]model.OrphanObject, 0)
	for rows.Next() {
		var o model.OrphanObject
		if err := rows.Scan(&o.ID, &o.Key, &o.Reason, &o.Attempts, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning orphan row: %w", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating orphans: %w", err)
	}
	return orphans, nil
}

// DeleteOrphan forgets an orphan once its object is gone.
func (db *DB) DeleteOrphan(ctx context.Context, id int64) error {
	return db.execOrphan(ctx, `DELETE FROM orphan_objects WHERE id = ?`, id)
}

// TouchOrphan counts another failed delete attempt.
func (db *DB) TouchOrphan(ctx context.Context, id int64) error {
	return db.execOrphan(ctx, `UPDATE orphan_objects SET attempts = attempts + 1 WHERE id = ?`, id)
}

func (db *DB) execOrphan(ctx context.Context, query string, id int64) error {
	result, err := db.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("sqlite: updating orphan %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("orphan", strconv.FormatInt(id, 10))
	}
	return nil
}
