package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
)

// compile-time check that *DB implements every repository interface
var _ repository.Store = (*DB)(nil)

// reportColumns is shared by every SELECT so scanReport stays in sync.
// The users join provides the owner's username.
const reportColumns = `
	r.id, r.user_id, u.username, r.text, r.latitude, r.longitude,
	r.image_url, r.image_key, r.category, r.status, r.created_at, r.updated_at`

const reportFrom = `FROM reports r JOIN users u ON u.id = r.user_id`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(s rowScanner) (model.Report, error) {
	var (
		r        model.Report
		lat, lon sql.NullFloat64
	)
	err := s.Scan(
		&r.ID, &r.OwnerID, &r.OwnerUsername, &r.Text, &lat, &lon,
		&r.ImageURL, &r.ImageKey, &r.Category, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if lat.Valid && lon.Valid {
		r.Coordinates = &model.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return r, nil
}

// nullable converts optional coordinates into SQL parameters.
func nullable(c *model.Coordinates) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Latitude, Valid: true},
		sql.NullFloat64{Float64: c.Longitude, Valid: true}
}

// CreateReport inserts a new report with status pending and fills in ID and
// timestamps. An unknown category is rejected before anything is written.
func (db *DB) CreateReport(ctx context.Context, report *model.Report) error {
	if err := repository.ValidateNewReport(report); err != nil {
		return err
	}

	now := time.Now().UTC()
	report.Status = model.StatusPending
	report.CreatedAt = now
	report.UpdatedAt = now

	lat, lon := nullable(report.Coordinates)

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO reports
			(user_id, text, latitude, longitude, image_url, image_key, category, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.OwnerID,
		report.Text,
		lat,
		lon,
		report.ImageURL,
		report.ImageKey,
		report.Category,
		report.Status,
		report.CreatedAt,
		report.UpdatedAt,
	)
	if err != nil {
		return repository.Classify("creating report", fmt.Errorf("sqlite: creating report: %w", err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading report id: %w", err)
	}
	report.ID = id

	return nil
}

// GetReport retrieves a single report by ID.
func (db *DB) GetReport(ctx context.Context, id int64) (*model.Report, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+reportColumns+` `+reportFrom+` WHERE r.id = ?`, id)

	r, err := scanReport(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("report", strconv.FormatInt(id, 10))
		}
		return nil, repository.Classify("loading report", fmt.Errorf("sqlite: getting report %d: %w", id, err))
	}
	return &r, nil
}

// ListReportsByOwner returns all of one user's reports, newest first.
func (db *DB) ListReportsByOwner(ctx context.Context, ownerID int64) ([]model.Report, error) {
	return db.queryReports(ctx, "listing reports by owner",
		`SELECT `+reportColumns+` `+reportFrom+`
		 WHERE r.user_id = ?
		 ORDER BY r.created_at DESC, r.id DESC`,
		ownerID,
	)
}

// ListReports returns one page of all reports, newest first.
func (db *DB) ListReports(ctx context.Context, opts repository.ListOptions) ([]model.Report, error) {
	opts = opts.Normalize()
	return db.queryReports(ctx, "listing reports",
		`SELECT `+reportColumns+` `+reportFrom+`
		 ORDER BY r.created_at DESC, r.id DESC
		 LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
}

// NearbyReports returns reports within q.RadiusKm of the query point.
//
// SQLite has no geospatial index here, so the query narrows candidates with a
// bounding box on the (latitude, longitude) index and repository.RankNearby
// does the exact haversine filter, ordering and cap in Go.
func (db *DB) NearbyReports(ctx context.Context, q repository.NearbyQuery) ([]model.NearbyReport, error) {
	if q.RadiusKm <= 0 {
		return []model.NearbyReport{}, nil
	}

	box := q.Box()
	candidates, err := db.queryReports(ctx, "searching nearby reports",
		`SELECT `+reportColumns+` `+reportFrom+`
		 WHERE r.latitude IS NOT NULL AND r.longitude IS NOT NULL
		   AND r.latitude BETWEEN ? AND ?
		   AND r.longitude BETWEEN ? AND ?`,
		box.MinLat, box.MaxLat, box.MinLon, box.MaxLon,
	)
	if err != nil {
		return nil, err
	}

	return repository.RankNearby(q, candidates), nil
}

// UpdateReportStatus loads the report, lets mutate decide the new status and
// writes it, all inside one transaction. If mutate fails nothing is written.
func (db *DB) UpdateReportStatus(ctx context.Context, id int64, mutate repository.StatusMutation) (*model.Report, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, repository.Classify("updating report status", fmt.Errorf("sqlite: beginning tx: %w", err))
	}
	// Rollback after Commit is a no-op, so deferring it is always safe.
	defer tx.Rollback()

	r, err := scanReport(tx.QueryRowContext(ctx,
		`SELECT `+reportColumns+` `+reportFrom+` WHERE r.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("report", strconv.FormatInt(id, 10))
		}
		return nil, repository.Classify("updating report status", fmt.Errorf("sqlite: loading report %d: %w", id, err))
	}

	if err := mutate(&r); err != nil {
		return nil, err
	}
	r.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE id = ?`,
		r.Status, r.UpdatedAt, r.ID,
	); err != nil {
		return nil, repository.Classify("updating report status", fmt.Errorf("sqlite: updating report %d: %w", id, err))
	}

	if err := tx.Commit(); err != nil {
		return nil, repository.Classify("updating report status", fmt.Errorf("sqlite: committing report %d: %w", id, err))
	}
	return &r, nil
}

// Stats computes all four counters in one statement, so they always describe
// the same snapshot of the table.
func (db *DB) Stats(ctx context.Context, requesterID int64) (model.Stats, error) {
	var s model.Stats
	err := db.conn.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0)
		 FROM reports`,
		requesterID,
	).Scan(&s.TotalReports, &s.PendingReports, &s.ResolvedReports, &s.UserReports)
	if err != nil {
		return s, repository.Classify("computing stats", fmt.Errorf("sqlite: computing stats: %w", err))
	}
	return s, nil
}

// queryReports runs a multi-row report SELECT and scans every row.
func (db *DB) queryReports(ctx context.Context, op, query string, args ...any) ([]model.Report, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, repository.Classify(op, fmt.Errorf("sqlite: %s: %w", op, err))
	}
	defer rows.Close()

	reports := make([]model.Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning report row: %w", err)
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, repository.Classify(op, fmt.Errorf("sqlite: iterating reports: %w", err))
	}
	return reports, nil
}
