package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
)

// reports returns a query over reports joined with the owner's username.
func (s *Store) reports(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&reportRow{}).
		Select("reports.*, users.username AS owner_username").
		Joins("JOIN users ON users.id = reports.user_id")
}

func (s *Store) CreateReport(ctx context.Context, report *model.Report) error {
	if err := repository.ValidateNewReport(report); err != nil {
		return err
	}

	now := time.Now().UTC()
	report.Status = model.StatusPending
	report.CreatedAt = now
	report.UpdatedAt = now

	row := newReportRow(report)
	row.ID = 0
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(&row).Error; err != nil {
		return repository.Classify("creating report", fmt.Errorf("gormstore: creating report: %w", err))
	}
	report.ID = row.ID
	return nil
}

func (s *Store) GetReport(ctx context.Context, id int64) (*model.Report, error) {
	var row reportRow
	err := s.reports(ctx).Where("reports.id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("report", strconv.FormatInt(id, 10))
		}
		return nil, repository.Classify("loading report", fmt.Errorf("gormstore: getting report %d: %w", id, err))
	}
	r := row.toModel()
	return &r, nil
}

func (s *Store) ListReportsByOwner(ctx context.Context, ownerID int64) ([]model.Report, error) {
	var rows []reportRow
	err := s.reports(ctx).
		Where("reports.user_id = ?", ownerID).
		Order("reports.created_at DESC, reports.id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, repository.Classify("listing reports by owner", fmt.Errorf("gormstore: listing reports by owner: %w", err))
	}
	return toModels(rows), nil
}

func (s *Store) ListReports(ctx context.Context, opts repository.ListOptions) ([]model.Report, error) {
	opts = opts.Normalize()

	var rows []reportRow
	err := s.reports(ctx).
		Order("reports.created_at DESC, reports.id DESC").
		Limit(opts.Limit).
		Offset(opts.Offset).
		Find(&rows).Error
	if err != nil {
		return nil, repository.Classify("listing reports", fmt.Errorf("gormstore: listing reports: %w", err))
	}
	return toModels(rows), nil
}

// NearbyReports prefilters with the bounding box and ranks in Go, exactly as
// the database/sql backend does.
func (s *Store) NearbyReports(ctx context.Context, q repository.NearbyQuery) ([]model.NearbyReport, error) {
	if q.RadiusKm <= 0 {
		return []model.NearbyReport{}, nil
	}

	box := q.Box()
	var rows []reportRow
	err := s.reports(ctx).
		Where("reports.latitude IS NOT NULL AND reports.longitude IS NOT NULL").
		Where("reports.latitude BETWEEN ? AND ?", box.MinLat, box.MaxLat).
		Where("reports.longitude BETWEEN ? AND ?", box.MinLon, box.MaxLon).
		Find(&rows).Error
	if err != nil {
		return nil, repository.Classify("searching nearby reports", fmt.Errorf("gormstore: nearby reports: %w", err))
	}
	return repository.RankNearby(q, toModels(rows)), nil
}

// UpdateReportStatus runs load, mutate and save in one transaction. On
// Postgres the row is locked with SELECT ... FOR UPDATE; SQLite serialises
// writers on its own.
func (s *Store) UpdateReportStatus(ctx context.Context, id int64, mutate repository.StatusMutation) (*model.Report, error) {
	var updated model.Report

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&reportRow{}).
			Select("reports.*, users.username AS owner_username").
			Joins("JOIN users ON users.id = reports.user_id").
			Where("reports.id = ?", id)
		if s.isPostgres() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "reports"}})
		}

		var row reportRow
		if err := q.Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperror.NotFound("report", strconv.FormatInt(id, 10))
			}
			return repository.Classify("updating report status", fmt.Errorf("gormstore: loading report %d: %w", id, err))
		}

		r := row.toModel()
		if err := mutate(&r); err != nil {
			return err
		}
		r.UpdatedAt = time.Now().UTC()

		err := tx.Model(&reportRow{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": string(r.Status), "updated_at": r.UpdatedAt}).Error
		if err != nil {
			return repository.Classify("updating report status", fmt.Errorf("gormstore: updating report %d: %w", id, err))
		}

		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

type statsRow struct {
	Total    int64
	Pending  int64
	Resolved int64
	Mine     int64
}

func (s *Store) Stats(ctx context.Context, requesterID int64) (model.Stats, error) {
	var row statsRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0) AS resolved,
			COALESCE(SUM(CASE WHEN user_id = ? THEN 1 ELSE 0 END), 0) AS mine
		FROM reports`, requesterID).Scan(&row).Error
	if err != nil {
		return model.Stats{}, repository.Classify("computing stats", fmt.Errorf("gormstore: computing stats: %w", err))
	}
	return model.Stats{
		TotalReports:    row.Total,
		PendingReports:  row.Pending,
		ResolvedReports: row.Resolved,
		UserReports:     row.Mine,
	}, nil
}

func toModels(rows []reportRow) []model.Report {
	out := make([]model.Report, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}
