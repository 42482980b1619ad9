package gormstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
)

func (s *Store) RecordOrphan(ctx context.Context, key, reason string) error {
	row := orphanRow{ObjectKey: key, Reason: reason, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("gormstore: recording orphan %q: %w", key, err)
	}
	return nil
}

func (s *Store) ListOrphans(ctx context.Context, limit int) ([]model.OrphanObject, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []orphanRow
	err := s.db.WithContext(ctx).
		Order("attempts ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("gormstore: listing orphans: %w", err)
	}

	out := make([]model.OrphanObject, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.OrphanObject{
			ID:        r.ID,
			Key:       r.ObjectKey,
			Reason:    r.Reason,
			Attempts:  r.Attempts,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) DeleteOrphan(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Delete(&orphanRow{}, id)
	return orphanResult(result, id)
}

func (s *Store) TouchOrphan(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).
		Model(&orphanRow{}).
		Where("id = ?", id).
		Update("attempts", gorm.Expr("attempts + 1"))
	return orphanResult(result, id)
}

func orphanResult(result *gorm.DB, id int64) error {
	if result.Error != nil {
		return fmt.Errorf("gormstore: updating orphan %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("orphan", strconv.FormatInt(id, 10))
	}
	return nil
}
