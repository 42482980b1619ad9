package gormstore

import (
	"time"

	"github.com/sakif/civic-reports/internal/model"
)

// Row types are kept separate from model types so GORM tags and nullable
// columns never leak into the domain.

type userRow struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	Username     string `gorm:"size:50;not null;uniqueIndex"`
	PasswordHash string `gorm:"not null;default:''"`
	GitHubID     *int64 `gorm:"column:github_id;uniqueIndex"`
	Role         string `gorm:"size:20;not null;default:citizen"`
	CreatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

func (r userRow) toModel() *model.User {
	u := &model.User{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         model.Role(r.Role),
		CreatedAt:    r.CreatedAt,
	}
	if r.GitHubID != nil {
		u.GitHubID = *r.GitHubID
	}
	return u
}

type reportRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	UserID    int64     `gorm:"not null;index"`
	Owner     userRow   `gorm:"foreignKey:UserID;constraint:OnDelete:RESTRICT"`
	Text      string    `gorm:"not null"`
	Latitude  *float64  `gorm:"index:idx_reports_location"`
	Longitude *float64  `gorm:"index:idx_reports_location"`
	ImageURL  string    `gorm:"not null;default:''"`
	ImageKey  string    `gorm:"not null;default:''"`
	Category  string    `gorm:"size:32;not null;index"`
	Status    string    `gorm:"size:32;not null;default:pending;index"`
	CreatedAt time.Time `gorm:"index:idx_reports_created_at,sort:desc"`
	UpdatedAt time.Time

	// Filled by the users join on reads; never written or migrated.
	OwnerUsername string `gorm:"->;-:migration"`
}

func (reportRow) TableName() string { return "reports" }

func newReportRow(r *model.Report) reportRow {
	row := reportRow{
		ID:        r.ID,
		UserID:    r.OwnerID,
		Text:      r.Text,
		ImageURL:  r.ImageURL,
		ImageKey:  r.ImageKey,
		Category:  string(r.Category),
		Status:    string(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Coordinates != nil {
		lat, lon := r.Coordinates.Latitude, r.Coordinates.Longitude
		row.Latitude, row.Longitude = &lat, &lon
	}
	return row
}

func (r reportRow) toModel() model.Report {
	out := model.Report{
		ID:            r.ID,
		OwnerID:       r.UserID,
		OwnerUsername: r.OwnerUsername,
		Text:          r.Text,
		ImageURL:      r.ImageURL,
		ImageKey:      r.ImageKey,
		Category:      model.Category(r.Category),
		Status:        model.Status(r.Status),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.Latitude != nil && r.Longitude != nil {
		out.Coordinates = &model.Coordinates{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	return out
}

type orphanRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ObjectKey string `gorm:"not null"`
	Reason    string `gorm:"not null;default:''"`
	Attempts  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
}

func (orphanRow) TableName() string { return "orphan_objects" }
