// Package repository declares the persistence interfaces the service layer
// depends on. Concrete backends live in subpackages (sqlite, gormstore) and
// are chosen at startup; services never import them directly.
package repository

import (
	"context"
	"strings"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/geo"
	"github.com/sakif/civic-reports/internal/model"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100

	// MaxNearbyResults caps every nearby query regardless of what was asked.
	MaxNearbyResults = 50
)

type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps Limit to [1, MaxListLimit] (defaulting to
// DefaultListLimit) and Offset to >= 0.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// NearbyQuery describes a radius search. Limit <= 0 or > MaxNearbyResults
// means MaxNearbyResults.
type NearbyQuery struct {
	Latitude  float64
	Longitude float64
	RadiusKm  float64
	Limit     int
}

// StatusMutation is applied to a freshly loaded report inside the update
// transaction. It may change report.Status; returning an error aborts the
// update and the error is passed back unchanged.
type StatusMutation func(report *model.Report) error

type ReportRepository interface {
	CreateReport(ctx context.Context, report *model.Report) error
	GetReport(ctx context.Context, id int64) (*model.Report, error)
	ListReportsByOwner(ctx context.Context, ownerID int64) ([]model.Report, error)
	ListReports(ctx context.Context, opts ListOptions) ([]model.Report, error)
	NearbyReports(ctx context.Context, q NearbyQuery) ([]model.NearbyReport, error)
	UpdateReportStatus(ctx context.Context, id int64, mutate StatusMutation) (*model.Report, error)
	Stats(ctx context.Context, requesterID int64) (model.Stats, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)
	// UpsertGitHubUser finds the user linked to user.GitHubID or inserts a new
	// one, filling in ID, Role and CreatedAt.
	UpsertGitHubUser(ctx context.Context, user *model.User) error
	SetUserRole(ctx context.Context, id int64, role model.Role) error
}

// OrphanRepository tracks uploaded objects whose compensating delete failed.
type OrphanRepository interface {
	RecordOrphan(ctx context.Context, key, reason string) error
	ListOrphans(ctx context.Context, limit int) ([]model.OrphanObject, error)
	DeleteOrphan(ctx context.Context, id int64) error
	TouchOrphan(ctx context.Context, id int64) error
}

// Store is everything a backend provides. Both sqlite.DB and gormstore.Store
// satisfy it.
type Store interface {
	ReportRepository
	UserRepository
	OrphanRepository
	Ping(ctx context.Context) error
	Close() error
}

// ValidateNewReport is the check every backend runs before inserting: text
// must be non-blank, category must be known and coordinates, when present,
// must be in range. Nothing is written when it fails.
func ValidateNewReport(report *model.Report) error {
	if strings.TrimSpace(report.Text) == "" {
		return apperror.ValidationFailed("text", "report text is required")
	}
	if _, err := model.ParseCategory(string(report.Category)); err != nil {
		return apperror.ValidationFailed("category", err.Error())
	}
	if c := report.Coordinates; c != nil && !geo.ValidCoordinates(c.Latitude, c.Longitude) {
		return apperror.ValidationFailed("coordinates", "latitude must be in [-90, 90] and longitude in [-180, 180]")
	}
	return nil
}
