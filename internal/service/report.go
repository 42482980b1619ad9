// Package service contains the business logic layer of the application.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (Business layer) → validates, enforces rules, orchestrates
//	Repository (Data layer)  → reads/writes to the database
//
// Services take repository interfaces, never a concrete backend, so the same
// code runs against sqlite, Postgres or the in-memory fakes in the tests.
//
// THE DEPENDENCY CHAIN:
//
//	server.New creates: Store → Services → Handlers
//	At runtime:         Handler calls Service calls Repository calls DB
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/events"
	"github.com/sakif/civic-reports/internal/geo"
	"github.com/sakif/civic-reports/internal/lifecycle"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
	"github.com/sakif/civic-reports/internal/storage"
)

const (
	MaxReportTextLength = 5000

	// DefaultNearbyRadiusKm is used when a nearby search gives no radius.
	DefaultNearbyRadiusKm = 5.0

	// compensationTimeout bounds the cleanup delete after a failed insert.
	// It runs on a fresh context because the request's may already be done.
	compensationTimeout = 15 * time.Second
)

// CreateReportInput is everything a client may send when filing a report.
// Latitude and Longitude are pointers because both are optional, but only
// together.
type CreateReportInput struct {
	OwnerID   int64
	Text      string
	Category  string
	Latitude  *float64
	Longitude *float64
	Image     *storage.UploadInput
}

// ReportService handles business logic for civic reports.
type ReportService struct {
	reports      repository.ReportRepository
	orphans      repository.OrphanRepository
	objects      storage.ObjectStore
	publisher    events.Publisher
	machine      *lifecycle.Machine
	logger       *slog.Logger
	queryTimeout time.Duration
}

// ReportOption configures optional ReportService behaviour.
type ReportOption func(*ReportService)

// WithQueryTimeout bounds every repository call made by the service.
// Zero (the default) leaves the caller's context alone.
func WithQueryTimeout(d time.Duration) ReportOption {
	return func(s *ReportService) { s.queryTimeout = d }
}

// NewReportService creates a ReportService.
//
// objects may be nil, in which case reports with images are rejected.
// publisher may be nil, in which case no events are sent.
func NewReportService(
	reports repository.ReportRepository,
	orphans repository.OrphanRepository,
	objects storage.ObjectStore,
	publisher events.Publisher,
	machine *lifecycle.Machine,
	logger *slog.Logger,
	opts ...ReportOption,
) *ReportService {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if machine == nil {
		machine = lifecycle.NewMachine(nil)
	}
	s := &ReportService{
		reports:   reports,
		orphans:   orphans,
		objects:   objects,
		publisher: publisher,
		machine:   machine,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and stores a new report, uploading its image first.
//
// UPLOAD SAGA:
// The object store and the database cannot share a transaction, so the two
// writes are ordered and the first one is undone if the second fails:
//
//  1. validate everything (nothing has been written yet)
//  2. upload the image, if any; failure → UploadFailed, no row
//  3. insert the row; failure → delete the uploaded object
//  4. if that delete fails too, record the key so the Janitor retries it
//
// A client never sees a report pointing at a missing image, and a missing
// report never leaves a permanently orphaned image behind.
func (s *ReportService) Create(ctx context.Context, in CreateReportInput) (*model.Report, error) {
	report, err := s.newReport(in)
	if err != nil {
		return nil, err
	}

	if in.Image != nil {
		if s.objects == nil {
			return nil, apperror.ValidationFailed("image", "image uploads are not enabled")
		}
		obj, err := s.objects.Upload(ctx, *in.Image)
		if err != nil {
			s.logger.Error("image upload failed",
				slog.Int64("ownerID", in.OwnerID),
				slog.String("error", err.Error()),
			)
			return nil, apperror.UploadFailed(err)
		}
		report.ImageKey = obj.Key
		report.ImageURL = obj.URL
	}

	qctx, cancel := s.queryContext(ctx)
	err = s.reports.CreateReport(qctx, report)
	cancel()
	if err != nil {
		if report.ImageKey != "" {
			s.compensateUpload(report.ImageKey, err)
		}
		if !isClientError(err) {
			s.logger.Error("failed to create report",
				slog.Int64("ownerID", in.OwnerID),
				slog.String("error", err.Error()),
			)
		}
		return nil, fmt.Errorf("creating report: %w", err)
	}

	s.logger.Info("report created",
		slog.Int64("id", report.ID),
		slog.Int64("ownerID", report.OwnerID),
		slog.String("category", string(report.Category)),
	)

	s.publish(ctx, events.SubjectReportCreated, events.ReportCreated{
		ReportID:    report.ID,
		OwnerID:     report.OwnerID,
		Category:    report.Category,
		Coordinates: report.Coordinates,
		HasImage:    report.ImageURL != "",
		CreatedAt:   report.CreatedAt,
	})

	return report, nil
}

func (s *ReportService) newReport(in CreateReportInput) (*model.Report, error) {
	if in.OwnerID <= 0 {
		return nil, apperror.Unauthorized("a signed-in user is required to file a report")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, apperror.ValidationFailed("text", "report text is required")
	}
	if len([]rune(text)) > MaxReportTextLength {
		return nil, apperror.ValidationFailed("text",
			fmt.Sprintf("report text must be %d characters or less", MaxReportTextLength))
	}

	category, err := model.ParseCategory(in.Category)
	if err != nil {
		return nil, apperror.ValidationFailed("category", err.Error())
	}

	var coords *model.Coordinates
	switch {
	case in.Latitude != nil && in.Longitude != nil:
		if !geo.ValidCoordinates(*in.Latitude, *in.Longitude) {
			return nil, apperror.ValidationFailed("coordinates",
				"latitude must be in [-90, 90] and longitude in [-180, 180]")
		}
		coords = &model.Coordinates{Latitude: *in.Latitude, Longitude: *in.Longitude}
	case in.Latitude != nil || in.Longitude != nil:
		return nil, apperror.ValidationFailed("coordinates",
			"latitude and longitude must be given together")
	}

	return &model.Report{
		OwnerID:     in.OwnerID,
		Text:        text,
		Category:    category,
		Coordinates: coords,
	}, nil
}

// compensateUpload deletes an object whose report row was never written.
func (s *ReportService) compensateUpload(key string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()

	err := s.objects.Delete(ctx, key)
	if err == nil || errors.Is(err, storage.ErrObjectNotFound) {
		s.logger.Info("rolled back image upload", slog.String("key", key))
		return
	}

	s.logger.Error("compensating image delete failed, recording orphan",
		slog.String("key", key),
		slog.String("cause", cause.Error()),
		slog.String("error", err.Error()),
	)

	if s.orphans == nil {
		return
	}
	reason := fmt.Sprintf("insert failed: %v; delete failed: %v", cause, err)
	if rerr := s.orphans.RecordOrphan(ctx, key, reason); rerr != nil {
		s.logger.Error("failed to record orphaned object",
			slog.String("key", key),
			slog.String("error", rerr.Error()),
		)
	}
}

// Get returns one report. Any signed-in user may read any report.
func (s *ReportService) Get(ctx context.Context, id int64) (*model.Report, error) {
	if id <= 0 {
		return nil, apperror.ValidationFailed("id", "report ID must be a positive integer")
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()
	return s.reports.GetReport(ctx, id)
}

// ListMine returns the caller's own reports, newest first.
func (s *ReportService) ListMine(ctx context.Context, ownerID int64) ([]model.Report, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	reports, err := s.reports.ListReportsByOwner(ctx, ownerID)
	if err != nil {
		s.logger.Error("failed to list reports by owner",
			slog.Int64("ownerID", ownerID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// ListAll returns a page of every report, newest first. Moderators only.
func (s *ReportService) ListAll(ctx context.Context, actor lifecycle.Actor, limit, offset int) ([]model.Report, error) {
	if !actor.Moderator {
		return nil, apperror.Forbidden("listing all reports requires a moderator")
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	reports, err := s.reports.ListReports(ctx, repository.ListOptions{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		s.logger.Error("failed to list reports", slog.String("error", err.Error()))
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return reports, nil
}

// Nearby returns reports within radiusKm of the point, closest first.
// A nil radius means DefaultNearbyRadiusKm; a radius <= 0 matches nothing.
func (s *ReportService) Nearby(ctx context.Context, lat, lon float64, radiusKm *float64) ([]model.NearbyReport, error) {
	if !geo.ValidCoordinates(lat, lon) {
		return nil, apperror.ValidationFailed("coordinates",
			"latitude must be in [-90, 90] and longitude in [-180, 180]")
	}

	radius := DefaultNearbyRadiusKm
	if radiusKm != nil {
		radius = *radiusKm
	}
	if math.IsNaN(radius) || math.IsInf(radius, 0) {
		return nil, apperror.ValidationFailed("radius_km", "radius must be a finite number")
	}
	if radius <= 0 {
		return []model.NearbyReport{}, nil
	}

	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	reports, err := s.reports.NearbyReports(ctx, repository.NearbyQuery{
		Latitude:  lat,
		Longitude: lon,
		RadiusKm:  radius,
	})
	if err != nil {
		s.logger.Error("nearby search failed",
			slog.Float64("lat", lat),
			slog.Float64("lon", lon),
			slog.Float64("radiusKm", radius),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("searching nearby reports: %w", err)
	}
	return reports, nil
}

// UpdateStatus moves a report to a new status on behalf of actor.
//
// The lifecycle check runs inside the repository's update transaction, on
// the freshly loaded row, so two concurrent updates cannot both pass the
// check against a status that one of them is about to change.
func (s *ReportService) UpdateStatus(ctx context.Context, id int64, rawStatus string, actor lifecycle.Actor) (*model.Report, error) {
	if id <= 0 {
		return nil, apperror.ValidationFailed("id", "report ID must be a positive integer")
	}
	to, err := model.ParseStatus(rawStatus)
	if err != nil {
		return nil, apperror.ValidationFailed("status",
			fmt.Sprintf("status must be one of %s", joinStatuses(model.Statuses())))
	}

	var from model.Status
	qctx, cancel := s.queryContext(ctx)
	updated, err := s.reports.UpdateReportStatus(qctx, id, func(r *model.Report) error {
		if err := s.machine.Check(actor, r, to); err != nil {
			return err
		}
		from = r.Status
		r.Status = to
		return nil
	})
	cancel()
	if err != nil {
		if !isClientError(err) {
			s.logger.Error("failed to update report status",
				slog.Int64("id", id),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	s.logger.Info("report status changed",
		slog.Int64("id", id),
		slog.Int64("actorID", actor.UserID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	s.publish(ctx, events.SubjectReportStatusChanged, events.StatusChanged{
		ReportID:  id,
		ActorID:   actor.UserID,
		From:      from,
		To:        to,
		ChangedAt: updated.UpdatedAt,
	})

	return updated, nil
}

// Stats returns report counts as a single snapshot.
func (s *ReportService) Stats(ctx context.Context, requesterID int64) (model.Stats, error) {
	ctx, cancel := s.queryContext(ctx)
	defer cancel()

	stats, err := s.reports.Stats(ctx, requesterID)
	if err != nil {
		s.logger.Error("failed to compute stats", slog.String("error", err.Error()))
		return model.Stats{}, fmt.Errorf("computing stats: %w", err)
	}
	return stats, nil
}

// Categories returns the fixed category list.
func (s *ReportService) Categories() []model.CategoryInfo {
	return model.Categories()
}

func (s *ReportService) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.queryTimeout)
}

// publish is best effort: a broker outage never fails the request.
func (s *ReportService) publish(ctx context.Context, subject string, payload any) {
	if err := s.publisher.Publish(ctx, subject, payload); err != nil {
		s.logger.Warn("failed to publish event",
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
	}
}

// isClientError reports whether err is the caller's fault and so not worth
// an ERROR log line.
func isClientError(err error) bool {
	for _, kind := range []error{
		apperror.ErrValidation,
		apperror.ErrNotFound,
		apperror.ErrForbidden,
		apperror.ErrConflict,
		apperror.ErrInvalidTransition,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func joinStatuses(statuses []model.Status) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = strconv.Quote(string(st))
	}
	return strings.Join(parts, ", ")
}
