package service

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/events"
	"github.com/sakif/civic-reports/internal/lifecycle"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
	"github.com/sakif/civic-reports/internal/storage"
)

// =========================================================================
// TEST HELPER
// =========================================================================

type reportFixture struct {
	svc     *ReportService
	repo    *fakeReportRepo
	orphans *fakeOrphanRepo
	objects *fakeObjectStore
	events  *events.Recorder
}

func newReportFixture(t *testing.T, machine *lifecycle.Machine, opts ...ReportOption) *reportFixture {
	t.Helper()
	f := &reportFixture{
		repo:    newFakeReportRepo(),
		orphans: &fakeOrphanRepo{},
		objects: newFakeObjectStore(),
		events:  &events.Recorder{},
	}
	f.svc = NewReportService(f.repo, f.orphans, f.objects, f.events, machine, quietLogger(), opts...)
	return f
}

func ptr(v float64) *float64 { return &v }

func image(body string) *storage.UploadInput {
	return &storage.UploadInput{
		Filename:    "pothole.jpg",
		ContentType: "image/jpeg",
		Body:        bytes.NewBufferString(body),
	}
}

func (f *reportFixture) create(t *testing.T, owner int64, lat, lon float64) *model.Report {
	t.Helper()
	r, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID:   owner,
		Text:      "broken streetlight",
		Category:  "utilities",
		Latitude:  ptr(lat),
		Longitude: ptr(lon),
	})
	require.NoError(t, err)
	return r
}

// =========================================================================
// CREATE
// =========================================================================

func TestCreate_WithoutImage(t *testing.T) {
	f := newReportFixture(t, nil)

	r, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID:   1,
		Text:      "  Large pothole on Main St  ",
		Category:  "infrastructure",
		Latitude:  ptr(37.7749),
		Longitude: ptr(-122.4194),
	})
	require.NoError(t, err)

	assert.NotZero(t, r.ID)
	assert.Equal(t, "Large pothole on Main St", r.Text)
	assert.Equal(t, model.CategoryInfrastructure, r.Category)
	assert.Equal(t, model.StatusPending, r.Status)
	assert.Empty(t, r.ImageURL)
	require.NotNil(t, r.Coordinates)
	assert.InDelta(t, 37.7749, r.Coordinates.Latitude, 1e-9)

	msgs := f.events.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, events.SubjectReportCreated, msgs[0].Subject)
	created := msgs[0].Payload.(events.ReportCreated)
	assert.Equal(t, r.ID, created.ReportID)
	assert.False(t, created.HasImage)
}

func TestCreate_WithImage(t *testing.T) {
	f := newReportFixture(t, nil)

	r, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID:  1,
		Text:     "graffiti",
		Category: "other",
		Image:    image("jpeg-bytes"),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, r.ImageKey)
	assert.Equal(t, "https://cdn.test/"+r.ImageKey, r.ImageURL)
	assert.True(t, f.objects.has(r.ImageKey))
	assert.Nil(t, r.Coordinates)
}

func TestCreate_ValidationHappensBeforeUpload(t *testing.T) {
	cases := []struct {
		name  string
		in    CreateReportInput
		field string
	}{
		{"blank text", CreateReportInput{OwnerID: 1, Text: "   ", Category: "safety"}, "text"},
		{"unknown category", CreateReportInput{OwnerID: 1, Text: "x", Category: "weather"}, "category"},
		{"uppercase category", CreateReportInput{OwnerID: 1, Text: "x", Category: "INFRASTRUCTURE"}, "category"},
		{"padded category", CreateReportInput{OwnerID: 1, Text: "x", Category: " safety"}, "category"},
		{"latitude without longitude", CreateReportInput{OwnerID: 1, Text: "x", Category: "safety", Latitude: ptr(10)}, "coordinates"},
		{"latitude out of range", CreateReportInput{OwnerID: 1, Text: "x", Category: "safety", Latitude: ptr(90.5), Longitude: ptr(0)}, "coordinates"},
		{"NaN longitude", CreateReportInput{OwnerID: 1, Text: "x", Category: "safety", Latitude: ptr(0), Longitude: ptr(math.NaN())}, "coordinates"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newReportFixture(t, nil)
			tc.in.Image = image("bytes")

			_, err := f.svc.Create(context.Background(), tc.in)

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, tc.field, appErr.Field)
			assert.Zero(t, f.objects.size(), "nothing may be uploaded for invalid input")
			assert.Zero(t, f.repo.count())
			assert.Empty(t, f.events.Messages())
		})
	}
}

func TestCreate_TextTooLong(t *testing.T) {
	f := newReportFixture(t, nil)
	long := string(bytes.Repeat([]byte("a"), MaxReportTextLength+1))

	_, err := f.svc.Create(context.Background(), CreateReportInput{OwnerID: 1, Text: long, Category: "other"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestCreate_UploadFailureCreatesNoRow(t *testing.T) {
	f := newReportFixture(t, nil)
	f.objects.uploadErr = errors.New("bucket unreachable")

	_, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID: 1, Text: "x", Category: "other", Image: image("bytes"),
	})

	assert.ErrorIs(t, err, apperror.ErrUploadFailed)
	assert.Zero(t, f.repo.count())
	assert.Empty(t, f.orphans.keys())
}

func TestCreate_InsertFailureDeletesUploadedImage(t *testing.T) {
	f := newReportFixture(t, nil)
	f.repo.createErr = apperror.StorageUnavailable("creating report", errDatabaseDown)

	_, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID: 1, Text: "x", Category: "other", Image: image("bytes"),
	})

	assert.ErrorIs(t, err, apperror.ErrStorageUnavailable)
	require.Len(t, f.objects.deletes, 1, "uploaded object must be compensated")
	assert.Zero(t, f.objects.size())
	assert.Empty(t, f.orphans.keys())
	assert.Empty(t, f.events.Messages())
}

func TestCreate_FailedCompensationRecordsOrphan(t *testing.T) {
	f := newReportFixture(t, nil)
	f.repo.createErr = errDatabaseDown
	f.objects.deleteErr = errors.New("bucket unreachable")

	_, err := f.svc.Create(context.Background(), CreateReportInput{
		OwnerID: 1, Text: "x", Category: "other", Image: image("bytes"),
	})
	require.ErrorIs(t, err, errDatabaseDown)

	require.Len(t, f.objects.deletes, 1)
	assert.Equal(t, f.objects.deletes, f.orphans.keys())
}

func TestCreate_ImageWithoutObjectStore(t *testing.T) {
	svc := NewReportService(newFakeReportRepo(), nil, nil, nil, nil, quietLogger())

	_, err := svc.Create(context.Background(), CreateReportInput{
		OwnerID: 1, Text: "x", Category: "other", Image: image("bytes"),
	})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestCreate_PublishFailureIsIgnored(t *testing.T) {
	f := newReportFixture(t, nil)
	f.events.Err = errors.New("broker down")

	r, err := f.svc.Create(context.Background(), CreateReportInput{OwnerID: 1, Text: "x", Category: "other"})
	require.NoError(t, err)
	assert.NotZero(t, r.ID)
}

func TestCreate_RequiresOwner(t *testing.T) {
	f := newReportFixture(t, nil)

	_, err := f.svc.Create(context.Background(), CreateReportInput{Text: "x", Category: "other"})
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

// =========================================================================
// READS
// =========================================================================

func TestGet(t *testing.T) {
	f := newReportFixture(t, nil)
	r := f.create(t, 1, 10, 10)

	got, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = f.svc.Get(context.Background(), 999)
	assert.ErrorIs(t, err, apperror.ErrNotFound)

	_, err = f.svc.Get(context.Background(), 0)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestListMine(t *testing.T) {
	f := newReportFixture(t, nil)
	first := f.create(t, 1, 0, 0)
	f.create(t, 2, 0, 0)
	second := f.create(t, 1, 0, 0)

	mine, err := f.svc.ListMine(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID, "newest first")
	assert.Equal(t, first.ID, mine[1].ID)
}

func TestListAll_ModeratorOnly(t *testing.T) {
	f := newReportFixture(t, nil)
	f.create(t, 1, 0, 0)

	_, err := f.svc.ListAll(context.Background(), lifecycle.Actor{UserID: 1}, 10, 0)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	all, err := f.svc.ListAll(context.Background(), lifecycle.Actor{UserID: 2, Moderator: true}, 1000, -5)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, repository.ListOptions{Limit: repository.MaxListLimit, Offset: 0}, f.repo.lastList)
}

// =========================================================================
// NEARBY
// =========================================================================

func TestNearby_SanFrancisco(t *testing.T) {
	f := newReportFixture(t, nil)
	sf := f.create(t, 1, 37.7749, -122.4194)
	f.create(t, 1, 34.0522, -118.2437) // Los Angeles, ~559 km away

	got, err := f.svc.Nearby(context.Background(), 37.7750, -122.4180, ptr(5))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sf.ID, got[0].ID)
	assert.Greater(t, got[0].DistanceKm, 0.0)
	assert.LessOrEqual(t, got[0].DistanceKm, 0.2)
}

func TestNearby_DefaultRadius(t *testing.T) {
	f := newReportFixture(t, nil)

	_, err := f.svc.Nearby(context.Background(), 1, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultNearbyRadiusKm, f.repo.lastQuery.RadiusKm)
}

func TestNearby_NonPositiveRadiusIsEmpty(t *testing.T) {
	f := newReportFixture(t, nil)
	f.create(t, 1, 1, 2)

	for _, r := range []float64{0, -3} {
		got, err := f.svc.Nearby(context.Background(), 1, 2, ptr(r))
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
}

func TestNearby_Validation(t *testing.T) {
	f := newReportFixture(t, nil)

	_, err := f.svc.Nearby(context.Background(), 91, 0, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.Nearby(context.Background(), 0, -181, nil)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.svc.Nearby(context.Background(), 0, 0, ptr(math.Inf(1)))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// =========================================================================
// UPDATE STATUS
// =========================================================================

func TestUpdateStatus_Owner(t *testing.T) {
	f := newReportFixture(t, nil)
	r := f.create(t, 1, 0, 0)

	updated, err := f.svc.UpdateStatus(context.Background(), r.ID, "in_progress", lifecycle.Actor{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, updated.Status)

	stored, _ := f.repo.GetReport(context.Background(), r.ID)
	assert.Equal(t, model.StatusInProgress, stored.Status)

	msgs := f.events.Messages()
	require.Len(t, msgs, 2)
	changed := msgs[1].Payload.(events.StatusChanged)
	assert.Equal(t, model.StatusPending, changed.From)
	assert.Equal(t, model.StatusInProgress, changed.To)
	assert.Equal(t, int64(1), changed.ActorID)
}

func TestUpdateStatus_PermissiveAllowsReopen(t *testing.T) {
	f := newReportFixture(t, nil)
	r := f.create(t, 1, 0, 0)
	owner := lifecycle.Actor{UserID: 1}

	_, err := f.svc.UpdateStatus(context.Background(), r.ID, "resolved", owner)
	require.NoError(t, err)
	updated, err := f.svc.UpdateStatus(context.Background(), r.ID, "pending", owner)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.Status)
}

func TestUpdateStatus_NonOwnerForbidden(t *testing.T) {
	f := newReportFixture(t, nil)
	r := f.create(t, 1, 0, 0)

	_, err := f.svc.UpdateStatus(context.Background(), r.ID, "resolved", lifecycle.Actor{UserID: 2, Moderator: true})
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	stored, _ := f.repo.GetReport(context.Background(), r.ID)
	assert.Equal(t, model.StatusPending, stored.Status, "nothing may be written")
	assert.Len(t, f.events.Messages(), 1)
}

func TestUpdateStatus_ModeratorsEnabled(t *testing.T) {
	f := newReportFixture(t, lifecycle.NewMachine(nil, lifecycle.WithModerators(true)))
	r := f.create(t, 1, 0, 0)

	updated, err := f.svc.UpdateStatus(context.Background(), r.ID, "rejected", lifecycle.Actor{UserID: 2, Moderator: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, updated.Status)
}

func TestUpdateStatus_StrictTableRejectsTransition(t *testing.T) {
	f := newReportFixture(t, lifecycle.NewMachine(lifecycle.StrictTable()))
	r := f.create(t, 1, 0, 0)

	_, err := f.svc.UpdateStatus(context.Background(), r.ID, "resolved", lifecycle.Actor{UserID: 1})

	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)
	assert.Equal(t, map[string]string{"current": "pending", "attempted": "resolved"}, appErr.Details)
}

func TestUpdateStatus_UnknownStatus(t *testing.T) {
	for _, raw := range []string{"done", "Resolved", " pending", " RESOLVED ", "IN_PROGRESS"} {
		t.Run(raw, func(t *testing.T) {
			f := newReportFixture(t, nil)
			r := f.create(t, 1, 0, 0)

			_, err := f.svc.UpdateStatus(context.Background(), r.ID, raw, lifecycle.Actor{UserID: 1})

			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.ErrorIs(t, err, apperror.ErrValidation)
			assert.Equal(t, "status", appErr.Field)
			assert.Contains(t, appErr.Message, `"in_progress"`)

			stored, err := f.svc.Get(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, stored.Status)
			assert.Empty(t, f.events.Messages()[1:], "no status event for a rejected update")
		})
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	f := newReportFixture(t, nil)

	_, err := f.svc.UpdateStatus(context.Background(), 42, "resolved", lifecycle.Actor{UserID: 1})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// STATS / CATEGORIES
// =========================================================================

func TestStats_Scenario(t *testing.T) {
	f := newReportFixture(t, nil)
	userA := lifecycle.Actor{UserID: 1}

	f.create(t, 1, 0, 0)
	f.create(t, 1, 0, 0)
	resolved := f.create(t, 1, 0, 0)
	f.create(t, 2, 0, 0)
	_, err := f.svc.UpdateStatus(context.Background(), resolved.ID, "resolved", userA)
	require.NoError(t, err)

	stats, err := f.svc.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.Stats{TotalReports: 4, PendingReports: 3, ResolvedReports: 1, UserReports: 3}, stats)
}

func TestCategories(t *testing.T) {
	f := newReportFixture(t, nil)

	cats := f.svc.Categories()
	require.Len(t, cats, 6)
	assert.Equal(t, model.CategoryInfrastructure, cats[0].ID)
	assert.Equal(t, model.CategoryOther, cats[5].ID)
}

// =========================================================================
// QUERY TIMEOUT
// =========================================================================

type deadlineRecordingRepo struct {
	*fakeReportRepo
	hadDeadline bool
}

func (d *deadlineRecordingRepo) Stats(ctx context.Context, requesterID int64) (model.Stats, error) {
	_, d.hadDeadline = ctx.Deadline()
	return d.fakeReportRepo.Stats(ctx, requesterID)
}

func TestWithQueryTimeout(t *testing.T) {
	repo := &deadlineRecordingRepo{fakeReportRepo: newFakeReportRepo()}

	plain := NewReportService(repo, nil, nil, nil, nil, quietLogger())
	_, err := plain.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, repo.hadDeadline)

	bounded := NewReportService(repo, nil, nil, nil, nil, quietLogger(), WithQueryTimeout(time.Second))
	_, err = bounded.Stats(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, repo.hadDeadline)
}
