package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
	"github.com/sakif/civic-reports/internal/storage"
)

// =========================================================================
// FAKES
// =========================================================================
//
// Hand-written in-memory implementations of the repository and storage
// interfaces. They follow the same rules as the real backends (validation,
// default status, ordering) so the services can be tested without a database.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- reports ---

type fakeReportRepo struct {
	mu      sync.Mutex
	reports map[int64]*model.Report
	nextID  int64
	clock   time.Time

	createErr error // returned from CreateReport when set
	lastQuery repository.NearbyQuery
	lastList  repository.ListOptions
}

var _ repository.ReportRepository = (*fakeReportRepo)(nil)

func newFakeReportRepo() *fakeReportRepo {
	return &fakeReportRepo{
		reports: make(map[int64]*model.Report),
		clock:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fakeReportRepo) CreateReport(_ context.Context, report *model.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return f.createErr
	}
	if err := repository.ValidateNewReport(report); err != nil {
		return err
	}

	f.nextID++
	f.clock = f.clock.Add(time.Second)
	report.ID = f.nextID
	report.Status = model.StatusPending
	report.CreatedAt = f.clock
	report.UpdatedAt = f.clock

	stored := *report
	f.reports[report.ID] = &stored
	return nil
}

func (f *fakeReportRepo) GetReport(_ context.Context, id int64) (*model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.reports[id]
	if !ok {
		return nil, apperror.NotFound("report", strconv.FormatInt(id, 10))
	}
	out := *r
	return &out, nil
}

func (f *fakeReportRepo) sorted() []model.Report {
	out := make([]model.Report, 0, len(f.reports))
	for _, r := range f.reports {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (f *fakeReportRepo) ListReportsByOwner(_ context.Context, ownerID int64) ([]model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := []model.Report{}
	for _, r := range f.sorted() {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeReportRepo) ListReports(_ context.Context, opts repository.ListOptions) ([]model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastList = opts
	all := f.sorted()
	if opts.Offset >= len(all) {
		return []model.Report{}, nil
	}
	all = all[opts.Offset:]
	if opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (f *fakeReportRepo) NearbyReports(_ context.Context, q repository.NearbyQuery) ([]model.NearbyReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastQuery = q
	return repository.RankNearby(q, f.sorted()), nil
}

func (f *fakeReportRepo) UpdateReportStatus(_ context.Context, id int64, mutate repository.StatusMutation) (*model.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.reports[id]
	if !ok {
		return nil, apperror.NotFound("report", strconv.FormatInt(id, 10))
	}
	working := *r
	if err := mutate(&working); err != nil {
		return nil, err
	}
	f.clock = f.clock.Add(time.Second)
	working.UpdatedAt = f.clock
	*r = working

	out := working
	return &out, nil
}

func (f *fakeReportRepo) Stats(_ context.Context, requesterID int64) (model.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s model.Stats
	for _, r := range f.reports {
		s.TotalReports++
		switch r.Status {
		case model.StatusPending:
			s.PendingReports++
		case model.StatusResolved:
			s.ResolvedReports++
		}
		if r.OwnerID == requesterID {
			s.UserReports++
		}
	}
	return s, nil
}

func (f *fakeReportRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

// --- orphans ---

type fakeOrphanRepo struct {
	mu      sync.Mutex
	orphans []model.OrphanObject
	nextID  int64

	recordErr error
}

var _ repository.OrphanRepository = (*fakeOrphanRepo)(nil)

func (f *fakeOrphanRepo) RecordOrphan(_ context.Context, key, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.nextID++
	f.orphans = append(f.orphans, model.OrphanObject{ID: f.nextID, Key: key, Reason: reason})
	return nil
}

func (f *fakeOrphanRepo) ListOrphans(_ context.Context, limit int) ([]model.OrphanObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]model.OrphanObject(nil), f.orphans...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrphanRepo) DeleteOrphan(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, o := range f.orphans {
		if o.ID == id {
			f.orphans = append(f.orphans[:i], f.orphans[i+1:]...)
			return nil
		}
	}
	return apperror.NotFound("orphan", strconv.FormatInt(id, 10))
}

func (f *fakeOrphanRepo) TouchOrphan(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.orphans {
		if f.orphans[i].ID == id {
			f.orphans[i].Attempts++
			return nil
		}
	}
	return apperror.NotFound("orphan", strconv.FormatInt(id, 10))
}

func (f *fakeOrphanRepo) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.orphans))
	for i, o := range f.orphans {
		out[i] = o.Key
	}
	return out
}

// --- object store ---

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	seq     int

	uploadErr error
	deleteErr error
	deletes   []string
}

var _ storage.ObjectStore = (*fakeObjectStore)(nil)

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Upload(_ context.Context, in storage.UploadInput) (storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return storage.Object{}, f.uploadErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return storage.Object{}, err
	}
	f.seq++
	key := "reports/obj-" + strconv.Itoa(f.seq) + ".jpg"
	f.objects[key] = body
	return storage.Object{Key: key, URL: "https://cdn.test/" + key}, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeObjectStore) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// --- users ---

type fakeUserRepo struct {
	mu     sync.Mutex
	users  map[int64]*model.User
	nextID int64

	createErr error
}

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[int64]*model.User)}
}

func (f *fakeUserRepo) CreateUser(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return apperror.Conflict("user", user.Username)
		}
	}
	f.nextID++
	user.ID = f.nextID
	if user.Role == "" {
		user.Role = model.RoleCitizen
	}
	user.CreatedAt = time.Now().UTC()
	stored := *user
	f.users[user.ID] = &stored
	return nil
}

func (f *fakeUserRepo) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	out := *u
	return &out, nil
}

func (f *fakeUserRepo) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Username == username {
			out := *u
			return &out, nil
		}
	}
	return nil, apperror.NotFound("user", username)
}

func (f *fakeUserRepo) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	f.mu.Lock()
	for _, u := range f.users {
		if u.GitHubID == user.GitHubID {
			*user = *u
			f.mu.Unlock()
			return nil
		}
	}
	f.mu.Unlock()
	return f.CreateUser(ctx, user)
}

func (f *fakeUserRepo) SetUserRole(_ context.Context, id int64, role model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	u.Role = role
	return nil
}

var errDatabaseDown = errors.New("database is on fire")
