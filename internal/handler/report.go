package handler

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/auth"
	"github.com/sakif/civic-reports/internal/lifecycle"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/service"
	"github.com/sakif/civic-reports/internal/storage"
)

// multipartOverhead is room for the text fields around the image.
const multipartOverhead = 1 << 20

// ActorResolver turns the signed-in user into a lifecycle actor.
// *service.AuthService implements it.
type ActorResolver interface {
	Actor(user *model.User) lifecycle.Actor
}

// ReportHandler serves /api/reports.
type ReportHandler struct {
	reports *service.ReportService
	actors  ActorResolver
	logger  *slog.Logger
}

func NewReportHandler(reports *service.ReportService, actors ActorResolver, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, actors: actors, logger: logger}
}

// Routes mounts the report endpoints. Everything except /categories
// requires authentication.
func (h *ReportHandler) Routes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Get("/categories", h.HandleCategories)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/", h.HandleCreateJSON)
		r.Post("/upload", h.HandleUpload)
		r.Post("/nearby", h.HandleNearbyJSON)
		r.Get("/nearby", h.HandleNearbyQuery)
		r.Get("/stats", h.HandleStats)
		r.Get("/my", h.HandleMine)
		r.Get("/all", h.HandleAll)
		r.Get("/{id}", h.HandleGet)
		r.Put("/{id}/status", h.HandleUpdateStatus)
	})
	return r
}

// reportResponse is the wire shape of a report. Coordinates are flattened
// into nullable latitude/longitude fields, which is what mobile clients
// bind their map markers to.
type reportResponse struct {
	ID         int64        `json:"id"`
	UserID     int64        `json:"user_id"`
	Username   string       `json:"username"`
	Text       string       `json:"text"`
	Latitude   *float64     `json:"latitude"`
	Longitude  *float64     `json:"longitude"`
	ImageURL   *string      `json:"image_url"`
	Category   string       `json:"category"`
	Status     model.Status `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	DistanceKm *float64     `json:"distance_km,omitempty"`
}

func toReportResponse(r model.Report) reportResponse {
	out := reportResponse{
		ID:        r.ID,
		UserID:    r.OwnerID,
		Username:  r.OwnerUsername,
		Text:      r.Text,
		Category:  string(r.Category),
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Coordinates != nil {
		lat, lon := r.Coordinates.Latitude, r.Coordinates.Longitude
		out.Latitude, out.Longitude = &lat, &lon
	}
	if r.ImageURL != "" {
		url := r.ImageURL
		out.ImageURL = &url
	}
	return out
}

func toReportResponses(reports []model.Report) []reportResponse {
	out := make([]reportResponse, len(reports))
	for i, r := range reports {
		out[i] = toReportResponse(r)
	}
	return out
}

// HandleCategories returns the fixed category list.
//
// HTTP: GET /api/reports/categories
func (h *ReportHandler) HandleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.reports.Categories()})
}

// HandleUpload creates a report from a multipart form with an optional photo.
//
// HTTP: POST /api/reports/upload
// FORM: text, category, latitude?, longitude?, image?
func (h *ReportHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(storage.MaxImageBytes + multipartOverhead); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, apperror.ValidationFailed("image", "image must be 10 MB or smaller"))
			return
		}
		writeError(w, r, apperror.ValidationFailed("body", "request must be multipart/form-data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	lat, err := optionalFloat(r.FormValue("latitude"), "latitude")
	if err != nil {
		writeError(w, r, err)
		return
	}
	lon, err := optionalFloat(r.FormValue("longitude"), "longitude")
	if err != nil {
		writeError(w, r, err)
		return
	}

	in := service.CreateReportInput{
		OwnerID:   user.ID,
		Text:      r.FormValue("text"),
		Category:  r.FormValue("category"),
		Latitude:  lat,
		Longitude: lon,
	}

	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		contentType := header.Header.Get("Content-Type")
		if err := storage.ValidateImage(contentType, header.Size); err != nil {
			writeError(w, r, err)
			return
		}
		in.Image = &storage.UploadInput{
			Filename:    header.Filename,
			ContentType: contentType,
			Body:        file,
		}
	case !errors.Is(err, http.ErrMissingFile):
		writeError(w, r, apperror.ValidationFailed("image", "could not read uploaded image"))
		return
	}

	h.create(w, r, user, in)
}

type createReportRequest struct {
	Text      string   `json:"text"`
	Category  string   `json:"category"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// HandleCreateJSON creates a report without an image.
//
// HTTP: POST /api/reports
// REQUEST BODY: {"text": "...", "category": "safety", "latitude": 1.0, "longitude": 2.0}
func (h *ReportHandler) HandleCreateJSON(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	h.create(w, r, user, service.CreateReportInput{
		OwnerID:   user.ID,
		Text:      req.Text,
		Category:  req.Category,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
}

func (h *ReportHandler) create(w http.ResponseWriter, r *http.Request, user *model.User, in service.CreateReportInput) {
	report, err := h.reports.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	report.OwnerUsername = user.Username
	writeJSON(w, http.StatusCreated, toReportResponse(*report))
}

type nearbyRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	RadiusKm  *float64 `json:"radius_km"`
}

// HandleNearbyJSON searches around a point.
//
// HTTP: POST /api/reports/nearby
// REQUEST BODY: {"latitude": 37.77, "longitude": -122.41, "radius_km": 5}
func (h *ReportHandler) HandleNearbyJSON(w http.ResponseWriter, r *http.Request) {
	var req nearbyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	h.nearby(w, r, req)
}

// HandleNearbyQuery is the GET variant for map views that can't send a body.
//
// HTTP: GET /api/reports/nearby?latitude=..&longitude=..&radius_km=..
func (h *ReportHandler) HandleNearbyQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var req nearbyRequest
	var err error
	if req.Latitude, err = optionalFloat(q.Get("latitude"), "latitude"); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Longitude, err = optionalFloat(q.Get("longitude"), "longitude"); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RadiusKm, err = optionalFloat(q.Get("radius_km"), "radius_km"); err != nil {
		writeError(w, r, err)
		return
	}
	h.nearby(w, r, req)
}

func (h *ReportHandler) nearby(w http.ResponseWriter, r *http.Request, req nearbyRequest) {
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, r, apperror.ValidationFailed("coordinates", "latitude and longitude are required"))
		return
	}

	found, err := h.reports.Nearby(r.Context(), *req.Latitude, *req.Longitude, req.RadiusKm)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := make([]reportResponse, len(found))
	for i, n := range found {
		out[i] = toReportResponse(n.Report)
		d := n.DistanceKm
		out[i].DistanceKm = &d
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStats returns the dashboard counters for the caller.
//
// HTTP: GET /api/reports/stats
func (h *ReportHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	stats, err := h.reports.Stats(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleMine lists the caller's reports, newest first.
//
// HTTP: GET /api/reports/my
func (h *ReportHandler) HandleMine(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	reports, err := h.reports.ListMine(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponses(reports))
}

// HandleAll lists every report a page at a time. Moderators only.
//
// HTTP: GET /api/reports/all?limit=20&offset=0
func (h *ReportHandler) HandleAll(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	limit, err := optionalInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := optionalInt(r.URL.Query().Get("offset"), "offset")
	if err != nil {
		writeError(w, r, err)
		return
	}

	reports, err := h.reports.ListAll(r.Context(), h.actors.Actor(user), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponses(reports))
}

// HandleGet returns one report.
//
// HTTP: GET /api/reports/{id}
func (h *ReportHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := reportID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := h.reports.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(*report))
}

// HandleUpdateStatus changes a report's status.
//
// HTTP: PUT /api/reports/{id}/status
// BODY: form field status_update=resolved, or JSON {"status": "resolved"}
func (h *ReportHandler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	id, err := reportID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	raw, err := statusFromRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	report, err := h.reports.UpdateStatus(r.Context(), id, raw, h.actors.Actor(user))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Report status updated successfully",
		"status":  report.Status,
		"report":  toReportResponse(*report),
	})
}

func statusFromRequest(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return "", err
		}
		return body.Status, nil
	}

	if err := r.ParseMultipartForm(multipartOverhead); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return "", apperror.ValidationFailed("status_update", "could not parse form body")
	}
	return r.FormValue("status_update"), nil
}

// currentUser returns the user RequireAuth put in the context. Without one
// it writes a 401 and reports false; there is no anonymous caller.
func currentUser(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, apperror.Unauthorized("valid authentication required"))
		return nil, false
	}
	return user, true
}

func reportID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.ValidationFailed("id", "report ID must be a positive integer")
	}
	return id, nil
}

func optionalFloat(raw, field string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apperror.ValidationFailed(field, field+" must be a number")
	}
	return &v, nil
}

func optionalInt(raw, field string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.ValidationFailed(field, field+" must be an integer")
	}
	return v, nil
}
