package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is satisfied by both repository backends.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness checks and the service banner.
type HealthHandler struct {
	db      Pinger
	version string
	logger  *slog.Logger
}

func NewHealthHandler(db Pinger, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, version: version, logger: logger}
}

// HandleHealth reports whether the database answers.
//
// HTTP: GET /health
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", slog.String("error", err.Error()))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"message": "database unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"message": "Civic Issues API is running",
	})
}

// HandleRoot returns the service banner.
//
// HTTP: GET /
func (h *HealthHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Civic Issues API",
		"version": h.version,
	})
}
