package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
)

// CookieName is the HttpOnly cookie browsers carry the access token in.
const CookieName = "token"

// contextKey is an unexported type used for context keys in this package,
// so no other package can read or shadow the values stored under it.
type contextKey string

const userKey contextKey = "user"

// UserLoader resolves the subject of a validated token to a stored user.
// Both repository backends satisfy it.
type UserLoader interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
}

// RequireAuth is a middleware that enforces authentication on protected routes.
//
// The token is read from "Authorization: Bearer <jwt>" first, falling back to
// the "token" cookie. The user it names is loaded from the store and put in
// the request context. Anything missing, invalid or pointing at a deleted
// user is answered with 401 and the chain stops.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService, users UserLoader, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authenticate(r, tokens, users)
			if err != nil {
				if !errors.Is(err, errNoToken) && !errors.Is(err, apperror.ErrNotFound) {
					logger.Debug("authentication rejected",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
				}
				writeUnauthorized(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// OptionalAuth attaches the user when a valid token is present but never
// blocks the request. Public routes like /api/categories use it so the
// response can still be personalised for signed-in callers.
func OptionalAuth(tokens *TokenService, users UserLoader) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, err := authenticate(r, tokens, users); err == nil {
				r = r.WithContext(WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext retrieves the authenticated user from the request context.
//
// Returns (nil, false) if the request is anonymous.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}

var errNoToken = errors.New("auth: no token presented")

func authenticate(r *http.Request, tokens *TokenService, users UserLoader) (*model.User, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return nil, errNoToken
	}

	claims, err := tokens.Validate(raw)
	if err != nil {
		return nil, err
	}

	return users.GetUserByID(r.Context(), claims.UserID)
}

// tokenFromRequest prefers the Authorization header over the cookie.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="civic-reports"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
}
