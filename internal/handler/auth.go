package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/auth"
	"github.com/sakif/civic-reports/internal/service"
)

const oauthStateCookie = "oauth_state"

// AuthHandler serves password login, registration and the optional GitHub
// OAuth flow.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister / HandleLogin → JSON body in, token out (body + cookie)
//   - HandleMe                     → the signed-in user's profile
//   - HandleLogout                 → clear the token cookie
//   - HandleGitHubLogin/Callback   → OAuth redirect dance (only when configured)
type AuthHandler struct {
	auth   *service.AuthService
	github *auth.GitHubProvider // nil when GitHub login is disabled
	secure bool                 // set the Secure flag on cookies
	logger *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, github *auth.GitHubProvider, secureCookies bool, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, github: github, secure: secureCookies, logger: logger}
}

// APIRoutes mounts /api/auth.
func (h *AuthHandler) APIRoutes(requireAuth func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.HandleRegister)
	r.Post("/login", h.HandleLogin)
	r.Post("/logout", h.HandleLogout)
	r.With(requireAuth).Get("/me", h.HandleMe)
	return r
}

// OAuthRoutes mounts /auth/github. It returns nil when GitHub login is off.
func (h *AuthHandler) OAuthRoutes() chi.Router {
	if h.github == nil {
		return nil
	}
	r := chi.NewRouter()
	r.Get("/github/login", h.HandleGitHubLogin)
	r.Get("/github/callback", h.HandleGitHubCallback)
	return r
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// tokenResponse keeps the {access_token, token_type, user} shape existing
// mobile clients read.
type tokenResponse struct {
	AccessToken string       `json:"access_token"`
	TokenType   string       `json:"token_type"`
	ExpiresIn   int          `json:"expires_in"`
	User        userResponse `json:"user"`
}

// HandleRegister creates a password account.
//
// HTTP: POST /api/auth/register
// REQUEST BODY: {"username": "alice", "password": "secret123"}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithToken(w, http.StatusCreated, result)
}

// HandleLogin exchanges a username and password for a token.
//
// HTTP: POST /api/auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithToken(w, http.StatusOK, result)
}

// respondWithToken returns the token in the body for API clients and in an
// HttpOnly cookie for browsers. HttpOnly keeps it out of reach of scripts.
func (h *AuthHandler) respondWithToken(w http.ResponseWriter, status int, result *service.AuthResult) {
	h.setTokenCookie(w, result.Token, h.auth.TokenTTL())
	writeJSON(w, status, tokenResponse{
		AccessToken: result.Token,
		TokenType:   "bearer",
		ExpiresIn:   h.auth.TokenTTL(),
		User: userResponse{
			ID:       result.User.ID,
			Username: result.User.Username,
			Role:     string(result.User.Role),
		},
	})
}

func (h *AuthHandler) setTokenCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleLogout clears the token cookie.
//
// HTTP: POST /api/auth/logout
//
// Tokens are stateless, so the JWT itself stays valid until it expires;
// logging out only removes the browser's copy.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.setTokenCookie(w, "", -1)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the currently authenticated user's profile.
//
// HTTP: GET /api/auth/me
// Auth: Required (RequireAuth has already loaded the user)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, r, apperror.Unauthorized("valid authentication required"))
		return
	}
	actor := h.auth.Actor(user)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        user.ID,
		"username":  user.Username,
		"role":      user.Role,
		"moderator": actor.Moderator,
	})
}

// HandleGitHubLogin redirects the browser to GitHub's authorization page.
//
// HTTP: GET /auth/github/login
//
// A random state value goes into a short-lived cookie and into the redirect.
// The callback only proceeds when both match, which proves this server
// started the flow (CSRF protection).
func (h *AuthHandler) HandleGitHubLogin(w http.ResponseWriter, r *http.Request) {
	state := auth.NewState()

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleGitHubCallback completes the OAuth login flow.
//
// HTTP: GET /auth/github/callback?code=xxx&state=yyy
func (h *AuthHandler) HandleGitHubCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: invalid state")
		writeError(w, r, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// The state cookie is single-use.
	http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/", MaxAge: -1})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, r, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		writeError(w, r, apperror.Unauthorized("GitHub authentication failed"))
		return
	}

	result, err := h.auth.LoginOrRegisterGitHub(r.Context(), ghUser)
	if err != nil {
		h.logger.Error("auth callback: login failed",
			slog.Int64("githubID", ghUser.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, r, err)
		return
	}

	h.setTokenCookie(w, result.Token, h.auth.TokenTTL())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
