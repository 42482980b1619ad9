package service

// AuthService is the business logic layer for authentication:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository (DB)
//	                   ↘ TokenService (JWT), PasswordService (bcrypt)
//
// It never sets cookies or reads requests; the handler does that with the
// AuthResult it gets back.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/auth"
	"github.com/sakif/civic-reports/internal/lifecycle"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 50
	MinPasswordLength = 6

	// githubUsernamePrefix keeps GitHub logins out of the password-account
	// namespace: "github:octocat" can never be registered by hand.
	githubUsernamePrefix = "github:"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// AuthService handles registration, login and identity lookups.
type AuthService struct {
	users      repository.UserRepository
	tokens     *auth.TokenService
	passwords  *auth.PasswordService
	moderators map[string]struct{}
	logger     *slog.Logger
}

// NewAuthService creates an AuthService. moderatorUsernames are granted
// moderator rights regardless of their stored role.
func NewAuthService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	moderatorUsernames []string,
	logger *slog.Logger,
) *AuthService {
	mods := make(map[string]struct{}, len(moderatorUsernames))
	for _, name := range moderatorUsernames {
		if name = strings.TrimSpace(name); name != "" {
			mods[name] = struct{}{}
		}
	}
	return &AuthService{
		users:      users,
		tokens:     tokens,
		passwords:  passwords,
		moderators: mods,
		logger:     logger,
	}
}

// AuthResult bundles the user record and the issued JWT so the handler can
// set the cookie and respond in one step.
type AuthResult struct {
	User  *model.User
	Token string
}

// Register creates a password account and signs it in.
func (s *AuthService) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if err := validateUsername(username); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	if len(password) > auth.MaxPasswordBytes {
		return nil, apperror.ValidationFailed("password",
			fmt.Sprintf("password must be %d bytes or fewer", auth.MaxPasswordBytes))
	}

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	user := &model.User{Username: username, PasswordHash: hash, Role: model.RoleCitizen}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, &apperror.AppError{
				Err:     apperror.ErrConflict,
				Message: "username is already taken",
				Field:   "username",
			}
		}
		return nil, fmt.Errorf("service/auth: creating user %q: %w", username, err)
	}

	s.logger.Info("user registered",
		slog.Int64("userID", user.ID),
		slog.String("username", user.Username),
	)

	return s.issue(user)
}

// Login checks a username and password. Unknown users and wrong passwords
// give the same Unauthorized error so the response doesn't reveal which
// usernames exist.
func (s *AuthService) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	badCredentials := apperror.Unauthorized("invalid username or password")

	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, badCredentials
		}
		return nil, fmt.Errorf("service/auth: loading user: %w", err)
	}

	// GitHub-only accounts have no password to check against.
	if user.PasswordHash == "" {
		return nil, badCredentials
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Error("password verification failed",
				slog.Int64("userID", user.ID),
				slog.String("error", err.Error()),
			)
		}
		return nil, badCredentials
	}

	s.logger.Info("user logged in", slog.Int64("userID", user.ID))
	return s.issue(user)
}

// LoginOrRegisterGitHub handles the GitHub OAuth callback: it finds or
// creates the account linked to the GitHub ID and issues a token for it.
//
// The GitHub ID, not the login, identifies the account, because logins can
// be renamed on GitHub while IDs never change.
func (s *AuthService) LoginOrRegisterGitHub(ctx context.Context, ghUser *auth.GitHubUser) (*AuthResult, error) {
	if ghUser == nil {
		return nil, fmt.Errorf("service/auth: GitHub user must not be nil")
	}

	user := &model.User{
		Username: githubUsernamePrefix + ghUser.Login,
		GitHubID: ghUser.ID,
		Role:     model.RoleCitizen,
	}
	if err := s.users.UpsertGitHubUser(ctx, user); err != nil {
		return nil, fmt.Errorf("service/auth: upserting user (githubID=%d): %w", ghUser.ID, err)
	}

	s.logger.Info("user authenticated via GitHub",
		slog.Int64("userID", user.ID),
		slog.String("username", user.Username),
	)

	return s.issue(user)
}

// CurrentUser returns the user for the given internal ID.
func (s *AuthService) CurrentUser(ctx context.Context, id int64) (*model.User, error) {
	if id <= 0 {
		return nil, apperror.Unauthorized("no user is signed in")
	}
	return s.users.GetUserByID(ctx, id)
}

// Actor converts a user into the identity the lifecycle checks against.
func (s *AuthService) Actor(user *model.User) lifecycle.Actor {
	if user == nil {
		return lifecycle.Actor{}
	}
	_, listed := s.moderators[user.Username]
	return lifecycle.Actor{
		UserID:    user.ID,
		Moderator: user.IsModerator() || listed,
	}
}

// TokenTTL is how long issued tokens stay valid; the handler uses it as the
// cookie lifetime.
func (s *AuthService) TokenTTL() int {
	return int(s.tokens.TTL().Seconds())
}

func (s *AuthService) issue(user *model.User) (*AuthResult, error) {
	token, err := s.tokens.Generate(user.ID, user.Username)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %d: %w", user.ID, err)
	}
	return &AuthResult{User: user, Token: token}, nil
}

func validateUsername(username string) error {
	switch {
	case len(username) < MinUsernameLength || len(username) > MaxUsernameLength:
		return apperror.ValidationFailed("username",
			fmt.Sprintf("username must be %d to %d characters", MinUsernameLength, MaxUsernameLength))
	case !usernamePattern.MatchString(username):
		return apperror.ValidationFailed("username",
			"username may only contain letters, digits, '_', '.' and '-'")
	}
	return nil
}
