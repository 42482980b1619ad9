package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/auth"
	"github.com/sakif/civic-reports/internal/model"
)

// =========================================================================
// TEST HELPER
// =========================================================================

// newTestAuthService returns an AuthService wired with fake dependencies.
// bcrypt cost 4 is the library minimum and keeps the tests fast.
func newTestAuthService(t *testing.T, repo *fakeUserRepo, moderators ...string) *AuthService {
	t.Helper()
	ts, err := auth.NewTokenService("test-secret-at-least-16-chars!!", 0)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return NewAuthService(repo, ts, auth.NewPasswordService(4), moderators, testLogger())
}

func fieldOf(t *testing.T, err error) string {
	t.Helper()
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}
	return appErr.Field
}

// =========================================================================
// Register TESTS
// =========================================================================

func TestRegister_Success(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	result, err := svc.Register(context.Background(), "  alice  ", "secret123")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if result.User.ID == 0 || result.User.Username != "alice" {
		t.Errorf("Register() user = %+v", result.User)
	}
	if result.User.Role != model.RoleCitizen {
		t.Errorf("Role = %q, want citizen", result.User.Role)
	}
	if !strings.HasPrefix(result.User.PasswordHash, "$2") {
		t.Error("password must be stored as a bcrypt hash")
	}
	if result.Token == "" {
		t.Error("Register() returned empty token")
	}
}

func TestRegister_Validation(t *testing.T) {
	cases := []struct {
		name      string
		username  string
		password  string
		wantField string
	}{
		{"short username", "ab", "secret123", "username"},
		{"long username", strings.Repeat("a", 51), "secret123", "username"},
		{"bad characters", "alice smith", "secret123", "username"},
		{"short password", "alice", "12345", "password"},
		{"password over 72 bytes", "alice", strings.Repeat("p", 73), "password"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestAuthService(t, newFakeUserRepo())

			_, err := svc.Register(context.Background(), tc.username, tc.password)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("Register() error = %v, want ErrValidation", err)
			}
			if got := fieldOf(t, err); got != tc.wantField {
				t.Errorf("Field = %q, want %q", got, tc.wantField)
			}
		})
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)

	if _, err := svc.Register(context.Background(), "alice", "secret123"); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}
	_, err := svc.Register(context.Background(), "alice", "other-pass")
	if !errors.Is(err, apperror.ErrConflict) {
		t.Fatalf("Register() error = %v, want ErrConflict", err)
	}
}

func TestRegister_RepositoryError(t *testing.T) {
	repo := newFakeUserRepo()
	repo.createErr = errDatabaseDown
	svc := newTestAuthService(t, repo)

	_, err := svc.Register(context.Background(), "alice", "secret123")
	if !errors.Is(err, errDatabaseDown) {
		t.Fatalf("Register() should propagate repository errors, got %v", err)
	}
}

// =========================================================================
// Login TESTS
// =========================================================================

func TestLogin(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	registered, err := svc.Register(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	result, err := svc.Login(context.Background(), "alice", "secret123")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.User.ID != registered.User.ID {
		t.Errorf("Login() user ID = %d, want %d", result.User.ID, registered.User.ID)
	}

	for _, tc := range []struct{ user, pass string }{
		{"alice", "wrong-pass"},
		{"nobody", "secret123"},
	} {
		_, err := svc.Login(context.Background(), tc.user, tc.pass)
		if !errors.Is(err, apperror.ErrUnauthorized) {
			t.Errorf("Login(%q, %q) error = %v, want ErrUnauthorized", tc.user, tc.pass, err)
		}
	}
}

func TestLogin_GitHubOnlyAccountHasNoPassword(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	if _, err := svc.LoginOrRegisterGitHub(context.Background(), &auth.GitHubUser{ID: 9, Login: "octo"}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := svc.Login(context.Background(), "github:octo", "")
	if !errors.Is(err, apperror.ErrUnauthorized) {
		t.Fatalf("Login() error = %v, want ErrUnauthorized", err)
	}
}

// =========================================================================
// LoginOrRegisterGitHub TESTS
// =========================================================================

func TestLoginOrRegisterGitHub_NewUser(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	result, err := svc.LoginOrRegisterGitHub(context.Background(), &auth.GitHubUser{ID: 42, Login: "octocat"})
	if err != nil {
		t.Fatalf("LoginOrRegisterGitHub() error = %v", err)
	}
	if result.User.Username != "github:octocat" {
		t.Errorf("Username = %q, want github:octocat", result.User.Username)
	}
	if result.User.GitHubID != 42 {
		t.Errorf("GitHubID = %d, want 42", result.User.GitHubID)
	}
	if result.Token == "" {
		t.Fatal("LoginOrRegisterGitHub() returned empty Token")
	}
}

func TestLoginOrRegisterGitHub_SameAccountOnSecondLogin(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	first, err := svc.LoginOrRegisterGitHub(context.Background(), &auth.GitHubUser{ID: 99, Login: "old-login"})
	if err != nil {
		t.Fatalf("first login error: %v", err)
	}
	second, err := svc.LoginOrRegisterGitHub(context.Background(), &auth.GitHubUser{ID: 99, Login: "new-login"})
	if err != nil {
		t.Fatalf("second login error: %v", err)
	}

	if first.User.ID != second.User.ID {
		t.Errorf("second login created a new account: %d != %d", second.User.ID, first.User.ID)
	}
}

func TestLoginOrRegisterGitHub_NilGitHubUser(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())

	if _, err := svc.LoginOrRegisterGitHub(context.Background(), nil); err == nil {
		t.Fatal("LoginOrRegisterGitHub() should return error for nil GitHubUser")
	}
}

// =========================================================================
// CurrentUser / Actor TESTS
// =========================================================================

func TestCurrentUser(t *testing.T) {
	repo := newFakeUserRepo()
	svc := newTestAuthService(t, repo)
	reg, _ := svc.Register(context.Background(), "findme", "secret123")

	user, err := svc.CurrentUser(context.Background(), reg.User.ID)
	if err != nil {
		t.Fatalf("CurrentUser() error = %v", err)
	}
	if user.Username != "findme" {
		t.Errorf("Username = %q, want findme", user.Username)
	}

	if _, err := svc.CurrentUser(context.Background(), 0); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("CurrentUser(0) error = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.CurrentUser(context.Background(), 999); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("CurrentUser(999) error = %v, want ErrNotFound", err)
	}
}

func TestActor(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo(), "carol")

	cases := []struct {
		name string
		user *model.User
		want bool
	}{
		{"citizen", &model.User{ID: 1, Username: "alice", Role: model.RoleCitizen}, false},
		{"moderator role", &model.User{ID: 2, Username: "bob", Role: model.RoleModerator}, true},
		{"configured moderator", &model.User{ID: 3, Username: "carol", Role: model.RoleCitizen}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := svc.Actor(tc.user)
			if a.UserID != tc.user.ID || a.Moderator != tc.want {
				t.Errorf("Actor() = %+v, want {UserID:%d Moderator:%v}", a, tc.user.ID, tc.want)
			}
		})
	}

	if a := svc.Actor(nil); a.UserID != 0 || a.Moderator {
		t.Errorf("Actor(nil) = %+v, want zero value", a)
	}
}

func TestTokenTTL(t *testing.T) {
	svc := newTestAuthService(t, newFakeUserRepo())
	if got := svc.TokenTTL(); got != int(auth.DefaultTokenTTL.Seconds()) {
		t.Errorf("TokenTTL() = %d, want %d", got, int(auth.DefaultTokenTTL.Seconds()))
	}
}
