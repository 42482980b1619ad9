package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
)

const userColumns = `id, username, password_hash, COALESCE(github_id, 0), role, created_at`

func scanUser(s rowScanner) (*model.User, error) {
	var u model.User
	if err := s.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.GitHubID, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// githubID maps the zero value to NULL so the UNIQUE constraint only applies
// to accounts that are actually linked to GitHub.
func githubID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// CreateUser inserts a new user. A taken username is reported as Conflict.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	if user.Role == "" {
		user.Role = model.RoleCitizen
	}
	user.CreatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, github_id, role, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		user.Username,
		user.PasswordHash,
		githubID(user.GitHubID),
		user.Role,
		user.CreatedAt,
	)
	if err != nil {
		if repository.IsUniqueViolation(err) {
			return apperror.Conflict("user", user.Username)
		}
		return repository.Classify("creating user", fmt.Errorf("sqlite: creating user %q: %w", user.Username, err))
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: reading user id: %w", err)
	}
	user.ID = id
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", strconv.FormatInt(id, 10))
		}
		return nil, repository.Classify("loading user", fmt.Errorf("sqlite: getting user %d: %w", id, err))
	}
	return u, nil
}

// GetUserByUsername retrieves a user by their unique username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", username)
		}
		return nil, repository.Classify("loading user", fmt.Errorf("sqlite: getting user %q: %w", username, err))
	}
	return u, nil
}

// UpsertGitHubUser returns the account linked to user.GitHubID, creating it
// on first login. An existing account keeps its username and role.
func (db *DB) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	if user.GitHubID == 0 {
		return apperror.ValidationFailed("github_id", "GitHub ID is required")
	}

	existing, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE github_id = ?`, user.GitHubID))
	switch {
	case err == nil:
		*user = *existing
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return repository.Classify("loading user",
			fmt.Errorf("sqlite: looking up user by github_id %d: %w", user.GitHubID, err))
	}

	return db.CreateUser(ctx, user)
}

// SetUserRole changes a user's role.
func (db *DB) SetUserRole(ctx context.Context, id int64, role model.Role) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return repository.Classify("updating user", fmt.Errorf("sqlite: setting role for user %d: %w", id, err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	return nil
}
