package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/sakif/civic-reports/internal/apperror"
	"github.com/sakif/civic-reports/internal/model"
	"github.com/sakif/civic-reports/internal/repository"
)

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	if user.Role == "" {
		user.Role = model.RoleCitizen
	}
	user.CreatedAt = time.Now().UTC()

	row := userRow{
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Role:         string(user.Role),
		CreatedAt:    user.CreatedAt,
	}
	if user.GitHubID != 0 {
		id := user.GitHubID
		row.GitHubID = &id
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || repository.IsUniqueViolation(err) {
			return apperror.Conflict("user", user.Username)
		}
		return repository.Classify("creating user", fmt.Errorf("gormstore: creating user %q: %w", user.Username, err))
	}
	user.ID = row.ID
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.findUser(ctx, strconv.FormatInt(id, 10), "id = ?", id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.findUser(ctx, username, "username = ?", username)
}

func (s *Store) findUser(ctx context.Context, label string, query string, arg any) (*model.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where(query, arg).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperror.NotFound("user", label)
		}
		return nil, repository.Classify("loading user", fmt.Errorf("gormstore: getting user %s: %w", label, err))
	}
	return row.toModel(), nil
}

func (s *Store) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	if user.GitHubID == 0 {
		return apperror.ValidationFailed("github_id", "GitHub ID is required")
	}

	var row userRow
	err := s.db.WithContext(ctx).Where("github_id = ?", user.GitHubID).Take(&row).Error
	switch {
	case err == nil:
		*user = *row.toModel()
		return nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return repository.Classify("loading user",
			fmt.Errorf("gormstore: looking up user by github_id %d: %w", user.GitHubID, err))
	}

	return s.CreateUser(ctx, user)
}

func (s *Store) SetUserRole(ctx context.Context, id int64, role model.Role) error {
	result := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).Update("role", string(role))
	if result.Error != nil {
		return repository.Classify("updating user", fmt.Errorf("gormstore: setting role for user %d: %w", id, result.Error))
	}
	if result.RowsAffected == 0 {
		return apperror.NotFound("user", strconv.FormatInt(id, 10))
	}
	return nil
}
