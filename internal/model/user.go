package model

import "time"

// Role decides what a user may do beyond managing their own reports.
type Role string

const (
	RoleCitizen   Role = "citizen"
	RoleModerator Role = "moderator"
)

// User represents a registered user account.
//
// Users sign up with a username and password, or through GitHub OAuth. A
// GitHub-only account has an empty PasswordHash and cannot use password login;
// GitHubID is zero for password-only accounts.
//
// PasswordHash never serializes.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	GitHubID     int64     `json:"github_id,omitempty"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsModerator reports whether the stored role grants moderation rights.
// Config-based moderator lists are applied on top of this by the auth service.
func (u *User) IsModerator() bool {
	return u != nil && u.Role == RoleModerator
}
