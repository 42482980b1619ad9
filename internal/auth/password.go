package auth

// bcrypt output carries its own salt and cost:
//
//	$2a$12$<22-char salt><31-char hash>
//
// The whole string goes into users.password_hash.

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is the bcrypt work factor for production (~250ms per hash).
const DefaultCost = 12

// MaxPasswordBytes is bcrypt's input limit. Longer inputs are rejected
// rather than silently truncated.
const MaxPasswordBytes = 72

// ErrPasswordMismatch is returned by Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordService provides bcrypt hashing and verification.
// It's a struct so tests can inject a low cost (bcrypt.MinCost) and stay fast.
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService. cost <= 0 means DefaultCost.
func NewPasswordService(cost int) *PasswordService {
	if cost <= 0 {
		cost = DefaultCost
	}
	return &PasswordService{cost: cost}
}

// Hash hashes the given plaintext password with bcrypt.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > MaxPasswordBytes {
		return "", fmt.Errorf("auth: password must be %d bytes or fewer", MaxPasswordBytes)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify checks whether a plaintext password matches a stored bcrypt hash.
// bcrypt compares in constant time, so response timing leaks nothing.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
