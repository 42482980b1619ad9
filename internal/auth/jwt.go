// Package auth provides identity primitives for the civic reports API:
// JWT access tokens, bcrypt password hashing, GitHub OAuth and the HTTP
// middleware that turns a token into an authenticated user.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. The client registers or logs in (username + password) or completes the
//     GitHub OAuth flow.
//  2. The server issues a signed JWT. It is returned in the JSON body and
//     also set as an HttpOnly "token" cookie for browser clients.
//  3. On later requests the client sends "Authorization: Bearer <jwt>" (or
//     the cookie). RequireAuth validates it, loads the user from the database
//     and stores the user in the request context.
//
// A valid signature is not enough: RequireAuth also loads the user, so a
// deleted account is rejected while its token is still unexpired.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is how long an access token stays valid.
	DefaultTokenTTL = 30 * time.Minute

	issuer = "civic-reports"
)

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and token
// lifetime. ttl <= 0 means DefaultTokenTTL.
// The secret should be at least 32 bytes of random data in production.
// Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL is the lifetime of tokens issued by Generate.
func (s *TokenService) TTL() time.Duration { return s.ttl }

// Claims is what a validated token tells us about its bearer.
type Claims struct {
	UserID   int64
	Username string
}

// claims is the JWT payload. "sub" holds the numeric user ID as a string
// (RFC 7519 makes the subject a string); "username" is informational.
type claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Generate creates and signs a new access token for the given user.
func (s *TokenService) Generate(userID int64, username string) (string, error) {
	return s.GenerateWithDuration(userID, username, s.ttl)
}

// GenerateWithDuration creates a token with a custom expiry duration.
// Used in tests to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(userID int64, username string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Token is not expired, and has an expiry at all
//   - Issuer matches (prevents tokens from other apps signed with a shared secret)
//   - Algorithm is HS256 (prevents "alg: none" and algorithm confusion attacks)
func (s *TokenService) Validate(tokenStr string) (Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("auth: token expired")
		}
		return Claims{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Claims{}, fmt.Errorf("auth: invalid token claims")
	}

	userID, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return Claims{}, fmt.Errorf("auth: token has no valid subject")
	}

	return Claims{UserID: userID, Username: c.Username}, nil
}
