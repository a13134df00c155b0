// Package token issues and verifies signed session tokens.
//
// Tokens are HS256 JWTs whose subject is the user id. Every successful
// Verify re-issues a fresh token, so a client always holds the newest one.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultLifetime is how long an issued token stays valid.
const DefaultLifetime = time.Hour

var ErrInvalidToken = errors.New("token: invalid or expired token")

// Service signs and checks tokens with a single secret. Safe for concurrent use.
type Service struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. The secret must not be empty.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("token: empty signing secret")
	}
	s := &Service{
		secret:   append([]byte(nil), secret...),
		lifetime: DefaultLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lifetime returns the validity period of issued tokens.
func (s *Service) Lifetime() time.Duration { return s.lifetime }

// Issue signs a fresh token for userID.
func (s *Service) Issue(userID int64) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Parse checks the signature, method and expiry of raw and returns its user id.
func (s *Service) Parse(raw string) (int64, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return userID, nil
}

// Verify parses raw and, when valid, returns its user id together with a
// newly issued replacement token.
func (s *Service) Verify(raw string) (userID int64, fresh string, err error) {
	userID, err = s.Parse(raw)
	if err != nil {
		return 0, "", err
	}
	fresh, err = s.Issue(userID)
	if err != nil {
		return 0, "", err
	}
	return userID, fresh, nil
}
