// Package auth establishes who a caller is: wallet signature challenges,
// single-use nonces, and the session token that carries the verified wallet.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/onnwee/medledger/internal/clock"
)

// TokenTypeSession is the typ claim of session tokens.
const TokenTypeSession = "session"

// SessionCookieName is the HttpOnly cookie carrying the session token.
const SessionCookieName = "medledger_session"

// DefaultSessionTTL is used when NewSessionService is given a non-positive TTL.
const DefaultSessionTTL = 24 * time.Hour

// Default leeway for token validation.
const DefaultLeeway = 30 * time.Second

// ErrInvalidToken is returned when token validation fails.
var ErrInvalidToken = errors.New("invalid token")

// ErrExpiredToken is returned when the token has expired.
var ErrExpiredToken = errors.New("token has expired")

// ErrRevokedToken is returned for tokens revoked by logout.
var ErrRevokedToken = errors.New("token has been revoked")

// ErrEmptyWallet is returned when a session is issued without a verified wallet.
var ErrEmptyWallet = errors.New("wallet cannot be empty")

// Claims represents the session token claims. Subject is the user ID and is
// empty until the wallet has a registered identity.
type Claims struct {
	jwt.RegisteredClaims
	Wallet string `json:"wallet"`
	Role   string `json:"role,omitempty"`
	Type   string `json:"typ"`
}

// Session is the decoded state of a valid session token.
type Session struct {
	ID        string
	Wallet    string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// Authenticated reports whether the session is bound to a registered identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != ""
}

// SessionService signs and validates session tokens.
// Supports dual-key rotation: tokens are signed with currentSecret,
// but can be validated with either currentSecret or previousSecret.
type SessionService struct {
	currentSecret  []byte
	previousSecret []byte
	leeway         time.Duration
	ttl            time.Duration
	clock          clock.Clock
	revocations    RevocationStore
}

// NewSessionService creates a SessionService. revocations may be nil, in which
// case logout only clears the cookie.
func NewSessionService(secret string, ttl time.Duration, revocations RevocationStore) *SessionService {
	return NewSessionServiceWithRotation(secret, "", ttl, revocations)
}

// NewSessionServiceWithRotation creates a SessionService with dual-key support for zero-downtime rotation.
// Set previousSecret to empty string if no rotation is in progress.
func NewSessionServiceWithRotation(currentSecret, previousSecret string, ttl time.Duration, revocations RevocationStore) *SessionService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	svc := &SessionService{
		currentSecret: []byte(currentSecret),
		leeway:        DefaultLeeway,
		ttl:           ttl,
		clock:         clock.Real(),
		revocations:   revocations,
	}
	if previousSecret != "" {
		svc.previousSecret = []byte(previousSecret)
	}
	return svc
}

// WithClock replaces the time source. Used by tests.
func (s *SessionService) WithClock(c clock.Clock) *SessionService {
	s.clock = c
	return s
}

// WithLeeway sets the expiry leeway.
func (s *SessionService) WithLeeway(leeway time.Duration) *SessionService {
	s.leeway = leeway
	return s
}

// TTL returns the session lifetime.
func (s *SessionService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a new session for wallet, optionally bound to a user and role.
func (s *SessionService) Issue(wallet, userID, role string) (string, *Session, error) {
	if wallet == "" {
		return "", nil, ErrEmptyWallet
	}

	now := s.clock.Now()
	session := &Session{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		UserID:    userID,
		Role:      role,
		ExpiresAt: now.Add(s.ttl).Truncate(time.Second),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
		Wallet: wallet,
		Role:   role,
		Type:   TokenTypeSession,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.currentSecret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign session: %w", err)
	}
	return token, session, nil
}

// Validate parses a session token and checks it has not been revoked.
func (s *SessionService) Validate(ctx context.Context, tokenString string) (*Session, error) {
	claims, err := s.parse(tokenString, s.currentSecret)
	if err != nil && !errors.Is(err, ErrExpiredToken) && s.previousSecret != nil {
		claims, err = s.parse(tokenString, s.previousSecret)
	}
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeSession || claims.Wallet == "" || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check session revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevokedToken
		}
	}

	return &Session{
		ID:        claims.ID,
		Wallet:    claims.Wallet,
		UserID:    claims.Subject,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Revoke invalidates a session until its natural expiry.
func (s *SessionService) Revoke(ctx context.Context, session *Session) error {
	if s.revocations == nil || session == nil || session.ID == "" {
		return nil
	}
	return s.revocations.Revoke(ctx, session.ID, session.ExpiresAt)
}

func (s *SessionService) parse(tokenString string, secret []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrInvalidToken
		}
		return secret, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
