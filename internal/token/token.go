// Package token issues and validates the signed, single-use verification
// tokens that gate new-member entry. A token is self-contained: member id,
// nonce and expiry are signed together (HMAC-SHA256 JWT), so forgery costs
// the strength of the signature and validation needs no lookup before the
// signature check. Only the nonce-consumption record is shared mutable
// state, held in the session store.
//
// Session lifecycle: ISSUED -> CONSUMED (validated once), ISSUED -> EXPIRED
// (expiry elapses), ISSUED -> SUPERSEDED (re-issue for the same member).
// All three end states are terminal.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL matches the 30-minute challenge-link lifetime.
const DefaultTTL = 30 * time.Minute

// Each failure kind is distinct so callers can decide whether the member
// may retry (bad signature: restart; expired: offer re-issue; replayed:
// deny and log as an abuse signal; superseded: only the newest link works).
var (
	ErrInvalid         = errors.New("token: malformed or bad signature")
	ErrExpired         = errors.New("token: expired")
	ErrReplayed        = errors.New("token: nonce already consumed")
	ErrSuperseded      = errors.New("token: superseded by a newer session")
	ErrChallengeFailed = errors.New("token: challenge not passed")
)

// SessionStore holds the live-session and consumed-nonce records. Consume
// must be atomic per member so two concurrent validations of the same
// token cannot both succeed.
type SessionStore interface {
	// PutLive records nonce as the member's only live session, replacing
	// any previous one (which becomes superseded).
	PutLive(ctx context.Context, memberID, nonce string, ttl time.Duration) error
	// Consume atomically retires the live session if its nonce matches.
	// Returns ErrReplayed, ErrSuperseded or ErrExpired otherwise.
	Consume(ctx context.Context, memberID, nonce string, remaining time.Duration) error
}

type claims struct {
	jwt.RegisteredClaims
}

// Service issues and validates verification tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	store  SessionStore
	now    func() time.Time
}

// NewService creates a token service signing with secret. ttl <= 0 falls
// back to DefaultTTL.
func NewService(secret []byte, ttl time.Duration, store SessionStore) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: secret, ttl: ttl, store: store, now: time.Now}
}

// Issue creates a fresh session for memberID and returns the signed token
// and its expiry. Any prior live session for the member is superseded.
func (s *Service) Issue(ctx context.Context, memberID string) (string, time.Time, error) {
	nonce := uuid.NewString()
	now := s.now()
	expiry := now.Add(s.ttl)

	if err := s.store.PutLive(ctx, memberID, nonce, s.ttl); err != nil {
		return "", time.Time{}, fmt.Errorf("token: record session: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   memberID,
			ID:        nonce,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, expiry, nil
}

// Validate checks a token presented with the outcome of the human
// challenge. Signature, expiry and single-use checks run in that order
// and report distinct errors. On success the session is consumed and the
// member id is returned for the role grant; the same token can never
// validate again.
func (s *Service) Validate(ctx context.Context, tokenStr string, challengePassed bool) (string, error) {
	if !challengePassed {
		// Fail closed: anything but an explicit pass is a failure.
		return "", ErrChallengeFailed
	}

	var c claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !parsed.Valid || c.Subject == "" || c.ID == "" {
		return "", ErrInvalid
	}

	remaining := c.ExpiresAt.Time.Sub(s.now())
	if remaining <= 0 {
		return "", ErrExpired
	}
	if err := s.store.Consume(ctx, c.Subject, c.ID, remaining); err != nil {
		// The member id still identifies who presented the stale token,
		// which callers log as an abuse signal.
		return c.Subject, err
	}
	return c.Subject, nil
}
