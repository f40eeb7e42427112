// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
)

// DefaultTTL is the lifetime of a new session.
const DefaultTTL = 12 * time.Hour

// Service issues and validates sessions directly against the store.
type Service struct {
	store        Store
	codec        *TokenCodec
	ttl          time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	log          *logger.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithTTL sets the lifetime of issued sessions.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// WithClock injects the time source for issuing and validating.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
		s.codec.now = now
	}
}

// NewService creates a Service.
func NewService(store Store, codec *TokenCodec, opts ...Option) *Service {
	s := &Service{
		store:        store,
		codec:        codec,
		ttl:          DefaultTTL,
		storeTimeout: 2 * time.Second,
		now:          time.Now,
		log:          logger.New("session-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a session for userID and returns its token. The token is
// returned once and never stored.
func (s *Service) Issue(ctx context.Context, userID string, meta ClientMeta) (string, *Session, error) {
	if userID == "" {
		return "", nil, apperr.Invalid("user id is required")
	}
	now := s.now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.ttl),
		ClientIP:     meta.IP,
		UserAgent:    meta.UserAgent,
	}
	token, err := s.codec.Sign(sess.ID, userID, now, sess.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("sign session token: %w", err)
	}
	sess.TokenHash = HashToken(token)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.Create(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("store session: %w", err)
	}
	return token, sess, nil
}

// Validate checks token against the store. It never consults a cache.
//
// Errors:
//   - *apperr.AuthenticationError for malformed, expired, revoked or unknown
//     tokens
//   - a wrapped store error when the store could not be reached
func (s *Service) Validate(ctx context.Context, token string) (View, error) {
	claims, err := s.codec.Verify(token)
	if err != nil {
		return View{}, &apperr.AuthenticationError{Reason: "invalid token", Err: err}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	sess, err := s.store.Lookup(ctx, HashToken(token))
	if errors.Is(err, apperr.ErrNotFound) {
		return View{}, &apperr.AuthenticationError{Reason: "unknown session"}
	}
	if err != nil {
		return View{}, fmt.Errorf("lookup session: %w", err)
	}
	if sess.ID != claims.ID || sess.UserID != claims.Subject {
		s.log.Warn("", "", "token claims do not match stored session", map[string]interface{}{
			"session_id": sess.ID,
			"token_hash": shortHash(sess.TokenHash),
		})
		return View{}, &apperr.AuthenticationError{Reason: "session mismatch"}
	}
	now := s.now()
	switch {
	case sess.RevokedAt != nil:
		return View{}, &apperr.AuthenticationError{Reason: "session revoked"}
	case !sess.Valid(now):
		return View{}, &apperr.AuthenticationError{Reason: "session expired"}
	}
	return sess.View(), nil
}

// Touch records activity on the session for token.
func (s *Service) Touch(ctx context.Context, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.store.Touch(ctx, HashToken(token), s.now().UTC())
}

// Revoke ends the session for token. Revoking an unknown token is an
// authentication error.
func (s *Service) Revoke(ctx context.Context, token string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	err := s.store.Revoke(ctx, HashToken(token), s.now().UTC())
	if errors.Is(err, apperr.ErrNotFound) {
		return &apperr.AuthenticationError{Reason: "unknown session"}
	}
	return err
}

// RevokeAllForUser revokes every live session of userID and returns their
// token hashes.
func (s *Service) RevokeAllForUser(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	hashes, err := s.store.RevokeAllForUser(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.Info("", "", "revoked all sessions for user", map[string]interface{}{
		"user_id":  userID,
		"sessions": len(hashes),
	})
	return hashes, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}
