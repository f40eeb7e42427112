// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package sessions is the system of record for session tokens. Tokens are
// signed JWTs; only their SHA-256 hash is stored.
package sessions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Session is one login. A session is valid iff it is not revoked and its
// expiry is in the future.
type Session struct {
	ID           string     `json:"id"`
	TokenHash    string     `json:"-"`
	UserID       string     `json:"user_id"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LastActivity time.Time  `json:"last_activity"`
	CreatedAt    time.Time  `json:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	ClientIP     string     `json:"client_ip,omitempty"`
	UserAgent    string     `json:"user_agent,omitempty"`
}

// Valid reports whether s can authenticate a request at now.
func (s *Session) Valid(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// View is what validation returns to callers and what the cache stores.
type View struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// View returns the denormalized snapshot of s.
func (s *Session) View() View {
	return View{SessionID: s.ID, UserID: s.UserID, ExpiresAt: s.ExpiresAt}
}

// ClientMeta describes the client a session was issued to.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// HashToken returns the hex SHA-256 of token. This is the only form in
// which tokens are stored or used as cache keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Store persists sessions keyed by token hash.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Lookup(ctx context.Context, tokenHash string) (*Session, error)
	Revoke(ctx context.Context, tokenHash string, at time.Time) error
	Touch(ctx context.Context, tokenHash string, at time.Time) error
	// RevokeAllForUser revokes every live session of userID and returns
	// their token hashes.
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) ([]string, error)
}
