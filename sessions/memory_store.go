// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sessions

import (
	"context"
	"sync"
	"time"

	"axonflow/tenantdb/shared/apperr"
)

// MemoryStore keeps sessions in process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.TokenHash]; exists {
		return apperr.Invalid("session already exists")
	}
	cp := *s
	m.sessions[s.TokenHash] = &cp
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "session", ID: shortHash(tokenHash)}
	}
	cp := *s
	if s.RevokedAt != nil {
		at := *s.RevokedAt
		cp.RevokedAt = &at
	}
	return &cp, nil
}

func (m *MemoryStore) Revoke(_ context.Context, tokenHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return &apperr.NotFoundError{Kind: "session", ID: shortHash(tokenHash)}
	}
	if s.RevokedAt == nil {
		s.RevokedAt = &at
	}
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, tokenHash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return &apperr.NotFoundError{Kind: "session", ID: shortHash(tokenHash)}
	}
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

func (m *MemoryStore) RevokeAllForUser(_ context.Context, userID string, at time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []string
	for hash, s := range m.sessions {
		if s.UserID == userID && s.RevokedAt == nil {
			revoked := at
			s.RevokedAt = &revoked
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
