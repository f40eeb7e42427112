// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"sync"
	"time"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/shared/apperr"
)

// MemoryStorage keeps connections in process. Used in tests and for
// single-node development setups.
type MemoryStorage struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{conns: make(map[string]*Connection)}
}

func (s *MemoryStorage) Insert(_ context.Context, c *Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conns[c.ID]; exists {
		return apperr.Invalid("connection %s already exists", c.ID)
	}
	s.conns[c.ID] = clone(c)
	return nil
}

func (s *MemoryStorage) Get(_ context.Context, id string) (*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	return clone(c), nil
}

func (s *MemoryStorage) ListByProject(_ context.Context, projectID string) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Connection
	for _, c := range s.conns {
		if c.ProjectID == projectID {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *MemoryStorage) ListAll(_ context.Context) ([]*Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, clone(c))
	}
	return out, nil
}

func (s *MemoryStorage) UpdateSecret(_ context.Context, id string, ciphertext []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	c.SecretCiphertext = append([]byte(nil), ciphertext...)
	c.UpdatedAt = at
	return nil
}

func (s *MemoryStorage) UpdateHealth(_ context.Context, id string, status base.HealthStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	c.Health = status
	c.LastHealthCheck = &at
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	delete(s.conns, id)
	return nil
}

func (s *MemoryStorage) DeleteByProject(_ context.Context, projectID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.conns {
		if c.ProjectID == projectID {
			ids = append(ids, id)
			delete(s.conns, id)
		}
	}
	return ids, nil
}

func clone(c *Connection) *Connection {
	cp := *c
	cp.SecretCiphertext = append([]byte(nil), c.SecretCiphertext...)
	if c.Options != nil {
		cp.Options = make(map[string]string, len(c.Options))
		for k, v := range c.Options {
			cp.Options[k] = v
		}
	}
	if c.LastHealthCheck != nil {
		t := *c.LastHealthCheck
		cp.LastHealthCheck = &t
	}
	return &cp
}
