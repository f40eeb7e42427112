// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"sync"

	"axonflow/tenantdb/shared/apperr"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu             sync.RWMutex
	orgs           map[string]Organization
	projects       map[string]Project
	memberships    map[[2]string]Membership
	projectMembers map[string]map[string]Role
	active         map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:           make(map[string]Organization),
		projects:       make(map[string]Project),
		memberships:    make(map[[2]string]Membership),
		projectMembers: make(map[string]map[string]Role),
		active:         make(map[string]string),
	}
}

// PutOrganization creates or replaces an organization.
func (s *MemoryStore) PutOrganization(o Organization) {
	s.mu.Lock()
	s.orgs[o.ID] = o
	s.mu.Unlock()
}

// PutProject creates or replaces a project.
func (s *MemoryStore) PutProject(p Project) {
	s.mu.Lock()
	s.projects[p.ID] = p
	s.mu.Unlock()
}

// PutProjectMember adds userID to a project's explicit member list.
func (s *MemoryStore) PutProjectMember(projectID, userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projectMembers[projectID] == nil {
		s.projectMembers[projectID] = make(map[string]Role)
	}
	s.projectMembers[projectID][userID] = role
}

func (s *MemoryStore) Organization(_ context.Context, id string) (*Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "organization", ID: id}
	}
	return &o, nil
}

func (s *MemoryStore) Project(_ context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "project", ID: id}
	}
	return &p, nil
}

func (s *MemoryStore) Membership(_ context.Context, orgID, userID string) (*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[[2]string{orgID, userID}]
	if !ok {
		return nil, &apperr.NotFoundError{Kind: "membership", ID: orgID + "/" + userID}
	}
	return &m, nil
}

func (s *MemoryStore) ProjectRole(_ context.Context, projectID, userID string) (Role, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.projectMembers[projectID]
	if !ok || len(members) == 0 {
		return "", false, nil
	}
	return members[userID], true, nil
}

func (s *MemoryStore) ActiveOrganization(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[userID], nil
}

func (s *MemoryStore) SetActiveOrganization(_ context.Context, userID, orgID string) error {
	s.mu.Lock()
	s.active[userID] = orgID
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddMembership(_ context.Context, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{m.OrganizationID, m.UserID}
	if _, exists := s.memberships[key]; exists {
		return apperr.Invalid("user %s is already a member of %s", m.UserID, m.OrganizationID)
	}
	s.memberships[key] = m
	return nil
}

func (s *MemoryStore) UpdateMembershipRole(_ context.Context, orgID, userID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{orgID, userID}
	m, ok := s.memberships[key]
	if !ok {
		return &apperr.NotFoundError{Kind: "membership", ID: orgID + "/" + userID}
	}
	m.Role = role
	s.memberships[key] = m
	return nil
}
