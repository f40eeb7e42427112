// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package tenancy resolves which organization and role a request acts
// under. A resolved Scope is the tenant context applied to database
// sessions, so resolution fails rather than guessing.
package tenancy

import (
	"context"
	"time"

	"axonflow/tenantdb/connections/base"
)

// Role is a membership role. Roles are totally ordered.
type Role string

const (
	Owner        Role = "owner"
	Admin        Role = "admin"
	BillingAdmin Role = "billing_admin"
	Developer    Role = "developer"
	Member       Role = "member"
)

var roleRank = map[Role]int{
	Owner:        5,
	Admin:        4,
	BillingAdmin: 3,
	Developer:    2,
	Member:       1,
}

// Rank returns the role's position in the order; unknown roles rank 0.
func (r Role) Rank() int { return roleRank[r] }

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r.Rank() > 0 }

// Outranks reports whether r is strictly above other.
func (r Role) Outranks(other Role) bool { return r.Rank() > other.Rank() }

// Lower returns the lower of two roles.
func Lower(a, b Role) Role {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// Organization is the tenant root. Organizations are soft-disabled, never
// deleted.
type Organization struct {
	ID           string    `json:"id"`
	Slug         string    `json:"slug"`
	BillingEmail string    `json:"billing_email"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// Project belongs to exactly one organization.
type Project struct {
	ID                  string `json:"id"`
	OrganizationID      string `json:"organization_id"`
	Name                string `json:"name"`
	PrimaryConnectionID string `json:"primary_connection_id,omitempty"`
}

// Membership joins a user to an organization with one role. (organization,
// user) is unique.
type Membership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Scope is a resolved authorization scope.
type Scope struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id"`
	ProjectID      string `json:"project_id,omitempty"`
	Role           Role   `json:"role"`
}

// TenantContext converts s to the context applied on sessions.
func (s Scope) TenantContext() base.TenantContext {
	return base.TenantContext{OrganizationID: s.OrganizationID, UserID: s.UserID, Role: string(s.Role)}
}

// Store holds organizations, projects and memberships. Lookups of missing
// rows return *apperr.NotFoundError.
type Store interface {
	Organization(ctx context.Context, id string) (*Organization, error)
	Project(ctx context.Context, id string) (*Project, error)
	Membership(ctx context.Context, orgID, userID string) (*Membership, error)
	// ProjectRole returns the user's role on a project's explicit member
	// list. restricted is false when the project has no such list.
	ProjectRole(ctx context.Context, projectID, userID string) (role Role, restricted bool, err error)
	ActiveOrganization(ctx context.Context, userID string) (string, error)
	SetActiveOrganization(ctx context.Context, userID, orgID string) error
	AddMembership(ctx context.Context, m Membership) error
	UpdateMembershipRole(ctx context.Context, orgID, userID string, role Role) error
}
