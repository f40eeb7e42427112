// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"errors"
	"fmt"

	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
)

// Hint narrows resolution to a project. An empty hint falls back to the
// user's active organization.
type Hint struct {
	ProjectID string `json:"project_id,omitempty"`
}

// Resolver determines a request's organization and role.
//
// Organization membership is always required. When a project keeps an
// explicit member list the user must also be on it, and the effective role
// is the lower of the organization role and the project role.
type Resolver struct {
	store Store
	log   *logger.Logger
}

// NewResolver creates a Resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, log: logger.New("tenant-resolver")}
}

// Resolve returns the scope userID acts under for hint.
//
// Errors:
//   - *apperr.NotFoundError when the hinted project does not exist
//   - *apperr.AuthorizationError when membership cannot be established,
//     the organization is disabled, or there is no hint and no active
//     organization
func (r *Resolver) Resolve(ctx context.Context, userID string, hint Hint) (Scope, error) {
	if userID == "" {
		return Scope{}, &apperr.AuthenticationError{Reason: "missing user"}
	}
	if hint.ProjectID != "" {
		return r.resolveProject(ctx, userID, hint.ProjectID)
	}

	orgID, err := r.store.ActiveOrganization(ctx, userID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return Scope{}, fmt.Errorf("load active organization: %w", err)
	}
	if orgID == "" {
		return Scope{}, &apperr.AuthorizationError{UserID: userID, Resource: "organization", Reason: "no project given and no active organization"}
	}
	m, err := r.member(ctx, userID, orgID)
	if err != nil {
		return Scope{}, err
	}
	return Scope{UserID: userID, OrganizationID: orgID, Role: m.Role}, nil
}

func (r *Resolver) resolveProject(ctx context.Context, userID, projectID string) (Scope, error) {
	p, err := r.store.Project(ctx, projectID)
	if err != nil {
		return Scope{}, err
	}
	m, err := r.member(ctx, userID, p.OrganizationID)
	if err != nil {
		return Scope{}, err
	}

	role := m.Role
	projectRole, restricted, err := r.store.ProjectRole(ctx, projectID, userID)
	if err != nil {
		return Scope{}, fmt.Errorf("load project role: %w", err)
	}
	if restricted {
		if !projectRole.Valid() {
			return Scope{}, &apperr.AuthorizationError{UserID: userID, Resource: "project " + projectID, Reason: "not a project member"}
		}
		role = Lower(role, projectRole)
	}
	return Scope{UserID: userID, OrganizationID: p.OrganizationID, ProjectID: projectID, Role: role}, nil
}

// member verifies that orgID is enabled and userID belongs to it.
func (r *Resolver) member(ctx context.Context, userID, orgID string) (*Membership, error) {
	org, err := r.store.Organization(ctx, orgID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, &apperr.AuthorizationError{UserID: userID, Resource: "organization " + orgID, Reason: "organization does not exist"}
	}
	if err != nil {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if org.Disabled {
		return nil, &apperr.AuthorizationError{UserID: userID, Resource: "organization " + orgID, Reason: "organization is disabled"}
	}
	m, err := r.store.Membership(ctx, orgID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, &apperr.AuthorizationError{UserID: userID, Resource: "organization " + orgID, Reason: "not a member"}
	}
	if err != nil {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	if !m.Role.Valid() {
		return nil, &apperr.AuthorizationError{UserID: userID, Resource: "organization " + orgID, Reason: "membership has no valid role"}
	}
	return m, nil
}

// SetActive persists orgID as userID's active organization after checking
// membership.
func (r *Resolver) SetActive(ctx context.Context, userID, orgID string) error {
	if orgID == "" {
		return apperr.Invalid("organization id is required")
	}
	if _, err := r.member(ctx, userID, orgID); err != nil {
		return err
	}
	if err := r.store.SetActiveOrganization(ctx, userID, orgID); err != nil {
		return fmt.Errorf("save active organization: %w", err)
	}
	r.log.Info(orgID, "", "active organization changed", map[string]interface{}{"user_id": userID})
	return nil
}

// AddMember records an accepted invitation.
func (r *Resolver) AddMember(ctx context.Context, orgID, userID string, role Role) error {
	if !role.Valid() {
		return apperr.Invalid("unknown role %q", role)
	}
	if userID == "" {
		return apperr.Invalid("user id is required")
	}
	if _, err := r.store.Organization(ctx, orgID); err != nil {
		return err
	}
	return r.store.AddMembership(ctx, Membership{OrganizationID: orgID, UserID: userID, Role: role})
}

// ChangeRole sets targetID's role in orgID on behalf of actorID. The actor
// must outrank both the target's current role and newRole, and can never
// change their own membership.
func (r *Resolver) ChangeRole(ctx context.Context, actorID, orgID, targetID string, newRole Role) error {
	if !newRole.Valid() {
		return apperr.Invalid("unknown role %q", newRole)
	}
	resource := "membership " + orgID + "/" + targetID
	if actorID == targetID {
		return &apperr.AuthorizationError{UserID: actorID, Resource: resource, Reason: "cannot modify own membership"}
	}
	actor, err := r.member(ctx, actorID, orgID)
	if err != nil {
		return err
	}
	target, err := r.store.Membership(ctx, orgID, targetID)
	if err != nil {
		return err
	}
	if !actor.Role.Outranks(target.Role) || !actor.Role.Outranks(newRole) {
		return &apperr.AuthorizationError{UserID: actorID, Resource: resource, Reason: "insufficient role"}
	}
	if err := r.store.UpdateMembershipRole(ctx, orgID, targetID, newRole); err != nil {
		return err
	}
	r.log.Info(orgID, "", "membership role changed", map[string]interface{}{
		"actor_id":  actorID,
		"target_id": targetID,
		"from":      string(target.Role),
		"to":        string(newRole),
	})
	return nil
}
