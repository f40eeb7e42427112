// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package tenancy

import (
	"context"
	"fmt"
	"time"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/manager"
	"axonflow/tenantdb/shared/apperr"
)

// Executor runs statements on a managed connection. *manager.Manager
// satisfies it.
type Executor interface {
	Acquire(ctx context.Context, connectionID string) (*manager.Handle, error)
	SetTenantContext(ctx context.Context, h *manager.Handle, tc base.TenantContext) error
	ClearTenantContext(ctx context.Context, h *manager.Handle) error
	Execute(ctx context.Context, h *manager.Handle, q *base.Query) (*base.Result, error)
	Release(h *manager.Handle)
}

// Schema creates the platform tables the SQLStore reads.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS organizations (
		id VARCHAR(64) PRIMARY KEY,
		slug VARCHAR(128) NOT NULL UNIQUE,
		billing_email VARCHAR(255) NOT NULL DEFAULT '',
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id VARCHAR(64) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		primary_connection_id VARCHAR(64) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS memberships (
		organization_id VARCHAR(64) NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
		user_id VARCHAR(64) NOT NULL,
		role VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (organization_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS project_members (
		project_id VARCHAR(64) NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id VARCHAR(64) NOT NULL,
		role VARCHAR(32) NOT NULL,
		PRIMARY KEY (project_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_preferences (
		user_id VARCHAR(64) PRIMARY KEY,
		active_organization_id VARCHAR(64),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// SQLStore reads tenancy data from the platform database. Every statement
// runs on a session scoped with base.SystemContext for the requesting user.
type SQLStore struct {
	exec         Executor
	connectionID string
}

// NewSQLStore creates a store that runs on connectionID through exec.
func NewSQLStore(exec Executor, connectionID string) *SQLStore {
	return &SQLStore{exec: exec, connectionID: connectionID}
}

// InitSchema applies Schema.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	return s.run(ctx, "", func(do queryFunc) error {
		for _, stmt := range Schema {
			if _, err := do(stmt); err != nil {
				return fmt.Errorf("create platform schema: %w", err)
			}
		}
		return nil
	})
}

type queryFunc func(stmt string, args ...interface{}) (*base.Result, error)

// run leases a platform session, scopes it for userID and hands fn a
// statement runner. The context is always cleared before release; a failed
// clear makes the manager discard the session.
func (s *SQLStore) run(ctx context.Context, userID string, fn func(do queryFunc) error) error {
	h, err := s.exec.Acquire(ctx, s.connectionID)
	if err != nil {
		return err
	}
	defer s.exec.Release(h)
	defer func() { _ = s.exec.ClearTenantContext(context.WithoutCancel(ctx), h) }()

	if userID == "" {
		userID = "system"
	}
	if err := s.exec.SetTenantContext(ctx, h, base.SystemContext(userID)); err != nil {
		return err
	}

	return fn(func(stmt string, args ...interface{}) (*base.Result, error) {
		return s.exec.Execute(ctx, h, &base.Query{Statement: stmt, Args: args})
	})
}

func (s *SQLStore) one(ctx context.Context, userID, kind, id, stmt string, args ...interface{}) (map[string]interface{}, error) {
	var row map[string]interface{}
	err := s.run(ctx, userID, func(do queryFunc) error {
		res, err := do(stmt, args...)
		if err != nil {
			return err
		}
		if len(res.Rows) == 0 {
			return &apperr.NotFoundError{Kind: kind, ID: id}
		}
		row = res.Rows[0]
		return nil
	})
	return row, err
}

func (s *SQLStore) Organization(ctx context.Context, id string) (*Organization, error) {
	row, err := s.one(ctx, "", "organization", id,
		`SELECT id, slug, billing_email, disabled, created_at FROM organizations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &Organization{
		ID:           str(row, "id"),
		Slug:         str(row, "slug"),
		BillingEmail: str(row, "billing_email"),
		Disabled:     boolean(row, "disabled"),
		CreatedAt:    timestamp(row, "created_at"),
	}, nil
}

func (s *SQLStore) Project(ctx context.Context, id string) (*Project, error) {
	row, err := s.one(ctx, "", "project", id,
		`SELECT id, organization_id, name, primary_connection_id FROM projects WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &Project{
		ID:                  str(row, "id"),
		OrganizationID:      str(row, "organization_id"),
		Name:                str(row, "name"),
		PrimaryConnectionID: str(row, "primary_connection_id"),
	}, nil
}

func (s *SQLStore) Membership(ctx context.Context, orgID, userID string) (*Membership, error) {
	row, err := s.one(ctx, userID, "membership", orgID+"/"+userID,
		`SELECT organization_id, user_id, role, created_at FROM memberships WHERE organization_id = $1 AND user_id = $2`,
		orgID, userID)
	if err != nil {
		return nil, err
	}
	return &Membership{
		OrganizationID: str(row, "organization_id"),
		UserID:         str(row, "user_id"),
		Role:           Role(str(row, "role")),
		CreatedAt:      timestamp(row, "created_at"),
	}, nil
}

func (s *SQLStore) ProjectRole(ctx context.Context, projectID, userID string) (Role, bool, error) {
	row, err := s.one(ctx, userID, "project", projectID,
		`SELECT (SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2) AS role,
			EXISTS (SELECT 1 FROM project_members WHERE project_id = $1) AS restricted`,
		projectID, userID)
	if err != nil {
		return "", false, err
	}
	return Role(str(row, "role")), boolean(row, "restricted"), nil
}

func (s *SQLStore) ActiveOrganization(ctx context.Context, userID string) (string, error) {
	row, err := s.one(ctx, userID, "user_preferences", userID,
		`SELECT active_organization_id FROM user_preferences WHERE user_id = $1`, userID)
	if err != nil {
		return "", err
	}
	return str(row, "active_organization_id"), nil
}

func (s *SQLStore) SetActiveOrganization(ctx context.Context, userID, orgID string) error {
	return s.run(ctx, userID, func(do queryFunc) error {
		_, err := do(`INSERT INTO user_preferences (user_id, active_organization_id, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (user_id) DO UPDATE SET active_organization_id = EXCLUDED.active_organization_id, updated_at = NOW()`,
			userID, orgID)
		return err
	})
}

func (s *SQLStore) AddMembership(ctx context.Context, m Membership) error {
	return s.run(ctx, m.UserID, func(do queryFunc) error {
		res, err := do(`INSERT INTO memberships (organization_id, user_id, role, created_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (organization_id, user_id) DO NOTHING`,
			m.OrganizationID, m.UserID, string(m.Role))
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return apperr.Invalid("user %s is already a member of %s", m.UserID, m.OrganizationID)
		}
		return nil
	})
}

func (s *SQLStore) UpdateMembershipRole(ctx context.Context, orgID, userID string, role Role) error {
	return s.run(ctx, userID, func(do queryFunc) error {
		res, err := do(`UPDATE memberships SET role = $3 WHERE organization_id = $1 AND user_id = $2`,
			orgID, userID, string(role))
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return &apperr.NotFoundError{Kind: "membership", ID: orgID + "/" + userID}
		}
		return nil
	})
}

func str(row map[string]interface{}, col string) string {
	switch v := row[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func boolean(row map[string]interface{}, col string) bool {
	switch v := row[col].(type) {
	case bool:
		return v
	case string:
		return v == "t" || v == "true"
	case int64:
		return v != 0
	}
	return false
}

func timestamp(row map[string]interface{}, col string) time.Time {
	if t, ok := row[col].(time.Time); ok {
		return t
	}
	return time.Time{}
}
