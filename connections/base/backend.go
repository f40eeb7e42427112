// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package base defines the contracts every tenant backend driver
// implements, and the value types that flow through them.
//
// A Driver turns an Endpoint into a Backend (one per configured
// connection). A Backend hands out Sessions; a Session is the unit the
// connection pool leases, and tenant context is applied to and cleared from
// a Session, never a Backend.
package base

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BackendType is the broad family of a connection.
type BackendType string

const (
	Relational BackendType = "relational"
	Document   BackendType = "document"
	KeyValue   BackendType = "key-value"
)

// Valid reports whether t is a known backend type.
func (t BackendType) Valid() bool {
	switch t {
	case Relational, Document, KeyValue:
		return true
	}
	return false
}

// Engine is the concrete database product behind a connection.
type Engine string

const (
	Postgres  Engine = "postgres"
	MySQL     Engine = "mysql"
	MongoDB   Engine = "mongodb"
	Redis     Engine = "redis"
	Cassandra Engine = "cassandra"
)

// BackendType returns the family the engine belongs to.
func (e Engine) BackendType() BackendType {
	switch e {
	case Postgres, MySQL:
		return Relational
	case MongoDB:
		return Document
	case Redis, Cassandra:
		return KeyValue
	}
	return ""
}

// HealthStatus is the last known health of a connection.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

var (
	// ErrNoTenantContext is returned when a tenant-scoped operation runs on
	// a session without tenant context.
	ErrNoTenantContext = errors.New("no tenant context on session")
	// ErrUnscopedQuery is returned for queries a backend cannot confine to
	// the current tenant.
	ErrUnscopedQuery = errors.New("query cannot be scoped to tenant")
	// ErrUnsupportedOperation is returned for operations a backend does not
	// implement.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Endpoint is everything needed to reach one backend instance. Credentials
// are plaintext and must never leave the process.
type Endpoint struct {
	ConnectionID string
	Engine       Engine
	Host         string
	Port         int
	Database     string
	Credentials  map[string]string
	Options      map[string]string
	DialTimeout  time.Duration
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// Username returns the "username" credential, falling back to "user".
func (e Endpoint) Username() string {
	if u := e.Credentials["username"]; u != "" {
		return u
	}
	return e.Credentials["user"]
}

// Password returns the "password" credential.
func (e Endpoint) Password() string {
	return e.Credentials["password"]
}

// TenantContext is the authorization scope applied to a session. Row-level
// policies filter on OrganizationID.
type TenantContext struct {
	OrganizationID string
	UserID         string
	Role           string
}

// SystemOrganization scopes platform queries that are not tied to one
// tenant, such as membership lookups. Platform policies combine it with the
// user id so a lookup only sees that user's rows.
const SystemOrganization = "__platform__"

// SystemContext returns the scope for platform lookups on behalf of userID.
func SystemContext(userID string) TenantContext {
	return TenantContext{OrganizationID: SystemOrganization, UserID: userID, Role: "system"}
}

// Validate rejects contexts that cannot scope anything.
func (tc TenantContext) Validate() error {
	if tc.OrganizationID == "" {
		return fmt.Errorf("%w: organization is required", ErrNoTenantContext)
	}
	return nil
}

// Query is one operation run on a session. Relational backends read
// Statement and Args; document and key-value backends take the operation
// name from Statement and its inputs from Parameters.
type Query struct {
	Statement  string                 `json:"statement"`
	Args       []interface{}          `json:"args,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Timeout    time.Duration          `json:"timeout,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// Result is the outcome of a Query.
type Result struct {
	Rows         []map[string]interface{} `json:"rows"`
	RowCount     int                      `json:"row_count"`
	RowsAffected int64                    `json:"rows_affected"`
	Duration     time.Duration            `json:"duration"`
	Backend      string                   `json:"backend"`
}

// Driver creates Backends for one engine.
type Driver interface {
	Engine() Engine
	Connect(ctx context.Context, ep Endpoint) (Backend, error)
}

// Backend is a connected backend instance.
type Backend interface {
	// Open creates a new session. Sessions are pooled by the caller.
	Open(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// Session is one leased unit of work against a backend. Tenant context set
// on a session applies to every Execute until ClearTenantContext.
type Session interface {
	SetTenantContext(ctx context.Context, tc TenantContext) error
	ClearTenantContext(ctx context.Context) error
	Execute(ctx context.Context, q *Query) (*Result, error)
	Ping(ctx context.Context) error
	Close() error
}
