// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package access runs tenant-scoped queries for authenticated requests. A
// request is authenticated, resolved to a tenant scope, executed on a
// leased session carrying that scope, and released on every exit path.
package access

import (
	"context"
	"errors"
	"time"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/manager"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/shared/metrics"
	"axonflow/tenantdb/tenancy"
)

// Authenticator validates session tokens. *cache.Validator satisfies it.
type Authenticator interface {
	Validate(ctx context.Context, token string) (sessions.View, error)
}

// ContextResolver resolves a user's tenant scope. *tenancy.Resolver
// satisfies it.
type ContextResolver interface {
	Resolve(ctx context.Context, userID string, hint tenancy.Hint) (tenancy.Scope, error)
}

// Catalog looks up connection records. *registry.Registry satisfies it.
type Catalog interface {
	Get(ctx context.Context, id string) (registry.View, error)
}

// Connections leases scoped sessions. *manager.Manager satisfies it.
type Connections interface {
	Acquire(ctx context.Context, connectionID string) (*manager.Handle, error)
	SetTenantContext(ctx context.Context, h *manager.Handle, tc base.TenantContext) error
	ClearTenantContext(ctx context.Context, h *manager.Handle) error
	Execute(ctx context.Context, h *manager.Handle, q *base.Query) (*base.Result, error)
	Release(h *manager.Handle)
}

// Request is one tenant-scoped query.
type Request struct {
	Token        string
	ProjectID    string
	ConnectionID string
	Query        base.Query
	RequestID    string
}

// Response carries the scope the query ran under and its result.
type Response struct {
	Scope  tenancy.Scope `json:"scope"`
	Result *base.Result  `json:"result"`
}

// Facade drives the request lifecycle.
type Facade struct {
	auth     Authenticator
	resolver ContextResolver
	catalog  Catalog
	conns    Connections
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// Option customizes a Facade.
type Option func(*Facade)

// WithMetrics records request outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// New creates a Facade.
func New(auth Authenticator, resolver ContextResolver, catalog Catalog, conns Connections, opts ...Option) *Facade {
	f := &Facade{
		auth:     auth,
		resolver: resolver,
		catalog:  catalog,
		conns:    conns,
		log:      logger.New("access-facade"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Execute authenticates req, resolves its scope and runs its query on the
// requested connection under that scope. Errors are *LifecycleError values
// wrapping the most specific cause.
func (f *Facade) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := f.execute(ctx, req)

	stage, outcome := StageReleased, "ok"
	var lerr *LifecycleError
	if errors.As(err, &lerr) {
		stage, outcome = lerr.Stage, apperr.Code(lerr.Err)
	}
	if f.metrics != nil {
		f.metrics.FacadeRequests.WithLabelValues(string(stage), outcome).Inc()
	}

	orgID := ""
	if resp != nil {
		orgID = resp.Scope.OrganizationID
	}
	if err != nil {
		f.log.Warn(orgID, req.RequestID, "request failed", map[string]interface{}{
			"stage":         string(stage),
			"connection_id": req.ConnectionID,
			"error":         err.Error(),
		})
		return nil, err
	}
	f.log.InfoWithDuration(orgID, req.RequestID, "request completed", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"connection_id": req.ConnectionID,
		"rows":          resp.Result.RowCount,
	})
	return resp, nil
}

func (f *Facade) execute(ctx context.Context, req Request) (*Response, error) {
	if req.Token == "" {
		return nil, fail(StageUnauthenticated, &apperr.AuthenticationError{Reason: "missing session token"})
	}
	session, err := f.auth.Validate(ctx, req.Token)
	if err != nil {
		return nil, fail(StageUnauthenticated, err)
	}

	if req.ProjectID == "" || req.ConnectionID == "" {
		return nil, fail(StageAuthenticated, apperr.Invalid("project and connection are required"))
	}
	scope, err := f.resolver.Resolve(ctx, session.UserID, tenancy.Hint{ProjectID: req.ProjectID})
	if err != nil {
		return nil, fail(StageAuthenticated, err)
	}

	conn, err := f.catalog.Get(ctx, req.ConnectionID)
	if errors.Is(err, apperr.ErrNotFound) || (err == nil && conn.ProjectID != scope.ProjectID) {
		// Connections of other projects are reported like missing ones.
		return nil, fail(StageContextResolved, &apperr.NotFoundError{Kind: "connection", ID: req.ConnectionID})
	}
	if err != nil {
		return nil, fail(StageContextResolved, err)
	}

	h, err := f.conns.Acquire(ctx, req.ConnectionID)
	if err != nil {
		return nil, fail(StageContextResolved, err)
	}

	var result *base.Result
	err = f.WithTenantContext(ctx, h, scope, func(ctx context.Context, h *manager.Handle) error {
		var err error
		result, err = f.conns.Execute(ctx, h, &req.Query)
		return err
	})
	if err != nil {
		return &Response{Scope: scope}, err
	}
	return &Response{Scope: scope, Result: result}, nil
}

// WithTenantContext applies scope to h, runs fn, clears the scope and
// releases h. Clear and release happen on every path, including a failed
// apply and a cancelled ctx. A failed clear is logged and the session is
// discarded rather than returned to its pool. h must not be used after
// WithTenantContext returns.
func (f *Facade) WithTenantContext(ctx context.Context, h *manager.Handle, scope tenancy.Scope, fn func(ctx context.Context, h *manager.Handle) error) error {
	defer f.conns.Release(h)
	defer func() {
		if err := f.conns.ClearTenantContext(context.WithoutCancel(ctx), h); err != nil {
			f.log.Warn(scope.OrganizationID, "", "failed to clear tenant context; session discarded", map[string]interface{}{
				"connection_id": h.ConnectionID,
				"error":         err.Error(),
			})
		}
	}()

	if err := f.conns.SetTenantContext(ctx, h, scope.TenantContext()); err != nil {
		return fail(StageContextResolved, err)
	}
	if err := fn(ctx, h); err != nil {
		return fail(StageExecuting, err)
	}
	return nil
}
