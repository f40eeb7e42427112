// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cassandra is the wide-column key-value tenant backend. Tables are
// partitioned by org_id; every statement must bind org_id as its first
// placeholder and the session supplies that value from tenant context.
// Callers pass only the remaining arguments.
package cassandra

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"axonflow/tenantdb/connections/base"
)

const defaultTimeout = 5 * time.Second

var (
	tenantPredicate = regexp.MustCompile(`(?i)\borg_id\s*=\s*\?`)
	tenantInsert    = regexp.MustCompile(`(?i)^\s*insert\s+into\s+[\w."]+\s*\(\s*org_id\s*[,)]`)
)

// Driver opens Cassandra backends.
type Driver struct {
	logger *log.Logger
}

// NewDriver creates a Cassandra driver.
func NewDriver() *Driver {
	return &Driver{logger: log.New(os.Stdout, "[BACKEND_CASSANDRA] ", log.LstdFlags)}
}

func (d *Driver) Engine() base.Engine { return base.Cassandra }

// Connect creates a gocql session. Host may list several comma-separated
// contact points; Database is the keyspace.
func (d *Driver) Connect(ctx context.Context, ep base.Endpoint) (base.Backend, error) {
	cluster := ClusterConfig(ep)
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, base.WrapError(ep.ConnectionID, "connect", err, IsFault)
	}
	d.logger.Printf("Connected to Cassandra: %s (keyspace=%s, consistency=%s)", ep.ConnectionID, ep.Database, cluster.Consistency)
	return &Backend{id: ep.ConnectionID, session: session, logger: d.logger}, nil
}

// ClusterConfig builds the gocql cluster configuration for ep.
func ClusterConfig(ep base.Endpoint) *gocql.ClusterConfig {
	hosts := strings.Split(ep.Host, ",")
	for i := range hosts {
		hosts[i] = strings.TrimSpace(hosts[i])
	}
	cluster := gocql.NewCluster(hosts...)
	if ep.Port > 0 {
		cluster.Port = ep.Port
	}
	cluster.Keyspace = ep.Database
	cluster.Consistency = gocql.LocalQuorum
	if c := ep.Options["consistency"]; c != "" {
		if parsed, err := gocql.ParseConsistencyWrapper(c); err == nil {
			cluster.Consistency = parsed
		}
	}
	cluster.Timeout = defaultTimeout
	cluster.ConnectTimeout = defaultTimeout
	if ep.DialTimeout > 0 {
		cluster.ConnectTimeout = ep.DialTimeout
	}
	if user := ep.Username(); user != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: user, Password: ep.Password()}
	}
	if n, err := strconv.Atoi(ep.Options["num_conns"]); err == nil && n > 0 {
		cluster.NumConns = n
	}
	return cluster
}

// IsFault separates coordinator/availability failures from statement
// errors.
func IsFault(err error) bool {
	if errors.Is(err, gocql.ErrNotFound) {
		return false
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case gocql.ErrCodeSyntax, gocql.ErrCodeInvalid, gocql.ErrCodeUnauthorized,
			gocql.ErrCodeAlreadyExists, gocql.ErrCodeConfig, gocql.ErrCodeFunctionFailure:
			return false
		}
		return true
	}
	return true
}

// Backend is one Cassandra cluster/keyspace.
type Backend struct {
	id      string
	session *gocql.Session
	logger  *log.Logger
}

// Open returns a tenant session over the shared gocql session, which pools
// host connections itself.
func (b *Backend) Open(ctx context.Context) (base.Session, error) {
	return &Session{backend: b}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	err := b.session.Query("SELECT release_version FROM system.local").WithContext(ctx).Exec()
	return base.WrapError(b.id, "ping", err, IsFault)
}

func (b *Backend) Close() error {
	b.session.Close()
	b.logger.Printf("Disconnected from Cassandra: %s", b.id)
	return nil
}

// Session binds org_id for one tenant.
type Session struct {
	backend *Backend
	orgID   string
}

func (s *Session) SetTenantContext(ctx context.Context, tc base.TenantContext) error {
	if err := tc.Validate(); err != nil {
		return base.WrapError(s.backend.id, "set_context", err, IsFault)
	}
	s.orgID = tc.OrganizationID
	return nil
}

func (s *Session) ClearTenantContext(ctx context.Context) error {
	s.orgID = ""
	return nil
}

func (s *Session) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Session) Close() error {
	s.orgID = ""
	return nil
}

// Execute validates and runs one CQL statement.
func (s *Session) Execute(ctx context.Context, q *base.Query) (*base.Result, error) {
	if s.orgID == "" {
		return nil, base.WrapError(s.backend.id, "execute", base.ErrNoTenantContext, IsFault)
	}
	read, err := CheckStatement(q.Statement)
	if err != nil {
		return nil, base.WrapError(s.backend.id, "execute", err, IsFault)
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	args := BindArgs(s.orgID, q.Args)
	query := s.backend.session.Query(q.Statement, args...).WithContext(ctx)

	start := time.Now()
	if !read {
		if err := query.Exec(); err != nil {
			return nil, base.WrapError(s.backend.id, "execute", err, IsFault)
		}
		return &base.Result{Rows: []map[string]interface{}{}, RowsAffected: 1, Duration: time.Since(start), Backend: s.backend.id}, nil
	}

	if q.Limit > 0 {
		query = query.PageSize(q.Limit)
	}
	iter := query.Iter()
	rows := make([]map[string]interface{}, 0)
	for {
		if q.Limit > 0 && len(rows) >= q.Limit {
			break
		}
		row := make(map[string]interface{})
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, base.WrapError(s.backend.id, "query", err, IsFault)
	}
	return &base.Result{Rows: rows, RowCount: len(rows), Duration: time.Since(start), Backend: s.backend.id}, nil
}

// CheckStatement verifies that stmt binds org_id as its first placeholder
// and reports whether it is a read.
func CheckStatement(stmt string) (read bool, err error) {
	trimmed := strings.TrimSpace(stmt)
	verb := strings.ToUpper(strings.SplitN(trimmed, " ", 2)[0])

	switch verb {
	case "SELECT", "UPDATE", "DELETE":
		loc := tenantPredicate.FindStringIndex(trimmed)
		if loc == nil {
			return false, fmt.Errorf("%w: %s must filter on org_id = ?", base.ErrUnscopedQuery, verb)
		}
		if first := strings.Index(trimmed, "?"); first != loc[1]-1 {
			return false, fmt.Errorf("%w: org_id must be the first bound value", base.ErrUnscopedQuery)
		}
		return verb == "SELECT", nil
	case "INSERT":
		if !tenantInsert.MatchString(trimmed) {
			return false, fmt.Errorf("%w: INSERT must list org_id as the first column", base.ErrUnscopedQuery)
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %s statements are not allowed", base.ErrUnsupportedOperation, verb)
}

// BindArgs prepends the tenant to the caller's arguments.
func BindArgs(orgID string, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, orgID)
	return append(out, args...)
}
