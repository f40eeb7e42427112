// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package sqlbackend runs tenant-scoped work on relational databases
// through database/sql. Each Session pins one *sql.Conn so the statement
// that sets tenant context and the caller's query share a physical
// connection. Engine differences live behind Dialect.
package sqlbackend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"axonflow/tenantdb/connections/base"
)

// Dialect holds the engine-specific SQL.
type Dialect interface {
	Name() string
	// SetContextStatement returns the statement and args that attach tc to
	// the connection.
	SetContextStatement(tc base.TenantContext) (string, []interface{})
	// ClearContextStatement returns the statement that removes it again.
	ClearContextStatement() string
	// IsFault reports whether an engine error reflects on backend health.
	IsFault(err error) bool
	// WritesContext reports whether stmt could set, change or clear the
	// tenant context settings. stmt has been through Uncomment.
	WritesContext(stmt string) bool
}

// Backend is one relational connection target.
type Backend struct {
	id      string
	db      *sql.DB
	dialect Dialect
	logger  *log.Logger
}

// New wraps an open *sql.DB. The Backend owns db and closes it on Close.
func New(connectionID string, db *sql.DB, dialect Dialect, logger *log.Logger) *Backend {
	return &Backend{id: connectionID, db: db, dialect: dialect, logger: logger}
}

// Open pins a new physical connection.
func (b *Backend) Open(ctx context.Context) (base.Session, error) {
	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, b.wrap("open", err)
	}
	return &Session{backend: b, conn: conn}, nil
}

// Ping checks the backend without leasing a pooled session.
func (b *Backend) Ping(ctx context.Context) error {
	return b.wrap("ping", b.db.PingContext(ctx))
}

// Close closes the underlying *sql.DB.
func (b *Backend) Close() error {
	b.logger.Printf("Closing %s backend %s", b.dialect.Name(), b.id)
	return b.db.Close()
}

func (b *Backend) wrap(op string, err error) error {
	return base.WrapError(b.id, op, err, b.dialect.IsFault)
}

// Session is one pinned connection.
type Session struct {
	backend *Backend
	conn    *sql.Conn
	tenant  *base.TenantContext
	// dirty is set from the moment a context statement is sent until a
	// clear succeeds. A dirty connection is discarded on Close.
	dirty bool
}

// SetTenantContext attaches tc to the pinned connection.
func (s *Session) SetTenantContext(ctx context.Context, tc base.TenantContext) error {
	if err := tc.Validate(); err != nil {
		return s.backend.wrap("set_context", err)
	}
	stmt, args := s.backend.dialect.SetContextStatement(tc)
	s.dirty = true
	if _, err := s.conn.ExecContext(ctx, stmt, args...); err != nil {
		return s.backend.wrap("set_context", err)
	}
	s.tenant = &tc
	return nil
}

// ClearTenantContext removes tenant context from the connection.
func (s *Session) ClearTenantContext(ctx context.Context) error {
	s.tenant = nil
	if !s.dirty {
		return nil
	}
	if _, err := s.conn.ExecContext(ctx, s.backend.dialect.ClearContextStatement()); err != nil {
		return s.backend.wrap("clear_context", err)
	}
	s.dirty = false
	return nil
}

// Execute runs q on the pinned connection. Reads return rows; writes return
// the affected row count.
func (s *Session) Execute(ctx context.Context, q *base.Query) (*base.Result, error) {
	if s.tenant == nil {
		return nil, s.backend.wrap("execute", base.ErrNoTenantContext)
	}
	if strings.TrimSpace(q.Statement) == "" {
		return nil, s.backend.wrap("execute", fmt.Errorf("%w: empty statement", base.ErrUnsupportedOperation))
	}
	if s.backend.dialect.WritesContext(Uncomment(q.Statement)) {
		return nil, s.backend.wrap("execute", fmt.Errorf("%w: statement modifies tenant context settings", base.ErrUnscopedQuery))
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}

	start := time.Now()
	if !ReturnsRows(q.Statement) {
		res, err := s.conn.ExecContext(ctx, q.Statement, q.Args...)
		if err != nil {
			return nil, s.backend.wrap("execute", err)
		}
		affected, _ := res.RowsAffected()
		return &base.Result{
			Rows:         []map[string]interface{}{},
			RowsAffected: affected,
			Duration:     time.Since(start),
			Backend:      s.backend.id,
		}, nil
	}

	rows, err := s.conn.QueryContext(ctx, q.Statement, q.Args...)
	if err != nil {
		return nil, s.backend.wrap("query", err)
	}
	defer func() { _ = rows.Close() }()

	results, err := scanRows(rows, q.Limit)
	if err != nil {
		return nil, s.backend.wrap("query", err)
	}
	return &base.Result{
		Rows:     results,
		RowCount: len(results),
		Duration: time.Since(start),
		Backend:  s.backend.id,
	}, nil
}

// Ping checks the pinned connection.
func (s *Session) Ping(ctx context.Context) error {
	return s.backend.wrap("ping", s.conn.PingContext(ctx))
}

// Close returns the connection to database/sql, or discards it if tenant
// context may still be attached.
func (s *Session) Close() error {
	if s.dirty {
		s.backend.logger.Printf("Discarding connection for %s with uncleared tenant context", s.backend.id)
		_ = s.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
	}
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}

func scanRows(rows *sql.Rows, limit int) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := make([]map[string]interface{}, 0)
	for rows.Next() {
		if limit > 0 && len(results) >= limit {
			break
		}
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

var blockComment = regexp.MustCompile(`(?s)/\*(.*?)\*/`)

// executableComment matches the version prefix of a MySQL /*! ... */ body.
var executableComment = regexp.MustCompile(`^!\d*`)

// Uncomment replaces block comments with line breaks so statement-leading
// keywords are found after them. Bodies of MySQL /*! ... */ comments run on
// the server and are kept.
func Uncomment(stmt string) string {
	return blockComment.ReplaceAllStringFunc(stmt, func(c string) string {
		body := c[2 : len(c)-2]
		if strings.HasPrefix(body, "!") {
			return "\n" + executableComment.ReplaceAllString(body, "") + "\n"
		}
		return "\n"
	})
}

var rowKeywords = []string{"SELECT", "WITH", "SHOW", "VALUES", "TABLE", "EXPLAIN", "DESCRIBE"}

// ReturnsRows reports whether a statement produces a result set.
func ReturnsRows(stmt string) bool {
	upper := strings.ToUpper(strings.TrimSpace(stmt))
	for _, kw := range rowKeywords {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return strings.Contains(upper, " RETURNING ")
}
