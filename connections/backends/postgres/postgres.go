// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package postgres is the PostgreSQL tenant backend. Tenant context is
// carried in session settings (app.current_org_id, app.current_user_id,
// app.current_role) that row-level security policies read with
// current_setting.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"axonflow/tenantdb/connections/backends/sqlbackend"
	"axonflow/tenantdb/connections/base"
)

const (
	SettingOrg  = "app.current_org_id"
	SettingUser = "app.current_user_id"
	SettingRole = "app.current_role"

	defaultPort        = 5432
	defaultDialTimeout = 5 * time.Second
)

// Dialect implements sqlbackend.Dialect for PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) SetContextStatement(tc base.TenantContext) (string, []interface{}) {
	return "SELECT set_config('" + SettingOrg + "', $1, false), set_config('" + SettingUser + "', $2, false), set_config('" + SettingRole + "', $3, false)",
		[]interface{}{tc.OrganizationID, tc.UserID, tc.Role}
}

func (Dialect) ClearContextStatement() string {
	return "SELECT set_config('" + SettingOrg + "', '', false), set_config('" + SettingUser + "', '', false), set_config('" + SettingRole + "', '', false)"
}

// contextWrites match statements that could change the app.* settings:
// set_config anywhere (including inside DO blocks and functions), SET or
// RESET of an app.* name, and RESET ALL or DISCARD ALL.
var contextWrites = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bset_config"?\s*\(`),
	regexp.MustCompile(`(?i)\b(SET|RESET)\s+((SESSION|LOCAL)\s+)?"?app\s*"?\.`),
	regexp.MustCompile(`(?im)(^|;)\s*(RESET|DISCARD)\s+ALL\b`),
}

// WritesContext rejects statements that could change the tenant settings
// row-level security policies read.
func (Dialect) WritesContext(stmt string) bool {
	for _, re := range contextWrites {
		if re.MatchString(stmt) {
			return true
		}
	}
	return false
}

// IsFault classifies by SQLSTATE class. Connection exceptions (08),
// insufficient resources (53), operator intervention such as admin
// shutdown (57), system errors (58) and internal errors (XX) count against
// the backend; everything else is about the statement.
func (Dialect) IsFault(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return true
		}
		switch pgErr.Code[:2] {
		case "08", "53", "57", "58", "XX":
			return true
		}
		return false
	}
	return true
}

// Driver opens PostgreSQL backends through pgx's database/sql adapter.
type Driver struct {
	logger *log.Logger
}

// NewDriver creates a PostgreSQL driver.
func NewDriver() *Driver {
	return &Driver{logger: log.New(os.Stdout, "[BACKEND_POSTGRES] ", log.LstdFlags)}
}

func (d *Driver) Engine() base.Engine { return base.Postgres }

// Connect opens and pings a backend for ep.
func (d *Driver) Connect(ctx context.Context, ep base.Endpoint) (base.Backend, error) {
	db, err := sql.Open("pgx", DSN(ep))
	if err != nil {
		return nil, base.WrapError(ep.ConnectionID, "connect", err, Dialect{}.IsFault)
	}
	configureDB(db, ep)

	timeout := ep.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, base.WrapError(ep.ConnectionID, "connect", err, Dialect{}.IsFault)
	}

	d.logger.Printf("Connected to PostgreSQL: %s (%s/%s)", ep.ConnectionID, ep.Address(), ep.Database)
	return sqlbackend.New(ep.ConnectionID, db, Dialect{}, d.logger), nil
}

// configureDB sizes database/sql's own pool to the session pool above it.
func configureDB(db *sql.DB, ep base.Endpoint) {
	if n, err := strconv.Atoi(ep.Options["max_conns"]); err == nil && n > 0 {
		db.SetMaxOpenConns(n + 1)
		db.SetMaxIdleConns(n)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
}

// DSN builds a postgres:// URL for ep. sslmode defaults to "prefer".
func DSN(ep base.Endpoint) string {
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   ep.Host + ":" + strconv.Itoa(port),
		Path:   "/" + ep.Database,
	}
	if user := ep.Username(); user != "" {
		if pw := ep.Password(); pw != "" {
			u.User = url.UserPassword(user, pw)
		} else {
			u.User = url.User(user)
		}
	}
	q := url.Values{}
	q.Set("sslmode", "prefer")
	for k, v := range ep.Options {
		if k == "max_conns" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PolicyStatements returns the DDL that enables row-level security on table
// and restricts rows to those whose column matches the current tenant.
func PolicyStatements(table, column string) []string {
	tbl := pgx.Identifier(strings.Split(table, ".")).Sanitize()
	col := pgx.Identifier{column}.Sanitize()
	policy := pgx.Identifier{"tenant_isolation_" + strings.ReplaceAll(table, ".", "_")}.Sanitize()
	return []string{
		fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", tbl),
		fmt.Sprintf("ALTER TABLE %s FORCE ROW LEVEL SECURITY", tbl),
		fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s", policy, tbl),
		fmt.Sprintf("CREATE POLICY %s ON %s USING (%s::text = current_setting('%s', true)) WITH CHECK (%s::text = current_setting('%s', true))",
			policy, tbl, col, SettingOrg, col, SettingOrg),
	}
}
