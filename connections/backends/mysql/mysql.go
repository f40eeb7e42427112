// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package mysql is the MySQL tenant backend. MySQL has no row-level
// security, so tenant context is exposed as user variables
// (@app_current_org_id and friends) that tenant-scoped views filter on.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"

	"axonflow/tenantdb/connections/backends/sqlbackend"
	"axonflow/tenantdb/connections/base"
)

const (
	defaultPort        = 3306
	defaultDialTimeout = 5 * time.Second
)

// callerErrors are server error numbers caused by the statement itself.
var callerErrors = map[uint16]bool{
	1048: true, // column cannot be null
	1054: true, // unknown column
	1062: true, // duplicate entry
	1064: true, // syntax error
	1142: true, // command denied
	1146: true, // table doesn't exist
	1264: true, // out of range
	1366: true, // incorrect value
	1406: true, // data too long
	1451: true, // foreign key (parent)
	1452: true, // foreign key (child)
}

// Dialect implements sqlbackend.Dialect for MySQL.
type Dialect struct{}

func (Dialect) Name() string { return "mysql" }

func (Dialect) SetContextStatement(tc base.TenantContext) (string, []interface{}) {
	return "SET @app_current_org_id = ?, @app_current_user_id = ?, @app_current_role = ?",
		[]interface{}{tc.OrganizationID, tc.UserID, tc.Role}
}

func (Dialect) ClearContextStatement() string {
	return "SET @app_current_org_id = NULL, @app_current_user_id = NULL, @app_current_role = NULL"
}

// contextVar matches one of the context user variables, optionally
// backquoted.
const contextVar = "@`?app_current_\\w*`?"

// contextWrites match assignments to the context variables: a SET target,
// SELECT ... INTO, the := operator, and PREPARE, whose text is not visible
// until it runs.
var contextWrites = []*regexp.Regexp{
	regexp.MustCompile("(?im)(^|;)\\s*SET\\s+([^;]*,\\s*)?" + contextVar + "\\s*:?="),
	regexp.MustCompile("(?i)\\bINTO\\s+(@[\\w`]+\\s*,\\s*)*" + contextVar),
	regexp.MustCompile("(?i)" + contextVar + "\\s*:="),
	regexp.MustCompile("(?im)(^|;)\\s*PREPARE\\s[^;]*app_current_"),
}

// WritesContext rejects statements that assign the context variables the
// tenant-scoped views filter on. Reading them is allowed.
func (Dialect) WritesContext(stmt string) bool {
	for _, re := range contextWrites {
		if re.MatchString(stmt) {
			return true
		}
	}
	return false
}

func (Dialect) IsFault(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return !callerErrors[myErr.Number]
	}
	return true
}

// Driver opens MySQL backends.
type Driver struct {
	logger *log.Logger
}

// NewDriver creates a MySQL driver.
func NewDriver() *Driver {
	return &Driver{logger: log.New(os.Stdout, "[BACKEND_MYSQL] ", log.LstdFlags)}
}

func (d *Driver) Engine() base.Engine { return base.MySQL }

// Connect opens and pings a backend for ep.
func (d *Driver) Connect(ctx context.Context, ep base.Endpoint) (base.Backend, error) {
	connector, err := mysql.NewConnector(Config(ep))
	if err != nil {
		return nil, base.WrapError(ep.ConnectionID, "connect", err, Dialect{}.IsFault)
	}
	db := sql.OpenDB(connector)
	if n, err := strconv.Atoi(ep.Options["max_conns"]); err == nil && n > 0 {
		db.SetMaxOpenConns(n + 1)
		db.SetMaxIdleConns(n)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout(ep))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, base.WrapError(ep.ConnectionID, "connect", err, Dialect{}.IsFault)
	}

	d.logger.Printf("Connected to MySQL: %s (%s/%s)", ep.ConnectionID, ep.Address(), ep.Database)
	return sqlbackend.New(ep.ConnectionID, db, Dialect{}, d.logger), nil
}

// Config builds the driver configuration for ep.
func Config(ep base.Endpoint) *mysql.Config {
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}
	cfg := mysql.NewConfig()
	cfg.User = ep.Username()
	cfg.Passwd = ep.Password()
	cfg.Net = "tcp"
	cfg.Addr = ep.Host + ":" + strconv.Itoa(port)
	cfg.DBName = ep.Database
	cfg.ParseTime = true
	cfg.Timeout = dialTimeout(ep)
	if ep.Options["tls"] != "" {
		cfg.TLSConfig = ep.Options["tls"]
	}
	return cfg
}

func dialTimeout(ep base.Endpoint) time.Duration {
	if ep.DialTimeout > 0 {
		return ep.DialTimeout
	}
	return defaultDialTimeout
}
