// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package postgres

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/tenantdb/connections/backends/sqlbackend"
	"axonflow/tenantdb/connections/base"
)

func TestDialect_IsFault(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"rls violation", &pgconn.PgError{Code: "42501"}, false},
		{"non-pg error", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dialect{}.IsFault(tt.err))
		})
	}
}

func TestDialect_WritesContext(t *testing.T) {
	tests := []struct {
		stmt string
		want bool
	}{
		{"SELECT set_config('app.current_org_id', 'org-b', false)", true},
		{"SELECT pg_catalog.set_config('app.current_org_id', 'org-b', false)", true},
		{"select SET_CONFIG ('app.current_role', 'owner', true)", true},
		{"SET app.current_org_id = 'org-b'", true},
		{"set session app.current_org_id to 'org-b'", true},
		{"SET LOCAL app.current_role = 'owner'", true},
		{`SET "app".current_org_id = 'org-b'`, true},
		{"RESET app.current_org_id", true},
		{"RESET ALL", true},
		{"SELECT 1;\n  discard all", true},
		{"DO $$ BEGIN PERFORM set_config('app.current_org_id', 'org-b', false); END $$", true},
		{"DO $$ BEGIN EXECUTE 'SET app.current_org_id = ''org-b'''; END $$", true},
		{sqlbackend.Uncomment("/* maintenance */ RESET ALL"), true},
		{"SELECT current_setting('app.current_org_id', true)", false},
		{"UPDATE projects SET name = $1 WHERE id = $2", false},
		{"SELECT * FROM app_settings", false},
		{"SET statement_timeout = '5s'", false},
	}
	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			assert.Equal(t, tt.want, Dialect{}.WritesContext(tt.stmt))
		})
	}
}

func TestSession_RejectsSettingChanges(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	stmt, _ := Dialect{}.SetContextStatement(base.TenantContext{})
	mock.ExpectExec(stmt).WithArgs("org-a", "user-1", "member").WillReturnResult(sqlmock.NewResult(0, 0))

	backend := sqlbackend.New("conn-1", db, Dialect{}, log.New(io.Discard, "", 0))
	ctx := context.Background()
	sess, err := backend.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.SetTenantContext(ctx, base.TenantContext{OrganizationID: "org-a", UserID: "user-1", Role: "member"}))

	_, err = sess.Execute(ctx, &base.Query{Statement: "SELECT set_config('app.current_org_id', 'org-b', false)"})
	assert.ErrorIs(t, err, base.ErrUnscopedQuery)
	_, err = sess.Execute(ctx, &base.Query{Statement: "RESET app.current_org_id"})
	assert.ErrorIs(t, err, base.ErrUnscopedQuery)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn := DSN(base.Endpoint{
		Host:        "db.internal",
		Database:    "tenant_42",
		Credentials: map[string]string{"username": "app", "password": "p@ss:word"},
		Options:     map[string]string{"sslmode": "require", "max_conns": "8"},
	})

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "postgres", u.Scheme)
	assert.Equal(t, "db.internal:5432", u.Host)
	assert.Equal(t, "/tenant_42", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss:word", pw)
	assert.Equal(t, "require", u.Query().Get("sslmode"))
	assert.Empty(t, u.Query().Get("max_conns"))
}

func TestSession_SetsSessionSettings(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	defer db.Close()

	stmt, _ := Dialect{}.SetContextStatement(base.TenantContext{})
	mock.ExpectExec(stmt).WithArgs("org-a", "user-1", "admin").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(Dialect{}.ClearContextStatement()).WillReturnResult(sqlmock.NewResult(0, 0))

	backend := sqlbackend.New("conn-1", db, Dialect{}, log.New(io.Discard, "", 0))
	ctx := context.Background()
	sess, err := backend.Open(ctx)
	require.NoError(t, err)

	require.NoError(t, sess.SetTenantContext(ctx, base.TenantContext{OrganizationID: "org-a", UserID: "user-1", Role: "admin"}))
	require.NoError(t, sess.ClearTenantContext(ctx))
	require.NoError(t, sess.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPolicyStatements(t *testing.T) {
	stmts := PolicyStatements("public.projects", "org_id")
	require.Len(t, stmts, 4)
	assert.Equal(t, `ALTER TABLE "public"."projects" ENABLE ROW LEVEL SECURITY`, stmts[0])
	assert.True(t, strings.Contains(stmts[3], `"org_id"::text = current_setting('app.current_org_id', true)`))
}

func TestDriver_ConnectIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_HOST")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_HOST not set")
	}
	backend, err := NewDriver().Connect(context.Background(), base.Endpoint{
		ConnectionID: "it",
		Host:         dsn,
		Database:     os.Getenv("TEST_POSTGRES_DB"),
		Credentials: map[string]string{
			"username": os.Getenv("TEST_POSTGRES_USER"),
			"password": os.Getenv("TEST_POSTGRES_PASSWORD"),
		},
		Options: map[string]string{"sslmode": "disable"},
	})
	require.NoError(t, err)
	defer backend.Close()
	assert.NoError(t, backend.Ping(context.Background()))
}
