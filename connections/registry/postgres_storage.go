// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/shared/apperr"
)

// PostgresStorage persists connections in the platform database.
type PostgresStorage struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStorage wraps db. Call InitSchema once at startup.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{
		db:     db,
		logger: log.New(log.Writer(), "[ConnectionStorage] ", log.LstdFlags),
	}
}

// InitSchema creates the connection table if it doesn't exist.
func (s *PostgresStorage) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS database_connections (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			engine VARCHAR(32) NOT NULL,
			backend_type VARCHAR(32) NOT NULL,
			host VARCHAR(255) NOT NULL,
			port INTEGER NOT NULL DEFAULT 0,
			database_name VARCHAR(255) NOT NULL DEFAULT '',
			options JSONB NOT NULL DEFAULT '{}',
			tier VARCHAR(32) NOT NULL,
			secret_ciphertext BYTEA NOT NULL,
			health VARCHAR(16) NOT NULL DEFAULT 'unknown',
			last_health_check TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_database_connections_project ON database_connections(project_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create database_connections table: %w", err)
	}
	s.logger.Println("database_connections schema initialized")
	return nil
}

const selectColumns = `id, project_id, engine, backend_type, host, port, database_name, options, tier,
	secret_ciphertext, health, last_health_check, created_at, updated_at`

func (s *PostgresStorage) Insert(ctx context.Context, c *Connection) error {
	options, err := json.Marshal(optionsOrEmpty(c.Options))
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}
	query := `
		INSERT INTO database_connections (
			id, project_id, engine, backend_type, host, port, database_name, options, tier,
			secret_ciphertext, health, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID, c.ProjectID, string(c.Engine), string(c.Type), c.Host, c.Port, c.Database,
		options, c.Tier, c.SecretCiphertext, string(c.Health), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Invalid("connection %s already exists", c.ID)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM database_connections WHERE id = $1`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return c, nil
}

func (s *PostgresStorage) ListByProject(ctx context.Context, projectID string) ([]*Connection, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM database_connections WHERE project_id = $1 ORDER BY id`, projectID)
}

func (s *PostgresStorage) ListAll(ctx context.Context) ([]*Connection, error) {
	return s.list(ctx, `SELECT `+selectColumns+` FROM database_connections ORDER BY id`)
}

func (s *PostgresStorage) list(ctx context.Context, query string, args ...interface{}) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) UpdateSecret(ctx context.Context, id string, ciphertext []byte, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE database_connections SET secret_ciphertext = $2, updated_at = $3 WHERE id = $1`,
		id, ciphertext, at)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStorage) UpdateHealth(ctx context.Context, id string, status base.HealthStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE database_connections SET health = $2, last_health_check = $3 WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return fmt.Errorf("failed to update health: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStorage) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM database_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return requireRow(res, id)
}

func (s *PostgresStorage) DeleteByProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM database_connections WHERE project_id = $1 RETURNING id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete project connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Printf("Deleted %d connections of project %s", len(ids), projectID)
	return ids, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row scanner) (*Connection, error) {
	var (
		c           Connection
		engine      string
		backendType string
		health      string
		options     []byte
		lastCheck   sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ProjectID, &engine, &backendType, &c.Host, &c.Port, &c.Database,
		&options, &c.Tier, &c.SecretCiphertext, &health, &lastCheck, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Engine = base.Engine(engine)
	c.Type = base.BackendType(backendType)
	c.Health = base.HealthStatus(health)
	if lastCheck.Valid {
		t := lastCheck.Time
		c.LastHealthCheck = &t
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &c.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
		if len(c.Options) == 0 {
			c.Options = nil
		}
	}
	return &c, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Kind: "connection", ID: id}
	}
	return nil
}

func optionsOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
