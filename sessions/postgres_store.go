// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"axonflow/tenantdb/shared/apperr"
)

// PostgresStore persists sessions in the platform database.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgresStore wraps db. Call InitSchema once at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log.New(log.Writer(), "[SessionStore] ", log.LstdFlags),
	}
}

// InitSchema creates the sessions table if it doesn't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS user_sessions (
			token_hash CHAR(64) PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			user_id VARCHAR(64) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			revoked_at TIMESTAMPTZ,
			client_ip VARCHAR(64) NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_user_sessions_user ON user_sessions(user_id) WHERE revoked_at IS NULL;
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create user_sessions table: %w", err)
	}
	s.logger.Println("user_sessions schema initialized")
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (token_hash, id, user_id, expires_at, last_activity, created_at, client_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.TokenHash, sess.ID, sess.UserID, sess.ExpiresAt, sess.LastActivity, sess.CreatedAt, sess.ClientIP, sess.UserAgent)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return apperr.Invalid("session already exists")
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Lookup(ctx context.Context, tokenHash string) (*Session, error) {
	var (
		sess    Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, expires_at, last_activity, created_at, revoked_at, client_ip, user_agent
		FROM user_sessions WHERE token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.LastActivity, &sess.CreatedAt,
		&revoked, &sess.ClientIP, &sess.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Kind: "session", ID: shortHash(tokenHash)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.TokenHash = tokenHash
	if revoked.Valid {
		t := revoked.Time
		sess.RevokedAt = &t
	}
	return &sess, nil
}

func (s *PostgresStore) Revoke(ctx context.Context, tokenHash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET revoked_at = COALESCE(revoked_at, $2) WHERE token_hash = $1`,
		tokenHash, at)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &apperr.NotFoundError{Kind: "session", ID: shortHash(tokenHash)}
	}
	return nil
}

func (s *PostgresStore) Touch(ctx context.Context, tokenHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_activity = GREATEST(last_activity, $2) WHERE token_hash = $1`,
		tokenHash, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE user_sessions SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING token_hash
	`, userID, at)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}
