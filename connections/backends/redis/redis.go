// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package redis is the key-value tenant backend. Every key a tenant touches
// is namespaced under "t:<org>:"; callers use bare keys and never see the
// prefix. Statements are command names (GET, SET, ...); arguments come from
// Query.Parameters.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"axonflow/tenantdb/connections/base"
)

const (
	defaultPort        = 6379
	defaultDialTimeout = 5 * time.Second
	defaultScanLimit   = 100
)

// Driver opens Redis backends.
type Driver struct {
	logger *log.Logger
}

// NewDriver creates a Redis driver.
func NewDriver() *Driver {
	return &Driver{logger: log.New(os.Stdout, "[BACKEND_REDIS] ", log.LstdFlags)}
}

func (d *Driver) Engine() base.Engine { return base.Redis }

// Connect creates a client for ep and pings it.
func (d *Driver) Connect(ctx context.Context, ep base.Endpoint) (base.Backend, error) {
	port := ep.Port
	if port == 0 {
		port = defaultPort
	}
	timeout := ep.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	db, _ := strconv.Atoi(ep.Database)
	opts := &redis.Options{
		Addr:         ep.Host + ":" + strconv.Itoa(port),
		Username:     ep.Username(),
		Password:     ep.Password(),
		DB:           db,
		DialTimeout:  timeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	if n, err := strconv.Atoi(ep.Options["max_conns"]); err == nil && n > 0 {
		opts.PoolSize = n + 1
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, base.WrapError(ep.ConnectionID, "connect", err, IsFault)
	}

	d.logger.Printf("Connected to Redis: %s (%s db=%d)", ep.ConnectionID, opts.Addr, db)
	return NewBackend(ep.ConnectionID, client, d.logger), nil
}

// IsFault treats server error replies (WRONGTYPE, syntax) as the caller's
// problem and anything else as the backend's.
func IsFault(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		msg := replyErr.Error()
		return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "READONLY") ||
			strings.HasPrefix(msg, "MASTERDOWN") || strings.HasPrefix(msg, "CLUSTERDOWN")
	}
	return true
}

// Backend is one Redis instance.
type Backend struct {
	id     string
	client *redis.Client
	logger *log.Logger
}

// NewBackend wraps an existing client.
func NewBackend(connectionID string, client *redis.Client, logger *log.Logger) *Backend {
	return &Backend{id: connectionID, client: client, logger: logger}
}

// Open pins one client connection.
func (b *Backend) Open(ctx context.Context) (base.Session, error) {
	conn := b.client.Conn(ctx)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, base.WrapError(b.id, "open", err, IsFault)
	}
	return &Session{backend: b, conn: conn}, nil
}

func (b *Backend) Ping(ctx context.Context) error {
	return base.WrapError(b.id, "ping", b.client.Ping(ctx).Err(), IsFault)
}

func (b *Backend) Close() error {
	b.logger.Printf("Closing Redis backend %s", b.id)
	return b.client.Close()
}

// Session namespaces commands for one tenant.
type Session struct {
	backend *Backend
	conn    *redis.Conn
	prefix  string
}

// KeyPrefix returns the namespace for orgID.
func KeyPrefix(orgID string) string {
	return "t:" + orgID + ":"
}

func (s *Session) SetTenantContext(ctx context.Context, tc base.TenantContext) error {
	if err := tc.Validate(); err != nil {
		return base.WrapError(s.backend.id, "set_context", err, IsFault)
	}
	s.prefix = KeyPrefix(tc.OrganizationID)
	return nil
}

func (s *Session) ClearTenantContext(ctx context.Context) error {
	s.prefix = ""
	return nil
}

func (s *Session) Ping(ctx context.Context) error {
	return base.WrapError(s.backend.id, "ping", s.conn.Ping(ctx).Err(), IsFault)
}

func (s *Session) Close() error {
	s.prefix = ""
	return s.conn.Close()
}

// Execute runs one namespaced command.
func (s *Session) Execute(ctx context.Context, q *base.Query) (*base.Result, error) {
	if s.prefix == "" {
		return nil, base.WrapError(s.backend.id, "execute", base.ErrNoTenantContext, IsFault)
	}
	if q.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.Timeout)
		defer cancel()
	}
	op := strings.ToUpper(strings.TrimSpace(q.Statement))
	start := time.Now()
	rows, affected, err := s.run(ctx, op, q)
	if err != nil {
		return nil, base.WrapError(s.backend.id, strings.ToLower(op), err, IsFault)
	}
	return &base.Result{
		Rows:         rows,
		RowCount:     len(rows),
		RowsAffected: affected,
		Duration:     time.Since(start),
		Backend:      s.backend.id,
	}, nil
}

func (s *Session) run(ctx context.Context, op string, q *base.Query) ([]map[string]interface{}, int64, error) {
	params := q.Parameters
	if op == "KEYS" {
		pattern, _ := params["pattern"].(string)
		return s.scan(ctx, pattern, q.Limit)
	}

	key, err := s.key(params)
	if err != nil {
		return nil, 0, err
	}
	bare, _ := params["key"].(string)

	switch op {
	case "GET":
		val, err := s.conn.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return []map[string]interface{}{{"key": bare, "exists": false, "value": nil}}, 0, nil
		}
		if err != nil {
			return nil, 0, err
		}
		return []map[string]interface{}{{"key": bare, "exists": true, "value": val}}, 0, nil

	case "SET":
		value, err := stringValue(params["value"])
		if err != nil {
			return nil, 0, err
		}
		if err := s.conn.Set(ctx, key, value, ttlParam(params["ttl"])).Err(); err != nil {
			return nil, 0, err
		}
		return []map[string]interface{}{}, 1, nil

	case "DEL":
		n, err := s.conn.Del(ctx, key).Result()
		return []map[string]interface{}{}, n, err

	case "EXISTS":
		n, err := s.conn.Exists(ctx, key).Result()
		if err != nil {
			return nil, 0, err
		}
		return []map[string]interface{}{{"key": bare, "exists": n > 0}}, 0, nil

	case "TTL":
		ttl, err := s.conn.TTL(ctx, key).Result()
		if err != nil {
			return nil, 0, err
		}
		// The client passes Redis's -1 (no expiry) and -2 (no key) through
		// as nanoseconds rather than seconds.
		switch ttl {
		case -2:
			return []map[string]interface{}{{"key": bare, "exists": false, "ttl": int64(-2)}}, 0, nil
		case -1:
			return []map[string]interface{}{{"key": bare, "exists": true, "ttl": int64(-1)}}, 0, nil
		}
		return []map[string]interface{}{{"key": bare, "exists": true, "ttl": int64(ttl / time.Second)}}, 0, nil

	case "EXPIRE":
		ok, err := s.conn.Expire(ctx, key, ttlParam(params["ttl"])).Result()
		if err != nil {
			return nil, 0, err
		}
		if ok {
			return []map[string]interface{}{}, 1, nil
		}
		return []map[string]interface{}{}, 0, nil

	case "INCR":
		n, err := s.conn.Incr(ctx, key).Result()
		if err != nil {
			return nil, 0, err
		}
		return []map[string]interface{}{{"key": bare, "value": n}}, 1, nil

	case "HGETALL":
		fields, err := s.conn.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, 0, err
		}
		row := map[string]interface{}{"key": bare}
		for k, v := range fields {
			row[k] = v
		}
		return []map[string]interface{}{row}, 0, nil

	case "HSET":
		fields, ok := params["fields"].(map[string]interface{})
		if !ok || len(fields) == 0 {
			return nil, 0, fmt.Errorf("%w: HSET requires fields", base.ErrUnsupportedOperation)
		}
		n, err := s.conn.HSet(ctx, key, fields).Result()
		return []map[string]interface{}{}, n, err
	}
	return nil, 0, fmt.Errorf("%w: %s", base.ErrUnsupportedOperation, op)
}

func (s *Session) key(params map[string]interface{}) (string, error) {
	k, _ := params["key"].(string)
	if k == "" {
		return "", fmt.Errorf("%w: key parameter required", base.ErrUnsupportedOperation)
	}
	return s.prefix + k, nil
}

// scan lists the tenant's keys matching pattern using SCAN, never KEYS.
func (s *Session) scan(ctx context.Context, pattern string, limit int) ([]map[string]interface{}, int64, error) {
	if pattern == "" {
		pattern = "*"
	}
	if limit <= 0 {
		limit = defaultScanLimit
	}
	match := escapeGlob(s.prefix) + pattern

	var (
		cursor uint64
		keys   []string
	)
	for len(keys) < limit {
		batch, next, err := s.conn.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) > limit {
		keys = keys[:limit]
	}
	rows := make([]map[string]interface{}, len(keys))
	for i, k := range keys {
		rows[i] = map[string]interface{}{"key": strings.TrimPrefix(k, s.prefix)}
	}
	return rows, 0, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func stringValue(v interface{}) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: value parameter required", base.ErrUnsupportedOperation)
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func ttlParam(v interface{}) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second))
	case int:
		return time.Duration(t) * time.Second
	case int64:
		return time.Duration(t) * time.Second
	case time.Duration:
		return t
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	}
	return 0
}
