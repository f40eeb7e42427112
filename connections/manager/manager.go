// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package manager owns the per-connection session pools and circuit
// breakers. Every backend call made through a Handle passes the
// connection's breaker; pools and breakers are never exposed for direct
// mutation.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"axonflow/tenantdb/connections/backends/cassandra"
	"axonflow/tenantdb/connections/backends/mongodb"
	"axonflow/tenantdb/connections/backends/mysql"
	"axonflow/tenantdb/connections/backends/postgres"
	"axonflow/tenantdb/connections/backends/redis"
	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/pool"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/shared/metrics"
	"axonflow/tenantdb/vault"
)

var (
	// ErrReleased is returned when a Handle is used after Release.
	ErrReleased = errors.New("connection handle already released")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("connection manager closed")
)

// Catalog is the part of the connection registry the manager reads.
type Catalog interface {
	Sealed(ctx context.Context, id string) (*registry.Connection, error)
	RecordHealth(ctx context.Context, id string, status base.HealthStatus, at time.Time) error
}

// Config sizes pools and breakers.
type Config struct {
	// Tiers maps a tenant tier to its pool bounds.
	Tiers          map[string]pool.Bounds
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
	// Breakers holds per backend type settings. Types without an entry use
	// breaker.DefaultSettings.
	Breakers map[base.BackendType]breaker.Settings
}

// DefaultConfig returns production defaults. Document and key-value stores
// get longer call timeouts and a higher failure tolerance than relational
// ones.
func DefaultConfig() Config {
	return Config{
		Tiers: map[string]pool.Bounds{
			"free":       {Min: 0, Max: 5},
			"standard":   {Min: 2, Max: 20},
			"enterprise": {Min: 5, Max: 50},
		},
		AcquireTimeout: 2 * time.Second,
		DialTimeout:    5 * time.Second,
		Breakers: map[base.BackendType]breaker.Settings{
			base.Relational: {
				FailureThreshold:  50,
				MinimumRequests:   10,
				WindowSize:        20,
				Window:            30 * time.Second,
				ResetTimeout:      15 * time.Second,
				HalfOpenMaxTrials: 1,
				CallTimeout:       5 * time.Second,
			},
			base.Document: {
				FailureThreshold:  60,
				MinimumRequests:   20,
				WindowSize:        40,
				Window:            60 * time.Second,
				ResetTimeout:      30 * time.Second,
				HalfOpenMaxTrials: 2,
				CallTimeout:       10 * time.Second,
			},
			base.KeyValue: {
				FailureThreshold:  60,
				MinimumRequests:   20,
				WindowSize:        40,
				Window:            60 * time.Second,
				ResetTimeout:      20 * time.Second,
				HalfOpenMaxTrials: 2,
				CallTimeout:       8 * time.Second,
			},
		},
	}
}

func (c Config) bounds(tier string) pool.Bounds {
	if b, ok := c.Tiers[tier]; ok {
		return b
	}
	if b, ok := c.Tiers[registry.DefaultTier]; ok {
		return b
	}
	return pool.Bounds{Min: 0, Max: 5}
}

func (c Config) breakerSettings(t base.BackendType) breaker.Settings {
	if s, ok := c.Breakers[t]; ok {
		return s
	}
	return breaker.DefaultSettings()
}

// DefaultDrivers returns a driver for every supported engine.
func DefaultDrivers() []base.Driver {
	return []base.Driver{
		postgres.NewDriver(),
		mysql.NewDriver(),
		mongodb.NewDriver(),
		redis.NewDriver(),
		cassandra.NewDriver(),
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	catalog  Catalog
	dec      vault.Decrypter
	drivers  map[base.Engine]base.Driver
	breakers *breaker.Registry
	cfg      Config
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
	statics map[string]staticTarget
	closed  bool
}

type staticTarget struct {
	endpoint base.Endpoint
	bounds   pool.Bounds
}

// entry is the live state of one connection id.
type entry struct {
	id      string
	typ     base.BackendType
	engine  base.Engine
	backend base.Backend
	pool    *pool.Pool[base.Session]
	breaker *breaker.Breaker
}

// Option customizes a Manager.
type Option func(*Manager)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithDrivers replaces DefaultDrivers.
func WithDrivers(drivers ...base.Driver) Option {
	return func(m *Manager) {
		m.drivers = make(map[base.Engine]base.Driver, len(drivers))
		for _, d := range drivers {
			m.drivers[d.Engine()] = d
		}
	}
}

// WithBreakers injects the breaker registry. Tests use this to observe or
// pre-trip breakers.
func WithBreakers(r *breaker.Registry) Option {
	return func(m *Manager) { m.breakers = r }
}

// WithMetrics records pool, breaker and backend metrics into mt.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock injects the time source used for health timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager. dec is the only path by which stored credentials
// are decrypted.
func New(catalog Catalog, dec vault.Decrypter, opts ...Option) *Manager {
	m := &Manager{
		catalog: catalog,
		dec:     dec,
		cfg:     DefaultConfig(),
		log:     logger.New("connection-manager"),
		now:     time.Now,
		entries: make(map[string]*entry),
		statics: make(map[string]staticTarget),
	}
	WithDrivers(DefaultDrivers()...)(m)
	for _, opt := range opts {
		opt(m)
	}
	if m.breakers == nil {
		m.breakers = breaker.NewRegistry()
	}
	return m
}

// RegisterStatic adds a connection that is not in the registry, such as the
// platform's own database. Its credentials come from configuration.
func (m *Manager) RegisterStatic(id string, ep base.Endpoint, bounds pool.Bounds) error {
	if id == "" {
		return apperr.Invalid("static connection id is required")
	}
	if ep.Engine.BackendType() == "" {
		return apperr.Invalid("unsupported engine %q", ep.Engine)
	}
	if bounds.Max <= 0 {
		bounds = m.cfg.bounds(registry.DefaultTier)
	}
	ep.ConnectionID = id
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.statics[id]; exists {
		return apperr.Invalid("static connection %s already registered", id)
	}
	m.statics[id] = staticTarget{endpoint: ep, bounds: bounds}
	return nil
}

// Acquire leases a pooled session for connectionID.
//
// Errors:
//   - *apperr.NotFoundError for unknown ids
//   - *apperr.CircuitOpenError while the connection's breaker is open; the
//     backend is not contacted
//   - *apperr.PoolExhaustedError when the pool stayed saturated for the
//     acquire timeout
//   - *apperr.DecryptionError when the stored secret cannot be opened
//   - *apperr.BackendError when the backend could not be reached
func (m *Manager) Acquire(ctx context.Context, connectionID string) (*Handle, error) {
	e, err := m.entry(ctx, connectionID)
	if err != nil {
		m.countAcquire("", err)
		return nil, err
	}

	ticket, err := e.breaker.Allow()
	if err != nil {
		m.countAcquire(e.typ, err)
		return nil, err
	}

	start := time.Now()
	lease, err := e.pool.Acquire(ctx)
	if m.metrics != nil {
		m.metrics.PoolAcquireWait.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Only a failed dial says anything about the backend. Saturation,
		// whichever deadline ended the wait, and cancellation do not.
		var be *apperr.BackendError
		if errors.As(err, &be) && be.Fault {
			ticket.Record(breaker.Failure)
		} else {
			ticket.Record(breaker.Ignore)
		}
		m.countAcquire(e.typ, err)
		return nil, err
	}
	// A lease from an idle session says nothing about backend health.
	ticket.Record(breaker.Ignore)
	m.countAcquire(e.typ, nil)

	return &Handle{ConnectionID: connectionID, Type: e.typ, entry: e, lease: lease}, nil
}

// SetTenantContext applies tc to the handle's session.
func (m *Manager) SetTenantContext(ctx context.Context, h *Handle, tc base.TenantContext) error {
	return m.call(ctx, h, "set_context", func(ctx context.Context, s base.Session) error {
		return s.SetTenantContext(ctx, tc)
	})
}

// ClearTenantContext removes tenant context from the handle's session. If
// clearing fails the session is marked poisoned and Release destroys it.
func (m *Manager) ClearTenantContext(ctx context.Context, h *Handle) error {
	err := m.call(ctx, h, "clear_context", func(ctx context.Context, s base.Session) error {
		return s.ClearTenantContext(ctx)
	})
	if err != nil {
		h.poison()
	}
	return err
}

// Execute runs q on the handle's session under the connection's breaker and
// call timeout.
func (m *Manager) Execute(ctx context.Context, h *Handle, q *base.Query) (*base.Result, error) {
	if q == nil || q.Statement == "" {
		return nil, apperr.Invalid("query statement is required")
	}
	var res *base.Result
	err := m.call(ctx, h, "execute", func(ctx context.Context, s base.Session) error {
		var err error
		res, err = s.Execute(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release returns the session to its pool, or destroys it when a fault or
// failed clear left its state unknown. Release is idempotent.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	poisoned := h.poisoned
	h.mu.Unlock()

	if poisoned {
		h.lease.Destroy()
		return
	}
	h.lease.Release()
}

func (m *Manager) call(ctx context.Context, h *Handle, op string, fn func(context.Context, base.Session) error) error {
	if h == nil {
		return apperr.Invalid("nil connection handle")
	}
	if h.isReleased() {
		return ErrReleased
	}
	ticket, err := h.entry.breaker.Allow()
	if err != nil {
		m.countCall(h.Type, err)
		return err
	}

	callCtx := ctx
	if timeout := h.entry.breaker.Settings().CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = fn(callCtx, h.lease.Value())
	if err != nil {
		err = base.WrapError(h.ConnectionID, op, err, nil)
	}
	ticket.Done(err)
	m.countCall(h.Type, err)

	if err != nil && base.IsFault(err) {
		h.poison()
	}
	return err
}

// Invalidate drops the pool for connectionID so the next Acquire reloads
// the record and credentials. Leased sessions stay valid until released.
func (m *Manager) Invalidate(connectionID string) {
	m.group.Forget(connectionID)
	m.mu.Lock()
	e, ok := m.entries[connectionID]
	delete(m.entries, connectionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("", "", "connection pool invalidated", map[string]interface{}{"connection_id": connectionID})
	go closeEntry(e)
}

// Forget invalidates connectionID and discards its breaker state. Used when
// a connection is deleted.
func (m *Manager) Forget(connectionID string) {
	m.Invalidate(connectionID)
	m.breakers.Remove(connectionID)
}

// Close shuts every pool and backend down, waiting for leased sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		closeEntry(e)
	}
}

// Breakers returns every breaker's snapshot.
func (m *Manager) Breakers() []breaker.Snapshot {
	return m.breakers.Snapshots()
}

// PoolStats returns occupancy for connectionID if its pool exists.
func (m *Manager) PoolStats(connectionID string) (pool.Stats, bool) {
	m.mu.RLock()
	e, ok := m.entries[connectionID]
	m.mu.RUnlock()
	if !ok {
		return pool.Stats{}, false
	}
	return e.pool.Stats(), true
}

func closeEntry(e *entry) {
	e.pool.Close()
	_ = e.backend.Close()
}

// entry returns the live entry for id, opening it on first use. Concurrent
// first uses of the same id share one open.
func (m *Manager) entry(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return e, nil
	}

	ch := m.group.DoChan(id, func() (interface{}, error) {
		return m.open(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) open(ctx context.Context, id string) (*entry, error) {
	m.mu.RLock()
	if e, ok := m.entries[id]; ok {
		m.mu.RUnlock()
		return e, nil
	}
	static, isStatic := m.statics[id]
	m.mu.RUnlock()

	var (
		ep     base.Endpoint
		bounds pool.Bounds
		sealed *registry.Connection
	)
	if isStatic {
		ep, bounds = static.endpoint, static.bounds
	} else {
		var err error
		sealed, err = m.catalog.Sealed(ctx, id)
		if err != nil {
			return nil, err
		}
		ep = base.Endpoint{
			ConnectionID: id,
			Engine:       sealed.Engine,
			Host:         sealed.Host,
			Port:         sealed.Port,
			Database:     sealed.Database,
			Options:      copyOptions(sealed.Options),
		}
		bounds = m.cfg.bounds(sealed.Tier)
	}

	driver, ok := m.drivers[ep.Engine]
	if !ok {
		return nil, apperr.Invalid("no driver for engine %q", ep.Engine)
	}
	typ := ep.Engine.BackendType()
	br := m.breakers.Get(id, m.cfg.breakerSettings(typ),
		breaker.WithClassifier(Classify),
		breaker.WithStateChange(m.onBreakerChange))

	ticket, err := br.Allow()
	if err != nil {
		return nil, err
	}

	if sealed != nil {
		creds, err := registry.OpenCredentials(m.dec, sealed)
		if err != nil {
			ticket.Record(breaker.Ignore)
			m.log.Error("", "", "failed to decrypt connection credentials", map[string]interface{}{
				"connection_id": id,
				"project_id":    sealed.ProjectID,
				"error":         err.Error(),
			})
			return nil, err
		}
		ep.Credentials = creds
	}
	if ep.Options == nil {
		ep.Options = make(map[string]string)
	}
	ep.Options["max_conns"] = strconv.Itoa(int(bounds.Max))
	ep.DialTimeout = m.cfg.DialTimeout

	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout())
	defer cancel()
	backend, err := driver.Connect(dialCtx, ep)
	ticket.Done(err)
	if err != nil {
		m.log.Warn("", "", "backend connect failed", map[string]interface{}{
			"connection_id": id,
			"engine":        string(ep.Engine),
			"error":         err.Error(),
		})
		return nil, err
	}

	p, err := pool.New(pool.Config[base.Session]{
		ConnectionID:   id,
		Bounds:         bounds,
		AcquireTimeout: m.cfg.AcquireTimeout,
		Dial:           backend.Open,
		Close:          func(s base.Session) { _ = s.Close() },
	})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("create pool for %s: %w", id, err)
	}
	if err := p.Prewarm(dialCtx); err != nil {
		m.log.Warn("", "", "pool prewarm incomplete", map[string]interface{}{
			"connection_id": id,
			"error":         err.Error(),
		})
	}

	e := &entry{id: id, typ: typ, engine: ep.Engine, backend: backend, pool: p, breaker: br}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		closeEntry(e)
		return nil, ErrClosed
	}
	m.entries[id] = e
	m.mu.Unlock()

	m.log.Info("", "", "connection pool opened", map[string]interface{}{
		"connection_id": id,
		"engine":        string(ep.Engine),
		"min":           bounds.Min,
		"max":           bounds.Max,
	})
	return e, nil
}

func (m *Manager) dialTimeout() time.Duration {
	if m.cfg.DialTimeout > 0 {
		return m.cfg.DialTimeout
	}
	return 5 * time.Second
}

// Classify maps a backend call result to a breaker outcome. Only faults
// that reflect on backend health count as failures; a caller's bad query
// proves the backend answered.
func Classify(err error) breaker.Outcome {
	switch {
	case err == nil:
		return breaker.Success
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperr.ErrPoolExhausted),
		errors.Is(err, pool.ErrClosed):
		return breaker.Ignore
	case errors.Is(err, context.DeadlineExceeded):
		return breaker.Failure
	case base.IsFault(err):
		return breaker.Failure
	default:
		return breaker.Success
	}
}

func (m *Manager) onBreakerChange(key string, from, to breaker.State) {
	m.log.Warn("", "", "circuit breaker state changed", map[string]interface{}{
		"connection_id": key,
		"from":          from.String(),
		"to":            to.String(),
	})
	if m.metrics != nil {
		m.metrics.BreakerState.WithLabelValues(key).Set(float64(to))
		m.metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
	}
}

func (m *Manager) countAcquire(t base.BackendType, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.PoolAcquires.WithLabelValues(string(t), resultLabel(err)).Inc()
}

func (m *Manager) countCall(t base.BackendType, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.BackendCalls.WithLabelValues(string(t), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, apperr.ErrPoolExhausted):
		return "exhausted"
	default:
		return "error"
	}
}

func copyOptions(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
