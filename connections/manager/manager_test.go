// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package manager

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/pool"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/vault"
)

var (
	errConnRefused = errors.New("connection refused")
	errBadSyntax   = errors.New("syntax error")
)

// fakeDriver hands out one fakeBackend per connection id.
type fakeDriver struct {
	mu         sync.Mutex
	backends   map[string]*fakeBackend
	connects   int
	connectErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{backends: make(map[string]*fakeBackend)}
}

func (d *fakeDriver) Engine() base.Engine { return base.Postgres }

func (d *fakeDriver) Connect(_ context.Context, ep base.Endpoint) (base.Backend, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.connectErr != nil {
		return nil, base.WrapError(ep.ConnectionID, "connect", d.connectErr, nil)
	}
	b, ok := d.backends[ep.ConnectionID]
	if !ok {
		b = &fakeBackend{id: ep.ConnectionID}
		d.backends[ep.ConnectionID] = b
	}
	b.endpoint = ep
	return b, nil
}

func (d *fakeDriver) backend(id string) *fakeBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.backends[id]
	if !ok {
		b = &fakeBackend{id: id}
		d.backends[id] = b
	}
	return b
}

type fakeBackend struct {
	id       string
	endpoint base.Endpoint

	opens    atomic.Int32
	calls    atomic.Int32
	pings    atomic.Int32
	closed   atomic.Bool
	down     atomic.Bool
	clearErr atomic.Bool
}

func (b *fakeBackend) Open(context.Context) (base.Session, error) {
	if b.down.Load() {
		return nil, base.WrapError(b.id, "open", errConnRefused, nil)
	}
	b.opens.Add(1)
	return &fakeSession{b: b}, nil
}

func (b *fakeBackend) Ping(context.Context) error {
	b.pings.Add(1)
	if b.down.Load() {
		return base.WrapError(b.id, "ping", errConnRefused, nil)
	}
	return nil
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type fakeSession struct {
	b      *fakeBackend
	tenant *base.TenantContext
}

func (s *fakeSession) SetTenantContext(_ context.Context, tc base.TenantContext) error {
	s.tenant = &tc
	return nil
}

func (s *fakeSession) ClearTenantContext(context.Context) error {
	if s.b.clearErr.Load() {
		return base.WrapError(s.b.id, "clear_context", errConnRefused, nil)
	}
	s.tenant = nil
	return nil
}

func (s *fakeSession) Execute(ctx context.Context, q *base.Query) (*base.Result, error) {
	s.b.calls.Add(1)
	switch {
	case s.b.down.Load():
		return nil, base.WrapError(s.b.id, "execute", errConnRefused, func(error) bool { return true })
	case strings.HasPrefix(q.Statement, "BAD"):
		return nil, base.WrapError(s.b.id, "execute", errBadSyntax, func(error) bool { return false })
	case q.Statement == "SLOW":
		<-ctx.Done()
		return nil, ctx.Err()
	}
	org := ""
	if s.tenant != nil {
		org = s.tenant.OrganizationID
	}
	return &base.Result{Rows: []map[string]interface{}{{"org": org}}, RowCount: 1}, nil
}

func (s *fakeSession) Ping(context.Context) error { return nil }
func (s *fakeSession) Close() error               { return nil }

type fixture struct {
	m      *Manager
	reg    *registry.Registry
	store  *registry.MemoryStorage
	driver *fakeDriver
	vault  *vault.Vault
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tiers = map[string]pool.Bounds{"free": {Min: 0, Max: 2}, "pro": {Min: 1, Max: 4}}
	cfg.AcquireTimeout = 30 * time.Millisecond
	cfg.Breakers = map[base.BackendType]breaker.Settings{
		base.Relational: {
			FailureThreshold:  50,
			MinimumRequests:   4,
			WindowSize:        10,
			Window:            time.Minute,
			ResetTimeout:      time.Hour,
			HalfOpenMaxTrials: 1,
			CallTimeout:       time.Second,
		},
	}
	return cfg
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	v, err := vault.New([]byte(strings.Repeat("m", 32)), []byte("manager-test"))
	require.NoError(t, err)
	store := registry.NewMemoryStorage()
	seq := 0
	reg := registry.New(store, v, registry.WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("conn-%d", seq)
	}))
	driver := newFakeDriver()
	all := append([]Option{WithDrivers(driver), WithConfig(testConfig())}, opts...)
	m := New(reg, v, all...)
	t.Cleanup(m.Close)
	return &fixture{m: m, reg: reg, store: store, driver: driver, vault: v}
}

func (f *fixture) create(t *testing.T, tier string) string {
	t.Helper()
	view, err := f.reg.Create(context.Background(), registry.Input{
		ProjectID:   "proj-1",
		Engine:      base.Postgres,
		Host:        "db.internal",
		Port:        5432,
		Database:    "app",
		Tier:        tier,
		Credentials: map[string]string{"username": "app", "password": "pw"},
	})
	require.NoError(t, err)
	return view.ID
}

func TestAcquireExecuteRelease(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	ctx := context.Background()

	h, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Relational, h.Type)

	require.NoError(t, f.m.SetTenantContext(ctx, h, base.TenantContext{OrganizationID: "org-a", UserID: "u1", Role: "member"}))
	res, err := f.m.Execute(ctx, h, &base.Query{Statement: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "org-a", res.Rows[0]["org"])
	require.NoError(t, f.m.ClearTenantContext(ctx, h))
	f.m.Release(h)
	f.m.Release(h)

	_, err = f.m.Execute(ctx, h, &base.Query{Statement: "SELECT 1"})
	assert.ErrorIs(t, err, ErrReleased)

	stats, ok := f.m.PoolStats(id)
	require.True(t, ok)
	assert.Equal(t, int32(2), stats.Available)

	b := f.driver.backend(id)
	assert.Equal(t, "pw", b.endpoint.Credentials["password"])
	assert.Equal(t, "2", b.endpoint.Options["max_conns"])
}

func TestAcquire_UnknownConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAcquire_TierBoundsAndPrewarm(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "pro")
	h, err := f.m.Acquire(context.Background(), id)
	require.NoError(t, err)
	defer f.m.Release(h)

	stats, _ := f.m.PoolStats(id)
	assert.Equal(t, int32(4), stats.Max)
	assert.Equal(t, int32(1), stats.Min)
	assert.Equal(t, int32(1), f.driver.backend(id).opens.Load())
}

func TestConcurrentFirstAcquireConnectsOnce(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "pro")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := f.m.Acquire(context.Background(), id)
			if err == nil {
				f.m.Release(h)
			}
		}()
	}
	wg.Wait()

	f.driver.mu.Lock()
	defer f.driver.mu.Unlock()
	assert.Equal(t, 1, f.driver.connects)
}

func TestPoolExhaustionIsNotBreakerFailure(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	ctx := context.Background()

	h1, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	h2, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err = f.m.Acquire(ctx, id)
		var pe *apperr.PoolExhaustedError
		require.ErrorAs(t, err, &pe)
		assert.False(t, errors.Is(err, apperr.ErrCircuitOpen))
	}
	assert.Equal(t, breaker.Closed, f.m.BreakerState(id))

	f.m.Release(h1)
	f.m.Release(h2)
	h3, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	f.m.Release(h3)
}

func TestSaturationUnderCallerDeadlineKeepsBreakerClosed(t *testing.T) {
	cfg := testConfig()
	cfg.AcquireTimeout = 2 * time.Second
	f := newFixture(t, WithConfig(cfg))
	id := f.create(t, "free")

	h1, err := f.m.Acquire(context.Background(), id)
	require.NoError(t, err)
	h2, err := f.m.Acquire(context.Background(), id)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err = f.m.Acquire(ctx, id)
		cancel()
		require.ErrorIs(t, err, apperr.ErrPoolExhausted)
		assert.False(t, errors.Is(err, apperr.ErrCircuitOpen))
	}
	assert.Equal(t, breaker.Closed, f.m.BreakerState(id))

	f.m.Release(h1)
	f.m.Release(h2)
	h3, err := f.m.Acquire(context.Background(), id)
	require.NoError(t, err)
	f.m.Release(h3)
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	ctx := context.Background()
	b := f.driver.backend(id)

	h, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	b.down.Store(true)
	for i := 0; i < 4; i++ {
		_, err = f.m.Execute(ctx, h, &base.Query{Statement: "SELECT 1"})
		require.Error(t, err)
	}
	f.m.Release(h)
	assert.Equal(t, breaker.Open, f.m.BreakerState(id))

	callsBefore := b.calls.Load()
	opensBefore := b.opens.Load()
	_, err = f.m.Acquire(ctx, id)
	var coe *apperr.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, id, coe.Key)
	assert.Equal(t, callsBefore, b.calls.Load())
	assert.Equal(t, opensBefore, b.opens.Load())
}

func TestCallerErrorsDoNotTrip(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	ctx := context.Background()

	h, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = f.m.Execute(ctx, h, &base.Query{Statement: "BAD SQL"})
		require.ErrorIs(t, err, errBadSyntax)
	}
	assert.False(t, h.Poisoned())
	f.m.Release(h)
	assert.Equal(t, breaker.Closed, f.m.BreakerState(id))
}

func TestBlastRadiusIsOneConnection(t *testing.T) {
	f := newFixture(t)
	broken := f.create(t, "free")
	healthy := f.create(t, "free")
	ctx := context.Background()

	h, err := f.m.Acquire(ctx, broken)
	require.NoError(t, err)
	f.driver.backend(broken).down.Store(true)
	for i := 0; i < 5; i++ {
		_, _ = f.m.Execute(ctx, h, &base.Query{Statement: "SELECT 1"})
	}
	f.m.Release(h)
	require.Equal(t, breaker.Open, f.m.BreakerState(broken))

	h2, err := f.m.Acquire(ctx, healthy)
	require.NoError(t, err)
	_, err = f.m.Execute(ctx, h2, &base.Query{Statement: "SELECT 1"})
	require.NoError(t, err)
	f.m.Release(h2)
	assert.Equal(t, breaker.Closed, f.m.BreakerState(healthy))
}

func TestCallTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	s := cfg.Breakers[base.Relational]
	s.CallTimeout = 5 * time.Millisecond
	s.MinimumRequests = 2
	cfg.Breakers[base.Relational] = s
	f := newFixture(t, WithConfig(cfg))
	id := f.create(t, "free")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		h, err := f.m.Acquire(ctx, id)
		require.NoError(t, err)
		_, err = f.m.Execute(ctx, h, &base.Query{Statement: "SLOW"})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, h.Poisoned())
		f.m.Release(h)
	}
	assert.Equal(t, breaker.Open, f.m.BreakerState(id))
}

func TestCallerCancellationIgnored(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")

	for i := 0; i < 6; i++ {
		h, err := f.m.Acquire(context.Background(), id)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = f.m.Execute(ctx, h, &base.Query{Statement: "SLOW"})
		require.ErrorIs(t, err, context.Canceled)
		f.m.Release(h)
	}
	assert.Equal(t, breaker.Closed, f.m.BreakerState(id))
}

func TestFailedClearDestroysSession(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	ctx := context.Background()
	b := f.driver.backend(id)

	h, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	require.NoError(t, f.m.SetTenantContext(ctx, h, base.TenantContext{OrganizationID: "org-a", UserID: "u1", Role: "admin"}))
	b.clearErr.Store(true)
	require.Error(t, f.m.ClearTenantContext(ctx, h))
	assert.True(t, h.Poisoned())
	f.m.Release(h)
	b.clearErr.Store(false)

	assert.Eventually(t, func() bool {
		stats, _ := f.m.PoolStats(id)
		return stats.Total == 0
	}, time.Second, 5*time.Millisecond)

	// The next lease is a fresh session without org-a's context.
	h2, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	defer f.m.Release(h2)
	res, err := f.m.Execute(ctx, h2, &base.Query{Statement: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "", res.Rows[0]["org"])
	assert.Equal(t, int32(2), b.opens.Load())
}

func TestDecryptionFailureIsContained(t *testing.T) {
	f := newFixture(t)
	bad := f.create(t, "free")
	good := f.create(t, "free")
	ctx := context.Background()

	c, err := f.store.Get(ctx, bad)
	require.NoError(t, err)
	c.SecretCiphertext[len(c.SecretCiphertext)-1] ^= 0xff
	require.NoError(t, f.store.UpdateSecret(ctx, bad, c.SecretCiphertext, time.Now()))

	_, err = f.m.Acquire(ctx, bad)
	assert.ErrorIs(t, err, apperr.ErrDecryptionFailed)
	assert.Equal(t, breaker.Closed, f.m.BreakerState(bad))

	h, err := f.m.Acquire(ctx, good)
	require.NoError(t, err)
	f.m.Release(h)
}

func TestConnectFailureCountsAgainstBreaker(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "free")
	f.driver.connectErr = errConnRefused

	for i := 0; i < 4; i++ {
		_, err := f.m.Acquire(context.Background(), id)
		require.ErrorIs(t, err, apperr.ErrBackendUnavailable)
	}
	_, err := f.m.Acquire(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrCircuitOpen)
	assert.Equal(t, 4, f.driver.connects)
}

func TestInvalidateReloadsCredentials(t *testing.T) {
	f := newFixture(t)
	f.reg.SetChangeHook(f.m.Invalidate)
	id := f.create(t, "free")
	ctx := context.Background()

	h, err := f.m.Acquire(ctx, id)
	require.NoError(t, err)
	f.m.Release(h)

	require.NoError(t, f.reg.UpdateSecret(ctx, id, map[string]string{"username": "app", "password": "rotated"}))
	_, ok := f.m.PoolStats(id)
	assert.False(t, ok)

	h, err = f.m.Acquire(ctx, id)
	require.NoError(t, err)
	f.m.Release(h)
	assert.Equal(t, "rotated", f.driver.backend(id).endpoint.Credentials["password"])
}

func TestRegisterStatic(t *testing.T) {
	f := newFixture(t)
	ep := base.Endpoint{Engine: base.Postgres, Host: "platform-db", Credentials: map[string]string{"username": "svc"}}
	require.NoError(t, f.m.RegisterStatic("platform", ep, pool.Bounds{Max: 3}))
	assert.ErrorIs(t, f.m.RegisterStatic("platform", ep, pool.Bounds{Max: 3}), apperr.ErrInvalidRequest)

	h, err := f.m.Acquire(context.Background(), "platform")
	require.NoError(t, err)
	f.m.Release(h)

	b := f.driver.backend("platform")
	assert.Equal(t, "svc", b.endpoint.Credentials["username"])
	stats, _ := f.m.PoolStats("platform")
	assert.Equal(t, int32(3), stats.Max)
}

// Available leases must return to their starting count no matter how
// operations end.
func TestReleaseGuaranteeUnderConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Tiers["free"] = pool.Bounds{Min: 0, Max: 4}
	cfg.AcquireTimeout = time.Second
	s := cfg.Breakers[base.Relational]
	s.MinimumRequests = 1000
	cfg.Breakers[base.Relational] = s
	f := newFixture(t, WithConfig(cfg))
	id := f.create(t, "free")

	// Warm the pool so the baseline exists.
	h, err := f.m.Acquire(context.Background(), id)
	require.NoError(t, err)
	f.m.Release(h)
	before, _ := f.m.PoolStats(id)

	statements := []string{"SELECT 1", "BAD", "SLOW"}
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()
			h, err := f.m.Acquire(ctx, id)
			if err != nil {
				return
			}
			defer f.m.Release(h)
			_ = f.m.SetTenantContext(ctx, h, base.TenantContext{OrganizationID: "org", UserID: "u", Role: "member"})
			_, _ = f.m.Execute(ctx, h, &base.Query{Statement: statements[rnd.Intn(len(statements))]})
			_ = f.m.ClearTenantContext(context.Background(), h)
		}(int64(i))
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		after, _ := f.m.PoolStats(id)
		return after.Acquired == 0 && after.Available == before.Available
	}, time.Second, 5*time.Millisecond)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want breaker.Outcome
	}{
		{"nil", nil, breaker.Success},
		{"canceled", context.Canceled, breaker.Ignore},
		{"deadline", context.DeadlineExceeded, breaker.Failure},
		{"exhausted", &apperr.PoolExhaustedError{ConnectionID: "c"}, breaker.Ignore},
		{"fault", &apperr.BackendError{Fault: true, Err: errConnRefused}, breaker.Failure},
		{"caller", &apperr.BackendError{Fault: false, Err: errBadSyntax}, breaker.Success},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
