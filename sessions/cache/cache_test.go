// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/shared/apperr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// countingSource counts store-path validations. When pause is set, the
// next validation blocks after reading the store until released.
type countingSource struct {
	*sessions.Service
	validations atomic.Int32
	pause       atomic.Pointer[barrier]
}

type barrier struct {
	reached chan struct{}
	release chan struct{}
}

func (s *countingSource) Validate(ctx context.Context, token string) (sessions.View, error) {
	s.validations.Add(1)
	view, err := s.Service.Validate(ctx, token)
	if b := s.pause.Swap(nil); b != nil {
		close(b.reached)
		<-b.release
	}
	return view, err
}

// flakyBackend fails selected operations on demand.
type flakyBackend struct {
	Backend
	failGet    atomic.Bool
	failDelete atomic.Bool
	// failDeletes fails that many deletes before recovering.
	failDeletes atomic.Int32
	gets        atomic.Int32
	deletes     atomic.Int32
}

var errCacheDown = errors.New("cache down")

func (b *flakyBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b.gets.Add(1)
	if b.failGet.Load() {
		return nil, errCacheDown
	}
	return b.Backend.Get(ctx, key)
}

func (b *flakyBackend) Delete(ctx context.Context, key string) error {
	b.deletes.Add(1)
	if b.failDelete.Load() {
		return errCacheDown
	}
	if b.failDeletes.Add(-1) >= 0 {
		return errCacheDown
	}
	return b.Backend.Delete(ctx, key)
}

type harness struct {
	v       *Validator
	store   *sessions.MemoryStore
	source  *countingSource
	backend *flakyBackend
	memory  *MemoryBackend
	clock   *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TTL = 300 * time.Second
	cfg.OpTimeout = time.Second
	cfg.TouchOnMiss = false
	return cfg
}

func newHarness(t *testing.T, sessionTTL time.Duration, mutate ...func(*Config)) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	codec, err := sessions.NewTokenCodec([]byte(strings.Repeat("c", 32)), "tenantdb-test")
	require.NoError(t, err)
	store := sessions.NewMemoryStore()
	svc := sessions.NewService(store, codec, sessions.WithClock(clk.Now), sessions.WithTTL(sessionTTL))
	src := &countingSource{Service: svc}
	mem := NewMemoryBackend(clk.Now)
	fb := &flakyBackend{Backend: mem}
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	v := New(src, fb, WithConfig(cfg), WithClock(clk.Now))
	return &harness{v: v, store: store, source: src, backend: fb, memory: mem, clock: clk}
}

func (h *harness) issue(t *testing.T, user string) string {
	t.Helper()
	token, _, err := h.source.Issue(context.Background(), user, sessions.ClientMeta{})
	require.NoError(t, err)
	return token
}

func TestColdCacheServedFromCacheAfterFirstValidate(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	first, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, int32(1), h.source.validations.Load())

	second, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), h.source.validations.Load())

	stats := h.v.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestRevokedMidTTLFailsImmediately(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.v.Revoke(ctx, t1))

	h.clock.Advance(5 * time.Second)
	_, err = h.v.Validate(ctx, t1)
	var authErr *apperr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, h.memory.Len())
}

func TestRevokeWhileCacheDeleteFails(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)

	h.backend.failDelete.Store(true)
	err = h.v.Revoke(ctx, t1)
	var revErr *apperr.RevocationError
	require.ErrorAs(t, err, &revErr)
	assert.ErrorIs(t, err, apperr.ErrRevocationIncomplete)
	assert.Equal(t, http.StatusServiceUnavailable, apperr.StatusCode(err))
	assert.Equal(t, int32(revokeAttempts), h.backend.deletes.Load())
	assert.Equal(t, 1, h.memory.Len(), "stale entry still in cache")

	// This process never serves it again.
	_, err = h.v.Validate(ctx, t1)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestRevokeRetriesTransientDeleteFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)

	h.backend.failDeletes.Store(revokeAttempts - 1)
	require.NoError(t, h.v.Revoke(ctx, t1))
	assert.Equal(t, 0, h.memory.Len())
}

func TestRevokeDeletesWhileCacheBreakerOpen(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, 1, h.memory.Len())

	for i := 0; i < 5; i++ {
		ticket, err := h.v.breaker.Allow()
		require.NoError(t, err)
		ticket.Record(breaker.Failure)
	}
	require.Equal(t, breaker.Open.String(), h.v.Breaker().State)

	require.NoError(t, h.v.Revoke(ctx, t1))
	assert.Equal(t, 0, h.memory.Len())
}

func TestRevokeAcrossReplicasSharingCache(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	replica := New(h.source, h.backend, WithConfig(testConfig()), WithClock(h.clock.Now))
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	_, err = replica.Validate(ctx, t1)
	require.NoError(t, err)
	require.Equal(t, int32(1), h.source.validations.Load(), "replica served from the shared entry")

	// The entry survives a failed delete, and the replica has no
	// tombstone, so the revoke must not report success.
	h.backend.failDelete.Store(true)
	err = h.v.Revoke(ctx, t1)
	require.ErrorIs(t, err, apperr.ErrRevocationIncomplete)
	_, err = replica.Validate(ctx, t1)
	require.NoError(t, err)

	// Revoking again once the cache recovers completes the job everywhere.
	h.backend.failDelete.Store(false)
	require.NoError(t, h.v.Revoke(ctx, t1))
	assert.Equal(t, 0, h.memory.Len())
	_, err = replica.Validate(ctx, t1)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestRevokeAllForUserReportsFailedDelete(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	a := h.issue(t, "u1")
	_, err := h.v.Validate(ctx, a)
	require.NoError(t, err)

	h.backend.failDelete.Store(true)
	n, err := h.v.RevokeAllForUser(ctx, "u1")
	assert.Equal(t, 1, n)
	var revErr *apperr.RevocationError
	require.ErrorAs(t, err, &revErr)
	assert.Equal(t, "u1", revErr.UserID)
}

func TestRevokeRacingPopulateLeavesNoEntry(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")
	b := &barrier{reached: make(chan struct{}), release: make(chan struct{})}
	h.source.pause.Store(b)

	done := make(chan error, 1)
	go func() {
		_, err := h.v.Validate(ctx, t1)
		done <- err
	}()
	// The store said valid; revoke lands before the populate.
	<-b.reached
	require.NoError(t, h.v.Revoke(ctx, t1))
	close(b.release)
	require.NoError(t, <-done)

	assert.Equal(t, 0, h.memory.Len())
	_, err := h.v.Validate(ctx, t1)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestCacheAndStoreAgree(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	for _, user := range []string{"u1", "u2", "u3"} {
		token := h.issue(t, user)
		fromStore, err := h.source.Service.Validate(ctx, token)
		require.NoError(t, err)
		miss, err := h.v.Validate(ctx, token)
		require.NoError(t, err)
		hit, err := h.v.Validate(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, fromStore, miss)
		assert.Equal(t, fromStore, hit)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	h.clock.Advance(299 * time.Second)
	_, err = h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.source.validations.Load())

	h.clock.Advance(2 * time.Second)
	_, err = h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.source.validations.Load())
}

func TestTTLNeverOutlivesSession(t *testing.T) {
	h := newHarness(t, 60*time.Second)
	ctx := context.Background()
	t1 := h.issue(t, "u1")

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	h.clock.Advance(61 * time.Second)
	_, err = h.v.Validate(ctx, t1)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestCacheOutageFallsBackToStore(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	t1 := h.issue(t, "u1")
	h.backend.failGet.Store(true)

	for i := 0; i < 20; i++ {
		view, err := h.v.Validate(ctx, t1)
		require.NoError(t, err)
		assert.Equal(t, "u1", view.UserID)
	}
	assert.Equal(t, int32(20), h.source.validations.Load())
	assert.Equal(t, breaker.Open.String(), h.v.Breaker().State)

	// With the breaker open the cache is no longer contacted.
	gets := h.backend.gets.Load()
	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, gets, h.backend.gets.Load())
	assert.Greater(t, h.v.Stats().Fallbacks, int64(0))
}

func TestInvalidTokenNeverCached(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()

	_, err := h.v.Validate(ctx, "garbage")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = h.v.Validate(ctx, "")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	assert.Equal(t, 0, h.memory.Len())
}

func TestRevokeAllForUser(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	a := h.issue(t, "u1")
	b := h.issue(t, "u1")
	other := h.issue(t, "u2")
	for _, tok := range []string{a, b, other} {
		_, err := h.v.Validate(ctx, tok)
		require.NoError(t, err)
	}

	n, err := h.v.RevokeAllForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{a, b} {
		_, err := h.v.Validate(ctx, tok)
		assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	}
	_, err = h.v.Validate(ctx, other)
	assert.NoError(t, err)
}

func TestTouchOnMiss(t *testing.T) {
	h := newHarness(t, time.Hour, func(c *Config) { c.TouchOnMiss = true })
	ctx := context.Background()
	t1 := h.issue(t, "u1")
	h.clock.Advance(time.Minute)

	_, err := h.v.Validate(ctx, t1)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		sess, err := h.store.Lookup(ctx, sessions.HashToken(t1))
		return err == nil && sess.LastActivity.Equal(h.clock.Now())
	}, time.Second, 10*time.Millisecond)
}

func TestRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBackend(client)
	ctx := context.Background()

	_, err := b.Get(ctx, "sess:x")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Set(ctx, "sess:x", []byte(`{"a":1}`), 300*time.Second))
	got, err := b.Get(ctx, "sess:x")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
	assert.Equal(t, 300*time.Second, mr.TTL("sess:x"))

	mr.FastForward(301 * time.Second)
	_, err = b.Get(ctx, "sess:x")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, b.Set(ctx, "sess:y", []byte("v"), time.Minute))
	require.NoError(t, b.Delete(ctx, "sess:y"))
	assert.False(t, mr.Exists("sess:y"))
}

func TestValidatorOverRedisSurvivesOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	codec, err := sessions.NewTokenCodec([]byte(strings.Repeat("r", 32)), "tenantdb-test")
	require.NoError(t, err)
	svc := sessions.NewService(sessions.NewMemoryStore(), codec)
	cfg := testConfig()
	cfg.OpTimeout = 200 * time.Millisecond
	v := New(svc, NewRedisBackend(client), WithConfig(cfg))
	ctx := context.Background()

	token, _, err := svc.Issue(ctx, "u1", sessions.ClientMeta{})
	require.NoError(t, err)
	_, err = v.Validate(ctx, token)
	require.NoError(t, err)
	assert.True(t, mr.Exists(Key(token)))
	assert.NotContains(t, strings.Join(mr.Keys(), ","), token)

	mr.Close()
	view, err := v.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u1", view.UserID)

	require.NoError(t, v.Revoke(ctx, token))
	_, err = v.Validate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestStatsEffective(t *testing.T) {
	assert.True(t, Stats{Hits: 3, Misses: 2}.Effective())
	assert.True(t, Stats{
		Hits: 100, Misses: 100,
		AvgHitLatency: 100 * time.Microsecond, AvgStoreLatency: 2 * time.Millisecond,
	}.Effective())
	assert.False(t, Stats{
		Hits: 100, Misses: 100,
		AvgHitLatency: time.Millisecond, AvgStoreLatency: 2 * time.Millisecond,
	}.Effective())
	assert.InDelta(t, 0.75, Stats{Hits: 3, Misses: 1}.HitRatio(), 0.0001)
}

func TestStatsCoverRecentLookupsOnly(t *testing.T) {
	c := newCounters(100)
	for i := 0; i < 100; i++ {
		c.miss(time.Millisecond)
	}
	for i := 0; i < 60; i++ {
		c.hit(10 * time.Microsecond)
	}
	s := c.snapshot()
	assert.Equal(t, int64(60), s.Hits)
	assert.Equal(t, int64(40), s.Misses)
	assert.Equal(t, 10*time.Microsecond, s.AvgHitLatency)
	assert.Equal(t, time.Millisecond, s.AvgStoreLatency)
}

func TestStatsWarnOnlyOnTransition(t *testing.T) {
	h := newHarness(t, time.Hour)
	var buf bytes.Buffer
	h.v.log.SetOutput(&buf)
	const warning = "not 10x faster than the store"

	for i := 0; i < MinSamples; i++ {
		h.v.stats.hit(time.Millisecond)
		h.v.stats.miss(2 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		assert.False(t, h.v.Stats().Effective())
	}
	assert.Equal(t, 1, strings.Count(buf.String(), warning))

	// Fresh lookups push the slow ones out of the window.
	for i := 0; i < StatsWindow/2; i++ {
		h.v.stats.hit(10 * time.Microsecond)
		h.v.stats.miss(2 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		assert.True(t, h.v.Stats().Effective())
	}
	assert.Equal(t, 1, strings.Count(buf.String(), warning))
	assert.Equal(t, 1, strings.Count(buf.String(), "fast again"))
}
