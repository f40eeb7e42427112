// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package cache is the cache-aside layer in front of the session store.
//
// Entries are advisory. A miss, an expired entry or an unreachable cache
// only costs a store round trip; revocation deletes the entry explicitly
// and leaves an in-process tombstone so a racing populate or a cache that
// could not be reached never serves a revoked session.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/shared/metrics"
)

// KeyPrefix namespaces session entries in the cache backend.
const KeyPrefix = "sess:"

// BreakerKey identifies the cache's own circuit breaker.
const BreakerKey = "session-cache"

// Key returns the cache key for token. Raw tokens never reach the cache.
func Key(token string) string {
	return KeyFromHash(sessions.HashToken(token))
}

// KeyFromHash returns the cache key for a stored token hash.
func KeyFromHash(tokenHash string) string {
	return KeyPrefix + tokenHash
}

// Source is the authoritative session store path.
type Source interface {
	Validate(ctx context.Context, token string) (sessions.View, error)
	Revoke(ctx context.Context, token string) error
	RevokeAllForUser(ctx context.Context, userID string) ([]string, error)
	Touch(ctx context.Context, token string) error
}

// Config tunes the cache.
type Config struct {
	TTL       time.Duration
	OpTimeout time.Duration
	Breaker   breaker.Settings
	// TouchOnMiss updates session activity in the background after a
	// store-path validation.
	TouchOnMiss bool
}

// DefaultConfig returns a 5 minute TTL and a 50ms operation timeout.
func DefaultConfig() Config {
	return Config{
		TTL:       5 * time.Minute,
		OpTimeout: 50 * time.Millisecond,
		Breaker: breaker.Settings{
			FailureThreshold:  50,
			MinimumRequests:   5,
			WindowSize:        20,
			Window:            30 * time.Second,
			ResetTimeout:      10 * time.Second,
			HalfOpenMaxTrials: 1,
		},
		TouchOnMiss: true,
	}
}

type entry struct {
	View     sessions.View `json:"view"`
	CachedAt time.Time     `json:"cached_at"`
}

// Validator validates session tokens cache-first.
type Validator struct {
	source   Source
	backend  Backend
	cfg      Config
	breaker  *breaker.Breaker
	breakers *breaker.Registry
	now      func() time.Time
	metrics  *metrics.Metrics
	log      *logger.Logger
	stats    *counters
	// ineffective is set while Stats last found the cache not paying off.
	ineffective atomic.Bool

	mu         sync.Mutex
	tombstones map[string]time.Time
}

// Option customizes a Validator.
type Option func(*Validator)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(v *Validator) { v.cfg = cfg }
}

// WithClock injects the time source for TTLs, tombstones and the breaker.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithMetrics records lookups and latencies into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithBreakerRegistry places the cache breaker in r so it is reported with
// the connection breakers.
func WithBreakerRegistry(r *breaker.Registry) Option {
	return func(v *Validator) { v.breakers = r }
}

// New creates a Validator. backend may be nil, in which case every call
// goes to the store.
func New(source Source, backend Backend, opts ...Option) *Validator {
	v := &Validator{
		source:     source,
		backend:    backend,
		cfg:        DefaultConfig(),
		now:        time.Now,
		log:        logger.New("session-cache"),
		stats:      newCounters(StatsWindow),
		tombstones: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	brOpts := []breaker.Option{breaker.WithClock(v.clock), breaker.WithClassifier(classify), breaker.WithStateChange(v.onBreakerChange)}
	if v.breakers != nil {
		v.breaker = v.breakers.Get(BreakerKey, v.cfg.Breaker, brOpts...)
	} else {
		v.breaker = breaker.New(BreakerKey, v.cfg.Breaker, brOpts...)
	}
	return v
}

func (v *Validator) clock() time.Time { return v.now() }

// Validate returns the session view for token.
//
// Errors are the store's: *apperr.AuthenticationError for invalid,
// expired or revoked sessions, or the store's own failure. Cache failures
// are absorbed.
func (v *Validator) Validate(ctx context.Context, token string) (sessions.View, error) {
	if token == "" {
		return sessions.View{}, &apperr.AuthenticationError{Reason: "missing token"}
	}
	key := Key(token)

	if view, ok := v.lookup(ctx, key); ok {
		return view, nil
	}

	start := time.Now()
	view, err := v.source.Validate(ctx, token)
	elapsed := time.Since(start)
	if err != nil {
		return sessions.View{}, err
	}
	v.stats.miss(elapsed)
	v.observe("store", elapsed)

	v.populate(ctx, key, view)
	if v.cfg.TouchOnMiss {
		go v.touch(token)
	}
	return view, nil
}

// lookup returns a cached view if one is usable.
func (v *Validator) lookup(ctx context.Context, key string) (sessions.View, bool) {
	if v.backend == nil || v.tombstoned(key) {
		v.count("bypass")
		return sessions.View{}, false
	}

	start := time.Now()
	var data []byte
	err := v.call(ctx, "get", func(ctx context.Context) error {
		var err error
		data, err = v.backend.Get(ctx, key)
		return err
	})
	switch {
	case errors.Is(err, ErrMiss):
		v.count("miss")
		return sessions.View{}, false
	case err != nil:
		v.stats.fallback()
		v.count("unavailable")
		v.log.Debug("", "", "session cache unavailable, using store", map[string]interface{}{"error": err.Error()})
		return sessions.View{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		v.log.Warn("", "", "dropping undecodable session cache entry", map[string]interface{}{"error": err.Error()})
		v.invalidate(ctx, key)
		return sessions.View{}, false
	}
	if !v.now().Before(e.View.ExpiresAt) {
		v.count("expired")
		return sessions.View{}, false
	}
	// A revoke may have landed while the get was in flight.
	if v.tombstoned(key) {
		v.count("bypass")
		return sessions.View{}, false
	}

	elapsed := time.Since(start)
	v.stats.hit(elapsed)
	v.observe("hit", elapsed)
	v.count("hit")
	return e.View, true
}

// populate caches view for at most the configured TTL and never past the
// session's own expiry.
func (v *Validator) populate(ctx context.Context, key string, view sessions.View) {
	if v.backend == nil || v.tombstoned(key) {
		return
	}
	now := v.now()
	ttl := v.cfg.TTL
	if remaining := view.ExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(entry{View: view, CachedAt: now.UTC()})
	if err != nil {
		return
	}
	err = v.call(ctx, "set", func(ctx context.Context) error {
		return v.backend.Set(ctx, key, data, ttl)
	})
	if err != nil {
		v.log.Debug("", "", "session cache populate skipped", map[string]interface{}{"error": err.Error()})
		return
	}
	if v.tombstoned(key) {
		v.invalidate(ctx, key)
	}
}

func (v *Validator) touch(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := v.source.Touch(ctx, token); err != nil {
		v.log.Debug("", "", "session touch failed", map[string]interface{}{"error": err.Error()})
	}
}

// Revoke revokes token in the store, then deletes its cache entry before
// returning. The delete skips the cache breaker and is retried; if it
// still fails the session is revoked in the store and tombstoned here,
// but other replicas sharing the cache may serve it until the entry
// expires, so Revoke returns *apperr.RevocationError. Calling it again
// is safe.
func (v *Validator) Revoke(ctx context.Context, token string) error {
	key := Key(token)
	v.tombstone(key)
	if err := v.source.Revoke(ctx, token); err != nil {
		return err
	}
	if err := v.evict(ctx, key); err != nil {
		v.log.Error("", "", "session revoked but cache entry not removed", map[string]interface{}{
			"key_prefix": key[:len(KeyPrefix)+8],
			"error":      err.Error(),
		})
		return &apperr.RevocationError{Err: err}
	}
	return nil
}

// RevokeAllForUser revokes every session of userID and removes their
// cache entries. It returns how many sessions were revoked, and a
// *apperr.RevocationError if any entry could not be removed.
func (v *Validator) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	hashes, err := v.source.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var failed error
	for _, h := range hashes {
		key := KeyFromHash(h)
		v.tombstone(key)
		if err := v.evict(ctx, key); err != nil && failed == nil {
			failed = err
		}
	}
	if failed != nil {
		v.log.Error("", "", "sessions revoked but cache entries not removed", map[string]interface{}{
			"user_id": userID,
			"error":   failed.Error(),
		})
		return len(hashes), &apperr.RevocationError{UserID: userID, Err: failed}
	}
	return len(hashes), nil
}

// revokeAttempts and revokeBackoff bound the delete a revocation makes.
const (
	revokeAttempts = 3
	revokeBackoff  = 20 * time.Millisecond
)

// evict deletes key outside the breaker, retrying each attempt under the
// op timeout until ctx ends.
func (v *Validator) evict(ctx context.Context, key string) error {
	if v.backend == nil {
		return nil
	}
	var err error
	for attempt := 0; attempt < revokeAttempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * revokeBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return &apperr.CacheUnavailableError{Op: "delete", Err: err}
			case <-t.C:
			}
		}
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if v.cfg.OpTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, v.cfg.OpTimeout)
		}
		err = v.backend.Delete(callCtx, key)
		cancel()
		if err == nil {
			return nil
		}
	}
	return &apperr.CacheUnavailableError{Op: "delete", Err: err}
}

func (v *Validator) invalidate(ctx context.Context, key string) {
	if v.backend == nil {
		return
	}
	err := v.call(ctx, "delete", func(ctx context.Context) error {
		return v.backend.Delete(ctx, key)
	})
	if err != nil {
		v.log.Warn("", "", "session cache delete failed, relying on tombstone", map[string]interface{}{
			"key_prefix": key[:len(KeyPrefix)+8],
			"error":      err.Error(),
		})
	}
}

// call runs one cache operation under the cache breaker and op timeout.
// Every error other than ErrMiss comes back as *apperr.CacheUnavailableError.
func (v *Validator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ticket, err := v.breaker.Allow()
	if err != nil {
		return &apperr.CacheUnavailableError{Op: op, Err: err}
	}
	callCtx := ctx
	if v.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, v.cfg.OpTimeout)
		defer cancel()
	}
	err = fn(callCtx)
	ticket.Done(err)
	if err != nil && !errors.Is(err, ErrMiss) {
		return &apperr.CacheUnavailableError{Op: op, Err: err}
	}
	return err
}

func classify(err error) breaker.Outcome {
	switch {
	case err == nil, errors.Is(err, ErrMiss):
		return breaker.Success
	case errors.Is(err, context.Canceled):
		return breaker.Ignore
	default:
		return breaker.Failure
	}
}

func (v *Validator) tombstone(key string) {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tombstones[key] = now.Add(v.cfg.TTL)
	if len(v.tombstones) > 1024 {
		for k, exp := range v.tombstones {
			if !now.Before(exp) {
				delete(v.tombstones, k)
			}
		}
	}
}

func (v *Validator) tombstoned(key string) bool {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	exp, ok := v.tombstones[key]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(v.tombstones, key)
		return false
	}
	return true
}

// Breaker returns the cache breaker's snapshot.
func (v *Validator) Breaker() breaker.Snapshot {
	return v.breaker.Snapshot()
}

func (v *Validator) onBreakerChange(key string, from, to breaker.State) {
	v.log.Warn("", "", "session cache breaker state changed", map[string]interface{}{
		"from": from.String(),
		"to":   to.String(),
	})
	if v.metrics != nil {
		v.metrics.BreakerState.WithLabelValues(key).Set(float64(to))
		v.metrics.BreakerTransitions.WithLabelValues(key, to.String()).Inc()
	}
}

func (v *Validator) count(result string) {
	if v.metrics != nil {
		v.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}

func (v *Validator) observe(path string, d time.Duration) {
	if v.metrics != nil {
		v.metrics.CacheLatency.WithLabelValues(path).Observe(d.Seconds())
	}
}

// Stats returns hit, miss and latency counters over recent lookups. A
// warning is logged when the cache stops paying for itself and a notice
// when it recovers; polling alone logs nothing new.
func (v *Validator) Stats() Stats {
	s := v.stats.snapshot()
	fields := map[string]interface{}{
		"avg_hit_latency_us":   s.AvgHitLatency.Microseconds(),
		"avg_store_latency_us": s.AvgStoreLatency.Microseconds(),
	}
	if s.Effective() {
		if v.ineffective.CompareAndSwap(true, false) {
			v.log.Info("", "", "session cache hit path is fast again", fields)
		}
	} else if v.ineffective.CompareAndSwap(false, true) {
		v.log.Warn("", "", "session cache hit path is not 10x faster than the store", fields)
	}
	return s
}
