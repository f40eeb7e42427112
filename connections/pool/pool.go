// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package pool bounds the number of live backend sessions per connection.
// It wraps puddle with an acquire timeout and separates "no session became
// free in time" (pool exhaustion) from "the backend would not give us a
// session" (a backend fault).
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/puddle/v2"

	"axonflow/tenantdb/shared/apperr"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("pool closed")

// Bounds are the min/max session counts for a pool.
type Bounds struct {
	Min int32 `yaml:"min" json:"min"`
	Max int32 `yaml:"max" json:"max"`
}

// Config configures a Pool.
type Config[T any] struct {
	// ConnectionID labels errors.
	ConnectionID   string
	Bounds         Bounds
	AcquireTimeout time.Duration
	Dial           func(ctx context.Context) (T, error)
	Close          func(T)
}

// Pool is a bounded set of reusable sessions of type T.
type Pool[T any] struct {
	id             string
	bounds         Bounds
	acquireTimeout time.Duration
	inner          *puddle.Pool[T]
	warmOnce       sync.Once
}

// New creates an empty pool. Sessions are dialed on demand; call Prewarm to
// create the configured minimum up front.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("pool %s: dial function is required", cfg.ConnectionID)
	}
	if cfg.Bounds.Max <= 0 {
		return nil, fmt.Errorf("pool %s: max size must be positive", cfg.ConnectionID)
	}
	if cfg.Bounds.Min < 0 || cfg.Bounds.Min > cfg.Bounds.Max {
		return nil, fmt.Errorf("pool %s: min size %d outside [0,%d]", cfg.ConnectionID, cfg.Bounds.Min, cfg.Bounds.Max)
	}
	closeFn := cfg.Close
	if closeFn == nil {
		closeFn = func(T) {}
	}
	inner, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: cfg.Dial,
		Destructor:  closeFn,
		MaxSize:     cfg.Bounds.Max,
	})
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.ConnectionID, err)
	}
	return &Pool[T]{
		id:             cfg.ConnectionID,
		bounds:         cfg.Bounds,
		acquireTimeout: cfg.AcquireTimeout,
		inner:          inner,
	}, nil
}

// Prewarm dials sessions until the pool holds Min of them. It runs at most
// once per pool.
func (p *Pool[T]) Prewarm(ctx context.Context) error {
	var err error
	p.warmOnce.Do(func() {
		for p.inner.Stat().TotalResources() < p.bounds.Min {
			if err = p.inner.CreateResource(ctx); err != nil {
				err = fmt.Errorf("prewarm pool %s: %w", p.id, err)
				return
			}
		}
	})
	return err
}

// Acquire leases a session, waiting at most the acquire timeout (and never
// past ctx's deadline).
//
// Errors:
//   - *apperr.PoolExhaustedError when every session stayed leased until a
//     deadline fired, whether the acquire timeout or the caller's
//   - *apperr.BackendError (a fault) when a new session could not be dialed
//     within the acquire timeout, or the dial error itself
//   - ctx.Err() when the caller cancelled, or its deadline fired while the
//     pool still had room
func (p *Pool[T]) Acquire(ctx context.Context) (*Lease[T], error) {
	start := time.Now()
	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	res, err := p.inner.Acquire(acquireCtx)
	if err == nil {
		return &Lease[T]{res: res}, nil
	}

	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return nil, ErrClosed
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, ctx.Err()
	case acquireCtx.Err() != nil:
		stat := p.inner.Stat()
		if stat.AcquiredResources() >= stat.MaxResources() {
			return nil, &apperr.PoolExhaustedError{
				ConnectionID: p.id,
				MaxSize:      stat.MaxResources(),
				Waited:       time.Since(start),
				Err:          acquireCtx.Err(),
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &apperr.BackendError{ConnectionID: p.id, Op: "dial", Fault: true, Err: context.DeadlineExceeded}
	default:
		return nil, err
	}
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Min       int32 `json:"min"`
	Max       int32 `json:"max"`
	Total     int32 `json:"total"`
	Acquired  int32 `json:"acquired"`
	Idle      int32 `json:"idle"`
	Available int32 `json:"available"`
}

// Stats reports current occupancy. Available is how many more leases can
// be handed out without waiting for a release.
func (p *Pool[T]) Stats() Stats {
	s := p.inner.Stat()
	return Stats{
		Min:       p.bounds.Min,
		Max:       s.MaxResources(),
		Total:     s.TotalResources(),
		Acquired:  s.AcquiredResources(),
		Idle:      s.IdleResources(),
		Available: s.MaxResources() - s.AcquiredResources(),
	}
}

// Close destroys idle sessions and waits for leased ones to be returned.
func (p *Pool[T]) Close() {
	p.inner.Close()
}

// Lease is one leased session. Exactly one of Release or Destroy takes
// effect; later calls are no-ops.
type Lease[T any] struct {
	res  *puddle.Resource[T]
	once sync.Once
}

// Value returns the leased session.
func (l *Lease[T]) Value() T {
	return l.res.Value()
}

// Release returns the session to the pool for reuse.
func (l *Lease[T]) Release() {
	l.once.Do(l.res.Release)
}

// Destroy closes the session instead of returning it.
func (l *Lease[T]) Destroy() {
	l.once.Do(l.res.Destroy)
}
