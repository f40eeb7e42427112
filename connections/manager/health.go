// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package manager

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/shared/apperr"
	"axonflow/tenantdb/shared/logger"
)

// HealthResult is the outcome of one probe.
type HealthResult struct {
	ConnectionID string            `json:"connection_id"`
	Type         base.BackendType  `json:"type"`
	Status       base.HealthStatus `json:"status"`
	CheckedAt    time.Time         `json:"checked_at"`
	Latency      time.Duration     `json:"latency"`
	Error        string            `json:"error,omitempty"`
}

// HealthCheck probes connectionID and records the result in the registry.
// An open breaker reports unhealthy without contacting the backend. The
// returned error is non-nil only for unknown ids and caller cancellation.
func (m *Manager) HealthCheck(ctx context.Context, connectionID string) (HealthResult, error) {
	res := HealthResult{ConnectionID: connectionID, Status: base.Unhealthy}

	e, err := m.entry(ctx, connectionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, context.Canceled) {
			return res, err
		}
		res.CheckedAt = m.now().UTC()
		res.Error = err.Error()
		m.recordHealth(ctx, res)
		return res, nil
	}
	res.Type = e.typ

	ticket, err := e.breaker.Allow()
	if err != nil {
		res.CheckedAt = m.now().UTC()
		res.Error = err.Error()
		m.recordHealth(ctx, res)
		return res, nil
	}

	probeCtx := ctx
	if timeout := e.breaker.Settings().CallTimeout; timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	err = e.backend.Ping(probeCtx)
	res.Latency = time.Since(start)
	if err != nil {
		err = base.WrapError(connectionID, "ping", err, nil)
	}
	ticket.Done(err)
	res.CheckedAt = m.now().UTC()

	if errors.Is(err, context.Canceled) {
		return res, err
	}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Status = base.Healthy
	}
	m.recordHealth(ctx, res)
	return res, nil
}

func (m *Manager) recordHealth(ctx context.Context, res HealthResult) {
	if m.metrics != nil {
		m.metrics.HealthChecks.WithLabelValues(string(res.Status)).Inc()
	}
	m.mu.RLock()
	_, isStatic := m.statics[res.ConnectionID]
	m.mu.RUnlock()
	if isStatic {
		return
	}
	if err := m.catalog.RecordHealth(ctx, res.ConnectionID, res.Status, res.CheckedAt); err != nil {
		m.log.Warn("", "", "failed to record health", map[string]interface{}{
			"connection_id": res.ConnectionID,
			"error":         err.Error(),
		})
	}
}

// Lister enumerates registered connections.
type Lister interface {
	All(ctx context.Context) ([]registry.View, error)
}

// SweeperConfig bounds a health sweep.
type SweeperConfig struct {
	Interval    time.Duration
	Concurrency int
	// ProbesPerSecond limits how fast probes start across the sweep.
	ProbesPerSecond float64
}

// Sweeper periodically health-checks every registered connection.
type Sweeper struct {
	m       *Manager
	list    Lister
	cfg     SweeperConfig
	limiter *rate.Limiter
	log     *logger.Logger
}

// NewSweeper creates a Sweeper. Zero config values get defaults.
func NewSweeper(m *Manager, list Lister, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	limit := rate.Inf
	burst := cfg.Concurrency
	if cfg.ProbesPerSecond > 0 {
		limit = rate.Limit(cfg.ProbesPerSecond)
	}
	return &Sweeper{
		m:       m,
		list:    list,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.New("health-sweeper"),
	}
}

// Sweep probes every connection once and returns the results in registry
// order. Connections whose breaker is open are reported without a probe.
func (s *Sweeper) Sweep(ctx context.Context) ([]HealthResult, error) {
	views, err := s.list.All(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]HealthResult, len(views))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, v := range views {
		i, v := i, v
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			res, err := s.m.HealthCheck(gctx, v.ID)
			if errors.Is(err, apperr.ErrNotFound) {
				// Deleted mid-sweep.
				res.Status = base.Unknown
				err = nil
			}
			if res.Type == "" {
				res.Type = v.Type
			}
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			results, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warn("", "", "health sweep failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			unhealthy := 0
			for _, r := range results {
				if r.Status == base.Unhealthy {
					unhealthy++
				}
			}
			s.log.InfoWithDuration("", "", "health sweep complete", float64(time.Since(start).Milliseconds()), map[string]interface{}{
				"connections": len(results),
				"unhealthy":   unhealthy,
			})
		}
	}
}

// BreakerState returns the current state for connectionID, or closed if no
// breaker exists yet.
func (m *Manager) BreakerState(connectionID string) breaker.State {
	if b, ok := m.breakers.Lookup(connectionID); ok {
		return b.State()
	}
	return breaker.Closed
}
