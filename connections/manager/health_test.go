// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/shared/apperr"
)

func TestHealthCheck_RecordsStatus(t *testing.T) {
	checked := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return checked }))
	id := f.create(t, "free")
	ctx := context.Background()

	res, err := f.m.HealthCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Healthy, res.Status)
	assert.Equal(t, base.Relational, res.Type)

	view, err := f.reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Healthy, view.Health)
	require.NotNil(t, view.LastHealthCheck)
	assert.True(t, checked.Equal(*view.LastHealthCheck))

	f.driver.backend(id).down.Store(true)
	res, err = f.m.HealthCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Unhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
	view, _ = f.reg.Get(ctx, id)
	assert.Equal(t, base.Unhealthy, view.Health)
}

func TestHealthCheck_OpenBreakerSkipsProbe(t *testing.T) {
	breakers := breaker.NewRegistry()
	f := newFixture(t, WithBreakers(breakers))
	id := f.create(t, "free")
	ctx := context.Background()

	_, err := f.m.HealthCheck(ctx, id)
	require.NoError(t, err)
	b := f.driver.backend(id)
	pings := b.pings.Load()

	br, ok := breakers.Lookup(id)
	require.True(t, ok)
	for i := 0; i < 10 && br.State() != breaker.Open; i++ {
		ticket, err := br.Allow()
		require.NoError(t, err)
		ticket.Record(breaker.Failure)
	}
	require.Equal(t, breaker.Open, br.State())

	res, err := f.m.HealthCheck(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, base.Unhealthy, res.Status)
	assert.Equal(t, pings, b.pings.Load())
}

func TestHealthCheck_UnknownConnection(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.HealthCheck(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSweeper_ProbesEveryConnection(t *testing.T) {
	f := newFixture(t)
	ids := []string{f.create(t, "free"), f.create(t, "free"), f.create(t, "free")}
	f.driver.backend(ids[1]).down.Store(true)

	s := NewSweeper(f.m, f.reg, SweeperConfig{Concurrency: 2, ProbesPerSecond: 1000})
	results, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]base.HealthStatus)
	for _, r := range results {
		byID[r.ConnectionID] = r.Status
	}
	assert.Equal(t, base.Healthy, byID[ids[0]])
	assert.Equal(t, base.Unhealthy, byID[ids[1]])
	assert.Equal(t, base.Healthy, byID[ids[2]])

	all, err := f.reg.All(context.Background())
	require.NoError(t, err)
	for _, v := range all {
		assert.NotNil(t, v.LastHealthCheck, v.ID)
	}
}
