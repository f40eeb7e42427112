// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	_ "github.com/lib/pq" // registers the "postgres" database/sql driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"axonflow/tenantdb/access"
	"axonflow/tenantdb/config"
	"axonflow/tenantdb/connections/breaker"
	"axonflow/tenantdb/connections/manager"
	"axonflow/tenantdb/connections/registry"
	"axonflow/tenantdb/sessions"
	"axonflow/tenantdb/sessions/cache"
	"axonflow/tenantdb/shared/logger"
	"axonflow/tenantdb/shared/metrics"
	"axonflow/tenantdb/tenancy"
	"axonflow/tenantdb/vault"
)

// App is the assembled service.
type App struct {
	cfg       *config.Config
	Server    *Server
	Registry  *registry.Registry
	Manager   *manager.Manager
	Sessions  *sessions.Service
	Validator *cache.Validator
	Resolver  *tenancy.Resolver
	Sweeper   *manager.Sweeper
	log       *logger.Logger
	closers   []func() error
}

// NewApp wires every component from cfg. Without a platform database URL
// all state is kept in memory.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, log: logger.New("tenantdb")}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	if err := m.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	v, err := openVault(ctx, cfg.Vault)
	if err != nil {
		return nil, err
	}

	var (
		connStore    registry.Storage = registry.NewMemoryStorage()
		sessionStore sessions.Store   = sessions.NewMemoryStore()
		db           *sql.DB
	)
	if cfg.Platform.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.Platform.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open platform database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("ping platform database: %w", err)
		}
		ps := registry.NewPostgresStorage(db)
		if err := ps.InitSchema(ctx); err != nil {
			return nil, err
		}
		ss := sessions.NewPostgresStore(db)
		if err := ss.InitSchema(ctx); err != nil {
			return nil, err
		}
		connStore, sessionStore = ps, ss
	}

	breakers := breaker.NewRegistry()
	a.Registry = registry.New(connStore, v)
	a.Manager = manager.New(a.Registry, v,
		manager.WithConfig(cfg.Manager()),
		manager.WithBreakers(breakers),
		manager.WithMetrics(m))
	a.closers = append(a.closers, func() error { a.Manager.Close(); return nil })
	a.Registry.SetChangeHook(a.Manager.Invalidate)

	var tenants tenancy.Store = tenancy.NewMemoryStore()
	if db != nil {
		ep, err := cfg.PlatformEndpoint()
		if err != nil {
			return nil, err
		}
		if err := a.Manager.RegisterStatic(cfg.Platform.ConnectionID, ep, cfg.Platform.Pool); err != nil {
			return nil, err
		}
		store := tenancy.NewSQLStore(a.Manager, cfg.Platform.ConnectionID)
		if err := store.InitSchema(ctx); err != nil {
			return nil, err
		}
		tenants = store
	}
	a.Resolver = tenancy.NewResolver(tenants)

	codec, err := sessions.NewTokenCodec([]byte(cfg.Sessions.SigningKey), cfg.Sessions.Issuer)
	if err != nil {
		return nil, err
	}
	a.Sessions = sessions.NewService(sessionStore, codec,
		sessions.WithTTL(cfg.Sessions.TTL),
		sessions.WithStoreTimeout(cfg.Sessions.StoreTimeout))

	var backend cache.Backend = cache.NewMemoryBackend(time.Now)
	if cfg.Cache.RedisURL != "" {
		rb, err := cache.DialRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			// The cache is optional; validations fall back to the store
			// through the breaker until Redis answers.
			a.log.Warn("", "", "session cache unreachable at startup, using in-process cache", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			backend = rb
			a.closers = append(a.closers, rb.Close)
		}
	}
	a.Validator = cache.New(a.Sessions, backend,
		cache.WithConfig(cfg.SessionCache()),
		cache.WithMetrics(m),
		cache.WithBreakerRegistry(breakers))

	a.Sweeper = manager.NewSweeper(a.Manager, a.Registry, manager.SweeperConfig{
		Interval:        cfg.Health.Interval,
		Concurrency:     cfg.Health.Concurrency,
		ProbesPerSecond: cfg.Health.ProbesPerSecond,
	})

	facade := access.New(a.Validator, a.Resolver, a.Registry, a.Manager, access.WithMetrics(m))
	a.Server = New(Deps{
		Sessions:    a.Validator,
		Resolver:    a.Resolver,
		Connections: a.Registry,
		Queries:     facade,
		Breakers:    breakers.Snapshots,
		CacheStats:  a.Validator.Stats,
		Metrics:     m,
		Gatherer:    reg,
	}, cfg.Server.CORSOrigins)

	ok = true
	return a, nil
}

func openVault(ctx context.Context, vc config.VaultConfig) (*vault.Vault, error) {
	var src vault.SecretSource
	switch vc.SecretSource {
	case config.SecretFromAWS:
		aws, err := vault.NewAWSSource(ctx, vault.AWSSourceOptions{
			Region:   vc.AWSRegion,
			SecretID: vc.AWSSecretID,
			Field:    vc.AWSField,
		})
		if err != nil {
			return nil, err
		}
		src = aws
	case config.SecretFromStatic:
		src = vault.StaticSource(vc.StaticSecret)
	default:
		src = vault.EnvSource{Var: vc.SecretEnv}
	}
	v, err := vault.Open(ctx, src, []byte(vc.Salt))
	if err != nil {
		return nil, fmt.Errorf("open credential vault: %w", err)
	}
	return v, nil
}

// Run serves HTTP and sweeps connection health until ctx is done, then
// shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(a.cfg.Server.Port),
		Handler:      a.Server,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.Sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("", "", "listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.log.Info("", "", "shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

// Close releases pools, caches and database handles in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("", "", "close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	a.closers = nil
}
