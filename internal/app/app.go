// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse) when configured
//  2. initConfig   — routing configuration store + hot-reload watcher
//  3. initServices — metrics, health, quota, cost, usage recorder
//  4. initGateway  — adapters, orchestrator, HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/cost"
	"github.com/synaxis-dev/synaxis/internal/health"
	"github.com/synaxis-dev/synaxis/internal/metrics"
	"github.com/synaxis-dev/synaxis/internal/proxy"
	"github.com/synaxis-dev/synaxis/internal/quota"
	"github.com/synaxis-dev/synaxis/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Settings
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	store    *config.Store
	prom     *metrics.Registry
	healthy  *health.Store
	tracker  quota.Tracker
	costs    *cost.Service
	recorder *usage.Recorder

	gw     *proxy.Gateway
	server *fasthttp.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Settings, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"config", a.initConfig},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the config watcher, blocking until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.Listen),
		slog.Bool("redis", a.rdb != nil),
		slog.Bool("clickhouse", a.cfg.DBDSN != ""),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(a.cfg.Listen)
	})

	g.Go(func() error {
		a.store.Watch(gctx, a.cfg.ReloadInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.server.ShutdownWithContext(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.log.Error("recorder close error", slog.String("error", err.Error()))
			}
		}
		if a.costs != nil {
			a.costs.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
