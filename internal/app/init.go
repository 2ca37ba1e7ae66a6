package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/synaxis-dev/synaxis/internal/config"
	"github.com/synaxis-dev/synaxis/internal/cost"
	"github.com/synaxis-dev/synaxis/internal/health"
	"github.com/synaxis-dev/synaxis/internal/metrics"
	"github.com/synaxis-dev/synaxis/internal/providers"
	anthropicprov "github.com/synaxis-dev/synaxis/internal/providers/anthropic"
	azureprov "github.com/synaxis-dev/synaxis/internal/providers/azureopenai"
	openaicompatprov "github.com/synaxis-dev/synaxis/internal/providers/openaicompat"
	"github.com/synaxis-dev/synaxis/internal/proxy"
	"github.com/synaxis-dev/synaxis/internal/quota"
	"github.com/synaxis-dev/synaxis/internal/resolve"
	"github.com/synaxis-dev/synaxis/internal/routing"
	"github.com/synaxis-dev/synaxis/internal/usage"
)

// initInfra establishes optional external connections. Redis powers the
// distributed quota window and config change notifications; both degrade to
// in-process equivalents when SYNAXIS_REDIS_URL is unset.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RedisURL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.RedisURL)))
	rdb, err := connectRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initConfig loads the routing configuration. A broken file at startup is
// fatal; after startup the watcher keeps the last good snapshot on errors.
func (a *App) initConfig(_ context.Context) error {
	store, err := config.NewStore(a.cfg.ConfigPath, a.log)
	if err != nil {
		return err
	}
	if a.rdb != nil {
		store.SetRedis(a.rdb)
	}
	a.store = store
	return nil
}

// initServices creates metrics, health, quota, cost, and the usage recorder.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.store.SetOnReload(a.prom.RecordReload)

	a.healthy = health.NewStore()
	a.costs = cost.NewService(a.baseCtx, a.store)

	if a.rdb != nil {
		a.tracker = quota.NewRedisTracker(a.rdb)
		a.log.Info("quota tracker: redis (shared across replicas)")
	} else {
		a.tracker = quota.NewMemoryTracker()
		a.log.Info("quota tracker: in-process")
	}

	var sink usage.Sink
	if a.cfg.DBDSN != "" {
		ch, err := usage.NewClickHouseSink(ctx, a.cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("usage sink: clickhouse")
	} else {
		sink = usage.NewMemorySink(0)
		a.log.Info("usage sink: memory (set SYNAXIS_DB_DSN for persistence)")
	}
	a.recorder = usage.NewRecorder(a.baseCtx, sink, a.log)
	a.recorder.SetDropHook(a.prom.RecordUsageDropped)

	return nil
}

// initGateway builds the adapters, the orchestrator, and the HTTP surface.
func (a *App) initGateway(_ context.Context) error {
	reg := providers.NewRegistry(
		openaicompatprov.New(a.log),
		anthropicprov.New(a.log),
		azureprov.New(a.log),
	)

	orch := routing.NewOrchestrator(a.healthy, a.tracker, a.costs, reg, a.prom, a.log)

	a.gw = proxy.NewGateway(a.baseCtx, proxy.GatewayOptions{
		Store:           a.store,
		Resolver:        resolve.New(a.store),
		Orchestrator:    orch,
		Health:          a.healthy,
		Costs:           a.costs,
		Recorder:        a.recorder,
		Metrics:         a.prom,
		Logger:          a.log,
		RequestDeadline: a.cfg.RequestDeadline,
		MaxBodyBytes:    a.cfg.MaxBodyBytes,
	})
	a.server = a.gw.NewServer()

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe
// logging, e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379".
func redactURL(raw string) string {
	at := strings.IndexByte(raw, '@')
	if at < 0 {
		return raw
	}
	scheme := strings.Index(raw, "://")
	if scheme < 0 || scheme+3 > at {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
