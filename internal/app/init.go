package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.etcd.io/bbolt"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/authgate"
	"github.com/nulpointcorp/llm-gateway/internal/background"
	"github.com/nulpointcorp/llm-gateway/internal/budgetcache"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/httpapi"
	"github.com/nulpointcorp/llm-gateway/internal/mailer"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

// initInfra establishes optional external connections: Redis (only when
// CACHE_MODE=redis) and MongoDB (always — it backs the configuration store).
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	a.log.Info("connecting to mongodb")
	client, err := configstore.Connect(ctx, a.cfg.Mongo.URI)
	if err != nil {
		return fmt.Errorf("mongo: %w", err)
	}
	a.mongoClient = client
	a.log.Info("mongodb connected")

	return nil
}

// initConfigStore wraps the connected Mongo database. The hot-path lookup
// cache is wired once initServices has decided on a cache backend — until
// then lookups go straight to Mongo (Store.New accepts a nil cache).
func (a *App) initConfigStore(_ context.Context) error {
	db := a.mongoClient.Database(a.cfg.Mongo.Database)
	a.store = configstore.New(db, nil, a.log)
	return nil
}

// initRegistry builds the per-provider-document client cache used by both
// the HTTP edge (resolving a request's candidates) and the pipeline's
// failover loop.
func (a *App) initRegistry(_ context.Context) error {
	a.reg = registry.New()
	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the authentication gate.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	var cacheImpl npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
	case "memory":
		cacheImpl = a.memCache
	}
	if cacheImpl != nil {
		a.store = configstore.New(a.mongoClient.Database(a.cfg.Mongo.Database), cacheImpl, a.log)

		exclusions, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache: exclusion list: %w", err)
		}
		a.respCache = npCache.NewResponseCache(cacheImpl, exclusions, a.cfg.Cache.TTL)
		a.log.Info("response cache enabled",
			slog.Duration("ttl", a.cfg.Cache.TTL),
			slog.Int("excluded_models", exclusions.Len()),
		)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.gate = authgate.New(a.store, ratelimit.NewKeyLimiter())
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("global RPM ceiling enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

// initUsageWriter opens the ClickHouse append-only usage log. Optional:
// when CLICKHOUSE_ADDR is unset, usage recording is skipped entirely
// (pipeline.Invoker tolerates a nil Usage writer).
func (a *App) initUsageWriter(ctx context.Context) error {
	if a.cfg.ClickHouse.Addr == "" {
		a.log.Info("usage writer disabled (CLICKHOUSE_ADDR not set)")
		return nil
	}

	w, err := usage.Open(ctx, usage.Options{
		Addr:     a.cfg.ClickHouse.Addr,
		Database: a.cfg.ClickHouse.Database,
		Username: a.cfg.ClickHouse.Username,
		Password: a.cfg.ClickHouse.Password,
		Table:    a.cfg.ClickHouse.Table,
	})
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	a.usageWriter = w
	a.log.Info("usage writer connected", slog.String("addr", a.cfg.ClickHouse.Addr))

	return nil
}

// initQueues opens the embedded budget cache and mail/log queues. They share
// one bbolt file by default (BudgetCache.QueuePath unset); an explicit
// QueuePath opens a second file instead.
func (a *App) initQueues(_ context.Context) error {
	db, err := bbolt.Open(a.cfg.BudgetCache.Path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("bbolt: open %s: %w", a.cfg.BudgetCache.Path, err)
	}
	a.boltDB = db

	budget, err := budgetcache.OpenShared(db)
	if err != nil {
		return fmt.Errorf("budgetcache: %w", err)
	}
	a.budget = budget

	if a.cfg.BudgetCache.QueuePath != "" && a.cfg.BudgetCache.QueuePath != a.cfg.BudgetCache.Path {
		qdb, err := bbolt.Open(a.cfg.BudgetCache.QueuePath, 0o600, nil)
		if err != nil {
			return fmt.Errorf("bbolt: open %s: %w", a.cfg.BudgetCache.QueuePath, err)
		}
		a.queueBoltDB = qdb
		q, err := queue.OpenShared(qdb)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		a.queue = q
	} else {
		q, err := queue.OpenShared(db)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		a.queue = q
	}

	if a.cfg.SMTP.Host != "" {
		a.mail = mailer.New(mailer.Config{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
			Timeout:  a.cfg.SMTP.Timeout,
		})
	}

	a.invoker = pipeline.New(a.budget, a.usageWriter, a.log).WithResponseCache(a.respCache).WithMetrics(a.prom)

	return nil
}

// initBackground builds the runner for the five maintenance loops described
// in SPEC_FULL.md §4.9 (App.Run starts it), unless this instance's role
// excludes worker duty.
func (a *App) initBackground(_ context.Context) error {
	if a.cfg.Role != "worker" && a.cfg.Role != "all" {
		return nil
	}
	a.bg = background.New(a.store, a.budget, a.usageWriter, a.queue, a.mail, a.reqLogger, a.log)
	return nil
}

// initHTTPAPI wires the policy-enforcing HTTP edge, unless this instance's
// role excludes serving requests.
func (a *App) initHTTPAPI(_ context.Context) error {
	if a.cfg.Role != "http" && a.cfg.Role != "all" {
		return nil
	}
	srv := httpapi.New(a.gate, a.store, a.reg, a.invoker, a.log)
	srv.CORSOrigins = a.cfg.CORSOrigins
	srv.Metrics = a.prom
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		srv.RPM = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
	}
	a.httpSrv = srv
	return nil
}
