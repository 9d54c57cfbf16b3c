// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra        — external connections (Redis, MongoDB)
//  2. initConfigStore  — the configuration-document store
//  3. initRegistry     — the per-provider-document client cache
//  4. initServices     — cache, metrics registry, authgate
//  5. initUsageWriter  — the ClickHouse append-only usage log (optional)
//  6. initQueues       — the embedded budget cache and mail/log queues
//  7. initBackground   — the five maintenance loops (role: worker/all)
//  8. initHTTPAPI      — the policy-enforcing HTTP edge (role: http/all)
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/authgate"
	"github.com/nulpointcorp/llm-gateway/internal/background"
	"github.com/nulpointcorp/llm-gateway/internal/budgetcache"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/configstore"
	"github.com/nulpointcorp/llm-gateway/internal/httpapi"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/mailer"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/pipeline"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb         *redis.Client
	mongoClient *mongo.Client
	boltDB      *bbolt.DB
	queueBoltDB *bbolt.DB

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	store     *configstore.Store
	reg       *registry.Registry
	gate      *authgate.Gate
	respCache *npCache.ResponseCache
	invoker   *pipeline.Invoker

	usageWriter *usage.Writer
	budget      *budgetcache.Store
	queue       *queue.Store
	mail        *mailer.Mailer
	bg          *background.Runner

	httpSrv *httpapi.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"config_store", a.initConfigStore},
		{"registry", a.initRegistry},
		{"services", a.initServices},
		{"usage_writer", a.initUsageWriter},
		{"queues", a.initQueues},
		{"background", a.initBackground},
		{"http_api", a.initHTTPAPI},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts whichever long-lived processes cfg.Role selects and blocks
// until ctx is cancelled or one of them returns an error. It closes the app
// gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("role", a.cfg.Role),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Role == "http" || a.cfg.Role == "all" {
		g.Go(func() error {
			return a.httpSrv.Start(addr)
		})
	}

	if (a.cfg.Role == "worker" || a.cfg.Role == "all") && a.bg != nil {
		g.Go(func() error {
			return a.bg.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times in sequence; it takes no lock, so calls must not overlap.
func (a *App) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Error("queue close error", slog.String("error", err.Error()))
		}
		a.queue = nil
	}
	if a.budget != nil {
		if err := a.budget.Close(); err != nil {
			a.log.Error("budget cache close error", slog.String("error", err.Error()))
		}
		a.budget = nil
	}
	if a.queueBoltDB != nil {
		if err := a.queueBoltDB.Close(); err != nil {
			a.log.Error("queue bbolt close error", slog.String("error", err.Error()))
		}
		a.queueBoltDB = nil
	}
	if a.boltDB != nil {
		if err := a.boltDB.Close(); err != nil {
			a.log.Error("budget bbolt close error", slog.String("error", err.Error()))
		}
		a.boltDB = nil
	}
	if a.usageWriter != nil {
		if err := a.usageWriter.Close(); err != nil {
			a.log.Error("usage writer close error", slog.String("error", err.Error()))
		}
		a.usageWriter = nil
	}
	if a.mongoClient != nil {
		if err := a.mongoClient.Disconnect(context.Background()); err != nil {
			a.log.Error("mongo disconnect error", slog.String("error", err.Error()))
		}
		a.mongoClient = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
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

// redisPinger returns a zero-argument probe function suitable for a health
// probe. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
