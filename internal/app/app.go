// Package app assembles the approval engine from configuration: definition
// registry, stores, caches, publishers, the signal processor, the
// persistence hook, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/approvals/internal/condition"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/configcache"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/internal/dispatch"
	"github.com/pitabwire/approvals/internal/notification"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/openapi"
	"github.com/pitabwire/approvals/internal/transport"
	"github.com/pitabwire/approvals/internal/trigger"
	"github.com/pitabwire/approvals/internal/uow"
	"github.com/pitabwire/approvals/internal/workflow"
)

// App is a fully wired approval engine. Entity repositories are registered
// on Repositories by the host before signals for that entity type can be
// processed.
type App struct {
	Config       *config.Config
	Registry     *definition.Registry
	Steps        workflow.StepStore
	History      workflow.HistoryStore
	ConfigCache  configcache.Cache
	Publisher    notification.Publisher
	Events       *notification.Router
	Retry        *notification.RetryQueue
	Mailbox      *dispatch.Mailbox
	Repositories *workflow.Repositories
	Processor    *workflow.Processor
	Hook         *uow.Hook
	Idempotency  transport.IdempotencyStore
	API          *openapi.Document

	metrics *observability.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	redis   map[string]*redis.Client
	closers []func()
}

// New builds an App and performs the initial definition load. Any failure
// releases what was already opened.
func New(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:       cfg,
		Registry:     definition.NewRegistry(nil),
		Repositories: workflow.NewRepositories(),
		metrics:      metrics,
		logger:       logger,
		redis:        make(map[string]*redis.Client),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}
	if err := a.buildConfigCache(); err != nil {
		return nil, err
	}
	if err := a.buildPublishing(); err != nil {
		return nil, err
	}
	if err := a.buildIdempotency(); err != nil {
		return nil, err
	}
	if a.API, err = openapi.Load(); err != nil {
		return nil, err
	}
	if err := a.Reload(ctx); err != nil {
		return nil, err
	}

	conditions := condition.NewEvaluator(logger)
	fanout := notification.NewFanout(notification.NewRenderer(a.Registry), a.Events, metrics, logger)

	a.Mailbox = dispatch.NewMailbox(cfg.Dispatch, dispatch.ApprovalRequiredHandler(a.Events, fanout), metrics, logger)

	a.Processor = workflow.NewProcessor(workflow.ProcessorDeps{
		Repositories: a.Repositories,
		Steps:        a.Steps,
		History:      a.History,
		Notifier:     fanout,
		Events:       a.Events,
		Conditions:   conditions,
		Metrics:      metrics,
		Logger:       logger,
	})

	a.Hook = uow.NewHook(uow.Deps{
		Triggers:  trigger.NewEvaluator(a.ConfigCache, conditions, logger),
		Configs:   a.ConfigCache,
		Steps:     a.Steps,
		Initiator: workflow.NewInitiator(conditions, metrics, logger),
		History:   a.History,
		Events:    a.Events,
		Mailbox:   a.Mailbox,
		Metrics:   metrics,
		Logger:    logger,
	})

	return a, nil
}

func (a *App) buildStores(ctx context.Context) error {
	cfg := a.Config.Store
	switch cfg.Driver {
	case "memory", "":
		a.logger.Info("using in-memory workflow stores")
		a.Steps = workflow.NewMemoryStepStore()
		a.History = workflow.NewMemoryHistoryStore()
		return nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("workflow store: connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("workflow store: ping: %w", err)
		}
		if err := workflow.Migrate(ctx, pool); err != nil {
			return err
		}
		a.Steps = workflow.NewPgStepStore(pool)
		a.History = workflow.NewPgHistoryStore(pool)
		return nil
	default:
		return fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

func (a *App) buildConfigCache() error {
	cfg := a.Config.Cache
	switch cfg.Driver {
	case "memory", "":
		a.ConfigCache = configcache.NewLocalCache(a.Registry, cfg.MaxEntries, cfg.TTL, a.metrics, a.logger)
		return nil
	case "redis":
		client, err := a.redisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return fmt.Errorf("config cache: %w", err)
		}
		a.ConfigCache = configcache.NewRedisCache(client, a.Registry, cfg.TTL, a.metrics, a.logger)
		return nil
	default:
		return fmt.Errorf("unsupported config cache driver: %q", cfg.Driver)
	}
}

func (a *App) buildPublishing() error {
	cfg := a.Config.Publisher
	switch cfg.Driver {
	case "memory", "":
		a.logger.Warn("using in-memory publisher, events are not delivered outside this process")
		a.Publisher = notification.NewMemoryPublisher()
	case "redis":
		client, err := a.redisClient(cfg.AddrEnv, cfg.DB)
		if err != nil {
			return fmt.Errorf("publisher: %w", err)
		}
		a.Publisher = notification.NewRedisStreamPublisher(client, cfg.StreamPrefix, cfg.MaxLen)
	default:
		return fmt.Errorf("unsupported publisher driver: %q", cfg.Driver)
	}

	a.Retry = notification.NewRetryQueue(a.Publisher, a.Config.Retry, a.metrics, a.logger)
	a.Events = notification.NewRouter(a.Publisher, cfg.Routes, cfg.FallbackExchange, a.metrics, a.logger).
		WithRetryQueue(a.Retry)
	return nil
}

func (a *App) buildIdempotency() error {
	cfg := a.Config.Idempotency
	switch cfg.Driver {
	case "memory", "":
		a.Idempotency = transport.NewMemoryIdempotencyStore()
		return nil
	case "redis":
		client, err := a.redisClient(cfg.AddrEnv, 0)
		if err != nil {
			return fmt.Errorf("idempotency store: %w", err)
		}
		a.Idempotency = transport.NewRedisIdempotencyStore(client)
		return nil
	default:
		return fmt.Errorf("unsupported idempotency driver: %q", cfg.Driver)
	}
}

// redisClient returns a shared client per address and database.
func (a *App) redisClient(addrEnv string, db int) (*redis.Client, error) {
	addr := os.Getenv(addrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", addrEnv)
	}
	key := fmt.Sprintf("%s/%d", addr, db)
	if c, ok := a.redis[key]; ok {
		return c, nil
	}
	c := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	a.redis[key] = c
	a.closers = append(a.closers, func() { _ = c.Close() })
	return c, nil
}

// Reload loads and validates the definition directories, swaps the
// registry snapshot, and syncs the active bindings into the step store.
// A failed load leaves the previous snapshot in place.
func (a *App) Reload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bundles, err := definition.NewLoader().LoadAll(a.Config.Definitions.Directories)
	if err != nil {
		a.metrics.RecordDefinitionReload("error")
		return fmt.Errorf("definitions: %w", err)
	}

	findings := definition.NewValidator().Validate(bundles)
	for _, f := range findings {
		if f.Severity != definition.SeverityError {
			a.logger.Warn("definition validation warning",
				zap.String("path", f.Path),
				zap.String("code", f.Code),
				zap.String("message", f.Message),
			)
		}
	}
	if errs := definition.Errors(findings); len(errs) > 0 {
		for _, ve := range errs {
			a.logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		a.metrics.RecordDefinitionReload("invalid")
		return fmt.Errorf("definitions: %d validation errors", len(errs))
	}

	if len(bundles) > 0 && definition.NewRegistry(bundles).Checksum() == a.Registry.Checksum() {
		a.metrics.RecordDefinitionReload("unchanged")
		return nil
	}

	a.Registry.Replace(bundles)
	deactivated, err := workflow.SyncSteps(ctx, a.Steps, a.Registry.ActiveSteps())
	if err != nil {
		a.metrics.RecordDefinitionReload("error")
		return err
	}
	if local, ok := a.ConfigCache.(*configcache.LocalCache); ok {
		local.Purge()
	}

	a.metrics.RecordDefinitionReload("ok")
	a.metrics.SetDefinitionsLoaded(a.Registry.Count())
	a.logger.Info("definitions loaded",
		zap.Int("bundles", len(bundles)),
		zap.Int("workflows", a.Registry.Count()),
		zap.Int("bindings", len(a.Registry.ActiveSteps())),
		zap.Int("deactivated", deactivated),
		zap.String("checksum", a.Registry.Checksum()),
	)
	return nil
}

// Readiness reports the checks behind /readyz.
func (a *App) Readiness() observability.ReadinessChecks {
	checks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return a.Registry.Count() > 0 },
	}
	if hc, ok := a.Steps.(observability.HealthChecker); ok {
		checks.StepStore = hc
	}
	if hc, ok := a.ConfigCache.(observability.HealthChecker); ok {
		checks.ConfigCache = hc
	}
	if hc, ok := a.Publisher.(observability.HealthChecker); ok {
		checks.Publisher = hc
	}
	return checks
}

// Authenticator builds the bearer token middleware: an HMAC secret read
// from the configured environment variable, a JWKS endpoint, or both.
func (a *App) Authenticator() (func(http.Handler) http.Handler, error) {
	id := a.Config.Identity
	secret := []byte(os.Getenv(id.SecretEnv))
	var jwks *transport.JWKSClient
	if id.JWKSURL != "" {
		jwks = transport.NewJWKSClient(id.JWKSURL, id.JWKSTTL, a.logger)
	}
	if len(secret) == 0 && jwks == nil {
		return nil, fmt.Errorf("identity: set %s or identity.jwks_url", id.SecretEnv)
	}
	return transport.JWTAuthenticator(id, secret, jwks), nil
}

// Handler returns the HTTP surface.
func (a *App) Handler(authenticate func(http.Handler) http.Handler) http.Handler {
	return transport.NewRouter(transport.Dependencies{
		Config:       a.Config,
		Authenticate: authenticate,
		Processor:    a.Processor,
		History:      a.History,
		Idempotency:  a.Idempotency,
		API:          a.API,
		Readiness:    a.Readiness(),
		Metrics:      a.metrics,
		Logger:       a.logger,
	})
}

// Run starts the background workers: the approval-required mailbox, the
// retry queue, and the definition reload loop. It blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Mailbox.Run(ctx) })
	g.Go(func() error { return a.Retry.Run(ctx) })
	if interval := a.Config.Definitions.ReloadInterval; interval > 0 {
		g.Go(func() error {
			a.reloadLoop(ctx, interval)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Mailbox.Close()
		return nil
	})
	return g.Wait()
}

func (a *App) reloadLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Reload(ctx); err != nil {
				a.logger.Error("definition reload failed, keeping previous definitions", zap.Error(err))
			}
		}
	}
}

// Close releases database pools and Redis clients.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
