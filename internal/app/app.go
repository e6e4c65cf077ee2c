// Package app wires configuration into stores, clients and sync components.
package app

import (
	"context"
	"fmt"
	"log"

	"market-sync/internal/config"
	"market-sync/internal/eventsource"
	"market-sync/internal/ledger"
	"market-sync/internal/marketplace"
	"market-sync/internal/notify"
	"market-sync/internal/observability"
	"market-sync/internal/reconcile"
	"market-sync/internal/routing"
	"market-sync/internal/scheduler"
	"market-sync/internal/snapshot"
	"market-sync/internal/storage"
	chstore "market-sync/internal/storage/clickhouse"
	"market-sync/internal/storage/memory"
	"market-sync/internal/storage/migrations"
	pgstore "market-sync/internal/storage/postgres"
)

// Stores holds the storage implementations selected by configuration.
type Stores struct {
	Store  storage.Store
	Cursor storage.CursorStore
	Audit  storage.AuditLog // nil when no audit sink is configured
}

// App holds every wired component.
type App struct {
	Config  *config.Config
	Stores  *Stores
	Metrics *observability.Metrics

	Source     eventsource.Source
	Router     *routing.Router
	Ledger     *ledger.Ledger
	Reconciler *reconcile.Reconciler
	Scheduler  *scheduler.Scheduler
	Fetcher    *snapshot.Fetcher  // nil when marketplace.url is unset
	Subscriber *notify.Subscriber // nil when notify.ws_url is unset

	cleanup func()
}

// Options overrides wiring defaults.
type Options struct {
	Logger  *log.Logger
	Metrics *observability.Metrics
	// Source replaces the HTTP event source client.
	Source eventsource.Source
	// Stores replaces config-selected storage.
	Stores *Stores
}

// New builds the component graph. Postgres migrations run on connect.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}

	stores, cleanup := opts.Stores, func() {}
	if stores == nil {
		var err error
		stores, cleanup, err = CreateStores(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	source := opts.Source
	if source == nil {
		source = eventsource.NewHTTPClient(cfg.EventSource.URL,
			eventsource.WithAPIKey(cfg.EventSource.APIKey),
			eventsource.WithAPIKeyHeader(cfg.EventSource.APIKeyHeader),
			eventsource.WithTimeout(cfg.EventSource.Timeout))
	}

	router := routing.NewRouter(routing.WithLogger(logger))
	l := ledger.New(stores.Store, ledger.WithLogger(logger), ledger.WithMetrics(metrics))
	rec := reconcile.New(stores.Store, router, l,
		reconcile.WithLogger(logger),
		reconcile.WithIgnoreUntrackedAssets(cfg.Sync.IgnoreUntrackedAssets))

	sched := scheduler.New(scheduler.Options{
		Source:      source,
		Applier:     rec,
		Cursor:      stores.Cursor,
		Audit:       stores.Audit,
		Metrics:     metrics,
		Logger:      logger,
		MinInterval: cfg.Sync.MinInterval,
		BatchLimit:  cfg.EventSource.BatchLimit,
		Workers:     cfg.Sync.Workers,
	})

	a := &App{
		Config:     cfg,
		Stores:     stores,
		Metrics:    metrics,
		Source:     source,
		Router:     router,
		Ledger:     l,
		Reconciler: rec,
		Scheduler:  sched,
		cleanup:    cleanup,
	}

	if cfg.Marketplace.URL != "" {
		market := marketplace.NewClient(cfg.Marketplace.URL,
			marketplace.WithAPIKey(cfg.Marketplace.APIKey),
			marketplace.WithAPIKeyHeader(cfg.Marketplace.APIKeyHeader),
			marketplace.WithTimeout(cfg.Marketplace.Timeout))
		a.Fetcher = snapshot.NewFetcher(market, stores.Store,
			snapshot.WithLogger(logger), snapshot.WithMetrics(metrics))
	}

	if cfg.Notify.WSURL != "" {
		a.Subscriber = notify.NewSubscriber(cfg.Notify.WSURL, sched.Trigger, nil,
			notify.WithLogger(logger), notify.WithMetrics(metrics))
	}

	return a, nil
}

// Close releases store connections.
func (a *App) Close() {
	a.cleanup()
}

// CreateStores creates the stores selected by cfg and returns their cleanup function.
func CreateStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Stores, func(), error) {
	if cfg.UseMemory {
		logger.Println("Using in-memory storage")
		return &Stores{
			Store:  memory.NewStore(),
			Cursor: memory.NewCursorStore(),
			Audit:  memory.NewAuditLog(),
		}, func() {}, nil
	}

	// PostgreSQL
	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	stores := &Stores{
		Store:  pgstore.NewStore(pool),
		Cursor: pgstore.NewCursorStore(pool),
	}
	cleanup := func() { pool.Close() }

	// ClickHouse audit sink is optional
	if cfg.ClickhouseDSN == "" {
		return stores, cleanup, nil
	}
	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	stores.Audit = chstore.NewAuditLog(chConn)

	cleanup = func() {
		chConn.Close()
		pool.Close()
	}
	return stores, cleanup, nil
}
