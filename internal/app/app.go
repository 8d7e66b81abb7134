package app

import (
	"context"
	"fmt"
	"time"

	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tracdap/orchestrator-core/internal/api"
	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/cache/inmemory"
	cachepostgres "github.com/tracdap/orchestrator-core/internal/cache/postgres"
	"github.com/tracdap/orchestrator-core/internal/cache/redisx"
	"github.com/tracdap/orchestrator-core/internal/executor"
	executorfake "github.com/tracdap/orchestrator-core/internal/executor/fake"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	metadatafake "github.com/tracdap/orchestrator-core/internal/metadata/fake"
	"github.com/tracdap/orchestrator-core/internal/observability"
	"github.com/tracdap/orchestrator-core/internal/platform/logger"
	"github.com/tracdap/orchestrator-core/internal/processor"
	"github.com/tracdap/orchestrator-core/internal/scheduler"
)

// App bundles every wired component of the Orchestrator Core: the Job API
// (internal/api) a caller invokes directly, and the Scheduler loop that
// advances jobs in the background. There is intentionally no
// Router/Gateway field: transport framing isn't part of this module.
type App struct {
	Log     *logger.Logger
	Cfg     Config
	Metrics *observability.Metrics

	Store     metadata.Store
	Cache     cache.Cache
	Executors *executor.Registry

	API       api.Deps
	Scheduler *scheduler.Scheduler

	otelShutdown func(context.Context) error
	closeCacheFn func() error
	cancel       context.CancelFunc
	// pgDB is set only when the postgres cache backend is wired, so Start
	// can attach the connection-pool stats collector to it.
	pgDB *gorm.DB
}

// New builds the metadata store, Job Cache backend, executor registry, and
// Scheduler a running orchestrator needs, wired together through explicit
// structs rather than process-wide globals: logger first, then config, then
// storage, then the domain layers, in dependency order.
func New() (*App, error) {
	cfg := LoadConfig()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	log.Info("starting orchestrator-core", "cacheBackend", cfg.CacheBackend)

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.Init(log)
	}

	store := metadatafake.New()

	jobCache, closeCache, pgDB, err := wireCache(cfg, log)
	if err != nil {
		return nil, err
	}

	execs := executor.NewRegistry()
	execs.Register("local", func() executor.Adapter { return executorfake.New() })

	lifecycleDeps := lifecycle.Deps{Store: store}
	apiDeps := api.Deps{
		Cache:         jobCache,
		Lifecycle:     lifecycleDeps,
		LeaseDuration: cfg.LeaseDuration,
		Metrics:       metrics,
	}
	processorDeps := processor.Deps{
		Executors:         execs,
		Lifecycle:         lifecycleDeps,
		Cache:             jobCache,
		Clock:             cache.SystemClock,
		LeaseDuration:     cfg.LeaseDuration,
		OperationDeadline: cfg.OperationDeadline,
	}

	sched := scheduler.NewScheduler(jobCache, execs, processorDeps, cache.SystemClock, log, scheduler.Config{
		PollInterval:  cfg.PollInterval,
		LeaseDuration: cfg.LeaseDuration,
		Concurrency:   cfg.SchedulerConcurrency,
		MaxAttempts:   cfg.MaxAttempts,
		RetryBackoff:  cfg.RetryBackoff,
	})
	sched.Metrics = metrics

	a := &App{
		Log:          log,
		Cfg:          cfg,
		Metrics:      metrics,
		Store:        store,
		Cache:        jobCache,
		Executors:    execs,
		API:          apiDeps,
		Scheduler:    sched,
		closeCacheFn: closeCache,
		pgDB:         pgDB,
	}

	if cfg.OtelEnabled {
		a.otelShutdown = observability.InitOTel(context.Background(), log, observability.OtelConfig{ServiceName: "orchestrator-core"})
	}

	return a, nil
}

// closeCacheFn, set by wireCache for backends that own a live connection
// (redis) needing an explicit close; inmemory/postgres have none.
type closeFunc = func() error

func wireCache(cfg Config, log *logger.Logger) (cache.Cache, closeFunc, *gorm.DB, error) {
	switch cfg.CacheBackend {
	case CacheBackendPostgres:
		db, err := gorm.Open(gormpostgres.Open(cfg.DatabaseURL), &gorm.Config{})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		pgCache := cachepostgres.New(db, log, cache.SystemClock)
		if err := pgCache.Migrate(context.Background()); err != nil {
			return nil, nil, nil, fmt.Errorf("migrate postgres cache: %w", err)
		}
		return pgCache, nil, db, nil
	case CacheBackendRedis:
		rc, err := redisx.New(context.Background(), cfg.RedisAddr, log, cache.SystemClock)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init redis cache: %w", err)
		}
		return rc, rc.Close, nil, nil
	default:
		return inmemory.New(cache.SystemClock), nil, nil, nil
	}
}

// Start launches the Scheduler loop in the background, along with the
// metrics exposition server and queue-depth collector when metrics are
// enabled; it is a no-op if already running.
func (a *App) Start(ctx context.Context) {
	if a == nil || a.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	if a.Metrics != nil {
		a.Metrics.StartServer(runCtx, a.Log, a.Cfg.MetricsAddr)
		a.Metrics.StartCacheQueueCollector(runCtx, a.Log, a.Cache)
		if a.pgDB != nil {
			a.Metrics.StartPostgresCollector(runCtx, a.Log, a.pgDB)
		}
		if a.Cfg.CacheBackend == CacheBackendRedis {
			a.Metrics.StartRedisCollector(runCtx, a.Log, a.Cfg.RedisAddr)
		}
	}
	go a.Scheduler.Run(runCtx)
}

// Close stops the Scheduler loop, flushes the logger, and releases the
// cache backend's connection if it owns one.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.closeCacheFn != nil {
		_ = a.closeCacheFn()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
