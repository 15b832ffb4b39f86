package server

import (
	"context"
	"time"

	"github.com/collateralvault/vaultmirror/app/server/types"
	"github.com/collateralvault/vaultmirror/pkg/alerts"
	"github.com/collateralvault/vaultmirror/pkg/cache"
	"github.com/collateralvault/vaultmirror/pkg/config"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres"
	"github.com/collateralvault/vaultmirror/pkg/db/postgres/vaults"
	"github.com/collateralvault/vaultmirror/pkg/ingest"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
	"github.com/collateralvault/vaultmirror/pkg/logging"
	"github.com/collateralvault/vaultmirror/pkg/monitor"
	"github.com/collateralvault/vaultmirror/pkg/notify"
	"github.com/collateralvault/vaultmirror/pkg/reconcile"
	"github.com/collateralvault/vaultmirror/pkg/redis"
	"github.com/collateralvault/vaultmirror/pkg/supervisor"
	"github.com/collateralvault/vaultmirror/pkg/vault"
	"go.uber.org/zap"
)

// Initialize initializes the application.
func Initialize(ctx context.Context) *types.App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	poolConfig := postgres.DefaultPoolConfig()
	poolConfig.URL = cfg.Postgres.URL
	poolConfig.MinConns = int32(cfg.Postgres.MinConns)
	poolConfig.MaxConns = int32(cfg.Postgres.MaxConns)
	poolConfig.AcquireTimeout = cfg.Postgres.AcquireTimeout
	poolConfig.Component = "vaults_db"

	db, err := vaults.New(ctx, logger, poolConfig)
	if err != nil {
		logger.Fatal("Unable to initialize vault database", zap.Error(err))
	}

	gateway := ledger.NewHTTPWithOpts(ledger.Opts{
		Endpoints: cfg.Ledger.RPCURLs,
		RPS:       cfg.Ledger.RPS,
	})

	balanceCache := cache.New(cache.Config{
		TTL:        cfg.Cache.TTL,
		TTI:        cfg.Cache.TTI,
		TvlTTL:     cfg.Cache.TvlTTL,
		MaxEntries: cfg.Cache.MaxEntries,
	})

	hub := notify.NewHub(logger, cfg.SubscriberBuffer)

	app := &types.App{
		Config: cfg,
		Store:  db,
		Cache:  balanceCache,
		Hub:    hub,
		Ledger: gateway,
		Logger: logger,
		Tasks:  map[string]supervisor.Task{},
	}
	app.Closers = append(app.Closers, db.Close)

	// Redis relays events between instances (optional)
	var broadcaster notify.Broadcaster = hub
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, logger, redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("Failed to initialize Redis client - events stay local to this instance", zap.Error(err))
		} else {
			relay := notify.NewRedisRelay(hub, redisClient, logger)
			broadcaster = relay
			app.Redis = redisClient
			app.Tasks["redis_relay"] = relay.Run
			app.Closers = append(app.Closers, func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("Failed to close Redis client", zap.Error(err))
				}
			})
		}
	} else {
		logger.Info("Redis disabled - events are delivered to local subscribers only")
	}

	raiser := alerts.NewRaiser(db, broadcaster, logger)
	manager := vault.NewManager(db, gateway, balanceCache, broadcaster, raiser, logger)
	app.Vaults = manager

	listener := ingest.NewListener(ingest.Config{
		ProgramID:     cfg.Ledger.ProgramID,
		PollInterval:  cfg.Ingest.PollInterval,
		BatchSize:     cfg.Ingest.BatchSize,
		SeenRetention: cfg.Ingest.SeenRetention,
		MaxFailures:   cfg.Ingest.MaxFailures,
		Cooldown:      cfg.Ingest.Cooldown,
	}, gateway, manager, logger)
	app.Ingest = listener

	reconciler := reconcile.NewReconciler(reconcile.Config{
		Interval: cfg.Reconcile.Interval,
		PageSize: cfg.Reconcile.PageSize,
		Workers:  cfg.Reconcile.Workers,
	}, db, gateway, raiser, logger)
	app.Closers = append(app.Closers, reconciler.Close)

	scheduler, err := reconcile.NewScheduler(ctx, reconciler, cfg.Reconcile.HourlySpec, cfg.Reconcile.DailySpec, logger)
	if err != nil {
		logger.Fatal("Unable to initialize snapshot scheduler", zap.Error(err))
	}
	app.Scheduler = scheduler

	mon := monitor.New(monitor.Config{
		Interval:        cfg.Monitor.Interval,
		PageSize:        cfg.Reconcile.PageSize,
		LowBalanceRatio: cfg.Monitor.LowBalanceRatio,
		HighUtilization: cfg.Monitor.HighUtilization,
	}, db, raiser, manager, logger)

	app.Supervisor = supervisor.New(supervisor.DefaultConfig(), logger)
	app.Tasks["event_listener"] = listener.Run
	app.Tasks["reconciler"] = reconciler.Run
	app.Tasks["monitor"] = mon.Run
	app.Tasks["cache_sweeper"] = cacheSweeper(balanceCache, cfg.Cache.TTI, logger)

	return app
}

// cacheSweeper evicts expired cache entries every interval.
func cacheSweeper(c *cache.BalanceCache, interval time.Duration, logger *zap.Logger) supervisor.Task {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					logger.Debug("Evicted expired cache entries", zap.Int("count", n))
				}
			}
		}
	}
}
