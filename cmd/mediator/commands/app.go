package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/genmediator/internal/config"
	"github.com/amerfu/genmediator/internal/logger"
	"github.com/amerfu/genmediator/internal/services/batch"
	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/cache"
	"github.com/amerfu/genmediator/internal/services/ledger"
	"github.com/amerfu/genmediator/internal/services/orchestrator"
	"github.com/amerfu/genmediator/internal/services/providers"
	"github.com/amerfu/genmediator/internal/services/ratelimit"
	"github.com/amerfu/genmediator/internal/services/retry"
)

// App holds every component built from one configuration.
type App struct {
	Config       *config.Config
	Log          *zap.Logger
	Limiter      *ratelimit.TokenBucket
	Cache        *cache.SemanticCache
	Optimizer    *budget.Optimizer
	Ledger       *ledger.Ledger
	Orchestrator *orchestrator.Orchestrator

	closers []func()
}

// loadApp builds the components. The provider is only required when
// withGenerator is set, so inspection commands work without an API key.
func loadApp(ctx context.Context, withGenerator bool) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	if _, err := logger.Initialize(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	// Long-lived layers log by component; generation calls carry the invocation ID.
	log := logger.NewRequestLogger(uuid.NewString())

	app := &App{Config: cfg, Log: log}
	app.closers = append(app.closers, logger.Sync)

	var redisClient *redis.Client
	if cfg.Cache.Store == "redis" || cfg.Ledger.UseRedis {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
	}

	store, err := app.buildStore(redisClient)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Cache, err = cache.NewSemanticCache(store, cache.Config{
		TTL:              cfg.Cache.TTL,
		MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
		ExhaustiveBelow:  cfg.Cache.ExhaustiveBelow,
	}, logger.Component("cache"))
	if err != nil {
		app.Close()
		return nil, err
	}

	var ledgerOpts []ledger.Option
	if cfg.Ledger.UseRedis {
		ledgerOpts = append(ledgerOpts, ledger.WithRedis(redisClient, cfg.Ledger.KeyPrefix, cfg.Ledger.Retention))
	}
	app.Ledger = ledger.New(logger.Component("ledger"), ledgerOpts...)

	app.Optimizer = budget.NewOptimizer(budgetSettings(cfg.Budget), budget.Pricing{
		PreviewImage:  cfg.Budget.Pricing.PreviewImage,
		StandardImage: cfg.Budget.Pricing.StandardImage,
		HighImage:     cfg.Budget.Pricing.HighImage,
		TextPer1K:     cfg.Budget.Pricing.TextPer1K,
	})

	app.Limiter = ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window,
		ratelimit.WithTickInterval(cfg.RateLimit.TickInterval),
		ratelimit.WithLogger(logger.Component("ratelimit")))
	app.closers = append(app.closers, app.Limiter.Destroy)

	if !withGenerator {
		return app, nil
	}

	gen, err := providers.New(ctx, providers.Config{
		Type:       cfg.Generation.Provider,
		APIKey:     cfg.Generation.APIKey(),
		BaseURL:    cfg.Generation.BaseURL,
		TextModel:  cfg.Generation.TextModel,
		ImageModel: cfg.Generation.ImageModel,
	})
	if err != nil {
		app.Close()
		return nil, orchestrator.Classify(err)
	}

	app.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Generator: gen,
		Limiter:   app.Limiter,
		Cache:     app.Cache,
		Optimizer: app.Optimizer,
		Sink:      app.Ledger,
		Logger:    log.Named("orchestrator"),
	}, orchestrator.Config{
		GenerationTimeout: cfg.Generation.Timeout,
		AcquireTimeout:    cfg.RateLimit.AcquireTimeout,
		EnforceBudget:     cfg.Budget.Enforce,
		Batch:             batch.Config{BatchSize: cfg.Batch.Size, Delay: cfg.Batch.Delay},
		Retry: retry.Config{
			MaxAttempts:  cfg.Generation.Retry.MaxAttempts,
			InitialDelay: cfg.Generation.Retry.InitialDelay,
			MaxDelay:     cfg.Generation.Retry.MaxDelay,
			Multiplier:   cfg.Generation.Retry.Multiplier,
			Jitter:       cfg.Generation.Retry.Jitter,
		},
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, app.Orchestrator.Close)
	return app, nil
}

func (a *App) buildStore(client *redis.Client) (cache.Store, error) {
	cfg := a.Config.Cache
	switch cfg.Store {
	case "redis":
		return cache.NewRedisStore(client, cfg.KeyPrefix, cfg.TTL), nil
	case "sqlite":
		store, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	default:
		return cache.NewMemoryStore(), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func budgetSettings(b config.BudgetConfig) budget.Settings {
	return budget.Settings{
		DailyLimit:                  b.DailyLimit,
		WarningThreshold:            b.WarningThreshold,
		CacheThreshold:              b.CacheThreshold,
		EnableProgressiveGeneration: b.EnableProgressiveGeneration,
		EnableSemanticCache:         b.EnableSemanticCache,
		PreferBatchProcessing:       b.PreferBatchProcessing,
	}
}
