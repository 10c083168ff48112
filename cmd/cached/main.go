package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/agatticelli/market-cache/internal/analytics"
	"github.com/agatticelli/market-cache/internal/maintenance"
	"github.com/agatticelli/market-cache/internal/manager"
	"github.com/agatticelli/market-cache/internal/marketdata"
	"github.com/agatticelli/market-cache/internal/notification"
	"github.com/agatticelli/market-cache/internal/platform/aws"
	"github.com/agatticelli/market-cache/internal/platform/cache"
	"github.com/agatticelli/market-cache/internal/platform/config"
	"github.com/agatticelli/market-cache/internal/platform/observability"
	"github.com/agatticelli/market-cache/internal/platform/resilience"
	"github.com/agatticelli/market-cache/internal/pricing"
	"github.com/agatticelli/market-cache/internal/scheduler"
	"github.com/agatticelli/market-cache/internal/warming"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	log.Println("Loading configuration...")
	cfg := config.MustLoad(configPath)

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("market cache: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	obs := cfg.Observability
	logger := observability.NewLogger(obs.Logging.Level, obs.Logging.Format)

	metrics, err := observability.NewMetrics(observability.MetricsConfig{
		ServiceName:  obs.ServiceName,
		Enabled:      obs.Metrics.Enabled,
		OTLPEndpoint: obs.Metrics.OTLPEndpoint,
		OTLPInsecure: obs.Metrics.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	defer metrics.Shutdown(context.Background())

	tracing, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName: obs.ServiceName,
		Environment: obs.Environment,
		Endpoint:    obs.Tracing.Endpoint,
		SampleRatio: obs.Tracing.SampleRatio,
		Enabled:     obs.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracer: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	logger.LogInfo(ctx, "observability setup complete")

	clock := clockwork.NewRealClock()
	loc, err := time.LoadLocation(cfg.Cache.MarketTimezone)
	if err != nil {
		return fmt.Errorf("invalid market timezone: %w", err)
	}
	classifier := marketdata.NewClassifier(cfg.Cache.CryptoSymbols, loc)

	// Storage tiers
	redisStore := cache.NewRedisStore(cache.RedisConfig{
		Address:          cfg.Redis.Address(),
		Username:         cfg.Redis.Username,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		PoolSize:         cfg.Redis.PoolSize,
		MinIdleConns:     cfg.Redis.MinIdleConns,
		DialTimeout:      cfg.Redis.DialTimeout,
		ReadTimeout:      cfg.Redis.ReadTimeout,
		WriteTimeout:     cfg.Redis.WriteTimeout,
		OperationTimeout: cfg.Redis.OperationTimeout,
		ScanCount:        cfg.Redis.ScanCount,
	}, logger, metrics)
	if err := initialize(ctx, "redis", redisStore.Initialize, logger); err != nil {
		return err
	}
	defer redisStore.Shutdown()

	checks := []readinessCheck{{name: "redis", ready: redisStore.Ready}}

	var pgStore *cache.PostgresStore
	if cfg.Postgres.DSN != "" {
		pgStore = cache.NewPostgresStore(cache.PostgresConfig{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			QueryTimeout:    cfg.Postgres.QueryTimeout,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		}, clock, logger, metrics)
		if err := initialize(ctx, "postgres", pgStore.Initialize, logger); err != nil {
			return err
		}
		defer pgStore.Shutdown()
		checks = append(checks, readinessCheck{name: "postgres", ready: pgStore.Ready})
	} else {
		logger.LogWarn(ctx, "postgres DSN not set, running without the durable tier")
	}

	// Cache manager
	policy, err := buildTTLPolicy(cfg.Cache, classifier, clock)
	if err != nil {
		return err
	}
	evictionPolicy, err := cache.ParseEvictionPolicy(cfg.Cache.Eviction.Policy)
	if err != nil {
		return err
	}

	mgrCfg := manager.Config{
		FastTier:  redisStore,
		Policy:    policy,
		Analytics: analytics.New(analytics.Config{Clock: clock}),
		Eviction: manager.EvictionConfig{
			Enabled:    cfg.Cache.Eviction.Enabled,
			Policy:     evictionPolicy,
			MaxEntries: cfg.Cache.Eviction.MaxEntries,
			Threshold:  cfg.Cache.Eviction.Threshold,
		},
		L1BackfillTTL: cfg.Cache.L1BackfillTTL,
		PriceLookback: cfg.Cache.PriceLookback,
		FetchTimeout:  cfg.Cache.FetchTimeout,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracing.Tracer("manager"),
		Clock:         clock,
	}
	if pgStore != nil {
		mgrCfg.DurableTier = pgStore
	}
	mgr, err := manager.New(mgrCfg)
	if err != nil {
		return fmt.Errorf("failed to create cache manager: %w", err)
	}

	// Upstream providers
	registry, err := buildRegistry(cfg, classifier, logger, metrics, clock)
	if err != nil {
		return err
	}

	// Background loops
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			BatchSize:            cfg.Scheduler.BatchSize,
			BatchInterval:        time.Duration(cfg.Scheduler.BatchIntervalSeconds) * time.Second,
			LowLoadHours:         cfg.Scheduler.LowLoadHours,
			MaxConcurrentBatches: cfg.Scheduler.MaxConcurrentBatches,
			ProviderTimeout:      cfg.Scheduler.ProviderTimeout,
			Location:             loc,
			Cache:                mgr,
			Providers:            registry,
			Logger:               logger,
			Metrics:              metrics,
			Tracer:               tracing.Tracer("scheduler"),
			Clock:                clock,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	var warmer *warming.Warmer
	if cfg.Warmer.Enabled {
		warmer, err = buildWarmer(cfg, mgr, registry, loc, logger, metrics, tracing, clock)
		if err != nil {
			return err
		}
		mgr.SetAccessObserver(warmer.RecordAccess)
		if err := warmer.Start(ctx); err != nil {
			return err
		}
		defer warmer.Stop()
	}

	publisher, err := buildPublisher(ctx, cfg, logger, metrics, tracing)
	if err != nil {
		return err
	}

	janitorCfg := maintenance.Config{
		Interval:    cfg.Maintenance.Interval,
		ServiceName: obs.ServiceName,
		Pressure:    mgr,
		Reports:     mgr.Analytics(),
		Publisher:   publisher,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracing.Tracer("maintenance"),
		Clock:       clock,
	}
	if pgStore != nil {
		janitorCfg.Expired = pgStore
	}
	if warmer != nil {
		janitorCfg.Patterns = warmer
	}
	janitor := maintenance.New(janitorCfg)
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	// HTTP
	srv := &server{
		manager:   mgr,
		registry:  registry,
		scheduler: sched,
		warmer:    warmer,
		janitor:   janitor,
		checks:    checks,
		metrics:   metrics,
		logger:    logger,
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.LogInfo(ctx, "market cache started",
		"providers", registry.Names(),
		"durable_tier", pgStore != nil,
		"scheduler", sched != nil,
		"warmer", warmer != nil,
	)

	// Loops are stopped by the deferred calls before the stores are closed.
	err = serve(ctx, httpServer, logger)
	logger.LogInfo(context.Background(), "shutdown signal received, gracefully stopping...")
	return err
}

// initialize connects a store, retrying with backoff while the backend comes up.
func initialize(ctx context.Context, name string, fn func(context.Context) error, logger *observability.Logger) error {
	retry := resilience.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Jitter:      0.1,
	}
	err := resilience.Retry(ctx, retry, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			logger.LogWarn(ctx, "store not ready, retrying", "store", name, "error", err.Error())
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize %s: %w", name, err)
	}
	logger.LogInfo(ctx, "store initialized", "store", name)
	return nil
}

func buildTTLPolicy(cfg config.CacheConfig, classifier *marketdata.Classifier, clock clockwork.Clock) (*manager.TTLPolicy, error) {
	open, err := config.ParseClock(cfg.MarketOpen)
	if err != nil {
		return nil, err
	}
	closeAt, err := config.ParseClock(cfg.MarketClose)
	if err != nil {
		return nil, err
	}

	return manager.NewTTLPolicy(manager.TTLPolicyConfig{
		Base: map[marketdata.DataType]time.Duration{
			marketdata.DataTypePrice:        cfg.TTL.Price,
			marketdata.DataTypeFundamentals: cfg.TTL.Fundamentals,
			marketdata.DataTypeTechnical:    cfg.TTL.Technical,
			marketdata.DataTypeNews:         cfg.TTL.News,
			marketdata.DataTypeMacro:        cfg.TTL.Macro,
		},
		MarketOpen:   open,
		MarketClose:  closeAt,
		CryptoMaxTTL: cfg.CryptoMaxTTL,
		Classifier:   classifier,
		Clock:        clock,
	}), nil
}

func buildRegistry(cfg *config.Config, classifier *marketdata.Classifier, logger *observability.Logger, metrics *observability.Metrics, clock clockwork.Clock) (*pricing.Registry, error) {
	registry := pricing.NewRegistry(classifier)

	bc := cfg.Providers.Binance
	if !bc.Enabled {
		logger.LogWarn(context.Background(), "no upstream providers enabled")
		return registry, nil
	}

	binance, err := pricing.NewBinanceProvider(pricing.BinanceProviderConfig{
		BaseURL: bc.BaseURL,
		Timeout: bc.Timeout,
		Logger:  logger,
		Clock:   clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Binance provider: %w", err)
	}

	var limiter *resilience.RateLimiter
	if bc.RateLimit.RequestsPerMinute > 0 {
		limiter = resilience.NewRateLimiterFromRPM(bc.RateLimit.RequestsPerMinute, bc.RateLimit.Burst)
	}

	registry.Register(pricing.NewGuard(binance, pricing.GuardConfig{
		Timeout:     cfg.Scheduler.ProviderTimeout,
		RateLimiter: limiter,
		Breaker: resilience.CircuitBreakerConfig{
			Name:             binance.Name(),
			FailureThreshold: bc.Breaker.FailureThreshold,
			SuccessThreshold: bc.Breaker.SuccessThreshold,
			Timeout:          bc.Breaker.Timeout,
		},
		Logger:  logger,
		Metrics: metrics,
		Clock:   clock,
	}))

	// Binance only quotes crypto pairs.
	if err := registry.Route(marketdata.DataTypePrice, marketdata.AssetClassCrypto, binance.Name()); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildWarmer(cfg *config.Config, mgr *manager.Manager, registry *pricing.Registry, loc *time.Location, logger *observability.Logger, metrics *observability.Metrics, tracing *observability.TracerProvider, clock clockwork.Clock) (*warming.Warmer, error) {
	wc := cfg.Warmer

	dataTypes := make([]marketdata.DataType, 0, len(wc.DataTypes))
	for _, s := range wc.DataTypes {
		dt, err := marketdata.ParseDataType(s)
		if err != nil {
			return nil, fmt.Errorf("warmer.data_types: %w", err)
		}
		dataTypes = append(dataTypes, dt)
	}

	w, err := warming.New(warming.Config{
		WarmingSchedule:     wc.WarmingSchedule,
		MinRequestThreshold: wc.MinRequestThreshold,
		MaxSymbolsPerBatch:  wc.MaxSymbolsPerBatch,
		Concurrency:         wc.Concurrency,
		Interval:            wc.Interval,
		PatternRetention:    time.Duration(wc.PatternRetentionDays) * 24 * time.Hour,
		DataTypes:           dataTypes,
		ProviderTimeout:     cfg.Scheduler.ProviderTimeout,
		Location:            loc,
		Cache:               mgr,
		Providers:           registry,
		Logger:              logger,
		Metrics:             metrics,
		Tracer:              tracing.Tracer("warmer"),
		Clock:               clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create warmer: %w", err)
	}
	return w, nil
}

func buildPublisher(ctx context.Context, cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracing *observability.TracerProvider) (notification.AlertPublisher, error) {
	if !cfg.Maintenance.AlertsEnabled {
		return notification.NewNoOpPublisher(logger), nil
	}

	awsCfg, err := aws.LoadAWSConfig(ctx, aws.Config{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	snsClient := aws.NewSNSClient(aws.SNSClientConfig{
		AWSConfig: awsCfg,
		Logger:    logger,
		Metrics:   metrics,
	})

	publisher, err := notification.NewPublisher(notification.PublisherConfig{
		SNSClient: snsClient,
		TopicARN:  cfg.AWS.SNSTopicARN,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracing.Tracer("notification"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	return publisher, nil
}
