package bootstrap

import (
	"context"
	"time"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/adapters/ai"
	chclient "greentrace/internal/adapters/clickhouse"
	"greentrace/internal/adapters/config"
	errnoop "greentrace/internal/adapters/errors/noop"
	"greentrace/internal/adapters/errors/sentry"
	"greentrace/internal/adapters/kafka"
	pgclient "greentrace/internal/adapters/postgres"
	redisclient "greentrace/internal/adapters/redis"
	"greentrace/internal/adapters/weather"
	"greentrace/internal/api"
	"greentrace/internal/api/health"
	"greentrace/internal/metrics"
	"greentrace/internal/ml"
	chrepo "greentrace/internal/repository/clickhouse"
	pgrepo "greentrace/internal/repository/postgres"
	"greentrace/internal/services/advisory"
	"greentrace/internal/services/ingestion"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

const connectTimeout = 15 * time.Second

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration and initializes logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s %s in %s mode", cfg.App.Name, cfg.App.Version, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)

	metrics.Init()
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects the data stores. Postgres is required, the rest degrade to nil.
func (c *Container) MustInitInfrastructure() {
	ctx, cancel := context.WithTimeout(c.Context, connectTimeout)
	defer cancel()

	var err error

	c.Log.Info("Connecting to PostgreSQL...")
	c.PG, err = pgclient.NewClient(ctx, c.Config.Postgres)
	if err != nil {
		c.Log.Fatalf("failed to connect postgres: %v", err)
	}
	if err := c.PG.EnsureSchema(ctx); err != nil {
		c.Log.Fatalf("failed to apply postgres schema: %v", err)
	}
	c.Log.Info("✓ PostgreSQL connected")

	c.CH = provideClickHouse(ctx, c.Config, c.Log)
	c.Redis = provideRedis(ctx, c.Config, c.Log)
}

// ========================================
// Phase 3: Repositories
// ========================================

// MustInitRepositories initializes the price stores
func (c *Container) MustInitRepositories() {
	c.Repos.Mandi = pgrepo.NewMandiRepository(c.PG.DB())

	if c.CH != nil {
		c.Repos.Observations = chrepo.NewObservationRepository(c.CH.Conn(), chrepo.DefaultObservationTable)
	}

	c.Log.Info("✓ Repositories initialized")
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters builds the Agmarknet fetcher and the event producer
func (c *Container) MustInitAdapters() {
	c.Adapters.KafkaProducer = provideKafkaProducer(c.Config, c.Log)
	c.Adapters.AgmarknetBreaker = provideAgmarknetBreaker(c.Config, c.Log)
	c.Adapters.Fetcher = provideFetcher(c.Config, c.Adapters.AgmarknetBreaker, c.Redis, c.ErrorTracker, c.Log)

	c.Log.Info("✓ Adapters initialized")
}

// ========================================
// Phase 5: Services
// ========================================

// MustInitIngestion builds the price ingestion pipeline
func (c *Container) MustInitIngestion() {
	c.Services.Ingestion = provideIngestionService(
		c.Adapters.Fetcher,
		c.Repos.Mandi,
		c.Repos.Observations,
		c.Adapters.KafkaProducer,
		c.Log,
	)
	c.Log.Info("✓ Price ingestion service initialized")
}

// MustInitAdvisory builds the vision providers, the local models and the orchestrator.
// It needs only configuration, so one-shot commands can call it without the data stores.
func (c *Container) MustInitAdvisory() {
	c.Adapters.Vision = provideVisionProviders(c.Context, c.Config, c.Log)
	c.Adapters.Weather = provideWeather(c.Config, c.Log)
	c.Adapters.ModelRunner = provideModelRunner(c.Config, c.Log)
	c.Adapters.SoilModel = provideSoilModel(c.Config, c.Log)

	c.Services.Advisory = provideOrchestrator(
		c.Config,
		c.Adapters.Vision,
		c.Adapters.Weather,
		c.Adapters.ModelRunner,
		c.Adapters.SoilModel,
		c.ErrorTracker,
		c.Log,
	)
	c.Log.Infow("✓ Advisory orchestrator initialized", "providers", len(c.Adapters.Vision))
}

// ========================================
// Phase 6: Application Layer
// ========================================

// MustInitApplication builds the health and metrics HTTP server
func (c *Container) MustInitApplication() {
	metrics.RegisterStoreCollector(metrics.NewStoreCollector(c.Log, c.PG.DB(), c.Adapters.Fetcher.CacheMetrics))

	c.Application.HealthHandler = provideHealthHandler(c)
	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Addr:        c.Config.HTTP.Addr,
		ServiceName: c.Config.App.Name,
		Version:     c.Config.App.Version,
	}, c.Application.HealthHandler, c.Log)

	c.Log.Info("✓ HTTP server configured")
}

// ========================================
// Phase 7: Background
// ========================================

// MustInitBackground builds the worker scheduler
func (c *Container) MustInitBackground() {
	c.Background.WorkerScheduler = provideWorkers(c.Config, c.Services.Ingestion, c.Redis, c.Log)
	c.Application.HealthHandler.WithWorkers(c.Background.WorkerScheduler)

	c.Log.Infow("✓ Workers initialized", "count", len(c.Background.WorkerScheduler.GetWorkers()))
}

// ========================================
// Provider functions
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment, cfg.App.Version)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideClickHouse(ctx context.Context, cfg *config.Config, log *logger.Logger) *chclient.Client {
	if !cfg.ClickHouse.Enabled {
		log.Info("ClickHouse disabled, price history will not be recorded")
		return nil
	}

	log.Info("Connecting to ClickHouse...")
	client, err := chclient.NewClient(ctx, cfg.ClickHouse)
	if err != nil {
		log.Warnw("ClickHouse unavailable, continuing without price history", "error", err)
		return nil
	}
	if err := client.EnsureObservationTable(ctx, chrepo.DefaultObservationTable); err != nil {
		log.Warnw("ClickHouse table setup failed, continuing without price history", "error", err)
		_ = client.Close()
		return nil
	}

	log.Info("✓ ClickHouse connected")
	return client
}

func provideRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) *redisclient.Client {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled, last-good cache is in-memory only")
		return nil
	}

	log.Info("Connecting to Redis...")
	client, err := redisclient.NewClient(ctx, cfg.Redis)
	if err != nil {
		log.Warnw("Redis unavailable, last-good cache is in-memory only", "error", err)
		return nil
	}

	log.Info("✓ Redis connected")
	return client
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	if !cfg.Kafka.Enabled {
		log.Info("Kafka disabled, ingestion events will not be published")
		return nil
	}
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("Kafka brokers not configured, using default localhost:9092")
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
	})
	log.Infow("✓ Kafka producer initialized", "brokers", cfg.Kafka.Brokers)
	return producer
}

// provideAgmarknetBreaker mirrors breaker transitions into the circuit metrics
func provideAgmarknetBreaker(cfg *config.Config, log *logger.Logger) *circuitbreaker.Breaker {
	return circuitbreaker.New("agmarknet", circuitbreaker.Config{
		Threshold: cfg.Agmarknet.BreakerThreshold,
		Cooldown:  cfg.Agmarknet.BreakerCooldown,
	}, log, circuitbreaker.WithStateChange(func(name string, _, to circuitbreaker.State) {
		metrics.RecordBreakerTransition(name, int(to), to == circuitbreaker.StateOpen)
	}))
}

func provideFetcher(
	cfg *config.Config,
	breaker *circuitbreaker.Breaker,
	redis *redisclient.Client,
	tracker errors.Tracker,
	log *logger.Logger,
) *agmarknet.Fetcher {
	if !cfg.Agmarknet.HasAPIKey() {
		log.Warn("DATA_GOV_API_KEY not set, Agmarknet prices will come from the last-good cache only")
	}

	opts := []agmarknet.Option{
		agmarknet.WithLogger(log),
		agmarknet.WithErrorTracker(tracker),
	}
	if redis != nil {
		opts = append(opts, agmarknet.WithCacheStore(redisclient.NewSnapshotStore(redis, 0)))
	}
	return agmarknet.NewFetcher(cfg.Agmarknet, breaker, opts...)
}

func provideIngestionService(
	fetcher *agmarknet.Fetcher,
	repo *pgrepo.MandiRepository,
	history *chrepo.ObservationRepository,
	producer *kafka.Producer,
	log *logger.Logger,
) *ingestion.Service {
	var opts []ingestion.Option
	if history != nil {
		opts = append(opts, ingestion.WithHistorySink(history))
	}
	if producer != nil {
		opts = append(opts, ingestion.WithEventPublisher(producer))
	}
	return ingestion.NewService(fetcher, repo, log, opts...)
}

// provideVisionProviders returns OpenAI then Gemini. Order decides ties in the merge.
// Providers without a key stay in the list and fail fast as not configured.
func provideVisionProviders(ctx context.Context, cfg *config.Config, log *logger.Logger) []ai.VisionProvider {
	if cfg.AI.OpenAIKey == "" {
		log.Warn("OPENAI_API_KEY not set, OpenAI vision analysis disabled")
	}
	if cfg.AI.GeminiKey == "" {
		log.Warn("GEMINI_API_KEY not set, Gemini vision analysis disabled")
	}

	return []ai.VisionProvider{
		ai.NewOpenAIVision(cfg.AI, log),
		ai.NewGeminiVision(ctx, cfg.AI, log),
	}
}

func provideWeather(cfg *config.Config, log *logger.Logger) *weather.Client {
	if !cfg.Weather.Enabled {
		return nil
	}
	return weather.NewClient(cfg.Weather, log)
}

func provideModelRunner(cfg *config.Config, log *logger.Logger) *ml.Runner {
	if !cfg.ML.Enabled {
		log.Info("Local models disabled")
		return nil
	}
	return ml.NewRunner(cfg.ML, log)
}

func provideSoilModel(cfg *config.Config, log *logger.Logger) *ml.ONNXSoilModel {
	if cfg.ML.SoilONNXModel == "" {
		return nil
	}

	model, err := ml.LoadONNXSoilModel(cfg.ML.SoilONNXModel)
	if err != nil {
		log.Warnw("ONNX soil model unavailable, using the model script", "path", cfg.ML.SoilONNXModel, "error", err)
		return nil
	}

	log.Infow("✓ ONNX soil model loaded", "path", cfg.ML.SoilONNXModel)
	return model
}

func provideOrchestrator(
	cfg *config.Config,
	providers []ai.VisionProvider,
	weatherClient *weather.Client,
	runner *ml.Runner,
	soilModel *ml.ONNXSoilModel,
	tracker errors.Tracker,
	log *logger.Logger,
) *advisory.Orchestrator {
	policy := advisory.DefaultMergePolicy()
	policy.AgreementBoost = cfg.Advisory.AgreementBoost
	policy.ConfidenceCap = cfg.Advisory.ConfidenceCap
	policy.FallbackConfidence = cfg.Advisory.FallbackConfidence

	opts := []advisory.Option{
		advisory.WithMergePolicy(policy),
		advisory.WithErrorTracker(tracker),
		advisory.WithLogger(log),
	}
	if weatherClient != nil {
		opts = append(opts, advisory.WithWeather(weatherClient))
	}
	if runner != nil {
		opts = append(opts, advisory.WithImageClassifier(runner))
	}
	switch {
	case soilModel != nil:
		opts = append(opts, advisory.WithSoilClassifier(soilModel))
	case runner != nil:
		opts = append(opts, advisory.WithSoilClassifier(runner))
	}

	return advisory.NewOrchestrator(providers, opts...)
}

func provideHealthHandler(c *Container) *health.Handler {
	h := health.New(c.Log, c.Config.App.Name, c.Config.App.Version).
		Require("postgres", c.PG).
		WithUpstream(c.Adapters.Fetcher)

	if c.Redis != nil {
		h.Require("redis", c.Redis)
	}
	if c.CH != nil {
		h.Optional("clickhouse", c.CH)
	}
	return h
}
