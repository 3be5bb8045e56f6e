package bootstrap

import (
	"context"
	"sync"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/adapters/ai"
	chclient "greentrace/internal/adapters/clickhouse"
	"greentrace/internal/adapters/config"
	"greentrace/internal/adapters/kafka"
	pgclient "greentrace/internal/adapters/postgres"
	redisclient "greentrace/internal/adapters/redis"
	"greentrace/internal/adapters/weather"
	"greentrace/internal/api"
	"greentrace/internal/api/health"
	"greentrace/internal/ml"
	chrepo "greentrace/internal/repository/clickhouse"
	pgrepo "greentrace/internal/repository/postgres"
	"greentrace/internal/services/advisory"
	"greentrace/internal/services/ingestion"
	"greentrace/internal/workers"
	"greentrace/pkg/circuitbreaker"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Log          *logger.Logger
	ErrorTracker errors.Tracker

	// Infrastructure Layer (Data stores). CH and Redis are optional and may be nil.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Adapters    *Adapters
	Services    *Services
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups the price stores
type Repositories struct {
	Mandi        *pgrepo.MandiRepository
	Observations *chrepo.ObservationRepository // nil without ClickHouse
}

// Adapters groups all external adapters
type Adapters struct {
	KafkaProducer    *kafka.Producer // nil when Kafka is disabled
	AgmarknetBreaker *circuitbreaker.Breaker
	Fetcher          *agmarknet.Fetcher
	Weather          *weather.Client // nil when disabled
	Vision           []ai.VisionProvider
	ModelRunner      *ml.Runner        // nil when ML is disabled
	SoilModel        *ml.ONNXSoilModel // nil unless an ONNX model is configured
}

// Services groups application services
type Services struct {
	Ingestion *ingestion.Service
	Advisory  *advisory.Orchestrator
}

// Application groups application layer components
type Application struct {
	HTTPServer    *api.Server
	HealthHandler *health.Handler
}

// Background groups background processing components
type Background struct {
	WorkerScheduler *workers.Scheduler
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Repos:       &Repositories{},
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes every component the server needs.
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitIngestion()
	c.MustInitAdvisory()
	c.MustInitApplication()
	c.MustInitBackground()
}

// Start starts the HTTP server and the worker scheduler
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	// Seed the last-good cache from Redis before the first request can degrade
	if err := c.Adapters.Fetcher.Warm(c.Context); err != nil {
		c.Log.Warnw("Last-good cache not restored", "error", err)
	}

	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	c.Log.Info("✓ All systems operational")
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")

	// Cancel application context to signal all components to stop
	c.Cancel()

	c.Lifecycle.Shutdown(
		c.WG,
		c.Application.HTTPServer,
		c.Background.WorkerScheduler,
		c.Adapters.KafkaProducer,
		c.Adapters.SoilModel,
		c.PG,
		c.CH,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}

// Close releases what a one-shot command opened. It is safe on a partially initialized container.
func (c *Container) Close() {
	c.Cancel()
	c.Lifecycle.Shutdown(nil, nil, nil,
		c.Adapters.KafkaProducer,
		c.Adapters.SoilModel,
		c.PG,
		c.CH,
		c.Redis,
		c.ErrorTracker,
		c.Log,
	)
}
