package bootstrap

import (
	"greentrace/internal/adapters/config"
	redisclient "greentrace/internal/adapters/redis"
	"greentrace/internal/services/ingestion"
	"greentrace/internal/workers"
	ingestionworkers "greentrace/internal/workers/ingestion"
	"greentrace/pkg/logger"
)

// provideWorkers registers all background workers
func provideWorkers(cfg *config.Config, svc *ingestion.Service, redis *redisclient.Client, log *logger.Logger) *workers.Scheduler {
	scheduler := workers.NewScheduler(log)

	// Without Redis each replica ingests on its own schedule; the upsert keeps that safe
	var locker ingestionworkers.Locker
	if redis != nil {
		locker = redis
	} else {
		log.Warn("Redis unavailable, price ingestion runs without a distributed lock")
	}

	scheduler.RegisterWorker(ingestionworkers.NewPriceIngestionWorker(
		svc,
		locker,
		cfg.Agmarknet.DefaultLimit,
		cfg.Workers.PriceIngestionInterval,
		cfg.Workers.PriceIngestionLockTTL,
		cfg.Workers.PriceIngestionEnabled,
		log,
	))

	return scheduler
}
