package bootstrap

import (
	"context"
	"sync"
	"time"

	chclient "greentrace/internal/adapters/clickhouse"
	"greentrace/internal/adapters/kafka"
	pgclient "greentrace/internal/adapters/postgres"
	redisclient "greentrace/internal/adapters/redis"
	"greentrace/internal/api"
	"greentrace/internal/ml"
	"greentrace/internal/workers"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 60 * time.Second,
	}
}

// Shutdown performs coordinated cleanup in order:
// 1. No new requests accepted
// 2. Workers finish their current batch
// 3. Producer flushes pending events
// 4. Errors flushed
// 5. Database connections last (an in-flight batch may still need them)
// Every component may be nil.
func (l *Lifecycle) Shutdown(
	wg *sync.WaitGroup,
	httpServer *api.Server,
	workerScheduler *workers.Scheduler,
	kafkaProducer *kafka.Producer,
	soilModel *ml.ONNXSoilModel,
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	errorTracker errors.Tracker,
	log *logger.Logger,
) {
	ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer cancel()

	// ========================================
	// Step 1: Stop HTTP Server
	// ========================================
	if httpServer != nil {
		log.Info("[1/6] Stopping HTTP server...")
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error("HTTP server shutdown failed", "error", err)
		} else {
			log.Info("✓ HTTP server stopped")
		}
	}

	// ========================================
	// Step 2: Stop Workers
	// ========================================
	if workerScheduler != nil {
		log.Info("[2/6] Stopping workers...")
		if err := workerScheduler.Stop(); err != nil {
			log.Error("Worker shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	// ========================================
	// Step 3: Wait for background goroutines
	// ========================================
	if wg != nil {
		log.Info("[3/6] Waiting for background goroutines...")
		l.waitForGoroutines(wg, 10*time.Second, log)
	}

	// ========================================
	// Step 4: Close Kafka Producer and models
	// ========================================
	if kafkaProducer != nil {
		log.Info("[4/6] Closing Kafka producer...")
		if err := kafkaProducer.Close(); err != nil {
			log.Error("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}
	if soilModel != nil {
		soilModel.Close()
	}

	// ========================================
	// Step 5: Flush Error Tracker
	// ========================================
	log.Info("[5/6] Flushing error tracker...")
	l.flushErrorTracker(ctx, errorTracker, log)

	// ========================================
	// Step 6: Close Database Connections
	// LAST - other components may need them during shutdown
	// ========================================
	log.Info("[6/6] Closing database connections...")
	l.closeDatabases(pgClient, chClient, redisClient, log)

	_ = logger.Sync()
	log.Info("✅ Graceful shutdown complete")
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("✓ All goroutines finished")
	case <-time.After(timeout):
		log.Warn("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Error("Error tracker flush failed", "error", err)
	} else {
		log.Info("✓ Error tracker flushed")
	}
}

// closeDatabases closes all database connections
func (l *Lifecycle) closeDatabases(
	pgClient *pgclient.Client,
	chClient *chclient.Client,
	redisClient *redisclient.Client,
	log *logger.Logger,
) {
	var dbErrors []error

	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "postgres"))
		}
	}

	if chClient != nil {
		if err := chClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "clickhouse"))
		}
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "redis"))
		}
	}

	if len(dbErrors) > 0 {
		log.Error("Database close errors", "errors", dbErrors)
	} else {
		log.Info("✓ Database connections closed")
	}
}
