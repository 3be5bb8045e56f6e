package ingestion

import (
	"context"
	"time"

	"greentrace/internal/services/ingestion"
	"greentrace/internal/workers"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

// LockKey guards price ingestion across replicas
const LockKey = "price_ingestion"

// Ingester runs one ingestion batch
type Ingester interface {
	FetchAndStorePrices(ctx context.Context, limit int) (ingestion.Result, error)
}

// Locker is a distributed lock. Implemented by the Redis client.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// PriceIngestionWorker periodically pulls Agmarknet prices into the store
type PriceIngestionWorker struct {
	*workers.BaseWorker
	ingester Ingester
	locker   Locker
	limit    int
	lockTTL  time.Duration
}

// NewPriceIngestionWorker creates the worker. A nil locker runs every iteration unguarded.
func NewPriceIngestionWorker(
	ingester Ingester,
	locker Locker,
	limit int,
	interval time.Duration,
	lockTTL time.Duration,
	enabled bool,
	log *logger.Logger,
) *PriceIngestionWorker {
	return &PriceIngestionWorker{
		BaseWorker: workers.NewBaseWorker("price_ingestion", interval, enabled, log),
		ingester:   ingester,
		locker:     locker,
		limit:      limit,
		lockTTL:    lockTTL,
	}
}

// Run executes one ingestion batch
func (w *PriceIngestionWorker) Run(ctx context.Context) error {
	if w.locker != nil {
		token, acquired, err := w.locker.AcquireLock(ctx, LockKey, w.lockTTL)
		if err != nil {
			return errors.Wrap(err, "acquire ingestion lock")
		}
		if !acquired {
			w.Log().Infow("Price ingestion already running on another instance, skipping")
			return nil
		}
		defer func() {
			// the worker ctx may already be cancelled on shutdown
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := w.locker.ReleaseLock(releaseCtx, LockKey, token); err != nil {
				if errors.Is(err, errors.ErrNotFound) {
					w.Log().Warnw("Ingestion lock expired before the batch finished", "ttl", w.lockTTL)
					return
				}
				w.Log().Warnw("Failed to release ingestion lock", "error", err)
			}
		}()
	}

	res, err := w.ingester.FetchAndStorePrices(ctx, w.limit)
	if err != nil {
		return errors.Wrap(err, "price ingestion")
	}

	w.Log().Debugw("Price ingestion iteration finished",
		"batch_id", res.BatchID,
		"new", res.NewCount,
		"updated", res.UpdatedCount,
		"failed", res.FailedCount,
	)
	return nil
}
