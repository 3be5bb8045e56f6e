package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greentrace/internal/adapters/agmarknet"
	"greentrace/internal/adapters/config"
	"greentrace/internal/adapters/redis"
	"greentrace/internal/testsupport"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

func TestClient_LockIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testsupport.NewTestRedis(t)
	ctx := context.Background()

	token, ok, err := client.AcquireLock(ctx, "price_ingestion", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = client.AcquireLock(ctx, "price_ingestion", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	require.NoError(t, client.ReleaseLock(ctx, "price_ingestion", token))

	_, ok, err = client.AcquireLock(ctx, "price_ingestion", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_ReleaseKeepsAnotherHoldersLock(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := testsupport.NewTestRedis(t)
	ctx := context.Background()

	stale, ok, err := client.AcquireLock(ctx, "price_ingestion", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := client.AcquireLock(ctx, "price_ingestion", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond, "lock should expire")

	err = client.ReleaseLock(ctx, "price_ingestion", stale)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, ok, err = client.AcquireLock(ctx, "price_ingestion", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "the current holder's lock survives a stale release")
}

func TestSnapshotStore_MissingKey(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := redis.NewSnapshotStore(testsupport.NewTestRedis(t), 0)

	var snap agmarknet.Snapshot
	err := store.Load(context.Background(), "agmarknet:last_good", &snap)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSnapshotStore_WarmsFetcher(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	store := redis.NewSnapshotStore(testsupport.NewTestRedis(t), time.Hour)
	ctx := context.Background()

	taken := time.Date(2024, 1, 15, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "agmarknet:last_good", agmarknet.Snapshot{
		Timestamp: taken,
		Records: []agmarknet.RawPriceRecord{
			{Market: "Lasalgaon", Commodity: "Onion", ArrivalDate: "15/01/2024", ModalPrice: "1500"},
		},
	}))

	fetcher := agmarknet.NewFetcher(config.AgmarknetConfig{CacheKey: "agmarknet:last_good"}, nil,
		agmarknet.WithCacheStore(store),
		agmarknet.WithLogger(logger.Nop()),
	)
	require.NoError(t, fetcher.Warm(ctx))

	status := fetcher.CacheStatus()
	assert.True(t, status.HasData)
	assert.Equal(t, 1, status.RecordCount)
	require.NotNil(t, status.Timestamp)
	assert.True(t, taken.Equal(*status.Timestamp))
}
