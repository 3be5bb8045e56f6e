package ingestion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greentrace/internal/services/ingestion"
	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

type fakeIngester struct {
	limits []int
	err    error
	during func()
}

func (f *fakeIngester) FetchAndStorePrices(_ context.Context, limit int) (ingestion.Result, error) {
	f.limits = append(f.limits, limit)
	if f.during != nil {
		f.during()
	}
	return ingestion.Result{NewCount: 3}, f.err
}

// fakeLocker mimics the token lock: release only deletes the caller's own token
type fakeLocker struct {
	holder     string
	acquireErr error
	acquired   int
	releases   int
	ttl        time.Duration
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l.acquireErr != nil {
		return "", false, l.acquireErr
	}
	if l.holder != "" {
		return "", false, nil
	}
	l.acquired++
	l.holder = fmt.Sprintf("token-%d", l.acquired)
	l.ttl = ttl
	return l.holder, true, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.releases++
	if l.holder != token {
		return errors.Wrapf(errors.ErrNotFound, "lock %q is no longer held", key)
	}
	l.holder = ""
	return nil
}

func TestPriceIngestionWorker_RunsUnderLock(t *testing.T) {
	ing := &fakeIngester{}
	lock := &fakeLocker{}
	w := NewPriceIngestionWorker(ing, lock, 500, time.Hour, 30*time.Minute, true, logger.Nop())

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []int{500}, ing.limits)
	assert.Equal(t, 30*time.Minute, lock.ttl)
	assert.Equal(t, 1, lock.releases)
	assert.Empty(t, lock.holder)
	assert.Equal(t, "price_ingestion", w.Name())
}

func TestPriceIngestionWorker_SkipsWhenLockHeld(t *testing.T) {
	ing := &fakeIngester{}
	lock := &fakeLocker{holder: "other-replica"}
	w := NewPriceIngestionWorker(ing, lock, 500, time.Hour, time.Minute, true, logger.Nop())

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, ing.limits)
	assert.Zero(t, lock.releases)
}

func TestPriceIngestionWorker_LockError(t *testing.T) {
	ing := &fakeIngester{}
	lock := &fakeLocker{acquireErr: errors.New("redis down")}
	w := NewPriceIngestionWorker(ing, lock, 500, time.Hour, time.Minute, true, logger.Nop())

	require.Error(t, w.Run(context.Background()))
	assert.Empty(t, ing.limits)
}

func TestPriceIngestionWorker_FetchErrorReleasesLock(t *testing.T) {
	ing := &fakeIngester{err: errors.Wrap(errors.ErrTransientNetwork, "agmarknet down")}
	lock := &fakeLocker{}
	w := NewPriceIngestionWorker(ing, lock, 100, time.Hour, time.Minute, true, logger.Nop())

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransientNetwork))
	assert.Equal(t, 1, lock.releases)
}

func TestPriceIngestionWorker_WithoutLocker(t *testing.T) {
	ing := &fakeIngester{}
	w := NewPriceIngestionWorker(ing, nil, 100, time.Hour, time.Minute, true, logger.Nop())

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, []int{100}, ing.limits)
}

func TestPriceIngestionWorker_ExpiredLockIsNotDeleted(t *testing.T) {
	lock := &fakeLocker{}
	// the TTL runs out mid-batch and another replica takes the lock
	ing := &fakeIngester{during: func() { lock.holder = "other-replica" }}
	w := NewPriceIngestionWorker(ing, lock, 100, time.Hour, time.Minute, true, logger.Nop())

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, 1, lock.releases)
	assert.Equal(t, "other-replica", lock.holder, "the new holder keeps its lock")
}
