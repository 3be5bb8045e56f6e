package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greentrace/pkg/errors"
	"greentrace/pkg/logger"
)

type mockWorker struct {
	*BaseWorker
	runCount int32
	runFunc  func(ctx context.Context) error
}

func newMockWorker(name string, interval time.Duration, enabled bool) *mockWorker {
	return &mockWorker{
		BaseWorker: NewBaseWorker(name, interval, enabled, logger.Nop()),
		runFunc:    func(ctx context.Context) error { return nil },
	}
}

func (m *mockWorker) Run(ctx context.Context) error {
	atomic.AddInt32(&m.runCount, 1)
	if m.runFunc != nil {
		return m.runFunc(ctx)
	}
	return nil
}

func (m *mockWorker) GetRunCount() int {
	return int(atomic.LoadInt32(&m.runCount))
}

func TestScheduler_StartStop(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	worker := newMockWorker("test-worker-1", 100*time.Millisecond, true)
	scheduler.RegisterWorker(worker)

	require.NoError(t, scheduler.Start(context.Background()))
	assert.True(t, scheduler.IsRunning())

	time.Sleep(250 * time.Millisecond)

	require.NoError(t, scheduler.Stop())
	assert.False(t, scheduler.IsRunning())

	// immediate run + ticks
	assert.GreaterOrEqual(t, worker.GetRunCount(), 2)
}

func TestScheduler_ContextCancellation(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	scheduler.RegisterWorker(newMockWorker("test-worker", 100*time.Millisecond, true))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, scheduler.Start(ctx))

	cancel()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, scheduler.Stop())
}

func TestScheduler_DisabledWorker(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	enabledWorker := newMockWorker("enabled-worker", 100*time.Millisecond, true)
	disabledWorker := newMockWorker("disabled-worker", 100*time.Millisecond, false)
	scheduler.RegisterWorker(enabledWorker)
	scheduler.RegisterWorker(disabledWorker)

	require.NoError(t, scheduler.Start(context.Background()))
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, scheduler.Stop())

	assert.Greater(t, enabledWorker.GetRunCount(), 0)
	assert.Equal(t, 0, disabledWorker.GetRunCount())
}

func TestScheduler_CannotStartTwice(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	scheduler.RegisterWorker(newMockWorker("test-worker", 100*time.Millisecond, true))

	ctx := context.Background()
	require.NoError(t, scheduler.Start(ctx))
	assert.Error(t, scheduler.Start(ctx))

	require.NoError(t, scheduler.Stop())
	assert.Error(t, scheduler.Stop(), "stop on a stopped scheduler")
}

func TestScheduler_RecordsHealth(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	ok := newMockWorker("ok-worker", time.Hour, true)
	failing := newMockWorker("failing-worker", time.Hour, true)
	failing.runFunc = func(context.Context) error { return errors.New("upstream down") }
	panicking := newMockWorker("panicking-worker", time.Hour, true)
	panicking.runFunc = func(context.Context) error { panic("nil map") }

	scheduler.RegisterWorker(ok)
	scheduler.RegisterWorker(failing)
	scheduler.RegisterWorker(panicking)

	require.NoError(t, scheduler.Start(context.Background()))
	require.Eventually(t, func() bool {
		return ok.Health().RunCount == 1 && failing.Health().RunCount == 1 && panicking.Health().RunCount == 1
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, scheduler.Stop())

	health := scheduler.Health()
	require.Len(t, health, 3)

	assert.Equal(t, "ok-worker", health[0].Name)
	assert.Zero(t, health[0].ErrorCount)
	assert.Empty(t, health[0].LastError)

	assert.Equal(t, int64(1), health[1].ErrorCount)
	assert.Equal(t, "upstream down", health[1].LastError)

	assert.Equal(t, int64(1), health[2].ErrorCount)
	assert.Contains(t, health[2].LastError, "nil map")
}

func TestScheduler_ShutdownTimeout(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())
	scheduler.SetShutdownTimeout(50 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	stuck := newMockWorker("stuck-worker", time.Hour, true)
	stuck.runFunc = func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	scheduler.RegisterWorker(stuck)

	require.NoError(t, scheduler.Start(context.Background()))
	<-started

	err := scheduler.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTimeout))

	close(release)
}

func TestScheduler_GetWorkers(t *testing.T) {
	scheduler := NewScheduler(logger.Nop())

	scheduler.RegisterWorker(newMockWorker("worker-1", 100*time.Millisecond, true))
	scheduler.RegisterWorker(newMockWorker("worker-2", 200*time.Millisecond, false))

	workers := scheduler.GetWorkers()
	require.Len(t, workers, 2)
	assert.Equal(t, "worker-1", workers[0].Name())
	assert.Equal(t, "worker-2", workers[1].Name())
}
