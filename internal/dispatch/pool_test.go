package dispatch

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startPool(t *testing.T, n int) *Pool {
	t.Helper()
	p := New(n, quietLogger())
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	return p
}

func TestNewDefaultsWorkerCount(t *testing.T) {
	assert.Equal(t, DefaultWorkers, New(0, nil).Stats().Workers)
	assert.Equal(t, 3, New(3, nil).Stats().Workers)
}

func TestDispatchRunsAllTasks(t *testing.T) {
	p := startPool(t, 4)

	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	for range 100 {
		wg.Add(1)
		require.NoError(t, p.Dispatch(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(100), ran.Load())

	assert.Eventually(t, func() bool {
		return p.Stats().Completed == 100
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(100), p.Stats().Dispatched)
}

func TestDispatchDoesNotBlockWhenSaturated(t *testing.T) {
	p := startPool(t, 2)

	release := make(chan struct{})
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		require.NoError(t, p.Dispatch(func() {
			defer wg.Done()
			<-release
		}))
	}

	assert.Eventually(t, func() bool { return p.Stats().Busy == 2 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for range 50 {
			wg.Add(1)
			_ = p.Dispatch(func() { wg.Done() })
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked while all workers were busy")
	}
	assert.Equal(t, 50, p.Stats().Queued)

	close(release)
	wg.Wait()
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 3
	p := startPool(t, workers)

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		peak    atomic.Int32
	)
	for range 30 {
		wg.Add(1)
		require.NoError(t, p.Dispatch(func() {
			defer wg.Done()
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, int32(workers), peak.Load())
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := startPool(t, 1)

	require.NoError(t, p.Dispatch(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Dispatch(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestStopAbandonsBacklog(t *testing.T) {
	p := New(1, quietLogger())
	require.NoError(t, p.Start(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Dispatch(func() {
		close(started)
		<-release
	}))
	<-started

	var ranQueued atomic.Bool
	for range 5 {
		require.NoError(t, p.Dispatch(func() { ranQueued.Store(true) }))
	}

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	assert.Eventually(t, func() bool {
		return p.Dispatch(func() {}) == ErrPoolStopped
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-stopped
	assert.False(t, ranQueued.Load(), "queued tasks must be abandoned on stop")
	assert.Equal(t, 0, p.Stats().Queued)

	p.Stop()
}

func TestContextCancelStopsPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(2, quietLogger())
	require.NoError(t, p.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool {
		return p.Dispatch(func() {}) == ErrPoolStopped
	}, time.Second, 5*time.Millisecond)
}

func TestStartTwice(t *testing.T) {
	p := startPool(t, 1)
	assert.Error(t, p.Start(context.Background()))
}

func TestDispatchNilTask(t *testing.T) {
	p := startPool(t, 1)
	assert.Error(t, p.Dispatch(nil))
}

func TestDispatchBeforeStartRunsAfterStart(t *testing.T) {
	p := New(1, quietLogger())
	done := make(chan struct{})
	require.NoError(t, p.Dispatch(func() { close(done) }))
	assert.Equal(t, 1, p.Stats().Queued)

	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(p.Stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued task did not run after Start")
	}
}
