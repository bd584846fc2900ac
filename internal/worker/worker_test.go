package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepTask(key string, d time.Duration) Task {
	return Task{
		Key:     key,
		Timeout: time.Second,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	// Try to start again
	assert.Error(t, pool.Start(4))
	pool.Stop()

	assert.Error(t, NewPool(1).Start(0))
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
	}

	results := make(map[string]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.Key] = result
	}

	assert.Len(t, results, taskCount)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestTimeout(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	task := sleepTask("timeout-task", time.Second)
	task.Timeout = time.Millisecond
	require.NoError(t, pool.Submit(task))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestParentCancellation(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	task := sleepTask("cancelled", 5*time.Second)
	task.Parent = ctx
	task.Timeout = 0
	require.NoError(t, pool.Submit(task))
	cancel()

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.ErrorIs(t, result.Error, context.Canceled)
}

func TestPanicBecomesError(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{Key: "boom", Run: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, pool.Submit(sleepTask("after", 0)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error.Error(), "kaboom")

	// the worker survives the panic
	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success)
}

func TestTaskWithoutBody(t *testing.T) {
	w := newWorker(0, nil, nil)
	assert.Error(t, w.execute(Task{Key: "empty"}))
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	pool := NewPool(100)
	workerCount := 8
	taskCount := 64
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	var running, peak int32
	start := time.Now()
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{
			Key: fmt.Sprintf("task-%d", i),
			Run: func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
		}))
	}

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&peak)), workerCount)
	assert.Less(t, time.Since(start), time.Duration(taskCount)*20*time.Millisecond)
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", index), 0)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50)
	require.NoError(t, pool.Start(4))

	var done int32
	for i := 0; i < 20; i++ {
		require.NoError(t, pool.Submit(Task{
			Key: fmt.Sprintf("task-%d", i),
			Run: func(context.Context) error {
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&done, 1)
				return nil
			},
		}))
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()

	// Stop drains queued tasks before returning
	assert.Equal(t, int32(20), atomic.LoadInt32(&done))

	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, runtime.NumGoroutine(), goroutinesBefore)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestStopTwice(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(sleepTask("task-after-stop", 0))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestBlockedSubmitReleasedByStop Submit 阻塞在滿的 taskCh 時，Stop 必須讓它返回
func TestBlockedSubmitReleasedByStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(1))

	release := make(chan struct{})
	block := Task{Key: "block", Run: func(context.Context) error { <-release; return nil }}
	require.NoError(t, pool.Submit(block)) // picked up by the worker
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, pool.Submit(block)) // fills the buffer

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(block) }()
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrPoolClosed) || err == nil)
	case <-time.After(time.Second):
		t.Fatal("blocked Submit was not released by Stop")
	}
	close(release)
	<-stopped
}

// ============================================================================
// Channel Buffer Tests
// ============================================================================

func TestChannelBuffer(t *testing.T) {
	bufferSize := 5
	pool := NewPool(bufferSize)
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := bufferSize + 3
	got := make(chan int, 1)
	go func() {
		n := 0
		for n < taskCount {
			if _, err := pool.ReceiveResult(); err != nil {
				break
			}
			n++
		}
		got <- n
	}()

	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(sleepTask(fmt.Sprintf("task-%d", i), time.Millisecond)))
	}

	select {
	case n := <-got:
		assert.Equal(t, taskCount, n)
	case <-time.After(5 * time.Second):
		t.Fatal("results not received")
	}
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10)
	err := pool.Submit(sleepTask("task-before-start", 0))
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for range pool.Results() {
		}
	}()

	noop := func(context.Context) error { return nil }
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(Task{Key: "bench", Run: noop})
	}
}
