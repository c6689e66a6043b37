package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent dispatch, bounded queue, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects processed ids
type recorder struct {
	mu  sync.Mutex
	ids []types.TaskID
}

func (r *recorder) process(_ context.Context, id types.TaskID) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(4, 10, func(context.Context, types.TaskID) {})
	assert.NotNil(t, pool)
	assert.Equal(t, 4, pool.Size())
	assert.False(t, pool.IsStarted())
	assert.Equal(t, WorkerStatus{}, pool.Status())
}

func TestNewPoolClampsSize(t *testing.T) {
	pool := NewPool(0, -1, func(context.Context, types.TaskID) {})
	assert.Equal(t, 1, pool.Size())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(8, 10, func(context.Context, types.TaskID) {})

	require.NoError(t, pool.Start())
	assert.True(t, pool.IsStarted())
	assert.Equal(t, WorkerStatus{Active: 0, Idle: 8, Queued: 0}, pool.Status())

	// Try to start again
	assert.Error(t, pool.Start())

	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolProcessesAllSubmitted(t *testing.T) {
	rec := &recorder{}
	pool := NewPool(4, 16, rec.process)
	require.NoError(t, pool.Start())

	taskCount := 50
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", i))))
	}

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, taskCount, rec.count())
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSubmit(t *testing.T) {
	rec := &recorder{}
	pool := NewPool(4, 8, rec.process)
	require.NoError(t, pool.Start())

	taskCount := 100
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", index))))
		}(i)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, taskCount, rec.count())
}

func TestStatusReportsActiveWorkers(t *testing.T) {
	release := make(chan struct{})
	var running sync.WaitGroup
	running.Add(2)

	pool := NewPool(3, 10, func(context.Context, types.TaskID) {
		running.Done()
		<-release
	})
	require.NoError(t, pool.Start())

	require.NoError(t, pool.SubmitByID(context.Background(), "a"))
	require.NoError(t, pool.SubmitByID(context.Background(), "b"))
	running.Wait()

	st := pool.Status()
	assert.Equal(t, 2, st.Active)
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.Queued)

	close(release)
	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, 0, pool.Status().Active)
}

// ============================================================================
// Channel Buffer Tests
// ============================================================================

func TestSubmitBlocksWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool := NewPool(1, 1, func(context.Context, types.TaskID) {
		started <- struct{}{}
		<-release
	})
	require.NoError(t, pool.Start())

	require.NoError(t, pool.SubmitByID(context.Background(), "running"))
	<-started
	require.NoError(t, pool.SubmitByID(context.Background(), "buffered"))
	assert.Equal(t, 1, pool.Status().Queued)

	// 佇列已滿，SubmitByID 會阻塞直到 ctx 結束
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.SubmitByID(ctx, "blocked")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(release)
	require.NoError(t, pool.Stop(context.Background()))
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopDrainsQueuedWork(t *testing.T) {
	var processed atomic.Int32
	pool := NewPool(2, 20, func(context.Context, types.TaskID) {
		time.Sleep(5 * time.Millisecond)
		processed.Add(1)
	})
	require.NoError(t, pool.Start())

	for i := 0; i < 20; i++ {
		require.NoError(t, pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", i))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))
	assert.Equal(t, int32(20), processed.Load())
}

func TestStopGracePeriodExceeded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var processed atomic.Int32
	pool := NewPool(1, 10, func(context.Context, types.TaskID) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		processed.Add(1)
	})
	require.NoError(t, pool.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", i))))
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShutdownTimeout))

	// 執行中的任務不被中斷，剩餘的 ID 被丟棄
	close(release)
	assert.Eventually(t, func() bool { return processed.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), processed.Load())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, types.TaskID) {})

	assert.NotPanics(t, func() {
		assert.NoError(t, pool.Stop(context.Background()))
	})
	assert.ErrorIs(t, pool.Start(), ErrPoolClosed)
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, types.TaskID) {})
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Stop(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, types.TaskID) {})
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Stop(context.Background()))

	err := pool.SubmitByID(context.Background(), "task-after-stop")
	assert.Equal(t, ErrPoolClosed, err)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(2, 10, func(context.Context, types.TaskID) {})

	err := pool.SubmitByID(context.Background(), "task-before-start")
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestConcurrentSubmitAndStop(t *testing.T) {
	pool := NewPool(2, 2, func(context.Context, types.TaskID) {})
	require.NoError(t, pool.Start())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", index)))
			if err != nil {
				assert.ErrorIs(t, err, ErrPoolClosed)
			}
		}(i)
	}

	assert.NotPanics(t, func() {
		_ = pool.Stop(context.Background())
	})
	wg.Wait()
}

// ============================================================================
// Worker Behavior Tests
// ============================================================================

func TestWorkerRecoversFromPanic(t *testing.T) {
	rec := &recorder{}
	pool := NewPool(1, 4, func(ctx context.Context, id types.TaskID) {
		if id == "boom" {
			panic("handler exploded")
		}
		rec.process(ctx, id)
	})
	require.NoError(t, pool.Start())

	require.NoError(t, pool.SubmitByID(context.Background(), "boom"))
	require.NoError(t, pool.SubmitByID(context.Background(), "after"))
	require.NoError(t, pool.Stop(context.Background()))

	assert.Equal(t, []types.TaskID{"after"}, rec.ids)
}

// ============================================================================
// Scheduler Tests
// ============================================================================

func TestSchedulerFiresAfterDelay(t *testing.T) {
	var (
		mu    sync.Mutex
		fired = map[types.TaskID]time.Time{}
	)
	sched := NewScheduler(2, func(_ context.Context, id types.TaskID) error {
		mu.Lock()
		fired[id] = time.Now()
		mu.Unlock()
		return nil
	})
	sched.Start()
	defer sched.Stop()

	start := time.Now()
	require.NoError(t, sched.ScheduleAfter("t1", 30*time.Millisecond))
	require.NoError(t, sched.ScheduleAfter("t2", 0))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, fired["t1"].Sub(start), 30*time.Millisecond)
	assert.Equal(t, 0, sched.Pending())
}

func TestSchedulerLogsSubmitErrors(t *testing.T) {
	var calls atomic.Int32
	sched := NewScheduler(1, func(context.Context, types.TaskID) error {
		calls.Add(1)
		return ErrPoolClosed
	})
	sched.Start()
	defer sched.Stop()

	require.NoError(t, sched.ScheduleAfter("t1", 0))
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerStopDropsPending(t *testing.T) {
	var calls atomic.Int32
	sched := NewScheduler(1, func(context.Context, types.TaskID) error {
		calls.Add(1)
		return nil
	})
	sched.Start()

	require.NoError(t, sched.ScheduleAfter("later", time.Hour))
	require.NoError(t, sched.ScheduleAfter("later-2", time.Hour))
	assert.Equal(t, 2, sched.Pending())

	sched.Stop()
	assert.Equal(t, 0, sched.Pending())
	assert.Equal(t, int32(0), calls.Load())

	assert.ErrorIs(t, sched.ScheduleAfter("too-late", 0), ErrSchedulerClosed)
	assert.NotPanics(t, sched.Stop)
}

func TestSchedulerStopCancelsBlockedSubmit(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	// 1 worker 卡住、佇列容量 1 已滿
	pool := NewPool(1, 1, func(context.Context, types.TaskID) { <-release })
	require.NoError(t, pool.Start())
	require.NoError(t, pool.SubmitByID(context.Background(), "busy"))
	require.Eventually(t, func() bool { return pool.Status().Active == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.SubmitByID(context.Background(), "queued"))

	submitErr := make(chan error, 1)
	sched := NewScheduler(1, func(ctx context.Context, id types.TaskID) error {
		err := pool.SubmitByID(ctx, id)
		submitErr <- err
		return err
	})
	sched.Start()
	require.NoError(t, sched.ScheduleAfter("retry", 0))
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("scheduler Stop blocked on a full pool")
	}
	assert.ErrorIs(t, <-submitErr, context.Canceled)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolSubmit(b *testing.B) {
	pool := NewPool(8, 1000, func(context.Context, types.TaskID) {})
	_ = pool.Start()
	defer func() { _ = pool.Stop(context.Background()) }()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.SubmitByID(context.Background(), types.TaskID(fmt.Sprintf("task-%d", i)))
	}
}
