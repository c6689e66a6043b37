package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockerCase bundles a Locker with a way to let its TTLs elapse
type lockerCase struct {
	name    string
	locker  Locker
	advance func(d time.Duration)
	exists  func(key string) bool
}

func newCases(t *testing.T) []lockerCase {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemoryLocker()
	var offset time.Duration
	var mu sync.Mutex
	base := time.Now()
	mem.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return base.Add(offset)
	}

	return []lockerCase{
		{
			name:    "redis",
			locker:  NewRedisLocker(client),
			advance: mr.FastForward,
			exists:  mr.Exists,
		},
		{
			name:   "memory",
			locker: mem,
			advance: func(d time.Duration) {
				mu.Lock()
				offset += d
				mu.Unlock()
			},
			exists: mem.Held,
		},
	}
}

func TestTryLockIsExclusive(t *testing.T) {
	for _, tc := range newCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			key := TaskKey("", "t-1")

			token, ok, err := tc.locker.TryLock(ctx, key, 2*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			assert.NotEmpty(t, token)

			_, ok, err = tc.locker.TryLock(ctx, key, 2*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while held")

			released, err := tc.locker.Unlock(ctx, key, token)
			require.NoError(t, err)
			assert.True(t, released)
			assert.False(t, tc.exists(key))

			_, ok, err = tc.locker.TryLock(ctx, key, 2*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "lock is free again after release")
		})
	}
}

func TestUnlockWithWrongTokenKeepsKey(t *testing.T) {
	for _, tc := range newCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			key := TaskKey("", "t-2")

			_, ok, err := tc.locker.TryLock(ctx, key, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			released, err := tc.locker.Unlock(ctx, key, "not-the-token")
			require.NoError(t, err)
			assert.False(t, released)
			assert.True(t, tc.exists(key), "key must stay intact")
		})
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	for _, tc := range newCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			key := TaskKey("", "t-3")

			stale, ok, err := tc.locker.TryLock(ctx, key, time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			tc.advance(2 * time.Second)

			fresh, ok, err := tc.locker.TryLock(ctx, key, time.Second)
			require.NoError(t, err)
			require.True(t, ok, "expired lock can be re-acquired")
			assert.NotEqual(t, stale, fresh)

			// the old holder cannot release the new holder's lock
			released, err := tc.locker.Unlock(ctx, key, stale)
			require.NoError(t, err)
			assert.False(t, released)
			assert.True(t, tc.exists(key))
		})
	}
}

func TestTryLockRejectsInvalidTTL(t *testing.T) {
	for _, tc := range newCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := tc.locker.TryLock(context.Background(), "k", 0)
			assert.ErrorIs(t, err, ErrInvalidTTL)
		})
	}
}

func TestConcurrentTryLockSingleWinner(t *testing.T) {
	for _, tc := range newCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := tc.locker.TryLock(context.Background(), "task:lock:race", time.Minute)
					if err == nil && ok {
						winners.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestRedisLockerConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, ok, err := NewRedisLocker(client).TryLock(context.Background(), "k", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "task:lock:abc", TaskKey("", "abc"))
	assert.Equal(t, "x:abc", TaskKey("x:", "abc"))
}
