package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

func newRedisCache(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl), mr
}

func record(id string) *types.TaskRecord {
	return &types.TaskRecord{
		Task: types.Task{
			ID: types.TaskID(id), Payload: "p", Type: types.TypeSMS,
			Status: types.StatusCompleted, Attempts: 1, MaxRetries: 3,
			CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		Version: 3,
	}
}

func TestRedisPutGetDelete(t *testing.T) {
	c, mr := newRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, record("t-1")))
	assert.True(t, mr.Exists("task:t-1"))

	got, err := c.Get(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, int64(3), got.Version)

	require.NoError(t, c.Delete(ctx, "t-1"))
	got, err = c.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisMissIsNotAnError(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	got, err := c.Get(context.Background(), "nothing")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisTTL(t *testing.T) {
	c, mr := newRedisCache(t, 0)
	require.NoError(t, c.Put(context.Background(), record("t-ttl")))
	assert.Equal(t, DefaultTTL, mr.TTL("task:t-ttl"))

	mr.FastForward(DefaultTTL + time.Second)
	got, err := c.Get(context.Background(), "t-ttl")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCorruptEntry(t *testing.T) {
	c, mr := newRedisCache(t, time.Minute)
	require.NoError(t, mr.Set("task:bad", "{"))

	_, err := c.Get(context.Background(), "bad")
	assert.ErrorContains(t, err, "decode")
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, record("x")))
	got, err := c.Get(ctx, "x")
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, "x"))
}
