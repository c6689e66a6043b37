package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// DefaultTTL bounds how long a cached record may be served.
const DefaultTTL = 10 * time.Minute

// Redis caches JSON-encoded records under task:<id> with a TTL.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedis creates a Redis cache. ttl <= 0 uses DefaultTTL.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: KeyPrefix}
}

var _ Cache = (*Redis)(nil)

func (r *Redis) key(id types.TaskID) string {
	return r.prefix + string(id)
}

func (r *Redis) Put(ctx context.Context, rec *types.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache/redis: encode %s: %w", rec.ID, err)
	}
	if err := r.client.Set(ctx, r.key(rec.ID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache/redis: put %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id types.TaskID) (*types.TaskRecord, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache/redis: get %s: %w", id, err)
	}
	var rec types.TaskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cache/redis: decode %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Redis) Delete(ctx context.Context, id types.TaskID) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("cache/redis: delete %s: %w", id, err)
	}
	return nil
}
