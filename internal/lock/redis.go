package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only when it equals ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`)

// RedisLocker implements Locker on SET NX PX plus a compare-and-delete script.
type RedisLocker struct {
	client redis.Cmdable
	logger *slog.Logger
	token  func() string
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *RedisLocker) { r.logger = l }
}

// NewRedisLocker creates a locker on top of any go-redis client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		logger: slog.Default(),
		token:  newToken,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ Locker = (*RedisLocker)(nil)

// TryLock attempts a single SET key token NX PX ttl.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	token := l.token()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock/redis: acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock runs the fenced release script.
func (l *RedisLocker) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("lock/redis: release %s: %w", key, err)
	}
	if n != 1 {
		l.logger.Debug("lock release skipped, token mismatch or expired", "key", key)
	}
	return n == 1, nil
}
