// Package lock provides token-fenced mutual exclusion with a TTL.
//
// Acquire sets key=token only when the key is absent. Release deletes the key
// only when it still holds the caller's token, so a holder whose TTL expired
// can never release a lock that was re-acquired by someone else.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces per-task execution locks.
const KeyPrefix = "task:lock:"

// ErrInvalidTTL is returned for a non-positive TTL.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// Locker is the coordination-store contract.
type Locker interface {
	// TryLock returns the fencing token and true when the lock was acquired.
	// ok=false with a nil error means someone else holds the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Unlock releases key if it still holds token.
	Unlock(ctx context.Context, key, token string) (bool, error)
}

// TaskKey returns the lock key for a task id.
func TaskKey(prefix, id string) string {
	if prefix == "" {
		prefix = KeyPrefix
	}
	return prefix + id
}

func newToken() string {
	return uuid.NewString()
}
