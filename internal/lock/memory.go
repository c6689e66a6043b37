package lock

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	token   string
	expires time.Time
}

// MemoryLocker is an in-process Locker for single-instance deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]entry
	now   func() time.Time
	token func() string
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]entry),
		now:   time.Now,
		token: newToken,
	}
}

var _ Locker = (*MemoryLocker)(nil)

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.held[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	token := m.token()
	m.held[key] = entry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.held[key]
	if !ok || e.token != token || !m.now().Before(e.expires) {
		return false, nil
	}
	delete(m.held, key)
	return true, nil
}

// Held reports whether key is currently locked.
func (m *MemoryLocker) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.held[key]
	return ok && m.now().Before(e.expires)
}
