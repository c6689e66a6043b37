package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/beaver-queue/pkg/types"
)

// TaskCreated is published once a task (or a manual requeue) is durably
// committed and ready to be dispatched.
type TaskCreated struct {
	ID     types.TaskID
	Reason string // "created" or "requeued"
}

// Listener handles TaskCreated events.
type Listener func(ctx context.Context, ev TaskCreated) error

// Bus delivers TaskCreated events to listeners synchronously, in
// subscription order. A failing listener is logged and does not stop the rest.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers l.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// Publish calls every listener and returns the number that failed.
func (b *Bus) Publish(ctx context.Context, ev TaskCreated) int {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()

	failed := 0
	for _, l := range listeners {
		if err := l(ctx, ev); err != nil {
			failed++
			b.logger.Warn("task-created listener failed", "task_id", ev.ID, "reason", ev.Reason, "error", err)
		}
	}
	return failed
}
