// Package events holds the operational event log and the task-created hook.
package events

import (
	"fmt"
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 200

// Log is a fixed-capacity ring buffer of human-readable events. It is not
// authoritative and is lost on restart.
type Log struct {
	mu    sync.Mutex
	buf   []string
	next  int
	count int
	now   func() time.Time
}

// NewLog creates a log that keeps the newest capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]string, capacity), now: time.Now}
}

// Add appends a timestamped, formatted entry, dropping the oldest when full.
func (l *Log) Add(format string, args ...any) {
	line := fmt.Sprintf("%s %s", l.now().UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = line
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns the entries, most recent first.
func (l *Log) Recent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, l.count)
	for i := 1; i <= l.count; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of stored entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Cap returns the capacity.
func (l *Log) Cap() int {
	return len(l.buf)
}
