// Package throttle remembers when a notification was last sent per
// participant and rule so bursts across merge windows can be suppressed.
package throttle

import (
	"context"
	"sync"
	"time"

	"loyalty-notify/internal/models"
)

// Tracker stores last-sent timestamps.
type Tracker interface {
	// LastSent returns the last successful send for key, if any.
	LastSent(ctx context.Context, key models.BufferKey) (time.Time, bool, error)
	// MarkSent records a successful send. ttl bounds how long the record is
	// needed; implementations may expire it afterwards.
	MarkSent(ctx context.Context, key models.BufferKey, at time.Time, ttl time.Duration) error
}

// Throttled reports whether a send at now falls inside window after last.
func Throttled(last time.Time, ok bool, now time.Time, window time.Duration) bool {
	if !ok || window <= 0 {
		return false
	}
	return now.Sub(last) < window
}

// Memory is a process-local Tracker. Records live for the process lifetime.
type Memory struct {
	mu   sync.RWMutex
	last map[models.BufferKey]time.Time
}

// NewMemory returns an empty tracker.
func NewMemory() *Memory {
	return &Memory{last: make(map[models.BufferKey]time.Time)}
}

func (m *Memory) LastSent(_ context.Context, key models.BufferKey) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.last[key]
	return t, ok, nil
}

func (m *Memory) MarkSent(_ context.Context, key models.BufferKey, at time.Time, _ time.Duration) error {
	m.mu.Lock()
	m.last[key] = at
	m.mu.Unlock()
	return nil
}
