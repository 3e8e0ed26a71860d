package notify

import (
	"context"
	"sync"

	"loyalty-notify/internal/models"
)

// BufferStore holds open merge buffers keyed by participant and rule.
type BufferStore interface {
	// Get returns the open buffer for key or nil.
	Get(ctx context.Context, key models.BufferKey) (*models.NotificationBuffer, error)
	// Create stores a new buffer, replacing any previous one for the key.
	Create(ctx context.Context, buf models.NotificationBuffer) error
	// Append adds an event to the open buffer for key.
	Append(ctx context.Context, key models.BufferKey, ev models.NotificationEvent) error
	// Take removes and returns the buffer for key. A non-empty generation
	// only matches a buffer created with that generation; otherwise nil is
	// returned and the buffer stays.
	Take(ctx context.Context, key models.BufferKey, generation string) (*models.NotificationBuffer, error)
	// Keys lists every open buffer.
	Keys(ctx context.Context) ([]models.BufferKey, error)
}

// MemoryBufferStore keeps buffers in process memory.
type MemoryBufferStore struct {
	mu      sync.Mutex
	buffers map[models.BufferKey]*models.NotificationBuffer
}

// NewMemoryBufferStore returns an empty store.
func NewMemoryBufferStore() *MemoryBufferStore {
	return &MemoryBufferStore{buffers: make(map[models.BufferKey]*models.NotificationBuffer)}
}

func (s *MemoryBufferStore) Get(_ context.Context, key models.BufferKey) (*models.NotificationBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[key]
	if !ok {
		return nil, nil
	}
	cp := copyBuffer(b)
	return &cp, nil
}

func (s *MemoryBufferStore) Create(_ context.Context, buf models.NotificationBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyBuffer(&buf)
	s.buffers[buf.Key] = &cp
	return nil
}

func (s *MemoryBufferStore) Append(_ context.Context, key models.BufferKey, ev models.NotificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[key]
	if !ok {
		return errNoBuffer
	}
	b.Events = append(b.Events, ev)
	return nil
}

func (s *MemoryBufferStore) Take(_ context.Context, key models.BufferKey, generation string) (*models.NotificationBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[key]
	if !ok {
		return nil, nil
	}
	if generation != "" && b.Generation != generation {
		return nil, nil
	}
	delete(s.buffers, key)
	return b, nil
}

func (s *MemoryBufferStore) Keys(_ context.Context) ([]models.BufferKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]models.BufferKey, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	return keys, nil
}

func copyBuffer(b *models.NotificationBuffer) models.NotificationBuffer {
	cp := *b
	cp.Events = append([]models.NotificationEvent(nil), b.Events...)
	return cp
}
