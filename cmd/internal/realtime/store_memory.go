package realtime

import (
	"context"
	"sync"
)

// MemoryQueueStore keeps queues in process memory. A single instance shared
// by successive Managers behaves like durable storage across restarts.
type MemoryQueueStore struct {
	mu   sync.Mutex
	data map[string][]byte

	saves int
}

// NewMemoryQueueStore constructs an empty MemoryQueueStore.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{data: make(map[string][]byte)}
}

// Load implements QueueStore.
func (s *MemoryQueueStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

// Save implements QueueStore.
func (s *MemoryQueueStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	s.saves++
	return nil
}

// Saves returns the number of successful Save calls.
func (s *MemoryQueueStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close is a no-op.
func (s *MemoryQueueStore) Close() error { return nil }
