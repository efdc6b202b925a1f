package history

import (
	"context"
	"sync"
)

// MemorySink keeps mirrored entries in process memory
type MemorySink struct {
	mu         sync.RWMutex
	maxEntries int
	entries    map[string][]Entry
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates a sink keeping at most maxEntries per key, unbounded when <= 0
func NewMemorySink(maxEntries int) *MemorySink {
	return &MemorySink{
		maxEntries: maxEntries,
		entries:    make(map[string][]Entry),
	}
}

// Append implements Sink.Append
func (s *MemorySink) Append(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.entries[key], e)
	if s.maxEntries > 0 && len(list) > s.maxEntries {
		list = list[len(list)-s.maxEntries:]
	}
	s.entries[key] = list
	return nil
}

// List implements Sink.List
func (s *MemorySink) List(_ context.Context, key string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[key]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]Entry, len(list))
	copy(out, list)
	return out, nil
}

// Close implements Sink.Close
func (s *MemorySink) Close() error {
	return nil
}
