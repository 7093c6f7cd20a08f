package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps event IDs with their first-seen time in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func NewMemoryStore(retention time.Duration) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{seen: make(map[string]time.Time), retention: retention}
}

// Seen treats entries past retention as absent even before the sweep removes them.
func (s *MemoryStore) Seen(_ context.Context, eventID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.seen[eventID]
	return ok && now.Sub(at) < s.retention, nil
}

func (s *MemoryStore) Mark(_ context.Context, eventID string, now time.Time, retention time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if retention > 0 {
		s.retention = retention
	}
	if at, ok := s.seen[eventID]; ok && now.Sub(at) < s.retention {
		return false, nil
	}
	s.seen[eventID] = now
	return true, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, at := range s.seen {
		if now.Sub(at) >= s.retention {
			delete(s.seen, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
