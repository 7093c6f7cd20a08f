package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	hits []time.Time
	// window of the last policy applied to this key, used by Sweep
	window time.Duration
}

// MemoryStore keeps timestamp lists in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, cfg Config) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &memEntry{}
		s.entries[key] = e
	}
	e.window = cfg.Window
	e.hits = prune(e.hits, now, cfg.Window)

	var res Result
	res, e.hits = decide(e.hits, now, cfg)
	return res, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for k, e := range s.entries {
		e.hits = prune(e.hits, now, e.window)
		if len(e.hits) == 0 {
			delete(s.entries, k)
			dropped++
		}
	}
	return dropped, nil
}

// Len returns the number of tracked identifiers.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
