package ratelimit

import (
	"sync"
	"time"
)

type memoryCounter struct {
	count   int64
	expires time.Time
}

type memoryStoreImpl struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	clock    func() time.Time
}

// NewMemoryStore creates an in-process counter store. Counters expire
// lazily; call Sweep periodically to reclaim memory for idle keys.
func NewMemoryStore() CounterStore {
	return &memoryStoreImpl{
		counters: make(map[string]memoryCounter),
		clock:    time.Now,
	}
}

func (s *memoryStoreImpl) Increment(key string, ttl time.Duration) (count int64, err error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		// TTL is fixed at counter creation so the window does not slide.
		c = memoryCounter{count: 1, expires: now.Add(ttl)}
	} else {
		c.count++
	}
	s.counters[key] = c
	count = c.count
	return
}

func (s *memoryStoreImpl) Get(key string) (count int64, err error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expires) {
		return 0, nil
	}
	return c.count, nil
}

func (s *memoryStoreImpl) Delete(key string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// Sweep removes expired counters. Safe to call from a background ticker.
func (s *memoryStoreImpl) Sweep() {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, key)
		}
	}
}
