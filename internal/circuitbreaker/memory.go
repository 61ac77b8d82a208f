package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	n       int64
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.Mutex
	failures map[string]counter
	open     map[string]time.Time
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		failures: make(map[string]counter),
		open:     make(map[string]time.Time),
		clock:    time.Now,
	}
}

// WithClock overrides the time source used for expiry.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) IncrFailures(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	c := s.failures[key]
	if !now.Before(c.expires) {
		c = counter{}
	}
	c.n++
	c.expires = now.Add(window)
	s.failures[key] = c
	return c.n, nil
}

func (s *MemoryStore) ResetFailures(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, key)
	return nil
}

func (s *MemoryStore) Open(_ context.Context, key string, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[key] = s.clock().Add(cooldown)
	return nil
}

func (s *MemoryStore) IsOpen(_ context.Context, key string) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.open[key]
	if !ok {
		return false, 0, nil
	}
	remaining := until.Sub(s.clock())
	if remaining <= 0 {
		delete(s.open, key)
		return false, 0, nil
	}
	return true, remaining, nil
}
