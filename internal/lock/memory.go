package lock

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	token   uint64
	expires time.Time
}

// Memory is a process-local Locker. Two components sharing one Memory behave
// like two replicas sharing a lock store.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
	clock  func() time.Time
}

// NewMemory creates an empty in-process lock table.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]lease),
		clock:  time.Now,
	}
}

// WithClock overrides the time source used for lease expiry.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

// WithLock implements Locker.
func (m *Memory) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token, ok := m.acquire(key, ttl)
	if !ok {
		return ErrNotAcquired
	}
	defer m.release(key, token)

	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(fnCtx)
}

// Held reports whether key currently has an unexpired lease.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	return ok && m.clock().Before(l.expires)
}

func (m *Memory) acquire(key string, ttl time.Duration) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if l, ok := m.leases[key]; ok && now.Before(l.expires) {
		return 0, false
	}
	m.seq++
	m.leases[key] = lease{token: m.seq, expires: now.Add(ttl)}
	return m.seq, true
}

func (m *Memory) release(key string, token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[key]; ok && l.token == token {
		delete(m.leases, key)
	}
}
