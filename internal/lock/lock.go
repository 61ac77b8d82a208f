// Package lock provides cluster-wide mutual exclusion keyed by string.
//
// Acquisition never waits: when the lease is held elsewhere WithLock returns
// ErrNotAcquired immediately. Callers treat that as "another owner is active"
// and skip the work. The lease TTL is the safety net when release fails or the
// holder crashes, so it must comfortably exceed the run time of fn.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL covers a decrypt-and-persist step with a 5-10x margin.
const DefaultTTL = 5 * time.Second

// ErrNotAcquired is returned when the lease is currently held by another owner.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker runs fn while holding the lease for key.
//
// The context passed to fn expires when the lease validity runs out.
// Release is best-effort and its failure is never returned.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Do is WithLock for functions that produce a value.
func Do[T any](ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, ttl, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
