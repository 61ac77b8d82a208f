// Package circuitbreaker stops calling endpoints that keep failing.
//
// State lives in a Store so that every replica sees the same circuit. Both
// the failure counter and the open flag expire on their own; there is no
// half-open trial request and no persistent disabled state.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Store persists failure counters and open flags.
type Store interface {
	// IncrFailures increments the failure counter for key and refreshes its TTL.
	IncrFailures(ctx context.Context, key string, window time.Duration) (int64, error)
	ResetFailures(ctx context.Context, key string) error
	// Open marks key open for cooldown.
	Open(ctx context.Context, key string, cooldown time.Duration) error
	// IsOpen reports whether key is open and how long until it closes.
	IsOpen(ctx context.Context, key string) (bool, time.Duration, error)
}

// CircuitBreaker opens a key after threshold failures within window and
// lets it heal on its own after cooldown.
type CircuitBreaker struct {
	store     Store
	threshold int
	window    time.Duration
	cooldown  time.Duration
	log       zerolog.Logger
}

// New returns a breaker over store. threshold must be at least 1.
func New(store Store, threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		log:       log.With().Str("component", "circuitbreaker").Logger(),
	}
}

// Allow returns ErrCircuitOpen and the remaining cooldown when key is open.
// A store failure lets the call through.
func (cb *CircuitBreaker) Allow(ctx context.Context, key string) (time.Duration, error) {
	open, remaining, err := cb.store.IsOpen(ctx, key)
	if err != nil {
		cb.log.Warn().Err(err).Str("key", key).Msg("circuit state unavailable, allowing call")
		return 0, nil
	}
	if open {
		return remaining, ErrCircuitOpen
	}
	return 0, nil
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, key string) {
	if err := cb.store.ResetFailures(ctx, key); err != nil {
		cb.log.Warn().Err(err).Str("key", key).Msg("reset failures")
	}
}

// RecordFailure counts a failure and opens the circuit once the threshold is
// reached. It reports whether this call opened it.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context, key string) bool {
	n, err := cb.store.IncrFailures(ctx, key, cb.window)
	if err != nil {
		cb.log.Warn().Err(err).Str("key", key).Msg("record failure")
		return false
	}
	if n < int64(cb.threshold) {
		return false
	}
	if err := cb.store.Open(ctx, key, cb.cooldown); err != nil {
		cb.log.Warn().Err(err).Str("key", key).Msg("open circuit")
		return false
	}
	if err := cb.store.ResetFailures(ctx, key); err != nil {
		cb.log.Warn().Err(err).Str("key", key).Msg("reset failures")
	}
	cb.log.Warn().Str("key", key).Int64("failures", n).Dur("cooldown", cb.cooldown).Msg("circuit opened")
	return true
}
