// Package analytics keeps per-tenant event counters in Redis, bucketed by
// time window.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

const (
	DefaultWindow    = time.Minute
	DefaultRetention = 24 * time.Hour
)

// RedisSink counts domain events per tenant, type and time bucket.
type RedisSink struct {
	client    redis.UniversalClient
	window    time.Duration
	retention time.Duration
	logger    zerolog.Logger
}

func NewRedisSink(client redis.UniversalClient, retention time.Duration) *RedisSink {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisSink{
		client:    client,
		window:    DefaultWindow,
		retention: retention,
		logger:    log.With().Str("component", "analytics").Logger(),
	}
}

// WithWindow sets the bucket width. Supported widths are 1m, 5m and 1h.
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

// Write counts ev in its tenant's bucket for the event's timestamp.
func (s *RedisSink) Write(ctx context.Context, ev domain.Event) error {
	key := buildKey(ev.TenantID, ev.Type, ev.Timestamp, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Count returns the counter for the bucket containing at.
func (s *RedisSink) Count(ctx context.Context, tenantID string, event domain.EventType, at time.Time) (int64, error) {
	n, err := s.client.Get(ctx, buildKey(tenantID, event, at, s.window)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Handle adapts Write to the event bus.
func (s *RedisSink) Handle(ctx context.Context, ev domain.Event) {
	if err := s.Write(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", ev.TenantID).Str("event", string(ev.Type)).Msg("analytics write failed")
	}
}

func buildKey(tenantID string, event domain.EventType, t time.Time, window time.Duration) string {
	bucket := truncateToBucket(t, window)
	return fmt.Sprintf("analytics:t:%s:e:%s:%s", tenantID, event, bucket)
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
