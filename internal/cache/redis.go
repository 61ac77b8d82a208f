// Package cache is the shared read-through cache for session snapshots.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

const DefaultTTL = 5 * time.Minute

// SessionCache stores session snapshots as JSON under session:<id>.
type SessionCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewSessionCache returns a cache whose entries expire after ttl.
func NewSessionCache(client redis.UniversalClient, ttl time.Duration) *SessionCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &SessionCache{client: client, ttl: ttl, prefix: "session:"}
}

// Get returns the cached snapshot. A miss is (zero, false, nil).
func (c *SessionCache) Get(ctx context.Context, id string) (domain.Session, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, false, nil
	}
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("cache get %s: %w", id, err)
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		// A corrupt entry is treated as a miss and overwritten on next Set.
		return domain.Session{}, false, nil
	}
	return s, true, nil
}

func (c *SessionCache) Set(ctx context.Context, s domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", s.ID, err)
	}
	if err := c.client.Set(ctx, c.prefix+s.ID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", s.ID, err)
	}
	return nil
}

// Invalidate drops the entry so other replicas read the durable store next.
func (c *SessionCache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.prefix+id).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", id, err)
	}
	return nil
}
