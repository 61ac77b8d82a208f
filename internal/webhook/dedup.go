package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// Deduper remembers notification keys for a short window.
type Deduper interface {
	// FirstSeen records key and reports whether it was absent.
	FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// idempotencyFields identify a notification regardless of when it was emitted.
var idempotencyFields = []string{"message_id", "job_id", "id"}

// DedupKey derives the dedup key from tenant, event type and the payload's
// idempotency-relevant fields. The event timestamp never takes part.
func DedupKey(tenantID string, event domain.EventType, payload json.RawMessage) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|", tenantID, event)

	var envelope struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Data == nil {
		h.Write(payload)
		return hex.EncodeToString(h.Sum(nil))
	}

	if sid, ok := envelope.Data["session_id"]; ok {
		h.Write(sid)
		h.Write([]byte("|"))
	}
	for _, f := range idempotencyFields {
		if v, ok := envelope.Data[f]; ok && !bytes.Equal(v, []byte("null")) {
			fmt.Fprintf(h, "%s=%s", f, v)
			return hex.EncodeToString(h.Sum(nil))
		}
	}
	// No explicit id: identical data within the window counts as a duplicate.
	// Map keys are marshalled sorted, so this is canonical.
	canon, _ := json.Marshal(envelope.Data)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil))
}

// RedisDeduper claims dedup keys with SET NX so every replica shares the
// window.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client, prefix: "webhook:dedup:"}
}

func (d *RedisDeduper) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return ok, nil
}

// MemoryDeduper is the single-process Deduper. Expired keys are swept lazily.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	clock     func() time.Time
	nextSweep time.Time
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		seen:  make(map[string]time.Time),
		clock: time.Now,
	}
}

func (d *MemoryDeduper) WithClock(clock func() time.Time) *MemoryDeduper {
	d.clock = clock
	return d
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock()
	if now.After(d.nextSweep) {
		for k, exp := range d.seen {
			if !now.Before(exp) {
				delete(d.seen, k)
			}
		}
		d.nextSweep = now.Add(time.Minute)
	}

	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(window)
	return true, nil
}
