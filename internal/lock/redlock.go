package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

const (
	defaultPrefix      = "lock:"
	defaultNodeTimeout = 50 * time.Millisecond
	// clockDriftFactor follows the Redlock reference: 1% of the TTL plus 2ms.
	clockDriftFactor = 0.01
)

// Redlock implements Locker over one or more independent Redis nodes. A lease
// is granted when a majority of nodes accepted SET NX PX within the TTL.
type Redlock struct {
	clients     []redis.UniversalClient
	prefix      string
	nodeTimeout time.Duration
	log         zerolog.Logger
}

// NewRedlock creates a Redlock over the given nodes. The nodes must be
// independent masters, not replicas of each other.
func NewRedlock(clients ...redis.UniversalClient) *Redlock {
	return &Redlock{
		clients:     clients,
		prefix:      defaultPrefix,
		nodeTimeout: defaultNodeTimeout,
		log:         log.With().Str("component", "lock").Logger(),
	}
}

// WithPrefix sets the key namespace.
func (r *Redlock) WithPrefix(prefix string) *Redlock {
	r.prefix = prefix
	return r
}

// WithNodeTimeout bounds each per-node round trip during acquisition.
func (r *Redlock) WithNodeTimeout(d time.Duration) *Redlock {
	r.nodeTimeout = d
	return r
}

func (r *Redlock) quorum() int {
	return len(r.clients)/2 + 1
}

// WithLock implements Locker.
func (r *Redlock) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	name := r.prefix + key
	token := uuid.NewString()

	validity, err := r.acquire(ctx, name, token, ttl)
	if err != nil {
		return err
	}
	defer r.release(name, token)

	fnCtx, cancel := context.WithTimeout(ctx, validity)
	defer cancel()
	return fn(fnCtx)
}

func (r *Redlock) acquire(ctx context.Context, name, token string, ttl time.Duration) (time.Duration, error) {
	start := time.Now()

	var granted, failed atomic.Int32
	var g errgroup.Group
	for _, c := range r.clients {
		c := c
		g.Go(func() error {
			nodeCtx, cancel := context.WithTimeout(ctx, r.nodeTimeout)
			defer cancel()
			ok, err := c.SetNX(nodeCtx, name, token, ttl).Result()
			if err != nil {
				failed.Add(1)
				return err
			}
			if ok {
				granted.Add(1)
			}
			return nil
		})
	}
	nodeErr := g.Wait()

	drift := time.Duration(float64(ttl)*clockDriftFactor) + 2*time.Millisecond
	validity := ttl - time.Since(start) - drift

	if int(granted.Load()) >= r.quorum() && validity > 0 {
		return validity, nil
	}

	// Give back whatever partial grants we collected.
	r.release(name, token)

	// Quorum was impossible because nodes were unreachable, not because
	// someone else holds the lease: surface it as a real error.
	if len(r.clients)-int(failed.Load()) < r.quorum() {
		return 0, fmt.Errorf("lock %s: %d/%d nodes unavailable: %w", name, failed.Load(), len(r.clients), nodeErr)
	}

	r.log.Debug().Str("key", name).Int32("granted", granted.Load()).Msg("lease held elsewhere")
	return 0, ErrNotAcquired
}

func (r *Redlock) release(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var g errgroup.Group
	for _, c := range r.clients {
		c := c
		g.Go(func() error {
			return releaseScript.Run(ctx, c, []string{name}, token).Err()
		})
	}
	if err := g.Wait(); err != nil {
		// The TTL bounds how long a stale lease can block other owners.
		r.log.Warn().Err(err).Str("key", name).Msg("release failed")
	}
}
