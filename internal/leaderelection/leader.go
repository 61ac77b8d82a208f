// Package leaderelection provides Postgres advisory lock-based leader election.
//
// A single Postgres session-scoped advisory lock determines the leader, which
// runs the recovery sweeps. The lock is held for the lifetime of a dedicated
// database connection; there is no renewal or TTL. If the connection dies,
// Postgres releases the lock server-side.
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost"
}

// lease is a held advisory lock.
type lease interface {
	Ping(ctx context.Context) error
	Release(ctx context.Context) error
}

// locker attempts the advisory lock once. A nil lease means another
// instance holds it.
type locker func(ctx context.Context, key int64) (lease, error)

// Elector manages leader election using a Postgres advisory lock.
type Elector struct {
	tryLock           locker
	lockKey           int64
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink
	logger            zerolog.Logger
}

// KeyFromName maps a lock name to an advisory lock key.
func KeyFromName(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return newElector(postgresLocker(db), lockKey, retryInterval, heartbeatInterval, onElected, onDemoted)
}

func newElector(tryLock locker, lockKey int64, retryInterval, heartbeatInterval time.Duration, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		tryLock:           tryLock,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            log.With().Str("component", "leader").Logger(),
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Info().
		Int64("lock_key", e.lockKey).
		Dur("retry", e.retryInterval).
		Dur("heartbeat", e.heartbeatInterval).
		Msg("starting election loop")

	for {
		if ctx.Err() != nil {
			break
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			break
		}

		if reason != "" {
			e.logger.Warn().Str("reason", reason).Dur("retry_in", e.retryInterval).Msg("lost leadership")
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retryInterval):
		}
	}
	e.logger.Info().Msg("election loop stopped")
}

// runOnce attempts to acquire the advisory lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	l, err := e.tryLock(ctx, e.lockKey)
	if err != nil {
		e.logger.Error().Err(err).Msg("advisory lock attempt failed")
		return ""
	}
	if l == nil {
		e.logger.Debug().Int64("lock_key", e.lockKey).Msg("lock held by another instance")
		return ""
	}

	e.logger.Info().Int64("lock_key", e.lockKey).Msg("acquired advisory lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, l)

	cancelLeader()
	e.onDemoted()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := l.Release(releaseCtx); err != nil {
		e.logger.Warn().Err(err).Msg("advisory lock release failed")
	}
	cancel()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	e.logger.Info().Int64("lock_key", e.lockKey).Msg("released advisory lock")
	return reason
}

// holdLock blocks while pinging the dedicated connection.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, l lease) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := l.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.Error().Err(err).Msg("dedicated connection ping failed")
				return "conn_lost"
			}
		}
	}
}

// Advisory locks are session-scoped, so each attempt uses a dedicated connection.
func postgresLocker(db *sql.DB) locker {
	return func(ctx context.Context, key int64) (lease, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, err
		}

		var acquired bool
		err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if !acquired {
			conn.Close()
			return nil, nil
		}
		return &pgLease{conn: conn, key: key}, nil
	}
}

type pgLease struct {
	conn *sql.Conn
	key  int64
}

func (l *pgLease) Ping(ctx context.Context) error {
	return l.conn.PingContext(ctx)
}

// Release unlocks explicitly so a successor need not wait for the
// connection to be reaped.
func (l *pgLease) Release(ctx context.Context) error {
	defer l.conn.Close()
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	return err
}
