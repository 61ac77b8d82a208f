// Package reconciler runs the periodic recovery sweeps.
//
// Each cycle redelivers webhook deliveries that are due, returns outbound
// jobs stranded in 'active' by a crashed worker to the queue, and purges
// delivery records past retention when the purge schedule fires.
//
// Every step is idempotent: the stores' terminal-state guards and claim
// leases make overlapping or repeated cycles harmless.
package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/cron"
)

// Redeliverer re-attempts due webhook deliveries.
type Redeliverer interface {
	Redeliver(ctx context.Context, now time.Time, lookback time.Duration, limit int) (int, error)
}

// JobRequeuer returns stale active jobs to the queue.
type JobRequeuer interface {
	RequeueStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Purger deletes delivery records created before cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type MetricsSink interface {
	ReconcileCycleCompleted(redelivered, requeued, purged int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Lookback bounds how old a delivery may be and still be redelivered.
	// Default: 24 hours.
	Lookback time.Duration

	// BatchSize is the maximum number of deliveries redelivered per cycle.
	// Default: 100.
	BatchSize int

	// StaleJobThreshold is how long a job may stay active before it is
	// considered abandoned.
	// Default: 5 minutes.
	StaleJobThreshold time.Duration

	// Retention is how long delivery records are kept.
	// Default: 7 days.
	Retention time.Duration

	// PurgeSchedule is a cron expression in UTC. Empty disables purging.
	// Default: "0 3 * * *".
	PurgeSchedule string
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		Lookback:          24 * time.Hour,
		BatchSize:         100,
		StaleJobThreshold: 5 * time.Minute,
		Retention:         7 * 24 * time.Hour,
		PurgeSchedule:     "0 3 * * *",
	}
}

// Reconciler drives the recovery sweeps.
type Reconciler struct {
	config  Config
	webhook Redeliverer
	jobs    JobRequeuer
	purger  Purger
	purge   cron.Schedule
	metrics MetricsSink
	clock   func() time.Time
	logger  zerolog.Logger

	lastPurge time.Time
}

// New creates a new Reconciler. Any of the collaborators may be nil to skip
// its step. It fails only when the purge schedule does not parse.
func New(config Config, webhook Redeliverer, jobs JobRequeuer, purger Purger) (*Reconciler, error) {
	r := &Reconciler{
		config:  config,
		webhook: webhook,
		jobs:    jobs,
		purger:  purger,
		clock:   time.Now,
		logger:  log.With().Str("component", "reconciler").Logger(),
	}
	if config.PurgeSchedule != "" && purger != nil {
		sched, err := cron.NewParser().Parse(config.PurgeSchedule, "UTC")
		if err != nil {
			return nil, err
		}
		r.purge = sched
	}
	return r, nil
}

// WithMetrics attaches a metrics sink.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithClock overrides time.Now for cycle timestamps.
func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.config.Interval).
		Dur("lookback", r.config.Lookback).
		Dur("stale_threshold", r.config.StaleJobThreshold).
		Str("purge_schedule", r.config.PurgeSchedule).
		Msg("reconciler started")

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciler stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// CycleResult reports what one cycle did.
type CycleResult struct {
	Redelivered int
	Requeued    int
	Purged      int
}

// RunCycle executes one reconciliation cycle. A failing step is logged and
// does not stop the others.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	now := r.clock().UTC()
	var res CycleResult
	if r.lastPurge.IsZero() {
		r.lastPurge = now
	}

	if r.jobs != nil {
		n, err := r.jobs.RequeueStale(ctx, now.Add(-r.config.StaleJobThreshold))
		if err != nil {
			r.logger.Error().Err(err).Msg("requeue stale jobs failed")
		} else {
			res.Requeued = n
		}
	}

	if r.webhook != nil && ctx.Err() == nil {
		n, err := r.webhook.Redeliver(ctx, now, r.config.Lookback, r.config.BatchSize)
		if err != nil {
			r.logger.Error().Err(err).Msg("webhook redelivery failed")
		}
		res.Redelivered = n
	}

	if r.purge != nil && ctx.Err() == nil && cron.Due(r.purge, r.lastPurge, now) {
		n, err := r.purger.PurgeBefore(ctx, now.Add(-r.config.Retention))
		if err != nil {
			r.logger.Error().Err(err).Msg("purge deliveries failed")
		} else {
			res.Purged = int(n)
			r.lastPurge = now
		}
	}

	if res.Redelivered > 0 || res.Requeued > 0 || res.Purged > 0 {
		r.logger.Info().
			Int("redelivered", res.Redelivered).
			Int("requeued", res.Requeued).
			Int("purged", res.Purged).
			Msg("cycle complete")
	}
	if r.metrics != nil {
		r.metrics.ReconcileCycleCompleted(res.Redelivered, res.Requeued, res.Purged)
	}
	return res
}
