// Package outbound is the durable, at-least-once queue for outbound messages.
//
// A fixed pool of workers claims jobs by priority and sends them through the
// session manager. Failures are retried with exponential backoff up to a
// small cap; jobs that exhaust the cap or fail permanently are moved verbatim
// to the dead-letter store, where they stay until an operator requeues them.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// Sender performs the actual send on a live session.
type Sender interface {
	SendNow(ctx context.Context, sessionID, recipient string, payload json.RawMessage) (domain.SendResult, error)
}

// MetricsSink records queue activity. All methods must be non-blocking.
type MetricsSink interface {
	JobEnqueued()
	JobAttemptCompleted(outcome string, duration time.Duration)
	QueueDepthSet(queued, active, dead int)
}

// NewJob is what callers hand to Enqueue.
type NewJob struct {
	TenantID  string          `json:"tenant_id"`
	SessionID string          `json:"session_id"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// JobStatus is the caller-facing view of a job.
type JobStatus struct {
	ID          uuid.UUID          `json:"id"`
	State       domain.JobState    `json:"state"`
	Attempts    int                `json:"attempts"`
	MaxAttempts int                `json:"max_attempts"`
	Result      *domain.SendResult `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	NextRunAt   *time.Time         `json:"next_run_at,omitempty"`
}

// Config tunes the worker pool and retry policy.
type Config struct {
	// Workers is the fixed send concurrency. Default: 4.
	Workers int

	// MaxAttempts caps send attempts before dead-lettering. Default: 5.
	MaxAttempts int

	// InitialBackoff doubles per failed attempt up to MaxBackoff.
	// Default: 3 seconds, capped at 5 minutes.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// PollInterval is how often idle workers look for due retries.
	// Default: 1 second.
	PollInterval time.Duration

	// RatePerSession paces sends per session in messages per second.
	// Zero disables pacing.
	RatePerSession float64
	Burst          int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		MaxAttempts:    5,
		InitialBackoff: 3 * time.Second,
		MaxBackoff:     5 * time.Minute,
		PollInterval:   time.Second,
		Burst:          1,
	}
}

const depthInterval = 15 * time.Second

// Queue dispatches delivery jobs through a Sender.
type Queue struct {
	config  Config
	store   Store
	sender  Sender
	metrics MetricsSink
	tracer  trace.Tracer
	clock   func() time.Time
	log     zerolog.Logger

	wake chan struct{}

	limitersMu sync.Mutex
	limiters   map[string]*pacer
}

type pacer struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// New returns a Queue over store. Non-positive settings fall back to safe
// minimums.
func New(config Config, store Store, sender Sender) *Queue {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Queue{
		config:   config,
		store:    store,
		sender:   sender,
		tracer:   otel.Tracer("github.com/void0-space/newton-backend-sub000/internal/outbound"),
		clock:    time.Now,
		log:      log.With().Str("component", "outbound").Logger(),
		wake:     make(chan struct{}, 1),
		limiters: make(map[string]*pacer),
	}
}

// WithMetrics attaches a metrics sink to the queue.
func (q *Queue) WithMetrics(sink MetricsSink) *Queue {
	q.metrics = sink
	return q
}

// WithClock overrides time.Now for scheduling and timestamps.
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

// Enqueue stores a job and wakes an idle worker. Higher priority runs first.
func (q *Queue) Enqueue(ctx context.Context, job NewJob, priority int) (uuid.UUID, error) {
	now := q.clock()
	j := domain.DeliveryJob{
		ID:          uuid.New(),
		TenantID:    job.TenantID,
		SessionID:   job.SessionID,
		Recipient:   job.Recipient,
		Payload:     job.Payload,
		Priority:    priority,
		MaxAttempts: q.config.MaxAttempts,
		State:       domain.JobStateQueued,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Insert(ctx, j); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue: %w", err)
	}
	if q.metrics != nil {
		q.metrics.JobEnqueued()
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j.ID, nil
}

// Status reports a job's state, attempts and result or last error.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (JobStatus, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{
		ID:          j.ID,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Result:      j.Result,
		Error:       j.LastError,
	}
	if j.State == domain.JobStateQueued {
		next := j.NextRunAt
		st.NextRunAt = &next
	}
	return st, nil
}

// Stats returns queue depth and publishes it as gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := q.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	if q.metrics != nil {
		q.metrics.QueueDepthSet(st.Queued, st.Active, st.Dead)
	}
	return st, nil
}

// DeadLetters lists the most recent dead letters.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx, limit)
}

// RequeueDeadLetter is the explicit reprocessing action for a dead job.
func (q *Queue) RequeueDeadLetter(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error) {
	j, err := q.store.RequeueDeadLetter(ctx, id, q.clock())
	if err != nil {
		return domain.DeliveryJob{}, err
	}
	q.log.Info().Str("job", j.ID.String()).Str("dead_letter", id.String()).Msg("dead letter requeued")
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return j, nil
}

// RequeueStale recovers jobs left active by a crashed worker.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	return q.store.RequeueStale(ctx, olderThan)
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight send has finished.
func (q *Queue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < q.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.reportDepth(ctx)
	}()

	q.log.Info().
		Int("workers", q.config.Workers).
		Int("max_attempts", q.config.MaxAttempts).
		Dur("poll_interval", q.config.PollInterval).
		Msg("queue started")
	wg.Wait()
	q.log.Info().Msg("queue stopped")
}

func (q *Queue) worker(ctx context.Context) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && q.processOne(ctx) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

func (q *Queue) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Stats(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn().Err(err).Msg("queue stats")
			}
			q.pruneLimiters(q.clock())
		}
	}
}

// processOne claims and runs a single job. It reports whether a job was found.
func (q *Queue) processOne(ctx context.Context) bool {
	job, ok, err := q.store.Claim(ctx, q.clock())
	if err != nil {
		if ctx.Err() == nil {
			q.log.Error().Err(err).Msg("claim job")
		}
		return false
	}
	if !ok {
		return false
	}
	q.execute(ctx, job)
	return true
}

func (q *Queue) execute(ctx context.Context, job domain.DeliveryJob) {
	ctx, span := q.tracer.Start(ctx, "outbound.send", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.String("session.id", job.SessionID),
		attribute.Int("job.priority", job.Priority),
	))
	defer span.End()

	if err := q.limiter(job.SessionID).Wait(ctx); err != nil {
		// Shutdown while pacing; the stale-job sweep returns it to the queue.
		q.log.Debug().Err(err).Str("job", job.ID.String()).Msg("pacing interrupted")
		return
	}

	start := time.Now()
	result, err := q.sender.SendNow(ctx, job.SessionID, job.Recipient, job.Payload)
	elapsed := time.Since(start)
	attempts := job.Attempts + 1
	now := q.clock()

	if err == nil {
		if err := q.store.Complete(ctx, job.ID, attempts, result, now); err != nil {
			q.log.Error().Err(err).Str("job", job.ID.String()).Msg("complete job")
		}
		q.observe("success", elapsed)
		q.log.Debug().Str("job", job.ID.String()).Int("attempt", attempts).Str("message_id", result.MessageID).Msg("sent")
		return
	}

	span.SetStatus(codes.Error, err.Error())
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.config.MaxAttempts
	}

	if IsPermanent(err) || attempts >= maxAttempts {
		q.deadLetter(ctx, job, attempts, err, now)
		q.observe("dead", elapsed)
		return
	}

	next := now.Add(q.backoff(attempts))
	if err := q.store.Retry(ctx, job.ID, attempts, err.Error(), next, now); err != nil {
		q.log.Error().Err(err).Str("job", job.ID.String()).Msg("schedule retry")
	}
	q.observe("retry", elapsed)
	q.log.Warn().
		Err(err).
		Str("job", job.ID.String()).
		Str("session", job.SessionID).
		Int("attempt", attempts).
		Time("next_run_at", next).
		Msg("send failed, retry scheduled")
}

func (q *Queue) deadLetter(ctx context.Context, job domain.DeliveryJob, attempts int, cause error, now time.Time) {
	job.Attempts = attempts
	job.LastError = cause.Error()
	job.UpdatedAt = now
	dl := domain.DeadLetter{
		ID:       uuid.New(),
		Job:      job,
		Error:    cause.Error(),
		Stack:    errorChain(cause),
		FailedAt: now,
	}
	if err := q.store.DeadLetter(ctx, dl); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			return
		}
		q.log.Error().Err(err).Str("job", job.ID.String()).Msg("dead-letter job")
		return
	}
	q.log.Error().
		Err(cause).
		Str("job", job.ID.String()).
		Str("session", job.SessionID).
		Int("attempts", attempts).
		Bool("permanent", IsPermanent(cause)).
		Msg("job dead-lettered")
}

// backoff returns InitialBackoff * 2^(attempts-1), capped at MaxBackoff.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.config.InitialBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if q.config.MaxBackoff > 0 && d >= q.config.MaxBackoff {
			return q.config.MaxBackoff
		}
	}
	return d
}

func (q *Queue) limiter(sessionID string) *rate.Limiter {
	if q.config.RatePerSession <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	p, ok := q.limiters[sessionID]
	if !ok {
		p = &pacer{limiter: rate.NewLimiter(rate.Limit(q.config.RatePerSession), q.config.Burst)}
		q.limiters[sessionID] = p
	}
	p.lastUsed = q.clock()
	return p.limiter
}

// pruneLimiters drops limiters idle long enough to have refilled their
// burst; a fresh limiter behaves identically.
func (q *Queue) pruneLimiters(now time.Time) {
	if q.config.RatePerSession <= 0 {
		return
	}
	refill := time.Duration(float64(q.config.Burst) / q.config.RatePerSession * float64(time.Second))
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	for id, p := range q.limiters {
		if now.Sub(p.lastUsed) > refill {
			delete(q.limiters, id)
		}
	}
}

// Forget drops the pacing state of a session.
func (q *Queue) Forget(sessionID string) {
	q.limitersMu.Lock()
	defer q.limitersMu.Unlock()
	delete(q.limiters, sessionID)
}

// HandleEvent forgets the pacing state of sessions that were deleted or
// logged out. It is meant to be subscribed to the session event stream.
func (q *Queue) HandleEvent(_ context.Context, ev domain.Event) {
	if ev.Type != domain.EventDisconnected {
		return
	}
	switch ev.Data["reason"] {
	case "deleted", "logout":
		q.Forget(ev.SessionID)
	}
}

func (q *Queue) observe(outcome string, d time.Duration) {
	if q.metrics != nil {
		q.metrics.JobAttemptCompleted(outcome, d)
	}
}
