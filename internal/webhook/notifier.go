// Package webhook delivers domain events to tenant-configured HTTP endpoints.
//
// Notify never blocks the caller: notifications go onto a bounded channel and
// a fixed worker pool runs the pipeline (dedup, target lookup, circuit check,
// signed HTTP attempt, retry scheduling). Failed attempts are picked up again
// by Redeliver, which the reconciler calls periodically.
package webhook

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

	"github.com/void0-space/newton-backend-sub000/internal/circuitbreaker"
	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// MetricsSink records webhook activity. All methods must be non-blocking.
type MetricsSink interface {
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	WebhookOutcome(outcome string)
	WebhookDeduplicated()
	NotifyDropped()
	NotifyBufferSizeUpdate(size int)
}

// StatusClassifier maps attempt results to bounded metric labels.
type StatusClassifier func(statusCode int, err error) string

// Config tunes the notifier's workers and retry policy.
type Config struct {
	Workers    int
	BufferSize int

	// MaxAttempts caps automatic attempts per delivery. Default: 5.
	MaxAttempts int
	// InitialBackoff is the delay after the first failure; it doubles per
	// attempt. Default: 30 seconds.
	InitialBackoff time.Duration

	// DedupWindow is how long an identical notification is suppressed.
	// Default: 5 seconds.
	DedupWindow time.Duration

	// ClaimLease hides a delivery from other sweeps while it is attempted.
	ClaimLease time.Duration

	// DrainTimeout bounds processing of buffered notifications on shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BufferSize:     1000,
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		DedupWindow:    5 * time.Second,
		ClaimLease:     2 * time.Minute,
		DrainTimeout:   30 * time.Second,
	}
}

type notification struct {
	tenantID string
	event    domain.EventType
	payload  json.RawMessage
}

// Notifier delivers domain events to tenant webhooks asynchronously.
type Notifier struct {
	config   Config
	targets  TargetSource
	store    DeliveryStore
	sender   Sender
	breaker  *circuitbreaker.CircuitBreaker
	dedup    Deduper
	metrics  MetricsSink
	classify StatusClassifier
	tracer   trace.Tracer
	clock    func() time.Time
	log      zerolog.Logger

	ch chan notification
}

// New returns a Notifier. Call Run to start its workers.
func New(config Config, targets TargetSource, store DeliveryStore, sender Sender, breaker *circuitbreaker.CircuitBreaker) *Notifier {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Notifier{
		config:  config,
		targets: targets,
		store:   store,
		sender:  sender,
		breaker: breaker,
		dedup:   NewMemoryDeduper(),
		tracer:  otel.Tracer("github.com/void0-space/newton-backend-sub000/internal/webhook"),
		clock:   time.Now,
		log:     log.With().Str("component", "webhook").Logger(),
		ch:      make(chan notification, config.BufferSize),
	}
}

// WithDeduper replaces the in-process deduper, typically with a shared one.
func (n *Notifier) WithDeduper(d Deduper) *Notifier {
	n.dedup = d
	return n
}

// WithMetrics attaches a metrics sink and the classifier for attempt labels.
func (n *Notifier) WithMetrics(sink MetricsSink, classify StatusClassifier) *Notifier {
	n.metrics = sink
	n.classify = classify
	return n
}

// WithClock overrides time.Now for scheduling and timestamps.
func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// Notify queues a notification and returns immediately. When the buffer is
// full the notification is dropped and false is returned.
func (n *Notifier) Notify(tenantID string, event domain.EventType, payload json.RawMessage) bool {
	select {
	case n.ch <- notification{tenantID: tenantID, event: event, payload: payload}:
		if n.metrics != nil {
			n.metrics.NotifyBufferSizeUpdate(len(n.ch))
		}
		return true
	default:
		n.log.Warn().
			Str("tenant", tenantID).
			Str("event", string(event)).
			Int("buffer", cap(n.ch)).
			Msg("notification buffer full, dropping")
		if n.metrics != nil {
			n.metrics.NotifyDropped()
		}
		return false
	}
}

// HandleEvent adapts a domain event to Notify.
func (n *Notifier) HandleEvent(ev domain.Event) {
	payload, err := ev.Payload()
	if err != nil {
		n.log.Error().Err(err).Str("event", string(ev.Type)).Msg("encode event")
		return
	}
	n.Notify(ev.TenantID, ev.Type, payload)
}

// Run starts the worker pool and blocks until ctx is cancelled and buffered
// notifications have been drained.
func (n *Notifier) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < n.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.worker(ctx)
		}()
	}
	n.log.Info().Int("workers", n.config.Workers).Int("buffer", n.config.BufferSize).Msg("notifier started")
	wg.Wait()
}

func (n *Notifier) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return
		case nt := <-n.ch:
			n.process(ctx, nt)
		}
	}
}

// drain processes what is left in the buffer after shutdown. It uses a fresh
// context since the run context is already cancelled.
func (n *Notifier) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), n.config.DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			n.log.Warn().Int("processed", count).Int("remaining", len(n.ch)).Msg("drain timeout")
			return
		case nt := <-n.ch:
			n.process(drainCtx, nt)
			count++
		default:
			if count > 0 {
				n.log.Info().Int("processed", count).Msg("drain complete")
			}
			return
		}
	}
}

func (n *Notifier) process(ctx context.Context, nt notification) {
	if n.metrics != nil {
		n.metrics.NotifyBufferSizeUpdate(len(n.ch))
	}

	if n.dedup != nil {
		key := DedupKey(nt.tenantID, nt.event, nt.payload)
		first, err := n.dedup.FirstSeen(ctx, key, n.config.DedupWindow)
		if err != nil {
			n.log.Warn().Err(err).Msg("dedup unavailable, delivering anyway")
		} else if !first {
			n.log.Debug().Str("tenant", nt.tenantID).Str("event", string(nt.event)).Msg("duplicate notification dropped")
			if n.metrics != nil {
				n.metrics.WebhookDeduplicated()
			}
			return
		}
	}

	targets, err := n.targets.ActiveTargets(ctx, nt.tenantID, nt.event)
	if err != nil {
		n.log.Error().Err(err).Str("tenant", nt.tenantID).Msg("load webhook targets")
		return
	}

	for _, t := range targets {
		n.deliverNew(ctx, t, nt)
	}
}

func (n *Notifier) deliverNew(ctx context.Context, t domain.WebhookTarget, nt notification) {
	now := n.clock()
	d := domain.WebhookDelivery{
		ID:        uuid.New(),
		WebhookID: t.ID,
		TenantID:  nt.tenantID,
		Event:     nt.event,
		Payload:   nt.payload,
		Status:    domain.WebhookDeliveryPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if remaining, err := n.breaker.Allow(ctx, circuitKey(t)); errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		n.deferForCircuit(&d, now, remaining)
		if err := n.store.InsertDelivery(ctx, d); err != nil {
			n.log.Error().Err(err).Str("delivery", d.ID.String()).Msg("record delivery")
		}
		return
	}

	// Recorded before the attempt so a crash mid-attempt leaves a row the
	// sweep will pick up once the lease passes.
	lease := now.Add(n.config.ClaimLease)
	d.NextAttemptAt = &lease
	if err := n.store.InsertDelivery(ctx, d); err != nil {
		n.log.Error().Err(err).Str("delivery", d.ID.String()).Msg("record delivery")
		return
	}

	n.attempt(ctx, t, &d)
	n.save(ctx, d)
}

func (n *Notifier) deferForCircuit(d *domain.WebhookDelivery, now time.Time, remaining time.Duration) {
	next := now.Add(remaining)
	d.NextAttemptAt = &next
	d.LastError = circuitbreaker.ErrCircuitOpen.Error()
	d.UpdatedAt = now
	n.log.Debug().
		Str("delivery", d.ID.String()).
		Str("webhook", d.WebhookID.String()).
		Time("next_attempt_at", next).
		Msg("circuit open, delivery deferred")
	if n.metrics != nil {
		n.metrics.WebhookOutcome("circuit_open")
	}
}

// attempt performs one HTTP attempt and updates d in place.
func (n *Notifier) attempt(ctx context.Context, t domain.WebhookTarget, d *domain.WebhookDelivery) {
	ctx, span := n.tracer.Start(ctx, "webhook.attempt", trace.WithAttributes(
		attribute.String("webhook.id", t.ID.String()),
		attribute.String("webhook.event", string(d.Event)),
		attribute.String("webhook.delivery_id", d.ID.String()),
	))
	defer span.End()

	res := n.sender.Send(ctx, Request{
		URL:        t.URL,
		Secret:     t.Secret,
		Transport:  t.Transport,
		Timeout:    t.Timeout,
		Event:      d.Event,
		DeliveryID: d.ID.String(),
		Payload:    d.Payload,
	})

	now := n.clock()
	d.Attempts++
	d.ResponseStatus = res.StatusCode
	d.ResponseBody = res.Body
	d.LastError = ""
	d.UpdatedAt = now

	if n.metrics != nil && n.classify != nil {
		n.metrics.WebhookAttemptCompleted(n.classify(res.StatusCode, res.Error), res.Duration)
	}
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode), attribute.Int("webhook.attempt", d.Attempts))

	if res.IsSuccess() {
		d.Status = domain.WebhookDeliverySuccess
		d.NextAttemptAt = nil
		n.breaker.RecordSuccess(ctx, circuitKey(t))
		n.outcome("success")
		n.log.Debug().Str("delivery", d.ID.String()).Int("attempt", d.Attempts).Msg("delivered")
		return
	}

	if res.Error != nil {
		d.LastError = res.Error.Error()
	} else {
		d.LastError = fmt.Sprintf("unexpected status %d", res.StatusCode)
	}
	span.SetStatus(codes.Error, d.LastError)
	n.breaker.RecordFailure(ctx, circuitKey(t))

	if !res.IsRetryable() || d.Attempts >= n.config.MaxAttempts {
		d.Status = domain.WebhookDeliveryExhausted
		d.NextAttemptAt = nil
		n.outcome("exhausted")
		n.log.Warn().
			Str("delivery", d.ID.String()).
			Str("webhook", t.ID.String()).
			Int("attempts", d.Attempts).
			Str("error", d.LastError).
			Msg("delivery exhausted")
		return
	}

	next := now.Add(n.backoff(d.Attempts))
	d.Status = domain.WebhookDeliveryFailed
	d.NextAttemptAt = &next
	n.outcome("retry")
	n.log.Warn().
		Str("delivery", d.ID.String()).
		Str("webhook", t.ID.String()).
		Int("attempt", d.Attempts).
		Time("next_attempt_at", next).
		Str("error", d.LastError).
		Msg("delivery failed, retry scheduled")
}

// backoff returns InitialBackoff * 2^(attempts-1).
func (n *Notifier) backoff(attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	return n.config.InitialBackoff << shift
}

func (n *Notifier) save(ctx context.Context, d domain.WebhookDelivery) {
	if err := n.store.UpdateDelivery(ctx, d); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			n.log.Debug().Str("delivery", d.ID.String()).Msg("delivery already succeeded, skipping update")
			return
		}
		n.log.Error().Err(err).Str("delivery", d.ID.String()).Msg("update delivery")
	}
}

func (n *Notifier) outcome(outcome string) {
	if n.metrics != nil {
		n.metrics.WebhookOutcome(outcome)
	}
}

// Redeliver re-attempts deliveries whose NextAttemptAt has passed and that
// were created within lookback of now. It returns the number attempted.
func (n *Notifier) Redeliver(ctx context.Context, now time.Time, lookback time.Duration, limit int) (int, error) {
	due, err := n.store.ClaimDue(ctx, now, now.Add(-lookback), n.config.ClaimLease, limit)
	if err != nil {
		return 0, fmt.Errorf("claim due deliveries: %w", err)
	}

	attempted := 0
	for _, d := range due {
		if ctx.Err() != nil {
			return attempted, ctx.Err()
		}

		t, err := n.targets.GetTarget(ctx, d.WebhookID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			// The claim lease expires and a later sweep tries again.
			n.log.Error().Err(err).Str("delivery", d.ID.String()).Msg("load webhook target")
			continue
		}
		if errors.Is(err, ErrNotFound) || !t.Active {
			d.Status = domain.WebhookDeliveryExhausted
			d.NextAttemptAt = nil
			d.LastError = "webhook target removed or inactive"
			d.UpdatedAt = now
			n.save(ctx, d)
			continue
		}

		if remaining, err := n.breaker.Allow(ctx, circuitKey(t)); errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			n.deferForCircuit(&d, now, remaining)
			n.save(ctx, d)
			continue
		}

		n.attempt(ctx, t, &d)
		n.save(ctx, d)
		attempted++
	}
	return attempted, nil
}

// Retry reprocesses an exhausted delivery with a fresh attempt budget. It
// returns the delivery after the attempt.
func (n *Notifier) Retry(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	d, err := n.store.GetDelivery(ctx, id)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	if d.Status != domain.WebhookDeliveryExhausted {
		return d, ErrNotRetryable
	}
	t, err := n.targets.GetTarget(ctx, d.WebhookID)
	if err != nil {
		return d, fmt.Errorf("load webhook target: %w", err)
	}

	now := n.clock()
	d.Status = domain.WebhookDeliveryPending
	d.Attempts = 0

	if remaining, err := n.breaker.Allow(ctx, circuitKey(t)); errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		n.deferForCircuit(&d, now, remaining)
		n.save(ctx, d)
		return d, nil
	}

	n.log.Info().Str("delivery", d.ID.String()).Msg("manual retry")
	n.attempt(ctx, t, &d)
	n.save(ctx, d)
	return d, nil
}

// Get returns a delivery record.
func (n *Notifier) Get(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	return n.store.GetDelivery(ctx, id)
}

func circuitKey(t domain.WebhookTarget) string {
	return t.ID.String()
}
