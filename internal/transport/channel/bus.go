// Package channel implements an in-process event bus that fans domain events
// out to independent subscribers.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// ErrBufferFull is returned by Emit when a subscriber's buffer stayed full
// for the whole emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// Handler consumes one event. Handlers run on the subscriber's own goroutine.
type Handler func(ctx context.Context, ev domain.Event)

// MetricsSink records bus pressure. All methods must be non-blocking.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type subscriber struct {
	name    string
	handler Handler
	ch      chan domain.Event
}

// EventBus delivers every published event to every subscriber. Each
// subscriber has its own buffer so a slow consumer only loses its own events.
type EventBus struct {
	buffer      int
	emitTimeout time.Duration
	metrics     MetricsSink
	logger      zerolog.Logger

	mu      sync.RWMutex
	subs    []*subscriber
	running bool
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithEmitTimeout bounds how long Emit waits on a full subscriber buffer.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	if buffer < 1 {
		buffer = 1
	}
	b := &EventBus{
		buffer:      buffer,
		emitTimeout: 100 * time.Millisecond,
		logger:      log.With().Str("component", "eventbus").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler. Subscriptions must happen before Run.
func (b *EventBus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		panic("channel: Subscribe called after Run")
	}
	b.subs = append(b.subs, &subscriber{
		name:    name,
		handler: h,
		ch:      make(chan domain.Event, b.buffer),
	})
}

// Emit offers ev to every subscriber, waiting up to the emit timeout for each
// full buffer. It returns ErrBufferFull if any subscriber missed the event.
func (b *EventBus) Emit(ctx context.Context, ev domain.Event) error {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	var result error
	for _, s := range subs {
		if err := b.offer(ctx, s, ev, b.emitTimeout); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			result = err
		}
	}
	return result
}

// Publish offers ev to every subscriber without blocking. Subscribers whose
// buffer is full miss the event.
func (b *EventBus) Publish(ev domain.Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, s := range subs {
		_ = b.offer(context.Background(), s, ev, 0)
	}
}

func (b *EventBus) offer(ctx context.Context, s *subscriber, ev domain.Event, timeout time.Duration) error {
	select {
	case s.ch <- ev:
		b.reportSize(s)
		return nil
	default:
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case s.ch <- ev:
			b.reportSize(s)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if b.metrics != nil {
		b.metrics.EmitError()
	}
	b.logger.Warn().
		Str("subscriber", s.name).
		Str("event", string(ev.Type)).
		Str("session_id", ev.SessionID).
		Msg("subscriber buffer full, event dropped")
	return ErrBufferFull
}

func (b *EventBus) reportSize(s *subscriber) {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(s.ch))
	}
}

// Run starts one goroutine per subscriber and blocks until ctx is cancelled.
// Events already buffered at shutdown are handed to their subscribers with a
// fresh context before Run returns.
func (b *EventBus) Run(ctx context.Context) {
	b.mu.Lock()
	b.running = true
	subs := b.subs
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *subscriber) {
			defer wg.Done()
			b.consume(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (b *EventBus) consume(ctx context.Context, s *subscriber) {
	for {
		select {
		case ev := <-s.ch:
			b.handle(ctx, s, ev)
		case <-ctx.Done():
			b.drain(s)
			return
		}
	}
}

func (b *EventBus) drain(s *subscriber) {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	for {
		select {
		case ev := <-s.ch:
			b.handle(drainCtx, s, ev)
			n++
		default:
			if n > 0 {
				b.logger.Info().Str("subscriber", s.name).Int("events", n).Msg("drained buffered events")
			}
			return
		}
	}
}

func (b *EventBus) handle(ctx context.Context, s *subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscriber", s.name).
				Str("event", string(ev.Type)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.handler(ctx, ev)
}
