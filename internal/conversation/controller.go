// Package conversation serializes work per conversation.
//
// Inside one replica each conversation key has a FIFO queue drained by a
// single goroutine. Across replicas each task additionally runs under a
// distributed lease on the same key, so at most one replica processes a
// given conversation at a time. Different conversations run in parallel.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/lock"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("conversation controller closed")

// Task is one unit of work for a conversation.
type Task func(ctx context.Context) error

// MetricsSink records controller activity.
type MetricsSink interface {
	ConversationTaskCompleted(outcome string, duration time.Duration)
	ConversationQueuesSet(n int)
}

type item struct {
	seq  uint64
	task Task
}

type queue struct {
	key   domain.ConversationKey
	items []item
}

// Controller serializes tasks per conversation inside this process and wraps
// each task in the conversation's cluster-wide lease.
type Controller struct {
	locker  lock.Locker
	ttl     time.Duration
	metrics MetricsSink
	log     zerolog.Logger

	mu     sync.Mutex
	queues map[string]*queue
	seq    uint64
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Controller that leases keys from locker with lock.DefaultTTL.
func New(locker lock.Locker) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		locker: locker,
		ttl:    lock.DefaultTTL,
		log:    log.With().Str("component", "conversation").Logger(),
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLockTTL sets the lease TTL used for each task.
func (c *Controller) WithLockTTL(ttl time.Duration) *Controller {
	c.ttl = ttl
	return c
}

// WithMetrics attaches a metrics sink.
func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

// Submit appends task to the key's queue and returns without waiting.
func (c *Controller) Submit(key domain.ConversationKey, task Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.seq++
	it := item{seq: c.seq, task: task}

	id := key.String()
	if q, ok := c.queues[id]; ok {
		q.items = append(q.items, it)
		return nil
	}

	q := &queue{key: key, items: []item{it}}
	c.queues[id] = q
	c.setQueues()
	c.wg.Add(1)
	go c.drain(id, q)
	return nil
}

// Active returns the number of conversations with pending or running work.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}

// Close stops intake and waits for queued tasks to finish. If ctx expires
// first, running tasks are cancelled and ctx.Err() is returned.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Controller) drain(id string, q *queue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.items) == 0 {
			delete(c.queues, id)
			c.setQueues()
			c.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items[0] = item{}
		q.items = q.items[1:]
		c.mu.Unlock()

		c.run(q.key, it)
	}
}

func (c *Controller) run(key domain.ConversationKey, it item) {
	start := time.Now()
	err := c.locker.WithLock(c.ctx, "conversation:"+key.String(), c.ttl, func(ctx context.Context) error {
		return safeRun(ctx, it.task)
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		c.observe("ok", elapsed)
	case errors.Is(err, lock.ErrNotAcquired):
		// Another replica owns this conversation right now; upstream
		// redelivery is relied on to bring the event back.
		c.log.Debug().
			Str("conversation", key.String()).
			Uint64("seq", it.seq).
			Msg("conversation locked elsewhere, task dropped")
		c.observe("contended", elapsed)
	default:
		c.log.Error().
			Err(err).
			Str("conversation", key.String()).
			Uint64("seq", it.seq).
			Msg("conversation task failed")
		c.observe("error", elapsed)
	}
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}

func (c *Controller) observe(outcome string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.ConversationTaskCompleted(outcome, d)
	}
}

// setQueues must be called with c.mu held.
func (c *Controller) setQueues() {
	if c.metrics != nil {
		c.metrics.ConversationQueuesSet(len(c.queues))
	}
}
