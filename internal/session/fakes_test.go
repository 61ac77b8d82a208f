package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
)

type fakeConn struct {
	events chan ConnEvent

	mu        sync.Mutex
	sent      []string
	sendErr   error
	loggedOut bool
	closed    bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan ConnEvent, 16)}
}

func (c *fakeConn) Events() <-chan ConnEvent { return c.events }

func (c *fakeConn) Decrypt(_ context.Context, raw RawMessage) (domain.InboundMessage, error) {
	return domain.InboundMessage{ID: raw.ID, Payload: json.RawMessage(raw.Data), ReceivedAt: time.Now()}, nil
}

func (c *fakeConn) Send(_ context.Context, recipient string, _ json.RawMessage) (domain.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return domain.SendResult{}, c.sendErr
	}
	c.sent = append(c.sent, recipient)
	return domain.SendResult{MessageID: "m-" + recipient, Timestamp: time.Now()}, nil
}

func (c *fakeConn) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedOut = true
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

type fakeConnector struct {
	mu       sync.Mutex
	conns    []*fakeConn
	calls    []time.Time
	err      error
	autoOpen bool

	// gate, when set, holds Connect until it is closed. entered receives
	// one value per gated call. honorCtx lets a cancelled context end the
	// wait early.
	gate     chan struct{}
	entered  chan struct{}
	honorCtx bool
}

func (f *fakeConnector) Connect(ctx context.Context, _ domain.Session) (Conn, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	gate, entered, honorCtx := f.gate, f.entered, f.honorCtx
	f.mu.Unlock()

	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		if honorCtx {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeConn()
	if f.autoOpen {
		c.events <- ConnEvent{Kind: ConnOpen}
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeConnector) callAt(i int) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func (f *fakeConnector) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) find(typ domain.EventType) (domain.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return domain.Event{}, false
}

type recordingInbound struct {
	mu   sync.Mutex
	msgs []domain.InboundMessage
}

func (r *recordingInbound) HandleInbound(_ context.Context, msg domain.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingInbound) all() []domain.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.InboundMessage(nil), r.msgs...)
}

type mockEnqueuer struct {
	mu   sync.Mutex
	jobs []outbound.NewJob
}

func (e *mockEnqueuer) Enqueue(_ context.Context, job outbound.NewJob, _ int) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return uuid.New(), nil
}

type mockCache struct {
	mu          sync.Mutex
	entries     map[string]domain.Session
	invalidated []string
}

func (c *mockCache) Get(_ context.Context, id string) (domain.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[id]
	return s, ok, nil
}

func (c *mockCache) Set(_ context.Context, s domain.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]domain.Session)
	}
	c.entries[s.ID] = s
	return nil
}

func (c *mockCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	c.invalidated = append(c.invalidated, id)
	return nil
}

func (c *mockCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}
