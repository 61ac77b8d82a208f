// Package session manages the lifecycle of tenant connections.
//
// Each live connection is owned by an Actor goroutine registered in a
// Registry. The Manager drives the state machine
//
//	disconnected -> connecting -> (qr_required | connected)
//
// persisting every transition, invalidating the shared cache and publishing
// a domain event. Transient connection loss schedules exactly one reconnect
// through the same start path used by Create.
//
// Lazy reconnection in Get assumes a session is routed to one replica at a
// time; two replicas resuming the same session would each open a connection.
package session

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

	"github.com/void0-space/newton-backend-sub000/internal/conversation"
	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
)

var ErrClosed = errors.New("session manager closed")

// errStartAborted reports that the session was torn down while its
// connection was being opened.
var errStartAborted = errors.New("session torn down during connect")

const persistTimeout = 5 * time.Second

// Config tunes reconnect behaviour.
type Config struct {
	// ReconnectDelay applies after a generic connection loss. Default: 5s.
	ReconnectDelay time.Duration
	// IdleReconnectDelay applies after an idle timeout. Default: 30s.
	IdleReconnectDelay time.Duration
	// ConnectTimeout bounds opening a connection. Default: 30s.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:     5 * time.Second,
		IdleReconnectDelay: 30 * time.Second,
		ConnectTimeout:     30 * time.Second,
	}
}

// CreateRequest describes a new session. ID is generated when empty.
type CreateRequest struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	AutoReconnect bool   `json:"auto_reconnect"`
}

// SendOutcome is either a queued job or an immediate result.
type SendOutcome struct {
	JobID  *uuid.UUID         `json:"job_id,omitempty"`
	Result *domain.SendResult `json:"result,omitempty"`
}

// Manager owns every session's connection lifecycle in this process.
type Manager struct {
	config        Config
	store         Store
	connector     Connector
	conversations Conversations
	inbound       InboundHandler

	registry    Registry
	cache       Cache
	publisher   Publisher
	enqueuer    Enqueuer
	credentials Credentials
	metrics     MetricsSink
	clock       func() time.Time
	log         zerolog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	starting map[string]context.CancelFunc
	// torn records the last teardown of each session. A start whose
	// snapshot predates it must not register a connection.
	torn        map[string]teardown
	teardownSeq uint64
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

type teardown struct {
	seq    uint64
	reason string
	at     time.Time
}

// New returns a Manager with an in-memory registry. Optional collaborators
// are attached with the With methods.
func New(config Config, store Store, connector Connector, conversations Conversations, inbound InboundHandler) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:        config,
		store:         store,
		connector:     connector,
		conversations: conversations,
		inbound:       inbound,
		registry:      NewMemoryRegistry(),
		clock:         time.Now,
		log:           log.With().Str("component", "session").Logger(),
		timers:        make(map[string]*time.Timer),
		starting:      make(map[string]context.CancelFunc),
		torn:          make(map[string]teardown),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// WithRegistry replaces the in-memory registry.
func (m *Manager) WithRegistry(r Registry) *Manager {
	m.registry = r
	return m
}

// WithCache enables the shared snapshot cache.
func (m *Manager) WithCache(c Cache) *Manager {
	m.cache = c
	return m
}

// WithPublisher sets the sink for domain events.
func (m *Manager) WithPublisher(p Publisher) *Manager {
	m.publisher = p
	return m
}

// WithEnqueuer sets the queue used by non-urgent Send calls.
func (m *Manager) WithEnqueuer(e Enqueuer) *Manager {
	m.enqueuer = e
	return m
}

// WithCredentials sets the store whose pairing artifacts are cleared on
// logout and auth conflicts.
func (m *Manager) WithCredentials(c Credentials) *Manager {
	m.credentials = c
	return m
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// WithClock overrides time.Now for timestamps.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create persists a new session and starts connecting it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Session, error) {
	mark := m.mark()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := m.store.GetSession(ctx, id); err == nil {
		return domain.Session{}, fmt.Errorf("create %s: %w", id, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return domain.Session{}, fmt.Errorf("create %s: %w", id, err)
	}

	now := m.clock()
	s := domain.Session{
		ID:            id,
		TenantID:      req.TenantID,
		State:         domain.StateDisconnected,
		LastActive:    now,
		AutoReconnect: req.AutoReconnect,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return domain.Session{}, fmt.Errorf("create %s: %w", id, err)
	}

	if err := m.start(ctx, s, mark); err != nil && !errors.Is(err, errStartAborted) {
		m.log.Warn().Err(err).Str("session", id).Msg("initial connect failed")
	}
	return m.Get(ctx, id)
}

// Get looks the session up in the registry, then the cache, then the store.
// A stored session that should be connected but has no live connection here
// is resumed in the background.
func (m *Manager) Get(ctx context.Context, id string) (domain.Session, error) {
	mark := m.mark()
	if a, ok := m.registry.Get(id); ok {
		return a.Session(), nil
	}

	s, found := m.fromCache(ctx, id)
	if !found {
		var err error
		s, err = m.store.GetSession(ctx, id)
		if err != nil {
			return domain.Session{}, err
		}
		if m.cache != nil {
			if err := m.cache.Set(ctx, s); err != nil {
				m.log.Warn().Err(err).Str("session", id).Msg("cache fill")
			}
		}
	}

	if s.ShouldResume() && !m.reconnectPending(id) {
		go func() {
			if err := m.start(m.ctx, s, mark); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, errStartAborted) {
				m.log.Warn().Err(err).Str("session", id).Msg("lazy reconnect failed")
			}
		}()
	}
	return s, nil
}

func (m *Manager) fromCache(ctx context.Context, id string) (domain.Session, bool) {
	if m.cache == nil {
		return domain.Session{}, false
	}
	s, ok, err := m.cache.Get(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("cache read")
		return domain.Session{}, false
	}
	return s, ok
}

// Send queues a message, or sends it directly when urgent.
func (m *Manager) Send(ctx context.Context, id, recipient string, payload json.RawMessage, urgent bool) (SendOutcome, error) {
	if urgent {
		res, err := m.SendNow(ctx, id, recipient, payload)
		if err != nil {
			return SendOutcome{}, err
		}
		return SendOutcome{Result: &res}, nil
	}

	if m.enqueuer == nil {
		return SendOutcome{}, errors.New("outbound queue not configured")
	}
	s, err := m.Get(ctx, id)
	if err != nil {
		return SendOutcome{}, err
	}
	jobID, err := m.enqueuer.Enqueue(ctx, outbound.NewJob{
		TenantID:  s.TenantID,
		SessionID: id,
		Recipient: recipient,
		Payload:   payload,
	}, 0)
	if err != nil {
		return SendOutcome{}, err
	}
	return SendOutcome{JobID: &jobID}, nil
}

// SendNow sends through the live connection. A session that does not exist
// fails permanently; one that is merely offline fails with ErrNotConnected.
func (m *Manager) SendNow(ctx context.Context, id, recipient string, payload json.RawMessage) (domain.SendResult, error) {
	a, ok := m.registry.Get(id)
	if !ok {
		if _, err := m.store.GetSession(ctx, id); errors.Is(err, ErrNotFound) {
			return domain.SendResult{}, outbound.Permanent(fmt.Errorf("session %s: %w", id, ErrNotFound))
		}
		return domain.SendResult{}, fmt.Errorf("session %s: %w", id, ErrNotConnected)
	}

	r := a.do(ctx, command{kind: cmdSend, recipient: recipient, payload: payload})
	if r.err != nil {
		return domain.SendResult{}, fmt.Errorf("session %s: %w", id, r.err)
	}

	s := a.Session()
	m.publish(domain.Event{
		Type:      domain.EventMessageSent,
		TenantID:  s.TenantID,
		SessionID: s.ID,
		Data: map[string]any{
			"message_id": r.result.MessageID,
			"recipient":  recipient,
		},
		Timestamp: m.clock(),
	})
	return r.result, nil
}

// Disconnect tears the connection down and suppresses automatic reconnects
// until Reconnect is called.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	m.tearDown(id, "manual")
	if a, ok := m.registry.Get(id); ok {
		return a.do(ctx, command{kind: cmdDisconnect}).err
	}

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	from := s.State
	s.State = domain.StateDisconnected
	s.ManuallyDisconnected = true
	s.UpdatedAt = m.clock()
	m.persist(from, s, map[string]any{"reason": "manual"})
	return nil
}

// Reconnect clears a manual disconnect and starts a fresh connection.
func (m *Manager) Reconnect(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}
	m.cancelReconnect(id)
	if a, ok := m.registry.Get(id); ok {
		if r := a.do(ctx, command{kind: cmdShutdown}); r.err != nil && !errors.Is(r.err, ErrNotConnected) {
			return domain.Session{}, r.err
		}
		select {
		case <-a.Done():
		case <-ctx.Done():
			return domain.Session{}, ctx.Err()
		}
	}

	mark := m.mark()
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	s.ManuallyDisconnected = false
	if err := m.start(ctx, s, mark); err != nil && !errors.Is(err, errStartAborted) {
		return domain.Session{}, err
	}
	return m.Get(ctx, id)
}

// Logout unlinks the device, clears credentials and disconnects.
func (m *Manager) Logout(ctx context.Context, id string) error {
	m.tearDown(id, "logout")
	if a, ok := m.registry.Get(id); ok {
		return a.do(ctx, command{kind: cmdLogout}).err
	}

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	m.clearCredentials(id)
	from := s.State
	s.State = domain.StateDisconnected
	s.ManuallyDisconnected = true
	s.UpdatedAt = m.clock()
	m.persist(from, s, map[string]any{"reason": "logout"})
	return nil
}

// Delete logs the session out and removes it with every dependent record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.tearDown(id, "deleted")

	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if a, ok := m.registry.Get(id); ok {
		if r := a.do(ctx, command{kind: cmdLogout}); r.err != nil {
			m.log.Warn().Err(r.err).Str("session", id).Msg("logout before delete")
		}
	} else {
		m.clearCredentials(id)
	}

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	// A lookup racing the delete may have registered a connection since.
	m.tearDown(id, "deleted")
	if a, ok := m.registry.Get(id); ok {
		_ = a.do(ctx, command{kind: cmdShutdown})
	}
	m.invalidate(ctx, id)
	m.publish(domain.Event{
		Type:      domain.EventDisconnected,
		TenantID:  s.TenantID,
		SessionID: id,
		Data:      map[string]any{"reason": "deleted"},
		Timestamp: m.clock(),
	})
	m.log.Info().Str("session", id).Msg("session deleted")
	return nil
}

// Restore resumes every session that was connected when the process stopped.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	mark := m.mark()
	sessions, err := m.store.ListResumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable: %w", err)
	}
	n := 0
	for _, s := range sessions {
		if !s.ShouldResume() {
			continue
		}
		if err := m.start(ctx, s, mark); err != nil {
			if !errors.Is(err, errStartAborted) {
				m.log.Warn().Err(err).Str("session", s.ID).Msg("restore failed")
			}
			continue
		}
		n++
	}
	m.log.Info().Int("restored", n).Int("candidates", len(sessions)).Msg("sessions restored")
	return n, nil
}

// Live returns the number of connections owned by this process.
func (m *Manager) Live() int {
	return m.registry.Len()
}

// Close cancels pending reconnects and closes every live connection without
// changing persisted state, so Restore picks them up on the next start.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	for _, a := range m.registry.All() {
		_ = a.do(ctx, command{kind: cmdShutdown})
		select {
		case <-a.Done():
		case <-ctx.Done():
			m.cancel()
			return ctx.Err()
		}
	}
	m.cancel()
	return nil
}

// start is the single path that opens a connection, shared by Create,
// reconnect timers, lazy lookups and Restore. mark is the teardown sequence
// observed before s was read; a Disconnect, Logout or Delete after it aborts
// the start and closes any connection it opened.
func (m *Manager) start(ctx context.Context, s domain.Session, mark uint64) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.tornSince(s.ID, mark) {
		m.mu.Unlock()
		return errStartAborted
	}
	if _, live := m.registry.Get(s.ID); live || m.starting[s.ID] != nil {
		m.mu.Unlock()
		return nil
	}
	startCtx, abort := context.WithCancel(ctx)
	m.starting[s.ID] = abort
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, s.ID)
		m.mu.Unlock()
		abort()
	}()

	from := s.State
	s.State = domain.StateConnecting
	s.UpdatedAt = m.clock()
	m.persist(from, s, nil)

	connectCtx, cancel := context.WithTimeout(startCtx, m.config.ConnectTimeout)
	defer cancel()
	conn, err := m.connector.Connect(connectCtx, s)

	m.mu.Lock()
	if m.tornSince(s.ID, mark) {
		reason := m.torn[s.ID].reason
		m.mu.Unlock()
		m.abandon(s, conn, reason)
		return errStartAborted
	}
	var a *Actor
	if err == nil {
		a = newActor(m, s, conn)
		m.registry.Put(s.ID, a)
		delete(m.torn, s.ID)
	}
	m.mu.Unlock()

	if err != nil {
		if s.AutoReconnect && !s.ManuallyDisconnected {
			m.scheduleReconnect(s.ID, m.config.ReconnectDelay, "connect_failed")
		} else {
			m.persist(domain.StateConnecting, withState(s, domain.StateDisconnected, m.clock()), map[string]any{"reason": "connect_failed"})
		}
		return fmt.Errorf("connect %s: %w", s.ID, err)
	}

	m.updateLive()
	go a.run()
	m.log.Info().Str("session", s.ID).Str("tenant", s.TenantID).Msg("session started")
	return nil
}

// mark returns the current teardown sequence.
func (m *Manager) mark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownSeq
}

// tearDown cancels any pending reconnect, aborts an in-flight connect and
// invalidates every snapshot read before now. Records older than any start
// could still be waiting on are pruned. Callers persist the terminal state
// themselves.
func (m *Manager) tearDown(id, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	now := time.Now()
	horizon := 2 * (m.config.ConnectTimeout + persistTimeout)
	for other, t := range m.torn {
		if _, inFlight := m.starting[other]; !inFlight && now.Sub(t.at) > horizon {
			delete(m.torn, other)
		}
	}
	m.teardownSeq++
	m.torn[id] = teardown{seq: m.teardownSeq, reason: reason, at: now}
	if abort := m.starting[id]; abort != nil {
		abort()
	}
}

// tornSince must be called with m.mu held.
func (m *Manager) tornSince(id string, mark uint64) bool {
	t, ok := m.torn[id]
	return ok && t.seq > mark
}

// abandon closes a connection opened for a session that was torn down in
// the meantime and restores the terminal state the connect overwrote.
func (m *Manager) abandon(s domain.Session, conn Conn, reason string) {
	if conn != nil {
		_ = conn.Close()
	}
	m.log.Info().Str("session", s.ID).Str("reason", reason).Msg("session torn down during connect")
	if reason == "deleted" {
		return
	}
	s.ManuallyDisconnected = true
	m.persist(domain.StateConnecting, withState(s, domain.StateDisconnected, m.clock()), map[string]any{"reason": reason})
}

// handleClose runs on the actor goroutine after the network closed the
// connection.
func (m *Manager) handleClose(s domain.Session, reason DisconnectReason) {
	m.log.Info().Str("session", s.ID).Str("reason", string(reason)).Msg("connection closed")
	from := s.State
	now := m.clock()
	data := map[string]any{"reason": string(reason)}
	eligible := s.AutoReconnect && !s.ManuallyDisconnected

	switch reason {
	case ReasonLoggedOut, ReasonAuthFailure:
		if reason == ReasonLoggedOut {
			m.clearCredentials(s.ID)
		}
		m.persist(from, withState(s, domain.StateDisconnected, now), data)

	case ReasonAuthConflict:
		m.clearCredentials(s.ID)
		m.persist(from, withState(s, domain.StateQRRequired, now), data)
		if eligible {
			m.scheduleReconnect(s.ID, m.config.ReconnectDelay, string(reason))
		}

	default:
		if !eligible {
			m.persist(from, withState(s, domain.StateDisconnected, now), data)
			return
		}
		m.persist(from, withState(s, domain.StateConnecting, now), data)
		delay := m.config.ReconnectDelay
		if reason == ReasonIdleTimeout {
			delay = m.config.IdleReconnectDelay
		}
		m.scheduleReconnect(s.ID, delay, string(reason))
	}
}

func withState(s domain.Session, state domain.ConnectionState, at time.Time) domain.Session {
	s.State = state
	s.UpdatedAt = at
	return s
}

func (m *Manager) scheduleReconnect(id string, delay time.Duration, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, pending := m.timers[id]; pending {
		return
	}
	m.timers[id] = time.AfterFunc(delay, func() { m.reconnectFired(id) })
	if m.metrics != nil {
		m.metrics.ReconnectScheduled(reason)
	}
	m.log.Info().Str("session", id).Dur("delay", delay).Str("reason", reason).Msg("reconnect scheduled")
}

func (m *Manager) cancelReconnect(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) reconnectPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[id]
	return ok
}

func (m *Manager) reconnectFired(id string) {
	m.mu.Lock()
	delete(m.timers, id)
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ConnectTimeout+persistTimeout)
	defer cancel()

	mark := m.mark()
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("reconnect: load session")
		return
	}
	if s.ManuallyDisconnected || !s.AutoReconnect {
		return
	}
	if err := m.start(ctx, s, mark); err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, errStartAborted) {
		m.log.Warn().Err(err).Str("session", id).Msg("reconnect failed")
	}
}

// persist records a transition: durable state, cache invalidation, event.
func (m *Manager) persist(from domain.ConnectionState, s domain.Session, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.store.UpdateState(ctx, s.ID, s.State, s.ManuallyDisconnected, s.UpdatedAt); err != nil {
		m.log.Error().Err(err).Str("session", s.ID).Str("state", string(s.State)).Msg("persist state")
	}
	m.invalidate(ctx, s.ID)

	if m.metrics != nil && from != s.State {
		m.metrics.SessionStateChanged(string(from), string(s.State))
	}
	m.log.Debug().Str("session", s.ID).Str("from", string(from)).Str("to", string(s.State)).Msg("state changed")

	m.publish(domain.Event{
		Type:      domain.EventType(s.State),
		TenantID:  s.TenantID,
		SessionID: s.ID,
		Data:      data,
		Timestamp: s.UpdatedAt,
	})
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Invalidate(ctx, id); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("cache invalidate")
	}
}

func (m *Manager) publish(ev domain.Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

func (m *Manager) clearCredentials(id string) {
	if m.credentials == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.credentials.Clear(ctx, id); err != nil {
		m.log.Error().Err(err).Str("session", id).Msg("clear credentials")
	}
}

func (m *Manager) updateLive() {
	if m.metrics != nil {
		m.metrics.SessionsLiveSet(m.registry.Len())
	}
}

// dispatchInbound hands a raw message to the conversation controller. The
// task decrypts and persists under the conversation's lease.
func (m *Manager) dispatchInbound(s domain.Session, conn Conn, raw RawMessage) {
	key := domain.ConversationKey{TenantID: s.TenantID, SessionID: s.ID, Peer: raw.Peer}
	err := m.conversations.Submit(key, func(ctx context.Context) error {
		msg, err := conn.Decrypt(ctx, raw)
		if err != nil {
			return fmt.Errorf("decrypt %s: %w", raw.ID, err)
		}
		if msg.Key == (domain.ConversationKey{}) {
			msg.Key = key
		}
		if err := m.inbound.HandleInbound(ctx, msg); err != nil {
			return fmt.Errorf("handle %s: %w", msg.ID, err)
		}
		m.publish(domain.Event{
			Type:      domain.EventMessageReceived,
			TenantID:  s.TenantID,
			SessionID: s.ID,
			Data: map[string]any{
				"message_id": msg.ID,
				"from":       raw.Peer,
				"payload":    msg.Payload,
			},
			Timestamp: m.clock(),
		})
		return nil
	})
	if errors.Is(err, conversation.ErrClosed) {
		m.log.Debug().Str("session", s.ID).Str("message", raw.ID).Msg("controller closed, inbound dropped")
	} else if err != nil {
		m.log.Error().Err(err).Str("session", s.ID).Msg("submit inbound")
	}
}
