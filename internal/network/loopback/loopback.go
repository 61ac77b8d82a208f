// Package loopback is an in-process network for development and tests.
// Every connection opens immediately, and a message sent to a recipient that
// is itself a loopback session arrives there as inbound traffic.
package loopback

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

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/session"
)

var (
	ErrNoConnection = errors.New("loopback: no live connection")
	ErrConnClosed   = errors.New("loopback: connection closed")
)

const eventBuffer = 64

// Network is an in-process session.Connector for development and tests.
type Network struct {
	mu    sync.Mutex
	conns map[string]*conn
	clock func() time.Time
	log   zerolog.Logger
}

var _ session.Connector = (*Network)(nil)

// New returns an empty network.
func New() *Network {
	return &Network{
		conns: make(map[string]*conn),
		clock: time.Now,
		log:   log.With().Str("component", "loopback").Logger(),
	}
}

func (n *Network) WithClock(clock func() time.Time) *Network {
	n.clock = clock
	return n
}

// Connect opens a connection for s, replacing any previous one for the same
// session.
func (n *Network) Connect(ctx context.Context, s domain.Session) (session.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		net:       n,
		sessionID: s.ID,
		events:    make(chan session.ConnEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	c.events <- session.ConnEvent{Kind: session.ConnOpen}

	n.mu.Lock()
	prev := n.conns[s.ID]
	n.conns[s.ID] = c
	n.mu.Unlock()

	if prev != nil {
		prev.emit(context.Background(), session.ConnEvent{Kind: session.ConnClose, Reason: session.ReasonAuthConflict})
	}
	n.log.Debug().Str("session", s.ID).Msg("connection opened")
	return c, nil
}

// Inject delivers payload to sessionID as if peer had sent it.
func (n *Network) Inject(ctx context.Context, sessionID, peer string, payload json.RawMessage) (string, error) {
	c := n.lookup(sessionID)
	if c == nil {
		return "", ErrNoConnection
	}
	id := uuid.NewString()
	ev := session.ConnEvent{Kind: session.ConnMessage, Raw: session.RawMessage{ID: id, Peer: peer, Data: payload}}
	if err := c.emit(ctx, ev); err != nil {
		return "", err
	}
	return id, nil
}

// Drop closes sessionID's connection from the network side.
func (n *Network) Drop(sessionID string, reason session.DisconnectReason) error {
	c := n.lookup(sessionID)
	if c == nil {
		return ErrNoConnection
	}
	return c.emit(context.Background(), session.ConnEvent{Kind: session.ConnClose, Reason: reason})
}

// Connected reports whether sessionID has a live connection.
func (n *Network) Connected(sessionID string) bool {
	return n.lookup(sessionID) != nil
}

func (n *Network) lookup(sessionID string) *conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[sessionID]
}

func (n *Network) remove(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[c.sessionID] == c {
		delete(n.conns, c.sessionID)
	}
}

type conn struct {
	net       *Network
	sessionID string
	events    chan session.ConnEvent

	closeOnce sync.Once
	done      chan struct{}
}

func (c *conn) Events() <-chan session.ConnEvent { return c.events }

// emit queues ev unless the connection is closed. It blocks while the buffer
// is full.
func (c *conn) emit(ctx context.Context, ev session.ConnEvent) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decrypt treats the raw bytes as the JSON payload.
func (c *conn) Decrypt(_ context.Context, raw session.RawMessage) (domain.InboundMessage, error) {
	if !json.Valid(raw.Data) {
		return domain.InboundMessage{}, fmt.Errorf("loopback: message %s is not valid JSON", raw.ID)
	}
	return domain.InboundMessage{
		ID:         raw.ID,
		Payload:    json.RawMessage(raw.Data),
		ReceivedAt: c.net.clock(),
	}, nil
}

func (c *conn) Send(ctx context.Context, recipient string, payload json.RawMessage) (domain.SendResult, error) {
	select {
	case <-c.done:
		return domain.SendResult{}, ErrConnClosed
	default:
	}
	res := domain.SendResult{MessageID: uuid.NewString(), Timestamp: c.net.clock()}

	if peer := c.net.lookup(recipient); peer != nil {
		ev := session.ConnEvent{
			Kind: session.ConnMessage,
			Raw:  session.RawMessage{ID: res.MessageID, Peer: c.sessionID, Data: payload},
		}
		if err := peer.emit(ctx, ev); err != nil {
			c.net.log.Debug().Err(err).Str("session", c.sessionID).Str("recipient", recipient).Msg("loopback peer gone")
		}
	}
	return res, nil
}

func (c *conn) Logout(context.Context) error {
	c.net.log.Debug().Str("session", c.sessionID).Msg("logged out")
	return nil
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.net.remove(c)
	})
	return nil
}
