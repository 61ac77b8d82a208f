package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/conversation"
	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrNotConnected = errors.New("session not connected")
	ErrExists       = errors.New("session already exists")
)

// DisconnectReason is why the network closed a connection.
type DisconnectReason string

const (
	ReasonGeneric     DisconnectReason = "generic"
	ReasonIdleTimeout DisconnectReason = "idle_timeout"
	// ReasonLoggedOut means the device was unlinked by the user.
	ReasonLoggedOut DisconnectReason = "logged_out"
	// ReasonAuthConflict means the pairing was replaced on another device.
	ReasonAuthConflict DisconnectReason = "auth_conflict"
	// ReasonAuthFailure means stored credentials were rejected.
	ReasonAuthFailure DisconnectReason = "auth_failure"
)

type ConnEventKind int

const (
	ConnQR ConnEventKind = iota
	ConnOpen
	ConnClose
	ConnMessage
)

// RawMessage is an inbound message before decryption.
type RawMessage struct {
	ID   string
	Peer string
	Data []byte
}

// ConnEvent is one event from the protocol connection.
type ConnEvent struct {
	Kind   ConnEventKind
	QR     string
	Reason DisconnectReason
	Raw    RawMessage
}

// Connector opens protocol connections.
type Connector interface {
	Connect(ctx context.Context, s domain.Session) (Conn, error)
}

// Conn is a live protocol connection. Events is closed when the connection
// ends. Send, Logout and Close are only called from the session's actor.
// Decrypt may be called concurrently for different peers.
type Conn interface {
	Events() <-chan ConnEvent
	Decrypt(ctx context.Context, raw RawMessage) (domain.InboundMessage, error)
	Send(ctx context.Context, recipient string, payload json.RawMessage) (domain.SendResult, error)
	Logout(ctx context.Context) error
	Close() error
}

// Store is the durable record of sessions.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (domain.Session, error)
	UpdateState(ctx context.Context, id string, state domain.ConnectionState, manuallyDisconnected bool, at time.Time) error
	// ListResumable returns sessions that should be connected.
	ListResumable(ctx context.Context) ([]domain.Session, error)
	// DeleteSession removes the session and every record that depends on it.
	DeleteSession(ctx context.Context, id string) error
}

// Cache is the cross-replica read cache for session snapshots.
type Cache interface {
	Get(ctx context.Context, id string) (domain.Session, bool, error)
	Set(ctx context.Context, s domain.Session) error
	Invalidate(ctx context.Context, id string) error
}

// Conversations serializes inbound work per conversation.
type Conversations interface {
	Submit(key domain.ConversationKey, task conversation.Task) error
}

// InboundHandler persists a decrypted message and runs business hand-off.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg domain.InboundMessage) error
}

// Publisher fans domain events out to webhooks and other subscribers.
type Publisher interface {
	Publish(ev domain.Event)
}

// Enqueuer is the outbound delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job outbound.NewJob, priority int) (uuid.UUID, error)
}

// Credentials holds pairing artifacts for a session.
type Credentials interface {
	Clear(ctx context.Context, sessionID string) error
}

// MetricsSink records session activity. All methods must be non-blocking.
type MetricsSink interface {
	SessionStateChanged(from, to string)
	ReconnectScheduled(reason string)
	SessionsLiveSet(n int)
}
