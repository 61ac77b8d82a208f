package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventConnecting      EventType = "connecting"
	EventQRRequired      EventType = "qr_required"
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventMessageReceived EventType = "message.received"
	EventMessageSent     EventType = "message.sent"
)

// Event is emitted by the session manager on every state transition and
// message. Its JSON form is the stable {event, data, timestamp} schema.
type Event struct {
	Type      EventType      `json:"event"`
	TenantID  string         `json:"-"`
	SessionID string         `json:"-"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Payload returns the wire form of the event.
func (e Event) Payload() (json.RawMessage, error) {
	data := make(map[string]any, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	if _, ok := data["session_id"]; !ok && e.SessionID != "" {
		data["session_id"] = e.SessionID
	}
	return json.Marshal(struct {
		Event     EventType      `json:"event"`
		Data      map[string]any `json:"data"`
		Timestamp string         `json:"timestamp"`
	}{
		Event:     e.Type,
		Data:      data,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
