package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WebhookTransport string

const (
	// TransportBody posts the payload as a JSON body.
	TransportBody WebhookTransport = "body"
	// TransportParams sends the payload flattened into query parameters.
	TransportParams WebhookTransport = "params"
)

// WebhookTarget is a tenant-configured endpoint. It is authored elsewhere and
// only read here.
type WebhookTarget struct {
	ID        uuid.UUID
	TenantID  string
	URL       string
	Secret    string
	Events    []string
	Transport WebhookTransport
	Active    bool
	Timeout   time.Duration
}

// Subscribes reports whether the target wants the given event type. An empty
// event list or "*" subscribes to everything.
func (t WebhookTarget) Subscribes(event EventType) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == "*" || EventType(e) == event {
			return true
		}
	}
	return false
}

type WebhookDeliveryStatus string

const (
	WebhookDeliveryPending   WebhookDeliveryStatus = "pending"
	WebhookDeliverySuccess   WebhookDeliveryStatus = "success"
	WebhookDeliveryFailed    WebhookDeliveryStatus = "failed"
	WebhookDeliveryExhausted WebhookDeliveryStatus = "exhausted"
)

// WebhookDelivery is the audit record of one notification to one target.
type WebhookDelivery struct {
	ID        uuid.UUID
	WebhookID uuid.UUID
	TenantID  string
	Event     EventType
	Payload   json.RawMessage

	Status        WebhookDeliveryStatus
	Attempts      int
	NextAttemptAt *time.Time

	ResponseStatus int
	ResponseBody   string
	LastError      string

	CreatedAt time.Time
	UpdatedAt time.Time
}
