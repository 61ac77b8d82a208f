package domain

import (
	"encoding/json"
	"time"
)

// InboundMessage is a message after the protocol layer decrypted it.
type InboundMessage struct {
	ID         string
	Key        ConversationKey
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// SendResult is what the network returns for an accepted outbound message.
type SendResult struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}
