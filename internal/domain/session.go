package domain

import "time"

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateQRRequired   ConnectionState = "qr_required"
	StateConnected    ConnectionState = "connected"
)

// Session is the persisted snapshot of one tenant's connection to the network.
type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	State      ConnectionState `json:"state"`
	LastActive time.Time       `json:"last_active"`

	AutoReconnect        bool `json:"auto_reconnect"`
	ManuallyDisconnected bool `json:"manually_disconnected"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ShouldResume reports whether a session without a live connection ought to
// be brought back up (after a restart or on a lazy lookup).
func (s Session) ShouldResume() bool {
	if s.ManuallyDisconnected || !s.AutoReconnect {
		return false
	}
	return s.State == StateConnected || s.State == StateConnecting
}
