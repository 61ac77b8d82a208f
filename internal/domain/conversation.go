package domain

import "strings"

// ConversationKey identifies the ordered channel between one session and one
// peer. It is the unit of ordering and locking.
type ConversationKey struct {
	TenantID  string
	SessionID string
	Peer      string
}

func (k ConversationKey) String() string {
	return strings.Join([]string{k.TenantID, k.SessionID, k.Peer}, ":")
}
