package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// MemoryStore is an in-process Store, Credentials and InboundHandler for
// single-replica deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	creds    map[string][]byte
	messages map[string]map[string]domain.InboundMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		creds:    make(map[string][]byte),
		messages: make(map[string]map[string]domain.InboundMessage),
	}
}

var (
	_ Store          = (*MemoryStore)(nil)
	_ Credentials    = (*MemoryStore)(nil)
	_ InboundHandler = (*MemoryStore)(nil)
)

func (s *MemoryStore) CreateSession(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrExists
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) UpdateState(_ context.Context, id string, state domain.ConnectionState, manuallyDisconnected bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.State = state
	sess.ManuallyDisconnected = manuallyDisconnected
	sess.UpdatedAt = at
	if state == domain.StateConnected {
		sess.LastActive = at
	}
	s.sessions[id] = sess
	return nil
}

func (s *MemoryStore) ListResumable(_ context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.ShouldResume() {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.creds, id)
	delete(s.messages, id)
	return nil
}

// HandleInbound stores a decrypted message. A message id already stored for
// the session is ignored.
func (s *MemoryStore) HandleInbound(_ context.Context, msg domain.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.messages[msg.Key.SessionID]
	if !ok {
		byID = make(map[string]domain.InboundMessage)
		s.messages[msg.Key.SessionID] = byID
	}
	if _, dup := byID[msg.ID]; !dup {
		byID[msg.ID] = msg
	}
	return nil
}

// Messages returns the stored inbound messages for a session ordered by
// receive time.
func (s *MemoryStore) Messages(sessionID string) []domain.InboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.InboundMessage, 0, len(s.messages[sessionID]))
	for _, m := range s.messages[sessionID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// SetCredentials stores pairing artifacts for a session.
func (s *MemoryStore) SetCredentials(id string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = blob
}

// HasCredentials reports whether pairing artifacts exist for a session.
func (s *MemoryStore) HasCredentials(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.creds[id]
	return ok
}

func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, sessionID)
	return nil
}
