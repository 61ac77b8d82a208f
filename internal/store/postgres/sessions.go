package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/session"
)

// CreateSession inserts a new session.
// Returns session.ErrExists if the id is taken.
func (s *Store) CreateSession(ctx context.Context, sess domain.Session) error {
	_, err := s.db.ExecContext(ctx, queryInsertSession,
		sess.ID,
		sess.TenantID,
		string(sess.State),
		sess.LastActive,
		sess.AutoReconnect,
		sess.ManuallyDisconnected,
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	if isDuplicateKeyError(err) {
		return session.ErrExists
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, queryGetSession, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, session.ErrNotFound
	}
	return sess, err
}

// UpdateState persists a state transition. last_active only moves when the
// session becomes connected.
func (s *Store) UpdateState(ctx context.Context, id string, state domain.ConnectionState, manuallyDisconnected bool, at time.Time) error {
	result, err := s.db.ExecContext(ctx, queryUpdateSessionState, id, string(state), manuallyDisconnected, at)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *Store) ListResumable(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, queryListResumableSessions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteSession removes the session together with its credentials, messages,
// delivery jobs and dead letters.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	var deletedID string
	err := s.db.QueryRowContext(ctx, queryDeleteSession, id).Scan(&deletedID)
	if errors.Is(err, sql.ErrNoRows) {
		return session.ErrNotFound
	}
	return err
}

// Clear drops the pairing credentials of a session.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, queryClearCredentials, sessionID)
	return err
}

// HandleInbound stores a decrypted message. Redelivered messages with an id
// already stored for the session are ignored.
func (s *Store) HandleInbound(ctx context.Context, msg domain.InboundMessage) error {
	_, err := s.db.ExecContext(ctx, queryInsertMessage,
		msg.Key.SessionID,
		msg.ID,
		msg.Key.TenantID,
		msg.Key.Peer,
		jsonValue(msg.Payload),
		msg.ReceivedAt,
	)
	return err
}

func scanSession(row scanner) (domain.Session, error) {
	var sess domain.Session
	var state string
	err := row.Scan(
		&sess.ID,
		&sess.TenantID,
		&state,
		&sess.LastActive,
		&sess.AutoReconnect,
		&sess.ManuallyDisconnected,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	sess.State = domain.ConnectionState(state)
	return sess, nil
}
