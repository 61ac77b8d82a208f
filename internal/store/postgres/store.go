// Package postgres persists sessions, inbound messages, the outbound delivery
// queue and the webhook audit trail in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"

	"github.com/lib/pq"

	"github.com/void0-space/newton-backend-sub000/internal/outbound"
	"github.com/void0-space/newton-backend-sub000/internal/session"
	"github.com/void0-space/newton-backend-sub000/internal/webhook"
)

//go:embed schema.sql
var schema string

// Store implements session.Store, outbound.Store and the webhook stores using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// PostgreSQL unique violation error code is 23505.
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Compile-time interface assertions
var (
	_ session.Store          = (*Store)(nil)
	_ session.Credentials    = (*Store)(nil)
	_ session.InboundHandler = (*Store)(nil)
	_ outbound.Store         = (*Store)(nil)
	_ webhook.TargetSource   = (*Store)(nil)
	_ webhook.DeliveryStore  = (*Store)(nil)
)

// jsonValue maps an empty document to JSON null so NOT NULL jsonb columns accept it.
func jsonValue(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
