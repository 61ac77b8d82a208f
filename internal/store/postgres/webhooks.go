package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/webhook"
)

// ActiveTargets returns the tenant's active webhooks subscribed to event.
func (s *Store) ActiveTargets(ctx context.Context, tenantID string, event domain.EventType) ([]domain.WebhookTarget, error) {
	rows, err := s.db.QueryContext(ctx, queryActiveWebhooks, tenantID, string(event))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WebhookTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) GetTarget(ctx context.Context, id uuid.UUID) (domain.WebhookTarget, error) {
	t, err := scanTarget(s.db.QueryRowContext(ctx, queryGetWebhook, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WebhookTarget{}, webhook.ErrNotFound
	}
	return t, err
}

func (s *Store) InsertDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	_, err := s.db.ExecContext(ctx, queryInsertDelivery,
		d.ID,
		d.WebhookID,
		d.TenantID,
		string(d.Event),
		jsonValue(d.Payload),
		string(d.Status),
		d.Attempts,
		nullTime(d.NextAttemptAt),
		d.ResponseStatus,
		d.ResponseBody,
		d.LastError,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return err
}

// UpdateDelivery saves the outcome of an attempt.
// Returns webhook.ErrStatusTransitionDenied if the delivery already succeeded.
func (s *Store) UpdateDelivery(ctx context.Context, d domain.WebhookDelivery) error {
	result, err := s.db.ExecContext(ctx, queryUpdateDelivery,
		d.ID,
		string(d.Status),
		d.Attempts,
		nullTime(d.NextAttemptAt),
		d.ResponseStatus,
		d.ResponseBody,
		d.LastError,
		d.UpdatedAt,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	if _, err := s.GetDelivery(ctx, d.ID); err != nil {
		return err
	}
	return webhook.ErrStatusTransitionDenied
}

func (s *Store) GetDelivery(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, queryGetDelivery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WebhookDelivery{}, webhook.ErrNotFound
	}
	return d, err
}

// ClaimDue leases due deliveries created at or after since. Leased rows have
// next_attempt_at pushed to now+lease so overlapping sweeps skip them.
func (s *Store) ClaimDue(ctx context.Context, now, since time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, queryClaimDueDeliveries, now, since, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// PurgeBefore deletes delivery records created before cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, queryPurgeDeliveries, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanTarget(row scanner) (domain.WebhookTarget, error) {
	var t domain.WebhookTarget
	var transport string
	var timeoutMs int64

	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.URL,
		&t.Secret,
		pq.Array(&t.Events),
		&transport,
		&t.Active,
		&timeoutMs,
	)
	if err != nil {
		return domain.WebhookTarget{}, err
	}
	t.Transport = domain.WebhookTransport(transport)
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return t, nil
}

func scanDelivery(row scanner) (domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var event, status string
	var payload []byte
	var next sql.NullTime

	err := row.Scan(
		&d.ID,
		&d.WebhookID,
		&d.TenantID,
		&event,
		&payload,
		&status,
		&d.Attempts,
		&next,
		&d.ResponseStatus,
		&d.ResponseBody,
		&d.LastError,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return domain.WebhookDelivery{}, err
	}
	d.Event = domain.EventType(event)
	d.Status = domain.WebhookDeliveryStatus(status)
	d.Payload = json.RawMessage(payload)
	if next.Valid {
		t := next.Time
		d.NextAttemptAt = &t
	}
	return d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
