package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

var (
	ErrNotFound = errors.New("webhook record not found")
	// ErrStatusTransitionDenied is returned when an update would overwrite a
	// delivery that already succeeded.
	ErrStatusTransitionDenied = errors.New("status transition denied: delivery already succeeded")
	// ErrNotRetryable is returned by Retry for deliveries still in the
	// automatic retry cycle or already delivered.
	ErrNotRetryable = errors.New("delivery is not exhausted")
)

// TargetSource reads webhook configuration authored by another service.
type TargetSource interface {
	ActiveTargets(ctx context.Context, tenantID string, event domain.EventType) ([]domain.WebhookTarget, error)
	GetTarget(ctx context.Context, id uuid.UUID) (domain.WebhookTarget, error)
}

// DeliveryStore persists the audit trail of delivery attempts.
type DeliveryStore interface {
	InsertDelivery(ctx context.Context, d domain.WebhookDelivery) error
	// UpdateDelivery MUST return ErrStatusTransitionDenied when the stored
	// delivery already succeeded.
	UpdateDelivery(ctx context.Context, d domain.WebhookDelivery) error
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.WebhookDelivery, error)
	// ClaimDue returns pending or failed deliveries whose NextAttemptAt is at
	// or before now and that were created at or after since. Claimed rows have
	// NextAttemptAt pushed to now+lease so concurrent sweeps skip them.
	ClaimDue(ctx context.Context, now, since time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore implements TargetSource and DeliveryStore in process.
type MemoryStore struct {
	mu         sync.Mutex
	targets    map[uuid.UUID]domain.WebhookTarget
	deliveries map[uuid.UUID]domain.WebhookDelivery
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets:    make(map[uuid.UUID]domain.WebhookTarget),
		deliveries: make(map[uuid.UUID]domain.WebhookDelivery),
	}
}

// PutTarget adds or replaces a target.
func (s *MemoryStore) PutTarget(t domain.WebhookTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.ID] = t
}

func (s *MemoryStore) ActiveTargets(_ context.Context, tenantID string, event domain.EventType) ([]domain.WebhookTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.WebhookTarget
	for _, t := range s.targets {
		if t.TenantID == tenantID && t.Active && t.Subscribes(event) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *MemoryStore) GetTarget(_ context.Context, id uuid.UUID) (domain.WebhookTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return domain.WebhookTarget{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) InsertDelivery(_ context.Context, d domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) UpdateDelivery(_ context.Context, d domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status == domain.WebhookDeliverySuccess {
		return ErrStatusTransitionDenied
	}
	s.deliveries[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id uuid.UUID) (domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return domain.WebhookDelivery{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ClaimDue(_ context.Context, now, since time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != domain.WebhookDeliveryPending && d.Status != domain.WebhookDeliveryFailed {
			continue
		}
		if d.NextAttemptAt == nil || d.NextAttemptAt.After(now) || d.CreatedAt.Before(since) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leased := now.Add(lease)
	for i := range due {
		d := s.deliveries[due[i].ID]
		d.NextAttemptAt = &leased
		s.deliveries[d.ID] = d
	}
	return due, nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.deliveries {
		if d.CreatedAt.Before(cutoff) {
			delete(s.deliveries, id)
			n++
		}
	}
	return n, nil
}

// Deliveries returns every stored delivery, oldest first.
func (s *MemoryStore) Deliveries() []domain.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.WebhookDelivery, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
